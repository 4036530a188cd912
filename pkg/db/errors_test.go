package db

import (
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	require.False(t, IsUniqueViolation(nil))
	require.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey))
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.True(t, IsUniqueViolation(&mysqldriver.MySQLError{Number: 1062}))
	require.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: loyalty_events.fingerprint")))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
	require.False(t, IsUniqueViolation(errors.New("boom")))
}

func TestIsSerializationFailure(t *testing.T) {
	require.False(t, IsSerializationFailure(nil))
	require.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40P01"}))
	require.True(t, IsSerializationFailure(&mysqldriver.MySQLError{Number: 1213}))
	require.True(t, IsSerializationFailure(errors.New("database is locked")))
	require.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
}

func TestExtractDBNameFromDSN(t *testing.T) {
	require.Equal(t, "loyalty", extractDBNameFromDSN("host=db port=5432 dbname=loyalty sslmode=disable"))
	require.Equal(t, "loyalty", extractDBNameFromDSN("u:p@tcp(db:3306)/loyalty?parseTime=True"))
	require.Equal(t, "unknown", extractDBNameFromDSN("host=db"))
}
