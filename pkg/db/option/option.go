package option

import (
	"fmt"
	"regexp"
	"strings"

	"loyalty-engine/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it is executed.
type QueryOption func(db *gorm.DB) *gorm.DB

func Apply(db *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		if opt != nil {
			db = opt(db)
		}
	}
	return db
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders by SortBy (created_at when empty). Columns missing from
// Allow fall back to created_at; OrderBy accepts asc or desc.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" || (s.Allow != nil && !s.Allow[column]) || !validField(column) {
			column = "created_at"
		}
		desc := !strings.EqualFold(s.OrderBy, "asc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// LockingUpdate adds SELECT ... FOR UPDATE. SQLite has no row locks and
// serializes writers on its own, so the clause is skipped there.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

type Operator string

const (
	EQ    Operator = "="
	NE    Operator = "<>"
	GT    Operator = ">"
	GTE   Operator = ">="
	LT    Operator = "<"
	LTE   Operator = "<="
	IN    Operator = "IN"
	NOTIN Operator = "NOT IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validField(field string) bool {
	return fieldPattern.MatchString(field)
}

// ApplyOperator adds one WHERE clause per condition. Conditions with an
// invalid field name or unknown operator are ignored.
func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			if !validField(c.Field) {
				continue
			}
			switch c.Operator {
			case EQ, NE, GT, GTE, LT, LTE, IN, NOTIN:
			default:
				continue
			}
			db = db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
		}
		return db
	}
}

const (
	DefaultLimit = 10
	MaxLimit     = 250
)

// ApplyPagination orders by created_at DESC, id DESC and resumes after the
// cursor. It fetches one extra row so callers can tell whether more exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if p.Cursor != "" {
			cur, err := pagination.ParseCursor(p.Cursor)
			if err != nil {
				_ = db.AddError(err)
				return db
			}
			db = After("created_at", cur)(db)
		}
		return db.Order("created_at DESC").Order("id DESC").Limit(NormalizeLimit(p.Limit) + 1)
	}
}

// After keeps rows strictly past cur in (column DESC, id DESC) order.
// column must be a trusted identifier.
func After(column string, cur pagination.Cursor) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("(%[1]s < ?) OR (%[1]s = ? AND id < ?)", column), cur.At, cur.At, cur.ID)
	}
}

func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
