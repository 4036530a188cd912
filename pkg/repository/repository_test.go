package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/services/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type widget struct {
	ID        string    `gorm:"column:id;primaryKey"`
	OwnerID   string    `gorm:"column:owner_id;index"`
	Quantity  int64     `gorm:"column:quantity"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func seedWidgets(t *testing.T, repo Repository[widget], owner string, n int) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, repo.Create(context.Background(), &widget{
			ID:        fmt.Sprintf("%s-%02d", owner, i),
			OwnerID:   owner,
			Quantity:  int64(i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestFindOneReturnsNilWhenMissing(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)

	got, err := repo.FindOne(context.Background(), &widget{ID: "nope"})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFindWithOperatorAndSort(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)
	seedWidgets(t, repo, "a", 5)
	seedWidgets(t, repo, "b", 2)

	out, err := repo.Find(context.Background(), &widget{OwnerID: "a"},
		option.ApplyOperator(option.Condition{Field: "quantity", Operator: option.GT, Value: 1}),
		option.WithSortBy(option.QuerySortBy{SortBy: "quantity", OrderBy: "desc", Allow: map[string]bool{"quantity": true}}),
	)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, int64(4), out[0].Quantity)

	count, err := repo.Count(context.Background(), &widget{OwnerID: "a"},
		option.ApplyOperator(option.Condition{Field: "quantity", Operator: option.IN, Value: []int64{0, 1}}))
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestUpdateMissingRow(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)
	seedWidgets(t, repo, "a", 1)

	updates := map[string]any{"quantity": gorm.Expr("quantity + ?", 10)}
	require.NoError(t, repo.Update(context.Background(), "a-00", &updates))

	got, err := repo.FindOne(context.Background(), &widget{ID: "a-00"})
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Quantity)

	err = repo.Update(context.Background(), "missing", map[string]any{"quantity": 1})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestApplyPaginationWalksPages(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)
	seedWidgets(t, repo, "a", 5)

	cursorOf := func(w *widget) pagination.Cursor { return pagination.NewCursor(w.CreatedAt, w.ID) }

	rows, err := repo.Find(context.Background(), &widget{OwnerID: "a"}, option.ApplyPagination(pagination.Pagination{Limit: 2}))
	require.NoError(t, err)
	page, info := pagination.BuildCursorPageInfo(rows, 2, cursorOf)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)
	require.Equal(t, "a-04", page[0].ID)

	rows, err = repo.Find(context.Background(), &widget{OwnerID: "a"}, option.ApplyPagination(pagination.Pagination{Limit: 2, Cursor: info.NextCursor}))
	require.NoError(t, err)
	page, info = pagination.BuildCursorPageInfo(rows, 2, cursorOf)
	require.Equal(t, []string{"a-02", "a-01"}, []string{page[0].ID, page[1].ID})
	require.True(t, info.HasMore)

	rows, err = repo.Find(context.Background(), &widget{OwnerID: "a"}, option.ApplyPagination(pagination.Pagination{Limit: 2, Cursor: info.NextCursor}))
	require.NoError(t, err)
	page, info = pagination.BuildCursorPageInfo(rows, 2, cursorOf)
	require.Len(t, page, 1)
	require.False(t, info.HasMore)
}

func TestWithTrxRollsBack(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, repo.WithTrx(tx).Create(context.Background(), &widget{ID: "x", OwnerID: "a"}))
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	got, err := repo.FindOne(context.Background(), &widget{ID: "x"})
	require.NoError(t, err)
	require.Nil(t, got)
}
