package member

import (
	"context"
	"testing"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Account{}, &TierChange{})
	return NewStore(StoreParams{DB: db, Node: testutil.NewNode(t)}), db
}

func TestCalculateTier(t *testing.T) {
	cases := map[int64]Tier{
		0:     Bronze,
		999:   Bronze,
		1000:  Silver,
		4999:  Silver,
		5000:  Gold,
		15000: Platinum,
		90000: Platinum,
	}
	for points, want := range cases {
		require.Equal(t, want, CalculateTier(points), "points=%d", points)
	}

	next, ok := NextTierThreshold(Silver)
	require.True(t, ok)
	require.EqualValues(t, 5000, next)

	_, ok = NextTierThreshold(Platinum)
	require.False(t, ok)

	tier, ok := ParseTier(" GOLD ")
	require.True(t, ok)
	require.Equal(t, Gold, tier)

	require.Equal(t, 1, LevelFor(999))
	require.Equal(t, 3, LevelFor(2500))
}

func TestSnapshotCreatesAccountOnce(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		first, err := store.Snapshot(ctx, tx, "org-1", "user-1")
		require.NoError(t, err)
		require.Equal(t, Bronze, first.Tier)
		require.Equal(t, 1, first.Level)

		again, err := store.Snapshot(ctx, tx, "org-1", "user-1")
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
		return nil
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&Account{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestApplyDeltaPromotesTierAndRecordsHistory(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	var totals *Totals
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		totals, err = store.ApplyDelta(ctx, tx, "org-1", "user-1", 1200, 2500)
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 1200, totals.TotalPoints)
	require.Equal(t, Silver, totals.Tier)
	require.Equal(t, 3, totals.Level)

	tier, err := store.CurrentTier(ctx, "org-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, Silver, tier)

	history, err := store.TierHistory(ctx, "org-1", "user-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, Bronze, history[0].FromTier)
	require.Equal(t, Silver, history[0].ToTier)

	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		totals, err = store.ApplyDelta(ctx, tx, "org-1", "user-1", -300, 0)
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 900, totals.TotalPoints)
	require.Equal(t, Bronze, totals.Tier)
}

func TestApplyDeltaRollsBackWithTransaction(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := store.ApplyDelta(ctx, tx, "org-1", "user-1", 50, 5); err != nil {
			return err
		}
		return gorm.ErrInvalidTransaction
	})
	require.ErrorIs(t, err, gorm.ErrInvalidTransaction)

	_, err = store.Get(ctx, "org-1", "user-1")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	tier, err := store.CurrentTier(ctx, "org-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, Bronze, tier)
}

func TestApplyDeltaRequiresTransaction(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.ApplyDelta(context.Background(), nil, "org-1", "user-1", 1, 1)
	require.Error(t, err)
}
