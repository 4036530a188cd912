package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/rediskey"
	"loyalty-engine/services/testutil"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func ptr[T any](v T) *T { return &v }

func newTestService(t *testing.T, cacheTTL time.Duration) (*Service, Repository, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Trigger{})
	repo := NewRepository(db)

	cfg := &config.Config{}
	cfg.Loyalty.TriggerCacheSize = 16
	cfg.Loyalty.TriggerCacheTTL = cacheTTL

	registry, err := NewRegistry(RegistryParams{Repository: repo, Config: cfg})
	require.NoError(t, err)

	svc := NewService(ServiceParams{Repository: repo, Registry: registry, Node: testutil.NewNode(t)})
	return svc, repo, db
}

func validTrigger() *Trigger {
	return &Trigger{
		ID:             "t-1",
		OrganizationID: "org-1",
		Name:           "Pay on time",
		EventType:      PayOnTime,
		IsActive:       true,
		Priority:       100,
		PointsReward:   10,
		Frequency:      datatypes.NewJSONType(Frequency{Type: Unlimited}),
		TierBonuses:    datatypes.NewJSONType(map[string]int{"gold": 20}),
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validTrigger().Validate())

	cases := map[string]func(*Trigger){
		"negative points": func(tr *Trigger) { tr.PointsReward = -1 },
		"window inverted": func(tr *Trigger) {
			tr.ValidFrom = ptr(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
			tr.ValidUntil = ptr(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		},
		"unknown tier":       func(tr *Trigger) { tr.TierBonuses = datatypes.NewJSONType(map[string]int{"diamond": 5}) },
		"bonus out of range": func(tr *Trigger) { tr.TierBonuses = datatypes.NewJSONType(map[string]int{"gold": 5000}) },
		"zero daily limit": func(tr *Trigger) {
			tr.Frequency = datatypes.NewJSONType(Frequency{Type: Daily, LimitPerPeriod: ptr(0)})
		},
		"unknown frequency":   func(tr *Trigger) { tr.Frequency = datatypes.NewJSONType(Frequency{Type: "HOURLY"}) },
		"lower event type":    func(tr *Trigger) { tr.EventType = "pay_on_time" },
		"negative multiplier": func(tr *Trigger) { tr.BonusMultiplier = decimal.NewFromInt(-1) },
		"bad expression": func(tr *Trigger) {
			tr.Conditions = datatypes.NewJSONType(Conditions{Expression: "event.amount >"})
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tr := validTrigger()
			mutate(tr)

			err := tr.Validate()
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			require.NotEmpty(t, cfgErr.Problems)
			require.Equal(t, "t-1", cfgErr.TriggerID)
		})
	}
}

func TestLimitDefaultsToOne(t *testing.T) {
	require.Equal(t, 1, Frequency{Type: Daily}.Limit())
	require.Equal(t, 3, Frequency{Type: Daily, LimitPerPeriod: ptr(3)}.Limit())
	require.True(t, Weekly.Periodic())
	require.False(t, Once.Periodic())
}

func TestFindActiveTriggersHonoursWindow(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.Create(ctx, "org-1", "admin", Input{Name: "open", EventType: PayOnTime, PointsReward: 10, Priority: 10})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "org-1", "admin", Input{Name: "january", EventType: PayOnTime, PointsReward: 5, Priority: 500, ValidFrom: &jan, ValidUntil: &feb})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "org-1", "admin", Input{Name: "off", EventType: PayOnTime, PointsReward: 5, IsActive: ptr(false)})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "org-2", "admin", Input{Name: "other org", EventType: PayOnTime, PointsReward: 5})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "org-1", "admin", Input{Name: "other type", EventType: SpendOverX, PointsReward: 5})
	require.NoError(t, err)

	inJan, err := svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, jan.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, inJan, 2)
	require.Equal(t, "january", inJan[0].Name)

	inMarch, err := svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, feb.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, inMarch, 1)
	require.Equal(t, "open", inMarch[0].Name)

	onBoundary, err := svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, feb)
	require.NoError(t, err)
	require.Len(t, onBoundary, 2)
}

func TestRegistryCacheInvalidation(t *testing.T) {
	svc, repo, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, err := svc.Create(ctx, "org-1", "admin", Input{Name: "first", EventType: PayOnTime, PointsReward: 1})
	require.NoError(t, err)

	got, err := svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, now)
	require.NoError(t, err)
	require.Len(t, got, 1)

	sneaky := validTrigger()
	sneaky.ID = "direct"
	require.NoError(t, repo.Create(ctx, sneaky))

	got, err = svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, now)
	require.NoError(t, err)
	require.Len(t, got, 1, "served from cache")

	svc.registry.Invalidate(ctx, "org-1")
	got, err = svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRegistryValidatesOncePerLoad(t *testing.T) {
	svc, repo, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, validTrigger()))
	broken := validTrigger()
	broken.ID = "broken"
	broken.Frequency = datatypes.NewJSONType(Frequency{Type: "HOURLY"})
	require.NoError(t, repo.Create(ctx, broken))

	before := promtest.ToFloat64(invalidTriggers)
	for i := 0; i < 3; i++ {
		got, err := svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, now)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "t-1", got[0].ID)
	}
	require.Equal(t, 1.0, promtest.ToFloat64(invalidTriggers)-before)
}

func TestRegistryAppliesBroadcastInvalidation(t *testing.T) {
	svc, repo, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, validTrigger()))
	got, err := svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, now)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Written by another instance, which only tells us over the channel.
	other := validTrigger()
	other.ID = "t-2"
	require.NoError(t, repo.Create(ctx, other))

	ch := make(chan *redis.Message, 2)
	ch <- &redis.Message{Channel: rediskey.TriggerInvalidationChannel, Payload: "org-2"}
	close(ch)
	svc.registry.listen(ch)

	got, err = svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, now)
	require.NoError(t, err)
	require.Len(t, got, 1, "other organizations leave the set cached")

	ch = make(chan *redis.Message, 1)
	ch <- &redis.Message{Channel: rediskey.TriggerInvalidationChannel, Payload: "org-1"}
	close(ch)
	svc.registry.listen(ch)

	got, err = svc.registry.FindActiveTriggers(ctx, "org-1", PayOnTime, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestCacheLoadCollapsesConcurrentMisses(t *testing.T) {
	cache, err := NewCache(4, time.Minute)
	require.NoError(t, err)

	var calls int32
	release := make(chan struct{})
	key := SetKey{OrganizationID: "org-1", EventType: PayOnTime}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Load(context.Background(), key, func(context.Context) ([]Trigger, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return []Trigger{{ID: "a"}}, nil
			})
			require.NoError(t, err)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(8))
	got, ok := cache.Get(key)
	require.True(t, ok)
	require.Len(t, got, 1)

	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok = cache.Get(key)
	require.False(t, ok, "expired")
}

func TestServiceCreateValidatesAndUpdates(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	_, err := svc.Create(ctx, "org-1", "admin", Input{Name: "bad", EventType: PayOnTime, PointsReward: -5})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	_, err = svc.Create(ctx, "org-1", "admin", Input{Name: "bad", EventType: PayOnTime, BonusMultiplier: "abc"})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	created, err := svc.Create(ctx, "org-1", "admin", Input{
		Name:            "Spend",
		EventType:       "spend_over_x",
		PointsReward:    15,
		BonusMultiplier: "1.5",
		TierBonuses:     map[string]int{"Gold": 10},
		Frequency:       Frequency{Type: "daily", LimitPerPeriod: ptr(2)},
		Dynamic:         DynamicPoints{PointsPerUnit: 1, UnitSize: 100, MaxPoints: 50},
	})
	require.NoError(t, err)
	require.Equal(t, SpendOverX, created.EventType)
	require.Equal(t, Daily, created.Frequency.Data().Type)
	require.Equal(t, 10, created.TierBonuses.Data()["gold"])
	require.Equal(t, "admin", created.CreatedBy)

	loaded, err := svc.Get(ctx, "org-1", created.ID)
	require.NoError(t, err)
	require.True(t, loaded.Multiplier().Equal(decimal.RequireFromString("1.5")))
	require.Equal(t, 2, loaded.Frequency.Data().Limit())
	require.Equal(t, int64(50), loaded.Dynamic.Data().MaxPoints)

	updated, err := svc.Update(ctx, "org-1", created.ID, Input{Name: "Spend more", EventType: SpendOverX, PointsReward: 20})
	require.NoError(t, err)
	require.True(t, updated.IsActive)
	require.EqualValues(t, 20, updated.PointsReward)

	_, err = svc.Get(ctx, "org-2", created.ID)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	off, err := svc.Deactivate(ctx, "org-1", created.ID)
	require.NoError(t, err)
	require.False(t, off.IsActive)
}

func TestServiceListPaginatesByPriority(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	for _, p := range []int{10, 300, 200} {
		_, err := svc.Create(ctx, "org-1", "admin", Input{Name: "t", EventType: PayOnTime, Priority: p})
		require.NoError(t, err)
	}

	page, err := svc.List(ctx, "org-1", ListRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Triggers, 2)
	require.True(t, page.HasMore)
	require.Equal(t, 300, page.Triggers[0].Priority)

	rest, err := svc.List(ctx, "org-1", ListRequest{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Triggers, 1)
	require.Equal(t, 10, rest.Triggers[0].Priority)

	_, err = svc.List(ctx, "org-1", ListRequest{Cursor: "garbage"})
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))
}

func TestRecordActivation(t *testing.T) {
	_, repo, db := newTestService(t, 0)
	ctx := context.Background()

	tr := validTrigger()
	require.NoError(t, repo.Create(ctx, tr))

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if err := repo.RecordActivation(ctx, tx, tr.ID, 12, true, at); err != nil {
			return err
		}
		return repo.RecordActivation(ctx, tx, tr.ID, 8, false, at)
	}))

	got, err := repo.GetByID(ctx, "org-1", tr.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.TotalActivations)
	require.EqualValues(t, 1, got.UniqueUsers)
	require.EqualValues(t, 20, got.TotalPointsAwarded)
	require.NotNil(t, got.LastActivatedAt)
}
