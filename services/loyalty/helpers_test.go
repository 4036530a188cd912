package loyalty

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/lock"
	"loyalty-engine/services/member"
	"loyalty-engine/services/testutil"
	"loyalty-engine/services/trigger"

	"github.com/bwmarrin/snowflake"
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

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixedZone struct {
	loc *time.Location
}

func (z fixedZone) Location(context.Context, string) *time.Location {
	return z.loc
}

// accountStore wraps the real store so tests can inject ApplyDelta failures.
type accountStore struct {
	*member.Store
	applyDelta func(ctx context.Context, tx *gorm.DB, org, user string, pts, xp int64) (*member.Totals, error)
}

func (s *accountStore) ApplyDelta(ctx context.Context, tx *gorm.DB, org, user string, pts, xp int64) (*member.Totals, error) {
	if s.applyDelta != nil {
		return s.applyDelta(ctx, tx, org, user, pts, xp)
	}
	return s.Store.ApplyDelta(ctx, tx, org, user, pts, xp)
}

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	triggers  trigger.Repository
	members   *member.Store
	accounts  *accountStore
	processor *Processor
	reversals *ReversalService
	reader    *Reader
	clock     *fakeClock
}

const testOrg = "org-1"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&trigger.Trigger{},
		&member.Account{},
		&member.TierChange{},
		&LoyaltyEvent{},
		&Compensation{},
	)
	node := testutil.NewNode(t)

	cfg := &config.Config{}
	cfg.Loyalty.MaxConflictRetries = 3
	cfg.Loyalty.RetryBackoff = time.Millisecond
	cfg.Loyalty.UserLockWait = 5 * time.Second
	cfg.Loyalty.TriggerCacheSize = 16
	cfg.Loyalty.CompensationMaxAttempts = 5

	repo := trigger.NewRepository(db)
	registry, err := trigger.NewRegistry(trigger.RegistryParams{Repository: repo, Config: cfg})
	require.NoError(t, err)

	members := member.NewStore(member.StoreParams{DB: db, Node: node})
	accounts := &accountStore{Store: members}
	clock := &fakeClock{t: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	locker := lock.NewLocal()

	processor := &Processor{
		db:       db,
		registry: registry,
		stats:    repo,
		members:  accounts,
		zones:    fixedZone{loc: time.UTC},
		guard:    NewFrequencyGuard(),
		locker:   locker,
		node:     node,
		cfg:      cfg.Loyalty,
		instance: "test",
		now:      clock.Now,
	}

	reversals := &ReversalService{
		db:      db,
		members: accounts,
		locker:  locker,
		node:    node,
		cfg:     cfg.Loyalty,
		now:     clock.Now,
	}

	return &fixture{
		db:        db,
		node:      node,
		triggers:  repo,
		members:   members,
		accounts:  accounts,
		processor: processor,
		reversals: reversals,
		reader:    NewReader(ReaderParams{DB: db}),
		clock:     clock,
	}
}

type triggerOpt func(*trigger.Trigger)

func withFrequency(f trigger.Frequency) triggerOpt {
	return func(t *trigger.Trigger) { t.Frequency = datatypes.NewJSONType(f) }
}

func withTierBonus(tier string, pct int) triggerOpt {
	return func(t *trigger.Trigger) { t.TierBonuses = datatypes.NewJSONType(map[string]int{tier: pct}) }
}

func withConditions(c trigger.Conditions) triggerOpt {
	return func(t *trigger.Trigger) { t.Conditions = datatypes.NewJSONType(c) }
}

func withXP(xp int64) triggerOpt {
	return func(t *trigger.Trigger) { t.XPReward = xp }
}

func (f *fixture) addTrigger(t *testing.T, et trigger.EventType, points int64, opts ...triggerOpt) *trigger.Trigger {
	t.Helper()

	tr := &trigger.Trigger{
		ID:              f.node.Generate().String(),
		OrganizationID:  testOrg,
		Name:            string(et),
		EventType:       et,
		IsActive:        true,
		Priority:        100,
		PointsReward:    points,
		BonusMultiplier: decimal.NewFromInt(1),
		Frequency:       datatypes.NewJSONType(trigger.Frequency{Type: trigger.Unlimited}),
	}
	for _, opt := range opts {
		opt(tr)
	}
	require.NoError(t, tr.Validate())
	require.NoError(t, f.triggers.Create(context.Background(), tr))
	return tr
}

func (f *fixture) seedAccount(t *testing.T, userID string, points int64) {
	t.Helper()
	require.NoError(t, f.db.Create(&member.Account{
		ID:             f.node.Generate().String(),
		OrganizationID: testOrg,
		UserID:         userID,
		TotalPoints:    points,
		Tier:           member.CalculateTier(points),
		TierSince:      time.Now().UTC(),
		Level:          1,
	}).Error)
}

func (f *fixture) account(t *testing.T, userID string) *member.Account {
	t.Helper()
	acc, err := f.members.Get(context.Background(), testOrg, userID)
	require.NoError(t, err)
	return acc
}

func (f *fixture) countRows(t *testing.T, where string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&LoyaltyEvent{}).Where(where, args...).Count(&n).Error)
	return n
}

func event(userID string, et trigger.EventType, sourceID string, at time.Time) BusinessEvent {
	return BusinessEvent{
		UserID:            userID,
		OrganizationID:    testOrg,
		EventType:         et,
		EventData:         EventData{SourceModule: "payments", SourceID: sourceID},
		OriginalEventDate: at,
		SystemInfo:        SystemInfo{Source: SourceWebhook},
	}
}
