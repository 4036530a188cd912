package loyalty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"loyalty-engine/pkg/config"
	pkgdb "loyalty-engine/pkg/db"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/featureflags"
	"loyalty-engine/pkg/lock"
	"loyalty-engine/pkg/rediskey"
	"loyalty-engine/services/member"
	"loyalty-engine/services/organization"
	"loyalty-engine/services/trigger"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("loyalty-engine/services/loyalty")

type TriggerFinder interface {
	FindActiveTriggers(ctx context.Context, organizationID string, eventType trigger.EventType, at time.Time) ([]trigger.Trigger, error)
}

type ActivationRecorder interface {
	RecordActivation(ctx context.Context, tx *gorm.DB, triggerID string, points int64, newUser bool, at time.Time) error
}

// AccountStore is the user aggregate. Both methods run inside the caller's
// transaction.
type AccountStore interface {
	Snapshot(ctx context.Context, tx *gorm.DB, organizationID, userID string) (*member.Account, error)
	ApplyDelta(ctx context.Context, tx *gorm.DB, organizationID, userID string, pointsDelta, xpDelta int64) (*member.Totals, error)
}

type ZoneResolver interface {
	Location(ctx context.Context, organizationID string) *time.Location
}

// Processor turns business events into ledger rows. It keeps no state
// between calls; concurrent instances coordinate through the per-user lock
// and the fingerprint unique index.
type Processor struct {
	db       *gorm.DB
	registry TriggerFinder
	stats    ActivationRecorder
	members  AccountStore
	zones    ZoneResolver
	flags    featureflags.Gate
	guard    *FrequencyGuard
	locker   lock.Locker
	node     *snowflake.Node
	cfg      config.Loyalty
	instance string
	now      func() time.Time
}

type ProcessorParams struct {
	fx.In
	DB            *gorm.DB
	Registry      *trigger.Registry
	Triggers      trigger.Repository
	Members       *member.Store
	Organizations *organization.Service
	Flags         featureflags.Gate `optional:"true"`
	Locker        lock.Locker
	Node          *snowflake.Node
	Config        *config.Config
}

func NewProcessor(p ProcessorParams) *Processor {
	instance, _ := os.Hostname()
	return &Processor{
		db:       p.DB,
		registry: p.Registry,
		stats:    p.Triggers,
		members:  p.Members,
		zones:    p.Organizations,
		flags:    p.Flags,
		guard:    NewFrequencyGuard(),
		locker:   p.Locker,
		node:     p.Node,
		cfg:      p.Config.Loyalty,
		instance: instance,
		now:      time.Now,
	}
}

// Process evaluates every active trigger for the event and returns the
// ledger rows it produced or found. Redelivering the same event returns the
// same rows without awarding twice.
func (p *Processor) Process(ctx context.Context, e BusinessEvent) ([]LoyaltyEvent, error) {
	start := p.now()
	e.normalize(start)
	if err := e.Validate(); err != nil {
		eventsRejected.Inc()
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "loyalty.Process", trace.WithAttributes(
		attribute.String("organization_id", e.OrganizationID),
		attribute.String("user_id", e.UserID),
		attribute.String("event_type", e.EventType.String()),
	))
	defer span.End()
	defer func() { processDuration.Observe(time.Since(start).Seconds()) }()

	zapLog := zap.L().With(
		zap.String("organization_id", e.OrganizationID),
		zap.String("user_id", e.UserID),
		zap.String("event_type", e.EventType.String()),
		zap.String("source_module", e.EventData.SourceModule),
		zap.String("request_id", e.SystemInfo.RequestID),
	)

	if p.flags != nil && !p.flags.Enabled(ctx, e.OrganizationID, featureflags.LoyaltyProcessing) {
		zapLog.Info("loyalty processing disabled for organization")
		return nil, errutil.Unavailable("loyalty processing is disabled for this organization", ErrProcessingDisabled, errutil.WithRetryable())
	}

	triggers, err := p.registry.FindActiveTriggers(ctx, e.OrganizationID, e.EventType, start)
	if err != nil {
		span.RecordError(err)
		zapLog.Error("failed to load triggers", zap.Error(err))
		return nil, errutil.Internal("failed to load triggers", err)
	}

	results := make([]LoyaltyEvent, 0, len(triggers))
	if len(triggers) == 0 {
		return results, nil
	}

	// Resolved before any transaction opens; single-connection pools would
	// otherwise deadlock on the lookup.
	loc := p.zones.Location(ctx, e.OrganizationID)

	unlock, err := lockUser(ctx, p.locker, p.cfg.UserLockWait, e.OrganizationID, e.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			zapLog.Warn("failed to release user lock", zap.Error(err))
		}
	}()

	for i := range triggers {
		t := &triggers[i]
		tLog := zapLog.With(zap.String("trigger_id", t.ID))

		if ok, reason := matchConditions(t, &e); !ok {
			tLog.Debug("trigger conditions not met", zap.String("reason", reason))
			continue
		}

		fp := Fingerprint(e.UserID, t.ID, e.EventType, e.EventData.SourceID, e.OriginalEventDate)

		row, err := p.applyWithRetry(ctx, &e, t, fp, loc, start)
		if err != nil {
			var cfgErr *trigger.ConfigurationError
			if errors.As(err, &cfgErr) {
				triggerConfigErrors.Inc()
				tLog.Warn("skipping trigger with invalid reward", zap.Error(err))
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			tLog.Error("failed to apply trigger", zap.Error(err))
			return nil, err
		}
		if row == nil {
			continue
		}

		results = append(results, *row)
	}

	span.SetAttributes(attribute.Int("loyalty.results", len(results)))
	return results, nil
}

// lockUser serializes work on one user's aggregate across instances.
func lockUser(ctx context.Context, locker lock.Locker, wait time.Duration, organizationID, userID string) (lock.Unlock, error) {
	lockCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	unlock, err := locker.Lock(lockCtx, rediskey.BuildUserLockKey(organizationID, userID))
	if err != nil {
		return nil, errutil.Conflict("user is busy, retry later",
			fmt.Errorf("%w: %v", ErrConcurrencyConflict, err), errutil.WithRetryable())
	}
	return unlock, nil
}

func (p *Processor) applyWithRetry(ctx context.Context, e *BusinessEvent, t *trigger.Trigger, fp string, loc *time.Location, start time.Time) (*LoyaltyEvent, error) {
	for attempt := 0; ; attempt++ {
		row, err := p.applyOnce(ctx, e, t, fp, loc, start)
		if err == nil || !pkgdb.IsSerializationFailure(err) {
			return row, err
		}

		if attempt >= p.cfg.MaxConflictRetries {
			return nil, errutil.Conflict("concurrent update, retry later",
				fmt.Errorf("%w: %v", ErrConcurrencyConflict, err), errutil.WithRetryable())
		}

		conflictRetries.Inc()
		zap.L().Debug("retrying after serialization failure",
			zap.String("trigger_id", t.ID), zap.Int("attempt", attempt+1), zap.Error(err))

		if err := sleepCtx(ctx, p.cfg.RetryBackoff*time.Duration(attempt+1)); err != nil {
			return nil, errutil.Timeout("processing cancelled", err)
		}
	}
}

// applyOnce runs lookup, snapshot, guard, compute, insert and apply as one
// transaction. A nil row with nil error means the guard refused the trigger.
func (p *Processor) applyOnce(ctx context.Context, e *BusinessEvent, t *trigger.Trigger, fp string, loc *time.Location, start time.Time) (*LoyaltyEvent, error) {
	tx := p.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	var existing LoyaltyEvent
	err := tx.Where("fingerprint = ?", fp).Take(&existing).Error
	if err == nil {
		tx.Rollback()
		eventsDuplicate.Inc()
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}

	acc, err := p.members.Snapshot(ctx, tx, e.OrganizationID, e.UserID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	at := p.now()
	ok, err := p.guard.MayFire(ctx, tx, e.UserID, t, at.In(loc))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !ok {
		tx.Rollback()
		eventsFrequencyBlocked.Inc()
		zap.L().Debug("frequency limit reached",
			zap.String("trigger_id", t.ID), zap.String("user_id", e.UserID))
		return nil, nil
	}

	reward := Compute(t, e.EventData, acc.Tier)
	if reward.Points < 0 || reward.XP < 0 {
		tx.Rollback()
		return nil, &trigger.ConfigurationError{TriggerID: t.ID, Problems: []errutil.Detail{
			{Field: "reward", Message: fmt.Sprintf("computed negative reward points=%d xp=%d", reward.Points, reward.XP)},
		}}
	}

	var prior int64
	if err := tx.Model(&LoyaltyEvent{}).
		Where("user_id = ? AND trigger_id = ?", e.UserID, t.ID).
		Count(&prior).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	row := p.buildRow(e, t, fp, reward, acc, at, start)
	if err := tx.Create(row).Error; err != nil {
		tx.Rollback()
		if pkgdb.IsUniqueViolation(err) {
			eventsDuplicate.Inc()
			return p.findByFingerprint(ctx, fp)
		}
		return nil, err
	}

	if _, err := p.members.ApplyDelta(ctx, tx, e.OrganizationID, e.UserID, reward.Points, reward.XP); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			return nil, p.flagForReconciliation(ctx, row, err, rbErr)
		}
		if pkgdb.IsSerializationFailure(err) {
			return nil, err
		}
		return nil, errutil.Internal("failed to apply reward", fmt.Errorf("%w: %v", ErrCompensationFailure, err))
	}

	if err := p.stats.RecordActivation(ctx, tx, t.ID, reward.Points, prior == 0, at); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	eventsAwarded.WithLabelValues(e.EventType.String()).Inc()
	zap.L().Info("loyalty reward applied",
		zap.String("event_id", row.ID),
		zap.String("trigger_id", t.ID),
		zap.String("user_id", e.UserID),
		zap.Int64("points", reward.Points),
		zap.Int64("xp", reward.XP))

	return row, nil
}

func (p *Processor) buildRow(e *BusinessEvent, t *trigger.Trigger, fp string, reward Reward, acc *member.Account, at, start time.Time) *LoyaltyEvent {
	delay := int64(at.Sub(e.OriginalEventDate).Minutes())
	if delay < 0 {
		delay = 0
	}

	var metadata datatypes.JSONMap
	if len(e.EventData.Metadata) > 0 {
		metadata = datatypes.JSONMap(e.EventData.Metadata)
	}

	return &LoyaltyEvent{
		ID:             p.node.Generate().String(),
		UserID:         e.UserID,
		OrganizationID: e.OrganizationID,
		TriggerID:      t.ID,
		EventType:      e.EventType,

		SourceModule: e.EventData.SourceModule,
		SourceID:     e.EventData.SourceID,
		Description:  e.EventData.Description,
		DynamicValue: e.EventData.DynamicValue,
		Metadata:     metadata,

		PointsAwarded:      reward.Points,
		XPAwarded:          reward.XP,
		TierBonusApplied:   reward.TierBonusApplied,
		TierBonusPct:       reward.TierBonusPct,
		BonusMultiplier:    reward.Multiplier,
		CalculationDetails: datatypes.NewJSONType(reward.Details),

		CurrentTier:       string(acc.Tier),
		TotalPointsBefore: acc.TotalPoints,
		TotalPointsAfter:  acc.TotalPoints + reward.Points,
		LevelBefore:       acc.Level,
		LevelAfter:        member.LevelFor(acc.TotalXP + reward.XP),

		IsValid:          true,
		ValidatedAt:      at.UTC(),
		ValidationMethod: ValidationAutomatic,

		Fingerprint:            fp,
		OriginalEventDate:      e.OriginalEventDate,
		ProcessingDelayMinutes: delay,

		ProcessedAt:          at.UTC(),
		ProcessingDurationMs: p.now().Sub(start).Milliseconds(),
		Source:               e.SystemInfo.Source,
		RequestID:            e.SystemInfo.RequestID,
		ServerInstance:       p.instance,
		ProcessingStatus:     ProcessingApplied,
	}
}

func (p *Processor) findByFingerprint(ctx context.Context, fp string) (*LoyaltyEvent, error) {
	var existing LoyaltyEvent
	if err := p.db.WithContext(ctx).Where("fingerprint = ?", fp).Take(&existing).Error; err != nil {
		return nil, fmt.Errorf("load duplicate %s: %w", fp, err)
	}
	return &existing, nil
}

// flagForReconciliation persists the row as invalid when a failed apply
// could not be rolled back, so the divergence is visible to operators.
func (p *Processor) flagForReconciliation(ctx context.Context, row *LoyaltyEvent, applyErr, rollbackErr error) error {
	reconciliationFlags.Inc()

	zapLog := zap.L().With(
		zap.String("event_id", row.ID),
		zap.String("fingerprint", row.Fingerprint),
		zap.String("user_id", row.UserID),
		zap.NamedError("apply_error", applyErr),
		zap.NamedError("rollback_error", rollbackErr),
	)

	row.IsValid = false
	row.ValidationMethod = ValidationSystem
	row.ProcessingStatus = ProcessingFailed
	row.RequiresReconciliation = true

	if err := p.db.WithContext(context.WithoutCancel(ctx)).Create(row).Error; err != nil {
		zapLog.Error("failed to persist reconciliation row", zap.Error(err))
	} else {
		zapLog.Error("reward apply failed and rollback failed, row flagged for reconciliation")
	}

	return errutil.Internal("reward apply failed, flagged for reconciliation",
		fmt.Errorf("%w: %v", ErrCompensationFailure, errors.Join(applyErr, rollbackErr)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
