package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loyalty-engine/pkg/config"
	pkgdb "loyalty-engine/pkg/db"
	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/lock"
	"loyalty-engine/services/member"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReversalService invalidates ledger rows and claws back their aggregate
// contribution. Rows are never deleted.
type ReversalService struct {
	db      *gorm.DB
	members AccountStore
	locker  lock.Locker
	node    *snowflake.Node
	cfg     config.Loyalty
	now     func() time.Time
}

type ReversalParams struct {
	fx.In
	DB      *gorm.DB
	Members *member.Store
	Locker  lock.Locker
	Node    *snowflake.Node
	Config  *config.Config
}

func NewReversalService(p ReversalParams) *ReversalService {
	return &ReversalService{
		db:      p.DB,
		members: p.Members,
		locker:  p.Locker,
		node:    p.Node,
		cfg:     p.Config.Loyalty,
		now:     time.Now,
	}
}

// Reverse marks the event invalid and records a compensation for its points
// and XP. The compensation is applied immediately; if that fails it stays
// pending for the reconciler and the reversed event is still returned.
func (s *ReversalService) Reverse(ctx context.Context, eventID, reversedBy, reason string) (*LoyaltyEvent, error) {
	eventID = strings.TrimSpace(eventID)
	reversedBy = strings.TrimSpace(reversedBy)
	reason = strings.TrimSpace(reason)

	var details []errutil.Detail
	if eventID == "" {
		details = append(details, errutil.Detail{Field: "event_id", Message: "is required"})
	}
	if reversedBy == "" {
		details = append(details, errutil.Detail{Field: "reversed_by", Message: "is required"})
	}
	if reason == "" {
		details = append(details, errutil.Detail{Field: "reason", Message: "is required"})
	}
	if len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid reversal request", nil, errutil.WithDetails(details...))
	}

	var ev LoyaltyEvent
	if err := s.db.WithContext(ctx).Where("id = ?", eventID).Take(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("event not found", err)
		}
		return nil, errutil.Internal("failed to load event", err)
	}

	zapLog := zap.L().With(
		zap.String("event_id", ev.ID),
		zap.String("organization_id", ev.OrganizationID),
		zap.String("user_id", ev.UserID),
		zap.String("reversed_by", reversedBy),
	)

	unlock, err := lockUser(ctx, s.locker, s.cfg.UserLockWait, ev.OrganizationID, ev.UserID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			zapLog.Warn("failed to release user lock", zap.Error(err))
		}
	}()

	reversed, comp, err := s.markReversed(ctx, eventID, reversedBy, reason)
	if err != nil {
		return nil, err
	}
	zapLog.Info("loyalty event reversed", zap.String("reason", reason), zap.String("compensation_id", comp.ID))

	if _, err := s.applyCompensationLocked(ctx, comp.ID); err != nil {
		zapLog.Error("compensation left pending", zap.String("compensation_id", comp.ID), zap.Error(err))
	}

	return reversed, nil
}

func (s *ReversalService) markReversed(ctx context.Context, eventID, reversedBy, reason string) (*LoyaltyEvent, *Compensation, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, nil, errutil.Internal("failed to begin transaction", tx.Error)
	}

	var ev LoyaltyEvent
	if err := option.LockingUpdate(tx).Where("id = ?", eventID).Take(&ev).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errutil.NotFound("event not found", err)
		}
		return nil, nil, errutil.Internal("failed to load event", err)
	}

	if ev.IsReversed {
		tx.Rollback()
		return nil, nil, errutil.Conflict("event already reversed", ErrAlreadyReversed)
	}
	if !ev.IsValid {
		tx.Rollback()
		return nil, nil, errutil.Conflict("event is not valid", ErrEventInvalid)
	}

	at := s.now().UTC()
	if err := tx.Model(&LoyaltyEvent{}).Where("id = ?", ev.ID).Updates(map[string]any{
		"is_valid":          false,
		"is_reversed":       true,
		"reversed_at":       at,
		"reversed_by":       reversedBy,
		"reversal_reason":   reason,
		"validated_at":      at,
		"validation_method": ValidationManual,
	}).Error; err != nil {
		tx.Rollback()
		return nil, nil, errutil.Internal("failed to reverse event", err)
	}

	comp := &Compensation{
		ID:             s.node.Generate().String(),
		EventID:        ev.ID,
		OrganizationID: ev.OrganizationID,
		UserID:         ev.UserID,
		PointsDelta:    -ev.PointsAwarded,
		XPDelta:        -ev.XPAwarded,
		Status:         CompensationPending,
	}
	if err := tx.Create(comp).Error; err != nil {
		tx.Rollback()
		if pkgdb.IsUniqueViolation(err) {
			return nil, nil, errutil.Conflict("event already reversed", ErrAlreadyReversed)
		}
		return nil, nil, errutil.Internal("failed to record compensation", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, nil, errutil.Internal("failed to commit reversal", err)
	}

	ev.IsValid = false
	ev.IsReversed = true
	ev.ReversedAt = &at
	ev.ReversedBy = reversedBy
	ev.ReversalReason = reason
	ev.ValidatedAt = at
	ev.ValidationMethod = ValidationManual

	return &ev, comp, nil
}

// ApplyCompensation applies a pending compensation to the user's aggregate.
// Applied compensations are returned unchanged.
func (s *ReversalService) ApplyCompensation(ctx context.Context, compensationID string) (*Compensation, error) {
	var comp Compensation
	if err := s.db.WithContext(ctx).Where("id = ?", compensationID).Take(&comp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("compensation not found", err)
		}
		return nil, errutil.Internal("failed to load compensation", err)
	}
	if comp.Status == CompensationApplied {
		return &comp, nil
	}

	unlock, err := lockUser(ctx, s.locker, s.cfg.UserLockWait, comp.OrganizationID, comp.UserID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("failed to release user lock", zap.String("compensation_id", comp.ID), zap.Error(err))
		}
	}()

	return s.applyCompensationLocked(ctx, compensationID)
}

// applyCompensationLocked expects the caller to hold the user lock.
func (s *ReversalService) applyCompensationLocked(ctx context.Context, compensationID string) (*Compensation, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, errutil.Internal("failed to begin transaction", tx.Error)
	}

	var comp Compensation
	if err := option.LockingUpdate(tx).Where("id = ?", compensationID).Take(&comp).Error; err != nil {
		tx.Rollback()
		return nil, errutil.Internal("failed to load compensation", err)
	}
	if comp.Status == CompensationApplied {
		tx.Rollback()
		return &comp, nil
	}

	if _, err := s.members.ApplyDelta(ctx, tx, comp.OrganizationID, comp.UserID, comp.PointsDelta, comp.XPDelta); err != nil {
		tx.Rollback()
		s.recordFailure(ctx, &comp, err)
		return nil, errutil.Internal("failed to apply compensation", fmt.Errorf("%w: %v", ErrCompensationFailure, err))
	}

	at := s.now().UTC()
	if err := tx.Model(&Compensation{}).Where("id = ?", comp.ID).Updates(map[string]any{
		"status":     CompensationApplied,
		"applied_at": at,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": "",
	}).Error; err != nil {
		tx.Rollback()
		s.recordFailure(ctx, &comp, err)
		return nil, errutil.Internal("failed to mark compensation applied", fmt.Errorf("%w: %v", ErrCompensationFailure, err))
	}

	if err := tx.Commit().Error; err != nil {
		s.recordFailure(ctx, &comp, err)
		return nil, errutil.Internal("failed to commit compensation", fmt.Errorf("%w: %v", ErrCompensationFailure, err))
	}

	compensationsApplied.Inc()
	comp.Status = CompensationApplied
	comp.AppliedAt = &at
	comp.Attempts++
	comp.LastError = ""
	return &comp, nil
}

func (s *ReversalService) recordFailure(ctx context.Context, comp *Compensation, cause error) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&Compensation{}).
		Where("id = ? AND status = ?", comp.ID, CompensationPending).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
	if err != nil {
		zap.L().Error("failed to record compensation failure",
			zap.String("compensation_id", comp.ID), zap.NamedError("cause", cause), zap.Error(err))
	}
}
