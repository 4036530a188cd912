package member

import (
	"context"
	"errors"
	"fmt"

	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{db: p.DB, node: p.Node}
}

func (s *Store) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// Snapshot returns the caller's account row, creating an empty bronze account
// on first contact. Inside a transaction the row stays locked until commit.
func (s *Store) Snapshot(ctx context.Context, tx *gorm.DB, organizationID, userID string) (*Account, error) {
	db := s.conn(ctx, tx)

	acc, err := s.lockedAccount(db, organizationID, userID)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		return acc, nil
	}

	fresh := &Account{
		ID:             s.node.Generate().String(),
		OrganizationID: organizationID,
		UserID:         userID,
		Tier:           Bronze,
		TierSince:      db.NowFunc(),
		Level:          1,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	acc, err = s.lockedAccount(db, organizationID, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account for %s/%s vanished after insert", organizationID, userID)
	}
	return acc, nil
}

func (s *Store) lockedAccount(db *gorm.DB, organizationID, userID string) (*Account, error) {
	var acc Account
	err := option.LockingUpdate(db).
		Where("organization_id = ? AND user_id = ?", organizationID, userID).
		Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return &acc, nil
}

// ApplyDelta adds the deltas to the account and recalculates tier and level.
// It must run inside the same transaction that writes the ledger row.
func (s *Store) ApplyDelta(ctx context.Context, tx *gorm.DB, organizationID, userID string, pointsDelta, xpDelta int64) (*Totals, error) {
	if tx == nil {
		return nil, errors.New("member: ApplyDelta requires a transaction")
	}

	acc, err := s.Snapshot(ctx, tx, organizationID, userID)
	if err != nil {
		return nil, err
	}

	zapLog := zap.L().With(
		zap.String("organization_id", organizationID),
		zap.String("user_id", userID),
	)

	points := acc.TotalPoints + pointsDelta
	xp := acc.TotalXP + xpDelta
	if points < 0 || xp < 0 {
		zapLog.Warn("account delta would go negative, clamping",
			zap.Int64("points", points), zap.Int64("xp", xp))
		points = max(points, 0)
		xp = max(xp, 0)
	}

	tier := CalculateTier(points)
	level := LevelFor(xp)

	updates := map[string]any{
		"total_points": points,
		"total_xp":     xp,
		"tier":         tier,
		"level":        level,
	}

	db := tx.WithContext(ctx)
	if tier != acc.Tier {
		now := db.NowFunc()
		updates["tier_since"] = now

		change := &TierChange{
			ID:             s.node.Generate().String(),
			OrganizationID: organizationID,
			UserID:         userID,
			FromTier:       acc.Tier,
			ToTier:         tier,
			TotalPoints:    points,
		}
		if err := db.Create(change).Error; err != nil {
			return nil, fmt.Errorf("record tier change: %w", err)
		}
		zapLog.Info("tier changed", zap.String("from", acc.Tier.String()), zap.String("to", tier.String()))
	}

	res := db.Model(&Account{}).Where("id = ?", acc.ID).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("update account %s: %w", acc.ID, gorm.ErrRecordNotFound)
	}

	return &Totals{TotalPoints: points, TotalXP: xp, Tier: tier, Level: level}, nil
}

// CurrentTier reads the tier without locking. Users without an account are bronze.
func (s *Store) CurrentTier(ctx context.Context, organizationID, userID string) (Tier, error) {
	acc, err := s.Get(ctx, organizationID, userID)
	if err != nil {
		if errutil.HasStatus(err, errutil.StatusNotFound) {
			return Bronze, nil
		}
		return "", err
	}
	return acc.Tier, nil
}

func (s *Store) Get(ctx context.Context, organizationID, userID string) (*Account, error) {
	var acc Account
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND user_id = ?", organizationID, userID).
		Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("account not found", err)
	}
	if err != nil {
		return nil, errutil.Internal("failed to load account", err)
	}
	return &acc, nil
}

func (s *Store) TierHistory(ctx context.Context, organizationID, userID string) ([]*TierChange, error) {
	var out []*TierChange
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND user_id = ?", organizationID, userID).
		Order("created_at DESC").Order("id DESC").
		Find(&out).Error
	if err != nil {
		return nil, errutil.Internal("failed to load tier history", err)
	}
	return out, nil
}
