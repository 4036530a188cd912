package trigger

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListParams describes filters applied when listing triggers.
type ListParams struct {
	EventType       EventType
	IncludeInactive bool
	AfterPriority   *int
	AfterID         string
	Limit           int
}

// Repository describes database operations available for triggers.
type Repository interface {
	Create(ctx context.Context, trigger *Trigger) error
	GetByID(ctx context.Context, organizationID, triggerID string) (*Trigger, error)
	List(ctx context.Context, organizationID string, params ListParams) ([]Trigger, error)
	Update(ctx context.Context, trigger *Trigger) error
	ListActiveByEventType(ctx context.Context, organizationID string, eventType EventType) ([]Trigger, error)
	RecordActivation(ctx context.Context, tx *gorm.DB, triggerID string, points int64, newUser bool, at time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, trigger *Trigger) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(trigger).Error
}

func (r *gormRepository) GetByID(ctx context.Context, organizationID, triggerID string) (*Trigger, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var trigger Trigger
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", organizationID, triggerID).
		First(&trigger).Error
	if err != nil {
		return nil, err
	}
	return &trigger, nil
}

func (r *gormRepository) List(ctx context.Context, organizationID string, params ListParams) ([]Trigger, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Trigger{}).
		Where("organization_id = ?", organizationID)

	if params.EventType != "" {
		query = query.Where("event_type = ?", params.EventType)
	}
	if !params.IncludeInactive {
		query = query.Where("is_active = ?", true)
	}
	if params.AfterPriority != nil && params.AfterID != "" {
		query = query.Where("(priority < ?) OR (priority = ? AND id > ?)", *params.AfterPriority, *params.AfterPriority, params.AfterID)
	}
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	query = query.Order("priority DESC").Order("id ASC")

	var triggers []Trigger
	if err := query.Find(&triggers).Error; err != nil {
		return nil, err
	}
	return triggers, nil
}

func (r *gormRepository) Update(ctx context.Context, trigger *Trigger) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Trigger{}).
		Where("organization_id = ? AND id = ?", trigger.OrganizationID, trigger.ID).
		Updates(map[string]any{
			"name":             trigger.Name,
			"description":      trigger.Description,
			"category":         trigger.Category,
			"event_type":       trigger.EventType,
			"is_active":        trigger.IsActive,
			"valid_from":       trigger.ValidFrom,
			"valid_until":      trigger.ValidUntil,
			"priority":         trigger.Priority,
			"conditions":       trigger.Conditions,
			"frequency":        trigger.Frequency,
			"points_reward":    trigger.PointsReward,
			"xp_reward":        trigger.XPReward,
			"bonus_multiplier": trigger.BonusMultiplier,
			"dynamic":          trigger.Dynamic,
			"tier_bonuses":     trigger.TierBonuses,
			"updated_at":       trigger.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListActiveByEventType returns active triggers ordered by priority. The
// validity window is applied by the caller against its own clock.
func (r *gormRepository) ListActiveByEventType(ctx context.Context, organizationID string, eventType EventType) ([]Trigger, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Trigger{}).
		Where("organization_id = ? AND event_type = ? AND is_active = ?", organizationID, eventType, true).
		Order("priority DESC").Order("id ASC")

	var triggers []Trigger
	if err := query.Find(&triggers).Error; err != nil {
		return nil, err
	}
	return triggers, nil
}

// RecordActivation bumps the trigger statistics inside the caller's transaction.
func (r *gormRepository) RecordActivation(ctx context.Context, tx *gorm.DB, triggerID string, points int64, newUser bool, at time.Time) error {
	db := tx
	if db == nil {
		db = r.db
	}
	if db == nil {
		return gorm.ErrInvalidDB
	}

	updates := map[string]any{
		"total_activations":    gorm.Expr("total_activations + ?", 1),
		"total_points_awarded": gorm.Expr("total_points_awarded + ?", points),
		"last_activated_at":    at,
	}
	if newUser {
		updates["unique_users"] = gorm.Expr("unique_users + ?", 1)
	}

	return db.WithContext(ctx).
		Model(&Trigger{}).
		Where("id = ?", triggerID).
		UpdateColumns(updates).Error
}
