package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loyalty-engine/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultPriority = 100
)

// Input is the admin-facing shape of a trigger definition.
type Input struct {
	Name            string         `json:"name" yaml:"name"`
	Description     string         `json:"description" yaml:"description"`
	Category        Category       `json:"category" yaml:"category"`
	EventType       EventType      `json:"event_type" yaml:"event_type"`
	IsActive        *bool          `json:"is_active" yaml:"is_active"`
	ValidFrom       *time.Time     `json:"valid_from" yaml:"valid_from"`
	ValidUntil      *time.Time     `json:"valid_until" yaml:"valid_until"`
	Priority        int            `json:"priority" yaml:"priority"`
	Conditions      Conditions     `json:"conditions" yaml:"conditions"`
	Frequency       Frequency      `json:"frequency" yaml:"frequency"`
	PointsReward    int64          `json:"points_reward" yaml:"points_reward"`
	XPReward        int64          `json:"xp_reward" yaml:"xp_reward"`
	BonusMultiplier string         `json:"bonus_multiplier" yaml:"bonus_multiplier"`
	Dynamic         DynamicPoints  `json:"dynamic" yaml:"dynamic"`
	TierBonuses     map[string]int `json:"tier_bonuses" yaml:"tier_bonuses"`
}

type ListRequest struct {
	EventType       EventType `form:"event_type"`
	IncludeInactive bool      `form:"include_inactive"`
	Cursor          string    `form:"cursor"`
	Limit           int       `form:"limit"`
}

type ListResponse struct {
	Triggers   []Trigger `json:"triggers"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// Service manages trigger definitions for tenant admins.
type Service struct {
	repo     Repository
	registry *Registry
	node     *snowflake.Node
}

type ServiceParams struct {
	fx.In
	Repository Repository
	Registry   *Registry
	Node       *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		repo:     p.Repository,
		registry: p.Registry,
		node:     p.Node,
	}
}

func (s *Service) apply(t *Trigger, in Input) error {
	t.Name = strings.TrimSpace(in.Name)
	t.Description = in.Description
	t.Category = in.Category
	t.EventType = EventType(strings.ToUpper(strings.TrimSpace(string(in.EventType))))
	t.ValidFrom = in.ValidFrom
	t.ValidUntil = in.ValidUntil
	t.Priority = in.Priority
	if t.Priority == 0 {
		t.Priority = defaultPriority
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if in.Frequency.Type == "" {
		in.Frequency.Type = Unlimited
	}
	in.Frequency.Type = FrequencyType(strings.ToUpper(string(in.Frequency.Type)))
	t.Conditions = datatypes.NewJSONType(in.Conditions)
	t.Frequency = datatypes.NewJSONType(in.Frequency)
	t.PointsReward = in.PointsReward
	t.XPReward = in.XPReward
	t.Dynamic = datatypes.NewJSONType(in.Dynamic)

	bonuses := make(map[string]int, len(in.TierBonuses))
	for k, v := range in.TierBonuses {
		bonuses[strings.ToLower(strings.TrimSpace(k))] = v
	}
	t.TierBonuses = datatypes.NewJSONType(bonuses)

	t.BonusMultiplier = decimal.NewFromInt(1)
	if in.BonusMultiplier != "" {
		m, err := decimal.NewFromString(in.BonusMultiplier)
		if err != nil {
			return errutil.ValidationFailed("invalid trigger", err,
				errutil.WithDetails(errutil.Detail{Field: "bonus_multiplier", Message: "must be a decimal number"}))
		}
		t.BonusMultiplier = m
	}
	return nil
}

func validationError(err error) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return errutil.ValidationFailed("invalid trigger", err, errutil.WithDetails(cfgErr.Problems...))
	}
	return err
}

func (s *Service) Create(ctx context.Context, organizationID, createdBy string, in Input) (*Trigger, error) {
	zapLog := zap.L().With(zap.String("organization_id", organizationID))

	t := &Trigger{
		ID:             s.node.Generate().String(),
		OrganizationID: organizationID,
		IsActive:       true,
		CreatedBy:      createdBy,
	}
	if err := s.apply(t, in); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, validationError(err)
	}

	if err := s.repo.Create(ctx, t); err != nil {
		zapLog.Error("failed to create trigger", zap.Error(err))
		return nil, errutil.Internal("failed to create trigger", err)
	}
	s.registry.Invalidate(ctx, organizationID)

	zapLog.Info("trigger created", zap.String("trigger_id", t.ID), zap.String("event_type", t.EventType.String()))
	return t, nil
}

func (s *Service) Get(ctx context.Context, organizationID, triggerID string) (*Trigger, error) {
	t, err := s.repo.GetByID(ctx, organizationID, triggerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("trigger not found", err)
	}
	if err != nil {
		zap.L().Error("failed to get trigger", zap.String("trigger_id", triggerID), zap.Error(err))
		return nil, errutil.Internal("failed to get trigger", err)
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, organizationID string, req ListRequest) (*ListResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	params := ListParams{
		EventType:       req.EventType,
		IncludeInactive: req.IncludeInactive,
		Limit:           limit + 1,
	}
	if req.Cursor != "" {
		priority, id, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid paging cursor", err)
		}
		params.AfterPriority = &priority
		params.AfterID = id
	}

	triggers, err := s.repo.List(ctx, organizationID, params)
	if err != nil {
		zap.L().Error("failed to list triggers", zap.Error(err))
		return nil, errutil.Internal("failed to list triggers", err)
	}

	resp := &ListResponse{}
	if len(triggers) > limit {
		triggers = triggers[:limit]
		resp.HasMore = true
		last := triggers[len(triggers)-1]
		resp.NextCursor = encodeCursor(last.Priority, last.ID)
	}
	resp.Triggers = triggers
	return resp, nil
}

func (s *Service) Update(ctx context.Context, organizationID, triggerID string, in Input) (*Trigger, error) {
	existing, err := s.Get(ctx, organizationID, triggerID)
	if err != nil {
		return nil, err
	}

	if in.IsActive == nil {
		active := existing.IsActive
		in.IsActive = &active
	}
	if err := s.apply(existing, in); err != nil {
		return nil, err
	}
	if err := existing.Validate(); err != nil {
		return nil, validationError(err)
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, existing); errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("trigger not found", err)
	} else if err != nil {
		zap.L().Error("failed to update trigger", zap.String("trigger_id", triggerID), zap.Error(err))
		return nil, errutil.Internal("failed to update trigger", err)
	}
	s.registry.Invalidate(ctx, organizationID)

	return existing, nil
}

// Deactivate switches the trigger off. Ledger rows keep referencing it, so
// triggers are never deleted.
func (s *Service) Deactivate(ctx context.Context, organizationID, triggerID string) (*Trigger, error) {
	existing, err := s.Get(ctx, organizationID, triggerID)
	if err != nil {
		return nil, err
	}

	existing.IsActive = false
	existing.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, existing); err != nil {
		zap.L().Error("failed to deactivate trigger", zap.String("trigger_id", triggerID), zap.Error(err))
		return nil, errutil.Internal("failed to deactivate trigger", err)
	}
	s.registry.Invalidate(ctx, organizationID)

	return existing, nil
}

func encodeCursor(priority int, id string) string {
	return fmt.Sprintf("%d:%s", priority, id)
}

func decodeCursor(cursor string) (int, string, error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("invalid cursor format")
	}
	value, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", err
	}
	return value, parts[1], nil
}
