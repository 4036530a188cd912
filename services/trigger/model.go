package trigger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type EventType string

const (
	PayOnTime             EventType = "PAY_ON_TIME"
	RenewSubscription     EventType = "RENEW_SUBSCRIPTION"
	UpgradeSubscription   EventType = "UPGRADE_SUBSCRIPTION"
	ReferUser             EventType = "REFER_USER"
	ParticipateInCampaign EventType = "PARTICIPATE_IN_CAMPAIGN"
	MilestoneAchieved     EventType = "MILESTONE_ACHIEVED"
	WelcomeBonus          EventType = "WELCOME_BONUS"
	SpendOverX            EventType = "SPEND_OVER_X"
)

func (e EventType) String() string {
	return string(e)
}

type Category string

const (
	Engagement Category = "engagement"
	Revenue    Category = "revenue"
	Growth     Category = "growth"
	Retention  Category = "retention"
)

type FrequencyType string

const (
	Once      FrequencyType = "ONCE"
	Daily     FrequencyType = "DAILY"
	Weekly    FrequencyType = "WEEKLY"
	Monthly   FrequencyType = "MONTHLY"
	Unlimited FrequencyType = "UNLIMITED"
)

// Periodic reports whether the type counts activations per calendar window.
func (f FrequencyType) Periodic() bool {
	return f == Daily || f == Weekly || f == Monthly
}

type Conditions struct {
	MinAmount                  *float64          `json:"min_amount,omitempty" yaml:"min_amount"`
	Currency                   string            `json:"currency,omitempty" yaml:"currency"`
	UserRoles                  []string          `json:"user_roles,omitempty" yaml:"user_roles"`
	SubscriptionTiers          []string          `json:"subscription_tiers,omitempty" yaml:"subscription_tiers"`
	RequiresActiveSubscription bool              `json:"requires_active_subscription,omitempty" yaml:"requires_active_subscription"`
	Custom                     map[string]string `json:"custom,omitempty" yaml:"custom"`
	// Expression is a CEL predicate over `event` and `user`.
	Expression string `json:"expression,omitempty" yaml:"expression"`
}

type Frequency struct {
	Type           FrequencyType `json:"type" yaml:"type"`
	LimitPerPeriod *int          `json:"limit_per_period,omitempty" yaml:"limit_per_period"`
	CooldownHours  int           `json:"cooldown_hours,omitempty" yaml:"cooldown_hours"`
}

// Limit is the number of activations allowed per window.
func (f Frequency) Limit() int {
	if f.LimitPerPeriod == nil {
		return 1
	}
	return *f.LimitPerPeriod
}

// DynamicPoints scales a reward with the event's dynamic value:
// floor(value / UnitSize) * PointsPerUnit, capped at MaxPoints when positive.
type DynamicPoints struct {
	PointsPerUnit int64   `json:"points_per_unit" yaml:"points_per_unit"`
	UnitSize      float64 `json:"unit_size" yaml:"unit_size"`
	MaxPoints     int64   `json:"max_points,omitempty" yaml:"max_points"`
}

func (d DynamicPoints) Configured() bool {
	return d.PointsPerUnit > 0 && d.UnitSize > 0
}

type Trigger struct {
	ID              string                             `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt       time.Time                          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time                          `gorm:"column:updated_at" json:"updated_at"`
	OrganizationID  string                             `gorm:"column:organization_id;index:idx_loyalty_triggers_lookup,priority:1;not null" json:"organization_id"`
	Name            string                             `gorm:"column:name;not null" json:"name"`
	Description     string                             `gorm:"column:description" json:"description,omitempty"`
	Category        Category                           `gorm:"column:category;type:varchar(20)" json:"category"`
	EventType       EventType                          `gorm:"column:event_type;type:varchar(64);index:idx_loyalty_triggers_lookup,priority:2;not null" json:"event_type"`
	IsActive        bool                               `gorm:"column:is_active;index:idx_loyalty_triggers_lookup,priority:3" json:"is_active"`
	ValidFrom       *time.Time                         `gorm:"column:valid_from" json:"valid_from,omitempty"`
	ValidUntil      *time.Time                         `gorm:"column:valid_until" json:"valid_until,omitempty"`
	Priority        int                                `gorm:"column:priority;default:100" json:"priority"`
	Conditions      datatypes.JSONType[Conditions]     `gorm:"column:conditions" json:"conditions"`
	Frequency       datatypes.JSONType[Frequency]      `gorm:"column:frequency" json:"frequency"`
	PointsReward    int64                              `gorm:"column:points_reward" json:"points_reward"`
	XPReward        int64                              `gorm:"column:xp_reward" json:"xp_reward"`
	BonusMultiplier decimal.Decimal                    `gorm:"column:bonus_multiplier;type:decimal(10,4)" json:"bonus_multiplier"`
	Dynamic         datatypes.JSONType[DynamicPoints]  `gorm:"column:dynamic" json:"dynamic"`
	TierBonuses     datatypes.JSONType[map[string]int] `gorm:"column:tier_bonuses" json:"tier_bonuses"`
	CreatedBy       string                             `gorm:"column:created_by" json:"created_by,omitempty"`

	TotalActivations   int64      `gorm:"column:total_activations;not null;default:0" json:"total_activations"`
	UniqueUsers        int64      `gorm:"column:unique_users;not null;default:0" json:"unique_users"`
	TotalPointsAwarded int64      `gorm:"column:total_points_awarded;not null;default:0" json:"total_points_awarded"`
	LastActivatedAt    *time.Time `gorm:"column:last_activated_at" json:"last_activated_at,omitempty"`
}

func (Trigger) TableName() string {
	return "loyalty_triggers"
}

// ActiveAt applies the activity flag and validity window. Open bounds are
// unbounded.
func (t *Trigger) ActiveAt(at time.Time) bool {
	if !t.IsActive {
		return false
	}
	if t.ValidFrom != nil && at.Before(*t.ValidFrom) {
		return false
	}
	if t.ValidUntil != nil && at.After(*t.ValidUntil) {
		return false
	}
	return true
}

// Multiplier returns BonusMultiplier when it boosts the reward. Unset values
// and values up to 1 count as 1; a multiplier never reduces a reward.
func (t *Trigger) Multiplier() decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !t.BonusMultiplier.GreaterThan(one) {
		return one
	}
	return t.BonusMultiplier
}
