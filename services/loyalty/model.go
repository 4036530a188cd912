package loyalty

import (
	"time"

	"loyalty-engine/services/trigger"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Source string

var (
	SourceWebhook Source = "webhook"
	SourceCron    Source = "cron"
	SourceAPI     Source = "api"
	SourceManual  Source = "manual"
)

func (s Source) String() string {
	switch s {
	case SourceWebhook, SourceCron, SourceAPI, SourceManual:
		return string(s)
	default:
		return ""
	}
}

type ValidationMethod string

var (
	ValidationAutomatic ValidationMethod = "automatic"
	ValidationManual    ValidationMethod = "manual"
	ValidationSystem    ValidationMethod = "system"
)

type ProcessingStatus string

var (
	ProcessingApplied ProcessingStatus = "applied"
	ProcessingFailed  ProcessingStatus = "failed"
)

type CompensationStatus string

var (
	CompensationPending CompensationStatus = "pending"
	CompensationApplied CompensationStatus = "applied"
)

// CalculationDetails records how a reward was derived.
type CalculationDetails struct {
	BasePoints    int64  `json:"base_points"`
	DynamicPoints int64  `json:"dynamic_points"`
	TierBonusPct  int    `json:"tier_bonus_pct"`
	Multiplier    string `json:"multiplier"`
	BaseXP        int64  `json:"base_xp"`
	Formula       string `json:"formula"`
}

// LoyaltyEvent is one append-only ledger row. After insert only the
// validation columns (is_valid, validated_at, validation_method and the
// reversal fields) may change.
type LoyaltyEvent struct {
	ID             string            `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt      time.Time         `gorm:"column:created_at" json:"created_at"`
	UserID         string            `gorm:"column:user_id;not null;index:idx_loyalty_events_frequency,priority:1" json:"user_id"`
	OrganizationID string            `gorm:"column:organization_id;not null;index:idx_loyalty_events_org_processed,priority:1" json:"organization_id"`
	TriggerID      string            `gorm:"column:trigger_id;not null;index:idx_loyalty_events_frequency,priority:2" json:"trigger_id"`
	EventType      trigger.EventType `gorm:"column:event_type;type:varchar(64);not null" json:"event_type"`

	SourceModule string            `gorm:"column:source_module;type:varchar(64)" json:"source_module"`
	SourceID     string            `gorm:"column:source_id" json:"source_id,omitempty"`
	Description  string            `gorm:"column:description" json:"description,omitempty"`
	DynamicValue *float64          `gorm:"column:dynamic_value" json:"dynamic_value,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`

	PointsAwarded      int64                                  `gorm:"column:points_awarded;not null" json:"points_awarded"`
	XPAwarded          int64                                  `gorm:"column:xp_awarded;not null" json:"xp_awarded"`
	TierBonusApplied   bool                                   `gorm:"column:tier_bonus_applied" json:"tier_bonus_applied"`
	TierBonusPct       int                                    `gorm:"column:tier_bonus_pct" json:"tier_bonus_pct"`
	BonusMultiplier    decimal.Decimal                        `gorm:"column:bonus_multiplier;type:decimal(10,4)" json:"bonus_multiplier"`
	CalculationDetails datatypes.JSONType[CalculationDetails] `gorm:"column:calculation_details" json:"calculation_details"`

	CurrentTier       string `gorm:"column:current_tier;type:varchar(20)" json:"current_tier"`
	TotalPointsBefore int64  `gorm:"column:total_points_before" json:"total_points_before"`
	TotalPointsAfter  int64  `gorm:"column:total_points_after" json:"total_points_after"`
	LevelBefore       int    `gorm:"column:level_before" json:"level_before"`
	LevelAfter        int    `gorm:"column:level_after" json:"level_after"`

	IsValid          bool             `gorm:"column:is_valid;not null" json:"is_valid"`
	ValidatedAt      time.Time        `gorm:"column:validated_at" json:"validated_at"`
	ValidationMethod ValidationMethod `gorm:"column:validation_method;type:varchar(20)" json:"validation_method"`
	IsReversed       bool             `gorm:"column:is_reversed;not null;default:false" json:"is_reversed"`
	ReversedAt       *time.Time       `gorm:"column:reversed_at" json:"reversed_at,omitempty"`
	ReversedBy       string           `gorm:"column:reversed_by" json:"reversed_by,omitempty"`
	ReversalReason   string           `gorm:"column:reversal_reason" json:"reversal_reason,omitempty"`

	Fingerprint            string    `gorm:"column:fingerprint;type:char(64);uniqueIndex;not null" json:"fingerprint"`
	OriginalEventDate      time.Time `gorm:"column:original_event_date;not null" json:"original_event_date"`
	ProcessingDelayMinutes int64     `gorm:"column:processing_delay_minutes" json:"processing_delay_minutes"`

	ProcessedAt            time.Time        `gorm:"column:processed_at;not null;index:idx_loyalty_events_frequency,priority:3;index:idx_loyalty_events_org_processed,priority:2" json:"processed_at"`
	ProcessingDurationMs   int64            `gorm:"column:processing_duration_ms" json:"processing_duration_ms"`
	Source                 Source           `gorm:"column:source;type:varchar(20)" json:"source"`
	RequestID              string           `gorm:"column:request_id" json:"request_id,omitempty"`
	ServerInstance         string           `gorm:"column:server_instance" json:"server_instance,omitempty"`
	ProcessingStatus       ProcessingStatus `gorm:"column:processing_status;type:varchar(20)" json:"processing_status"`
	RequiresReconciliation bool             `gorm:"column:requires_reconciliation;not null;default:false;index" json:"requires_reconciliation"`
}

func (LoyaltyEvent) TableName() string {
	return "loyalty_events"
}

// Counted reports whether the row contributes to totals and frequency limits.
func (e *LoyaltyEvent) Counted() bool {
	return e.IsValid && !e.IsReversed
}

// Compensation is the tracked aggregate decrement owed by a reversal. One per
// ledger row, so a reversal can never be applied twice.
type Compensation struct {
	ID             string             `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt      time.Time          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"column:updated_at" json:"updated_at"`
	EventID        string             `gorm:"column:event_id;uniqueIndex;not null" json:"event_id"`
	OrganizationID string             `gorm:"column:organization_id;not null" json:"organization_id"`
	UserID         string             `gorm:"column:user_id;not null" json:"user_id"`
	PointsDelta    int64              `gorm:"column:points_delta" json:"points_delta"`
	XPDelta        int64              `gorm:"column:xp_delta" json:"xp_delta"`
	Status         CompensationStatus `gorm:"column:status;type:varchar(20);index" json:"status"`
	Attempts       int                `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError      string             `gorm:"column:last_error" json:"last_error,omitempty"`
	AppliedAt      *time.Time         `gorm:"column:applied_at" json:"applied_at,omitempty"`
}

func (Compensation) TableName() string {
	return "loyalty_compensations"
}

// Models lists the tables owned by this package, for migrations.
func Models() []any {
	return []any{&LoyaltyEvent{}, &Compensation{}}
}
