package loyalty

import (
	"fmt"
	"strings"
	"time"

	"loyalty-engine/services/trigger"

	"github.com/google/uuid"
)

// Spend thresholds for SPEND_OVER_X, in the organization's currency unit.
const (
	SpendHighThreshold    = 1000
	SpendPremiumThreshold = 5000
)

type PaymentSucceeded struct {
	OrganizationID string     `json:"organization_id" binding:"required"`
	UserID         string     `json:"user_id" binding:"required"`
	PaymentID      string     `json:"payment_id"`
	SubscriptionID string     `json:"subscription_id"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	PaidAt         time.Time  `json:"paid_at"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
}

// Events yields PAY_ON_TIME when the payment was made by its due date and
// SPEND_OVER_X when the amount crosses SpendHighThreshold.
func (p PaymentSucceeded) Events() []BusinessEvent {
	sourceID := p.PaymentID
	if sourceID == "" {
		sourceID = p.SubscriptionID
	}
	reqID := requestID(p.RequestID)
	amount := p.Amount

	var out []BusinessEvent
	if p.DueDate != nil && !p.PaidAt.IsZero() && !p.PaidAt.After(*p.DueDate) {
		out = append(out, BusinessEvent{
			UserID:         p.UserID,
			OrganizationID: p.OrganizationID,
			EventType:      trigger.PayOnTime,
			EventData: EventData{
				SourceModule: "payments",
				SourceID:     sourceID,
				Description:  "Payment received on time",
				DynamicValue: &amount,
				Currency:     p.Currency,
				Metadata: map[string]any{
					"subscription_id": p.SubscriptionID,
					"due_date":        p.DueDate.UTC().Format(time.RFC3339),
				},
			},
			OriginalEventDate: p.PaidAt,
			SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: reqID},
		})
	}

	if p.Amount >= SpendHighThreshold {
		spendingTier := "high"
		if p.Amount >= SpendPremiumThreshold {
			spendingTier = "premium"
		}
		out = append(out, BusinessEvent{
			UserID:         p.UserID,
			OrganizationID: p.OrganizationID,
			EventType:      trigger.SpendOverX,
			EventData: EventData{
				SourceModule: "payments",
				SourceID:     sourceID,
				Description:  fmt.Sprintf("Payment of %.2f %s", p.Amount, p.Currency),
				DynamicValue: &amount,
				Currency:     p.Currency,
				Metadata:     map[string]any{"spendingTier": spendingTier},
			},
			OriginalEventDate: p.PaidAt,
			SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: reqID},
		})
	}

	return out
}

type SubscriptionRenewed struct {
	OrganizationID string    `json:"organization_id" binding:"required"`
	UserID         string    `json:"user_id" binding:"required"`
	SubscriptionID string    `json:"subscription_id" binding:"required"`
	Plan           string    `json:"plan"`
	Amount         *float64  `json:"amount,omitempty"`
	Currency       string    `json:"currency"`
	RenewedAt      time.Time `json:"renewed_at"`
	RequestID      string    `json:"request_id,omitempty"`
}

func (s SubscriptionRenewed) Event() BusinessEvent {
	return BusinessEvent{
		UserID:         s.UserID,
		OrganizationID: s.OrganizationID,
		EventType:      trigger.RenewSubscription,
		EventData: EventData{
			SourceModule: "subscriptions",
			// renewed_at keeps each period's fingerprint distinct.
			SourceID:     s.SubscriptionID,
			Description:  "Subscription renewed",
			DynamicValue: s.Amount,
			Currency:     s.Currency,
			Metadata:     map[string]any{"plan": s.Plan},
		},
		User:              UserContext{SubscriptionTier: s.Plan, HasActiveSubscription: true},
		OriginalEventDate: s.RenewedAt,
		SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: requestID(s.RequestID)},
	}
}

type SubscriptionUpgraded struct {
	OrganizationID   string    `json:"organization_id" binding:"required"`
	UserID           string    `json:"user_id" binding:"required"`
	SubscriptionID   string    `json:"subscription_id" binding:"required"`
	FromPlan         string    `json:"from_plan"`
	ToPlan           string    `json:"to_plan"`
	AdditionalAmount float64   `json:"additional_amount"`
	Currency         string    `json:"currency"`
	UpgradedAt       time.Time `json:"upgraded_at"`
	RequestID        string    `json:"request_id,omitempty"`
}

func (s SubscriptionUpgraded) Event() BusinessEvent {
	amount := s.AdditionalAmount
	return BusinessEvent{
		UserID:         s.UserID,
		OrganizationID: s.OrganizationID,
		EventType:      trigger.UpgradeSubscription,
		EventData: EventData{
			SourceModule: "subscriptions",
			SourceID:     s.SubscriptionID,
			Description:  fmt.Sprintf("Subscription upgraded from %s to %s", s.FromPlan, s.ToPlan),
			DynamicValue: &amount,
			Currency:     s.Currency,
			Metadata:     map[string]any{"from_plan": s.FromPlan, "to_plan": s.ToPlan},
		},
		User:              UserContext{SubscriptionTier: s.ToPlan, HasActiveSubscription: true},
		OriginalEventDate: s.UpgradedAt,
		SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: requestID(s.RequestID)},
	}
}

type ReferralConverted struct {
	OrganizationID string    `json:"organization_id" binding:"required"`
	ReferrerID     string    `json:"referrer_id" binding:"required"`
	ReferredUserID string    `json:"referred_user_id" binding:"required"`
	ReferralCode   string    `json:"referral_code"`
	ConvertedAt    time.Time `json:"converted_at"`
	RequestID      string    `json:"request_id,omitempty"`
}

// Events rewards the referrer with REFER_USER and the new user with
// WELCOME_BONUS.
func (r ReferralConverted) Events() []BusinessEvent {
	reqID := requestID(r.RequestID)
	meta := map[string]any{"referral_code": r.ReferralCode}

	return []BusinessEvent{
		{
			UserID:         r.ReferrerID,
			OrganizationID: r.OrganizationID,
			EventType:      trigger.ReferUser,
			EventData: EventData{
				SourceModule: "referrals",
				SourceID:     r.ReferredUserID,
				Description:  "Referred user converted",
				Metadata:     meta,
			},
			OriginalEventDate: r.ConvertedAt,
			SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: reqID},
		},
		{
			UserID:         r.ReferredUserID,
			OrganizationID: r.OrganizationID,
			EventType:      trigger.WelcomeBonus,
			EventData: EventData{
				SourceModule: "referrals",
				SourceID:     r.ReferrerID,
				Description:  "Welcome bonus for referred user",
				Metadata:     meta,
			},
			OriginalEventDate: r.ConvertedAt,
			SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: reqID},
		},
	}
}

type CampaignParticipated struct {
	OrganizationID string         `json:"organization_id" binding:"required"`
	UserID         string         `json:"user_id" binding:"required"`
	CampaignID     string         `json:"campaign_id" binding:"required"`
	CampaignName   string         `json:"campaign_name"`
	ParticipatedAt time.Time      `json:"participated_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
}

func (c CampaignParticipated) Event() BusinessEvent {
	meta := map[string]any{"campaign_name": c.CampaignName}
	for k, v := range c.Metadata {
		meta[k] = v
	}

	return BusinessEvent{
		UserID:         c.UserID,
		OrganizationID: c.OrganizationID,
		EventType:      trigger.ParticipateInCampaign,
		EventData: EventData{
			SourceModule: "campaigns",
			SourceID:     c.CampaignID,
			Description:  "Participated in campaign " + c.CampaignName,
			Metadata:     meta,
		},
		OriginalEventDate: c.ParticipatedAt,
		SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: requestID(c.RequestID)},
	}
}

type MilestoneAchieved struct {
	OrganizationID string    `json:"organization_id" binding:"required"`
	UserID         string    `json:"user_id" binding:"required"`
	MilestoneType  string    `json:"milestone_type" binding:"required"`
	Value          float64   `json:"value"`
	AchievedAt     time.Time `json:"achieved_at"`
	RequestID      string    `json:"request_id,omitempty"`
}

func (m MilestoneAchieved) Event() BusinessEvent {
	value := m.Value
	return BusinessEvent{
		UserID:         m.UserID,
		OrganizationID: m.OrganizationID,
		EventType:      trigger.MilestoneAchieved,
		EventData: EventData{
			SourceModule: "engagement",
			SourceID:     fmt.Sprintf("%s_%s", strings.ToLower(m.MilestoneType), trimFloat(m.Value)),
			Description:  fmt.Sprintf("Milestone %s reached", m.MilestoneType),
			DynamicValue: &value,
			Metadata:     map[string]any{"milestone_type": m.MilestoneType, "value": m.Value},
		},
		OriginalEventDate: m.AchievedAt,
		SystemInfo:        SystemInfo{Source: SourceWebhook, RequestID: requestID(m.RequestID)},
	}
}

func requestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
