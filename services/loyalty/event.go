package loyalty

import (
	"strings"
	"time"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/trigger"
)

type EventData struct {
	SourceModule string         `json:"source_module"`
	SourceID     string         `json:"source_id,omitempty"`
	Description  string         `json:"description,omitempty"`
	DynamicValue *float64       `json:"dynamic_value,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UserContext is what the caller knows about the user at event time. It feeds
// role, subscription and expression conditions.
type UserContext struct {
	Role                  string         `json:"role,omitempty"`
	SubscriptionTier      string         `json:"subscription_tier,omitempty"`
	HasActiveSubscription bool           `json:"has_active_subscription,omitempty"`
	Attributes            map[string]any `json:"attributes,omitempty"`
}

type SystemInfo struct {
	Source    Source `json:"source"`
	RequestID string `json:"request_id,omitempty"`
}

// BusinessEvent is the single entry type for every originating module; the
// module is carried in EventData.SourceModule.
type BusinessEvent struct {
	UserID            string            `json:"user_id"`
	OrganizationID    string            `json:"organization_id"`
	EventType         trigger.EventType `json:"event_type"`
	EventData         EventData         `json:"event_data"`
	User              UserContext       `json:"user,omitempty"`
	OriginalEventDate time.Time         `json:"original_event_date"`
	SystemInfo        SystemInfo        `json:"system_info"`
}

func (e *BusinessEvent) normalize(now time.Time) {
	e.UserID = strings.TrimSpace(e.UserID)
	e.OrganizationID = strings.TrimSpace(e.OrganizationID)
	e.EventType = trigger.EventType(strings.ToUpper(strings.TrimSpace(string(e.EventType))))
	e.EventData.SourceModule = strings.TrimSpace(e.EventData.SourceModule)
	if e.OriginalEventDate.IsZero() {
		e.OriginalEventDate = now
	}
	e.OriginalEventDate = e.OriginalEventDate.UTC()
}

// Validate rejects events that cannot be processed. It performs no I/O.
func (e *BusinessEvent) Validate() error {
	var details []errutil.Detail
	if e.UserID == "" {
		details = append(details, errutil.Detail{Field: "user_id", Message: "is required"})
	}
	if e.OrganizationID == "" {
		details = append(details, errutil.Detail{Field: "organization_id", Message: "is required"})
	}
	if e.EventType == "" {
		details = append(details, errutil.Detail{Field: "event_type", Message: "is required"})
	}
	if e.EventData.SourceModule == "" {
		details = append(details, errutil.Detail{Field: "event_data.source_module", Message: "is required"})
	}
	if e.SystemInfo.Source.String() == "" {
		details = append(details, errutil.Detail{Field: "system_info.source", Message: "must be one of webhook, cron, api, manual"})
	}

	if len(details) == 0 {
		return nil
	}
	return errutil.ValidationFailed("invalid business event", ErrInvalidEvent, errutil.WithDetails(details...))
}

// attributes exposes the event to CEL expressions as `event` and `user`.
func (e *BusinessEvent) attributes() map[string]interface{} {
	event := map[string]interface{}{
		"event_type":    string(e.EventType),
		"source_module": e.EventData.SourceModule,
		"source_id":     e.EventData.SourceID,
		"currency":      e.EventData.Currency,
		"metadata":      orEmpty(e.EventData.Metadata),
	}
	if e.EventData.DynamicValue != nil {
		event["dynamic_value"] = *e.EventData.DynamicValue
	}

	user := map[string]interface{}{
		"id":                      e.UserID,
		"role":                    e.User.Role,
		"subscription_tier":       e.User.SubscriptionTier,
		"has_active_subscription": e.User.HasActiveSubscription,
		"attributes":              orEmpty(e.User.Attributes),
	}

	return map[string]interface{}{"event": event, "user": user}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
