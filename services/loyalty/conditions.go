package loyalty

import (
	"fmt"
	"strings"

	"loyalty-engine/pkg/celengine"
	"loyalty-engine/services/trigger"
)

// matchConditions evaluates the trigger's predicate against the event. The
// returned reason names the first failing condition.
func matchConditions(t *trigger.Trigger, e *BusinessEvent) (bool, string) {
	cond := t.Conditions.Data()

	if len(cond.UserRoles) > 0 && !containsFold(cond.UserRoles, e.User.Role) {
		return false, "user role not allowed"
	}
	if len(cond.SubscriptionTiers) > 0 && !containsFold(cond.SubscriptionTiers, e.User.SubscriptionTier) {
		return false, "subscription tier not allowed"
	}
	if cond.RequiresActiveSubscription && !e.User.HasActiveSubscription {
		return false, "active subscription required"
	}
	if cond.MinAmount != nil {
		if e.EventData.DynamicValue == nil || *e.EventData.DynamicValue < *cond.MinAmount {
			return false, "below minimum amount"
		}
	}
	if cond.Currency != "" && !strings.EqualFold(cond.Currency, e.EventData.Currency) {
		return false, "currency mismatch"
	}
	for k, want := range cond.Custom {
		got, ok := e.EventData.Metadata[k]
		if !ok || fmt.Sprint(got) != want {
			return false, "custom condition " + k + " not met"
		}
	}
	if cond.Expression != "" {
		ok, err := celengine.Evaluate(cond.Expression, e.attributes())
		if err != nil {
			return false, "expression error: " + err.Error()
		}
		if !ok {
			return false, "expression false"
		}
	}

	return true, ""
}

func containsFold(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
