package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"loyalty-engine/pkg/celengine"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/member"
)

const (
	MinPriority    = 1
	MaxPriority    = 1000
	maxTierBonus   = 1000
	maxCooldownHrs = 24 * 366
)

var eventTypePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ConfigurationError describes a trigger that cannot be evaluated. The
// processor skips such triggers and keeps going with the rest.
type ConfigurationError struct {
	TriggerID string
	Problems  []errutil.Detail
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Message)
	}
	return fmt.Sprintf("trigger %s misconfigured: %s", e.TriggerID, strings.Join(parts, "; "))
}

// Validate checks the invariants a trigger must hold before it can fire.
func (t *Trigger) Validate() error {
	var problems []errutil.Detail
	add := func(field, msg string) {
		problems = append(problems, errutil.Detail{Field: field, Message: msg})
	}

	if strings.TrimSpace(t.OrganizationID) == "" {
		add("organization_id", "is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		add("name", "is required")
	}
	if !eventTypePattern.MatchString(string(t.EventType)) {
		add("event_type", "must be an upper-case identifier")
	}
	if t.ValidFrom != nil && t.ValidUntil != nil && t.ValidFrom.After(*t.ValidUntil) {
		add("valid_until", "must not be before valid_from")
	}
	if t.Priority != 0 && (t.Priority < MinPriority || t.Priority > MaxPriority) {
		add("priority", fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority))
	}
	if t.PointsReward < 0 {
		add("points_reward", "must not be negative")
	}
	if t.XPReward < 0 {
		add("xp_reward", "must not be negative")
	}
	if t.BonusMultiplier.IsNegative() {
		add("bonus_multiplier", "must not be negative")
	}

	freq := t.Frequency.Data()
	switch freq.Type {
	case Once, Unlimited:
	case Daily, Weekly, Monthly:
		if freq.LimitPerPeriod != nil && *freq.LimitPerPeriod < 1 {
			add("frequency.limit_per_period", "must be at least 1")
		}
	default:
		add("frequency.type", fmt.Sprintf("unknown frequency %q", freq.Type))
	}
	if freq.CooldownHours < 0 || freq.CooldownHours > maxCooldownHrs {
		add("frequency.cooldown_hours", "out of range")
	}

	dyn := t.Dynamic.Data()
	if dyn.PointsPerUnit < 0 || dyn.UnitSize < 0 || dyn.MaxPoints < 0 {
		add("dynamic", "values must not be negative")
	}
	if dyn.PointsPerUnit > 0 && dyn.UnitSize == 0 {
		add("dynamic.unit_size", "is required when points_per_unit is set")
	}

	for tier, pct := range t.TierBonuses.Data() {
		if _, ok := member.ParseTier(tier); !ok {
			add("tier_bonuses."+tier, "unknown tier")
		}
		if pct < 0 || pct > maxTierBonus {
			add("tier_bonuses."+tier, fmt.Sprintf("must be between 0 and %d", maxTierBonus))
		}
	}

	cond := t.Conditions.Data()
	if cond.MinAmount != nil && *cond.MinAmount < 0 {
		add("conditions.min_amount", "must not be negative")
	}
	if cond.Expression != "" {
		env, err := celengine.BuildCelEnvFromAttributes(map[string]interface{}{
			"event": map[string]interface{}{},
			"user":  map[string]interface{}{},
		})
		if err == nil {
			err = celengine.ValidateExpression(env, cond.Expression)
		}
		if err != nil {
			add("conditions.expression", err.Error())
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ConfigurationError{TriggerID: t.ID, Problems: problems}
}
