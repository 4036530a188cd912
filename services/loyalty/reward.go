package loyalty

import (
	"fmt"
	"strings"

	"loyalty-engine/services/member"
	"loyalty-engine/services/trigger"

	"github.com/shopspring/decimal"
)

type Reward struct {
	Points           int64
	XP               int64
	TierBonusApplied bool
	TierBonusPct     int
	Multiplier       decimal.Decimal
	Details          CalculationDetails
}

var hundred = decimal.NewFromInt(100)

// Compute returns the reward a trigger grants for data to a user in tier.
// Tier bonuses uplift points only, never XP.
func Compute(t *trigger.Trigger, data EventData, tier member.Tier) Reward {
	multiplier := t.Multiplier()

	dynamic := dynamicPoints(t.Dynamic.Data(), data.DynamicValue)
	pct := tierBonus(t.TierBonuses.Data(), tier)

	points := decimal.NewFromInt(t.PointsReward + dynamic).
		Mul(multiplier).
		Mul(hundred.Add(decimal.NewFromInt(int64(pct)))).
		Div(hundred).
		Floor().
		IntPart()

	xp := decimal.NewFromInt(t.XPReward).Mul(multiplier).Floor().IntPart()

	return Reward{
		Points:           points,
		XP:               xp,
		TierBonusApplied: pct > 0,
		TierBonusPct:     pct,
		Multiplier:       multiplier,
		Details: CalculationDetails{
			BasePoints:    t.PointsReward,
			DynamicPoints: dynamic,
			TierBonusPct:  pct,
			Multiplier:    multiplier.String(),
			BaseXP:        t.XPReward,
			Formula:       fmt.Sprintf("floor((%d + %d) * %s * (1 + %d/100))", t.PointsReward, dynamic, multiplier.String(), pct),
		},
	}
}

func dynamicPoints(cfg trigger.DynamicPoints, value *float64) int64 {
	if !cfg.Configured() || value == nil || *value <= 0 {
		return 0
	}

	units := decimal.NewFromFloat(*value).Div(decimal.NewFromFloat(cfg.UnitSize)).Floor().IntPart()
	points := units * cfg.PointsPerUnit
	if cfg.MaxPoints > 0 && points > cfg.MaxPoints {
		points = cfg.MaxPoints
	}
	return points
}

func tierBonus(bonuses map[string]int, tier member.Tier) int {
	if tier == "" {
		return 0
	}
	for k, v := range bonuses {
		if strings.EqualFold(k, string(tier)) {
			return v
		}
	}
	return 0
}
