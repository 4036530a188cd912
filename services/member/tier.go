package member

import (
	"sort"
	"strings"
)

type Tier string

const (
	Bronze   Tier = "bronze"
	Silver   Tier = "silver"
	Gold     Tier = "gold"
	Platinum Tier = "platinum"
)

const XPPerLevel = 1000

// tierThresholds are minimum lifetime point totals, ascending.
var tierThresholds = []struct {
	tier Tier
	min  int64
}{
	{Bronze, 0},
	{Silver, 1000},
	{Gold, 5000},
	{Platinum, 15000},
}

func (t Tier) String() string {
	return string(t)
}

// ParseTier matches tier names case-insensitively.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, th := range tierThresholds {
		if th.tier == t {
			return t, true
		}
	}
	return "", false
}

func CalculateTier(totalPoints int64) Tier {
	i := sort.Search(len(tierThresholds), func(i int) bool {
		return tierThresholds[i].min > totalPoints
	})
	if i == 0 {
		return Bronze
	}
	return tierThresholds[i-1].tier
}

// NextTierThreshold returns the points needed to enter the tier above t.
func NextTierThreshold(t Tier) (int64, bool) {
	for i, th := range tierThresholds {
		if th.tier == t && i+1 < len(tierThresholds) {
			return tierThresholds[i+1].min, true
		}
	}
	return 0, false
}

func LevelFor(totalXP int64) int {
	if totalXP < 0 {
		totalXP = 0
	}
	return 1 + int(totalXP/XPPerLevel)
}
