package loyalty

import (
	"context"
	"errors"
	"time"

	"loyalty-engine/services/trigger"

	"gorm.io/gorm"
)

// PeriodWindow returns the calendar window [start, end) of type ft that
// contains at, in at's location. Weeks start on Monday. Non-periodic types
// yield zero times.
func PeriodWindow(ft trigger.FrequencyType, at time.Time) (time.Time, time.Time) {
	y, m, d := at.Date()
	loc := at.Location()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch ft {
	case trigger.Daily:
		return day, day.AddDate(0, 0, 1)
	case trigger.Weekly:
		offset := (int(at.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case trigger.Monthly:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}
	}
}

// FrequencyGuard decides whether a trigger may fire again for a user, from
// the valid, non-reversed ledger history. It reads only; the fingerprint
// constraint and the per-user lock make the check-then-insert safe.
type FrequencyGuard struct{}

func NewFrequencyGuard() *FrequencyGuard {
	return &FrequencyGuard{}
}

func counted(tx *gorm.DB, userID, triggerID string) *gorm.DB {
	return tx.Model(&LoyaltyEvent{}).
		Where("user_id = ? AND trigger_id = ? AND is_valid = ? AND is_reversed = ?", userID, triggerID, true, false)
}

// MayFire evaluates the trigger's frequency policy at at. Calendar windows
// are computed in at's location, so callers pass at already converted to the
// tenant's timezone.
func (g *FrequencyGuard) MayFire(ctx context.Context, tx *gorm.DB, userID string, t *trigger.Trigger, at time.Time) (bool, error) {
	db := tx.WithContext(ctx)
	freq := t.Frequency.Data()

	switch {
	case freq.Type == trigger.Once:
		var n int64
		if err := counted(db, userID, t.ID).Count(&n).Error; err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	case freq.Type.Periodic():
		start, end := PeriodWindow(freq.Type, at)
		var n int64
		err := counted(db, userID, t.ID).
			Where("processed_at >= ? AND processed_at < ?", start.UTC(), end.UTC()).
			Count(&n).Error
		if err != nil {
			return false, err
		}
		if n >= int64(freq.Limit()) {
			return false, nil
		}
	}

	if freq.CooldownHours > 0 {
		var last LoyaltyEvent
		err := counted(db, userID, t.ID).
			Select("processed_at").
			Order("processed_at DESC").
			Take(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
		if err == nil && last.ProcessedAt.After(at.Add(-time.Duration(freq.CooldownHours)*time.Hour)) {
			return false, nil
		}
	}

	return true, nil
}
