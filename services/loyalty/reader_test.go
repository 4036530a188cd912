package loyalty

import (
	"context"
	"fmt"
	"testing"
	"time"

	"loyalty-engine/services/trigger"

	"github.com/stretchr/testify/require"
)

func TestGetUserEventsPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTrigger(t, trigger.PayOnTime, 10)
	f.addTrigger(t, trigger.ReferUser, 50)

	start := f.clock.Now()
	for i := 0; i < 5; i++ {
		f.clock.Set(start.Add(time.Duration(i) * time.Minute))
		_, err := f.processor.Process(ctx, event("u", trigger.PayOnTime, fmt.Sprintf("pay-%d", i), f.clock.Now()))
		require.NoError(t, err)
	}
	f.clock.Set(start.Add(10 * time.Minute))
	referral, err := f.processor.Process(ctx, event("u", trigger.ReferUser, "friend", f.clock.Now()))
	require.NoError(t, err)
	require.Len(t, referral, 1)

	page, err := f.reader.GetUserEvents(ctx, "u", UserEventsFilter{OrganizationID: testOrg, Limit: 4})
	require.NoError(t, err)
	require.Len(t, page.Events, 4)
	require.True(t, page.PageInfo.HasMore)
	require.Equal(t, trigger.ReferUser, page.Events[0].EventType)
	for i := 1; i < len(page.Events); i++ {
		require.False(t, page.Events[i].ProcessedAt.After(page.Events[i-1].ProcessedAt))
	}

	next, err := f.reader.GetUserEvents(ctx, "u", UserEventsFilter{OrganizationID: testOrg, Limit: 4, Cursor: page.PageInfo.NextCursor})
	require.NoError(t, err)
	require.Len(t, next.Events, 2)
	require.False(t, next.PageInfo.HasMore)

	onlyPayments, err := f.reader.GetUserEvents(ctx, "u", UserEventsFilter{EventTypes: []trigger.EventType{"pay_on_time"}})
	require.NoError(t, err)
	require.Len(t, onlyPayments.Events, 5)

	_, err = f.reversals.Reverse(ctx, referral[0].ID, "admin", "fraud")
	require.NoError(t, err)

	valid, err := f.reader.GetUserEvents(ctx, "u", UserEventsFilter{})
	require.NoError(t, err)
	require.Len(t, valid.Events, 5)

	all, err := f.reader.GetUserEvents(ctx, "u", UserEventsFilter{ValidOnly: ptr(false)})
	require.NoError(t, err)
	require.Len(t, all.Events, 6)

	since := start.Add(2 * time.Minute)
	windowed, err := f.reader.GetUserEvents(ctx, "u", UserEventsFilter{StartDate: &since})
	require.NoError(t, err)
	require.Len(t, windowed.Events, 3)
}

func TestGetEventStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTrigger(t, trigger.PayOnTime, 10)
	f.addTrigger(t, trigger.ReferUser, 25)

	for i, user := range []string{"a", "a", "b"} {
		_, err := f.processor.Process(ctx, event(user, trigger.PayOnTime, fmt.Sprintf("pay-%d", i), f.clock.Now()))
		require.NoError(t, err)
	}
	refer := event("a", trigger.ReferUser, "friend", f.clock.Now())
	refer.EventData.SourceModule = "referrals"
	rows, err := f.processor.Process(ctx, refer)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	stats, err := f.reader.GetEventStats(ctx, testOrg, DateRange{})
	require.NoError(t, err)
	require.Len(t, stats, 2)

	require.Equal(t, trigger.PayOnTime, stats[0].EventType)
	require.Equal(t, "payments", stats[0].SourceModule)
	require.EqualValues(t, 3, stats[0].Count)
	require.EqualValues(t, 30, stats[0].TotalPoints)
	require.EqualValues(t, 2, stats[0].UniqueUsers)
	require.Equal(t, "10", stats[0].AveragePoints.String())
	require.Equal(t, trigger.ReferUser, stats[1].EventType)

	_, err = f.reversals.Reverse(ctx, rows[0].ID, "admin", "fraud")
	require.NoError(t, err)

	stats, err = f.reader.GetEventStats(ctx, testOrg, DateRange{})
	require.NoError(t, err)
	require.Len(t, stats, 1)

	past := f.clock.Now().Add(-48 * time.Hour)
	end := f.clock.Now().Add(-24 * time.Hour)
	stats, err = f.reader.GetEventStats(ctx, testOrg, DateRange{Start: &past, End: &end})
	require.NoError(t, err)
	require.Empty(t, stats)

	// Bounds are inclusive.
	at := f.clock.Now()
	stats, err = f.reader.GetEventStats(ctx, testOrg, DateRange{Start: &at, End: &at})
	require.NoError(t, err)
	require.Len(t, stats, 1)

	_, err = f.reader.GetEventStats(ctx, testOrg, DateRange{Start: &end, End: &past})
	require.Error(t, err)
}

func TestTotalsAcrossOrganizations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTrigger(t, trigger.PayOnTime, 10)

	_, err := f.processor.Process(ctx, event("u", trigger.PayOnTime, "p1", f.clock.Now()))
	require.NoError(t, err)

	require.NoError(t, f.db.Create(&LoyaltyEvent{
		ID:                "other-org-row",
		UserID:            "u",
		OrganizationID:    "org-2",
		TriggerID:         "t-x",
		EventType:         trigger.PayOnTime,
		PointsAwarded:     7,
		XPAwarded:         1,
		IsValid:           true,
		Fingerprint:       Fingerprint("u", "t-x", trigger.PayOnTime, "p1", f.clock.Now()),
		OriginalEventDate: f.clock.Now(),
		ProcessedAt:       f.clock.Now(),
	}).Error)

	scoped, err := f.reader.Totals(ctx, testOrg, "u")
	require.NoError(t, err)
	require.EqualValues(t, 10, scoped.TotalPoints)

	all, err := f.reader.Totals(ctx, "", "u")
	require.NoError(t, err)
	require.EqualValues(t, 17, all.TotalPoints)
	require.EqualValues(t, 1, all.TotalXP)
	require.EqualValues(t, 2, all.EventCount)
}
