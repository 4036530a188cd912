package loyalty

import (
	"context"
	"sort"
	"strings"
	"time"

	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/trigger"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 250
)

// Reader serves the read side of the ledger. Totals are always derived from
// valid, non-reversed rows rather than the cached aggregate.
type Reader struct {
	db *gorm.DB
}

type ReaderParams struct {
	fx.In
	DB *gorm.DB
}

func NewReader(p ReaderParams) *Reader {
	return &Reader{db: p.DB}
}

type UserTotals struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	TotalPoints    int64  `json:"total_points"`
	TotalXP        int64  `json:"total_xp"`
	EventCount     int64  `json:"event_count"`
}

// Totals sums the counted rows for a user. An empty organizationID sums
// across every organization the user belongs to.
func (r *Reader) Totals(ctx context.Context, organizationID, userID string) (*UserTotals, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errutil.ValidationFailed("user_id is required", nil)
	}

	q := r.db.WithContext(ctx).Model(&LoyaltyEvent{}).
		Select("COALESCE(SUM(points_awarded), 0) AS total_points, COALESCE(SUM(xp_awarded), 0) AS total_xp, COUNT(*) AS event_count").
		Where("user_id = ? AND is_valid = ? AND is_reversed = ?", userID, true, false)
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}

	var out UserTotals
	if err := q.Scan(&out).Error; err != nil {
		return nil, errutil.Internal("failed to sum events", err)
	}
	out.UserID = userID
	out.OrganizationID = organizationID
	return &out, nil
}

type UserEventsFilter struct {
	OrganizationID string              `form:"-"`
	EventTypes     []trigger.EventType `form:"event_type"`
	StartDate      *time.Time          `form:"start_date" time_format:"2006-01-02T15:04:05Z07:00"`
	EndDate        *time.Time          `form:"end_date" time_format:"2006-01-02T15:04:05Z07:00"`
	// ValidOnly defaults to true.
	ValidOnly *bool  `form:"valid_only"`
	Limit     int    `form:"limit"`
	Cursor    string `form:"cursor"`
}

type UserEventsPage struct {
	Events   []*LoyaltyEvent      `json:"events"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

// GetUserEvents lists a user's ledger rows, newest first.
func (r *Reader) GetUserEvents(ctx context.Context, userID string, f UserEventsFilter) (*UserEventsPage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errutil.ValidationFailed("user_id is required", nil)
	}

	limit := f.Limit
	switch {
	case limit <= 0:
		limit = defaultEventsLimit
	case limit > maxEventsLimit:
		limit = maxEventsLimit
	}

	conds := []option.Condition{{Field: "user_id", Operator: option.EQ, Value: userID}}
	if f.OrganizationID != "" {
		conds = append(conds, option.Condition{Field: "organization_id", Operator: option.EQ, Value: f.OrganizationID})
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, 0, len(f.EventTypes))
		for _, et := range f.EventTypes {
			types = append(types, strings.ToUpper(string(et)))
		}
		conds = append(conds, option.Condition{Field: "event_type", Operator: option.IN, Value: types})
	}
	if f.StartDate != nil {
		conds = append(conds, option.Condition{Field: "processed_at", Operator: option.GTE, Value: f.StartDate.UTC()})
	}
	if f.EndDate != nil {
		conds = append(conds, option.Condition{Field: "processed_at", Operator: option.LTE, Value: f.EndDate.UTC()})
	}
	if f.ValidOnly == nil || *f.ValidOnly {
		conds = append(conds,
			option.Condition{Field: "is_valid", Operator: option.EQ, Value: true},
			option.Condition{Field: "is_reversed", Operator: option.EQ, Value: false},
		)
	}

	q := option.Apply(r.db.WithContext(ctx).Model(&LoyaltyEvent{}), option.ApplyOperator(conds...))

	if f.Cursor != "" {
		cur, err := pagination.ParseCursor(f.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		q = option.Apply(q, option.After("processed_at", cur))
	}

	var rows []*LoyaltyEvent
	if err := q.Order("processed_at DESC").Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, errutil.Internal("failed to list events", err)
	}

	rows, info := pagination.BuildCursorPageInfo(rows, limit, func(e *LoyaltyEvent) pagination.Cursor {
		return pagination.NewCursor(e.ProcessedAt, e.ID)
	})
	if rows == nil {
		rows = []*LoyaltyEvent{}
	}

	return &UserEventsPage{Events: rows, PageInfo: info}, nil
}

type DateRange struct {
	Start *time.Time
	End   *time.Time
}

type EventStat struct {
	EventType     trigger.EventType `json:"event_type"`
	SourceModule  string            `json:"source_module"`
	Count         int64             `json:"count"`
	TotalPoints   int64             `json:"total_points"`
	UniqueUsers   int64             `json:"unique_users"`
	AveragePoints decimal.Decimal   `json:"average_points"`
}

// GetEventStats aggregates counted rows of an organization by event type and
// source module. Both range bounds are inclusive.
func (r *Reader) GetEventStats(ctx context.Context, organizationID string, rng DateRange) ([]EventStat, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, errutil.ValidationFailed("organization_id is required", nil)
	}
	if rng.Start != nil && rng.End != nil && rng.End.Before(*rng.Start) {
		return nil, errutil.ValidationFailed("end_date must not be before start_date", nil)
	}

	q := r.db.WithContext(ctx).Model(&LoyaltyEvent{}).
		Select("event_type, source_module, COUNT(*) AS count, COALESCE(SUM(points_awarded), 0) AS total_points, COUNT(DISTINCT user_id) AS unique_users").
		Where("organization_id = ? AND is_valid = ? AND is_reversed = ?", organizationID, true, false)
	if rng.Start != nil {
		q = q.Where("processed_at >= ?", rng.Start.UTC())
	}
	if rng.End != nil {
		q = q.Where("processed_at <= ?", rng.End.UTC())
	}

	var rows []struct {
		EventType    trigger.EventType
		SourceModule string
		Count        int64
		TotalPoints  int64
		UniqueUsers  int64
	}
	if err := q.Group("event_type, source_module").Scan(&rows).Error; err != nil {
		return nil, errutil.Internal("failed to aggregate events", err)
	}

	stats := make([]EventStat, 0, len(rows))
	for _, row := range rows {
		avg := decimal.Zero
		if row.Count > 0 {
			avg = decimal.NewFromInt(row.TotalPoints).Div(decimal.NewFromInt(row.Count)).Round(2)
		}
		stats = append(stats, EventStat{
			EventType:     row.EventType,
			SourceModule:  row.SourceModule,
			Count:         row.Count,
			TotalPoints:   row.TotalPoints,
			UniqueUsers:   row.UniqueUsers,
			AveragePoints: avg,
		})
	}

	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		if stats[i].EventType != stats[j].EventType {
			return stats[i].EventType < stats[j].EventType
		}
		return stats[i].SourceModule < stats[j].SourceModule
	})

	return stats, nil
}
