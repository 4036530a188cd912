package loyalty

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/middleware"
	"loyalty-engine/pkg/task"
	"loyalty-engine/services/trigger"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Handler struct {
	processor  *Processor
	reversals  *ReversalService
	reader     *Reader
	reconciler *Reconciler
	enqueuer   task.Enqueuer
	queue      string
}

type HandlerParams struct {
	fx.In
	Processor  *Processor
	Reversals  *ReversalService
	Reader     *Reader
	Reconciler *Reconciler
	Config     *config.Config
	Enqueuer   task.Enqueuer `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		processor:  p.Processor,
		reversals:  p.Reversals,
		reader:     p.Reader,
		reconciler: p.Reconciler,
		enqueuer:   p.Enqueuer,
		queue:      p.Config.Loyalty.Queue,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/events", h.submit)
	r.POST("/events/:id/reverse", h.reverse)

	r.GET("/users/:user/totals", h.totals)
	r.GET("/organizations/:org/users/:user/events", h.userEvents)
	r.GET("/organizations/:org/users/:user/totals", h.totals)
	r.GET("/organizations/:org/stats", h.stats)

	r.GET("/reconciliation", h.reconciliation)

	w := r.Group("/webhooks")
	w.POST("/payments", webhook[PaymentSucceeded](h, func(p PaymentSucceeded) []BusinessEvent { return p.Events() }))
	w.POST("/subscriptions/renewed", webhook[SubscriptionRenewed](h, single(SubscriptionRenewed.Event)))
	w.POST("/subscriptions/upgraded", webhook[SubscriptionUpgraded](h, single(SubscriptionUpgraded.Event)))
	w.POST("/referrals", webhook[ReferralConverted](h, func(p ReferralConverted) []BusinessEvent { return p.Events() }))
	w.POST("/campaigns", webhook[CampaignParticipated](h, single(CampaignParticipated.Event)))
	w.POST("/milestones", webhook[MilestoneAchieved](h, single(MilestoneAchieved.Event)))
}

func single[T any](fn func(T) BusinessEvent) func(T) []BusinessEvent {
	return func(v T) []BusinessEvent { return []BusinessEvent{fn(v)} }
}

type submitResponse struct {
	Events []LoyaltyEvent `json:"events,omitempty"`
	Queued []string       `json:"queued,omitempty"`
}

func (h *Handler) submit(c *gin.Context) {
	var e BusinessEvent
	if err := c.ShouldBindJSON(&e); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if e.SystemInfo.Source == "" {
		e.SystemInfo.Source = SourceAPI
	}
	if e.SystemInfo.RequestID == "" {
		e.SystemInfo.RequestID = middleware.RequestIDFromContext(c.Request.Context())
	}

	h.dispatch(c, []BusinessEvent{e})
}

func webhook[T any](h *Handler, toEvents func(T) []BusinessEvent) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload T
		if err := c.ShouldBindJSON(&payload); err != nil {
			_ = c.Error(errutil.BadRequest("invalid webhook payload", err))
			return
		}

		events := toEvents(payload)
		if len(events) == 0 {
			c.JSON(http.StatusOK, submitResponse{Events: []LoyaltyEvent{}})
			return
		}
		h.dispatch(c, events)
	}
}

// dispatch processes events inline, or queues them when ?async=true.
func (h *Handler) dispatch(c *gin.Context, events []BusinessEvent) {
	ctx := c.Request.Context()

	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		ids, err := h.enqueue(ctx, events)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, submitResponse{Queued: ids})
		return
	}

	out := make([]LoyaltyEvent, 0, len(events))
	for _, e := range events {
		rows, err := h.processor.Process(ctx, e)
		if err != nil {
			_ = c.Error(err)
			return
		}
		out = append(out, rows...)
	}
	c.JSON(http.StatusOK, submitResponse{Events: out})
}

func (h *Handler) enqueue(ctx context.Context, events []BusinessEvent) ([]string, error) {
	if h.enqueuer == nil {
		return nil, errutil.Unavailable("async processing is not enabled", nil)
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		e.normalize(time.Now())
		if err := e.Validate(); err != nil {
			return nil, err
		}

		t, err := NewProcessEventTask(e, h.queue)
		if err != nil {
			return nil, errutil.Internal("failed to build task", err)
		}
		info, err := h.enqueuer.Enqueue(ctx, t)
		if err != nil {
			zap.L().Error("failed to enqueue business event",
				zap.String("organization_id", e.OrganizationID),
				zap.String("user_id", e.UserID),
				zap.Error(err))
			return nil, errutil.Unavailable("failed to enqueue event", err, errutil.WithRetryable())
		}
		ids = append(ids, info.ID)
	}
	return ids, nil
}

type reverseRequest struct {
	ReversedBy string `json:"reversed_by"`
	Reason     string `json:"reason"`
}

func (h *Handler) reverse(c *gin.Context) {
	var req reverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if req.ReversedBy == "" {
		req.ReversedBy = c.GetHeader(trigger.ActorHeader)
	}

	ev, err := h.reversals.Reverse(c.Request.Context(), c.Param("id"), req.ReversedBy, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) totals(c *gin.Context) {
	out, err := h.reader.Totals(c.Request.Context(), c.Param("org"), c.Param("user"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) userEvents(c *gin.Context) {
	var f UserEventsFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	f.OrganizationID = c.Param("org")

	// Accept event_type=A,B as well as repeated parameters.
	var types []trigger.EventType
	for _, et := range f.EventTypes {
		for _, part := range strings.Split(string(et), ",") {
			if part = strings.TrimSpace(part); part != "" {
				types = append(types, trigger.EventType(part))
			}
		}
	}
	f.EventTypes = types

	page, err := h.reader.GetUserEvents(c.Request.Context(), c.Param("user"), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type statsQuery struct {
	StartDate *time.Time `form:"start_date" time_format:"2006-01-02T15:04:05Z07:00"`
	EndDate   *time.Time `form:"end_date" time_format:"2006-01-02T15:04:05Z07:00"`
}

func (h *Handler) stats(c *gin.Context) {
	var q statsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	stats, err := h.reader.GetEventStats(c.Request.Context(), c.Param("org"), DateRange{Start: q.StartDate, End: q.EndDate})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *Handler) reconciliation(c *gin.Context) {
	ctx := c.Request.Context()

	orgID := c.Query("organization_id")
	flagged, err := h.reconciler.ListFlagged(ctx, orgID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	pending, err := h.reconciler.ListPendingCompensations(ctx, orgID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"flagged_events":        flagged,
		"pending_compensations": pending,
	})
}
