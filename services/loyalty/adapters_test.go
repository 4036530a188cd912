package loyalty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loyalty-engine/pkg/middleware"
	"loyalty-engine/services/member"
	"loyalty-engine/services/trigger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPaymentSucceededEvents(t *testing.T) {
	paid := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	due := paid.Add(time.Hour)

	events := PaymentSucceeded{
		OrganizationID: testOrg,
		UserID:         "u",
		SubscriptionID: "sub-1",
		Amount:         6000,
		PaidAt:         paid,
		DueDate:        &due,
	}.Events()
	require.Len(t, events, 2)
	require.Equal(t, trigger.PayOnTime, events[0].EventType)
	require.Equal(t, "sub-1", events[0].EventData.SourceID)
	require.Equal(t, trigger.SpendOverX, events[1].EventType)
	require.Equal(t, "premium", events[1].EventData.Metadata["spendingTier"])
	require.NotEmpty(t, events[0].SystemInfo.RequestID)
	require.Equal(t, events[0].SystemInfo.RequestID, events[1].SystemInfo.RequestID)
	for _, e := range events {
		require.NoError(t, e.Validate())
	}

	late := paid.Add(-time.Hour)
	events = PaymentSucceeded{
		OrganizationID: testOrg,
		UserID:         "u",
		PaymentID:      "pay-7",
		Amount:         1500,
		PaidAt:         paid,
		DueDate:        &late,
	}.Events()
	require.Len(t, events, 1)
	require.Equal(t, trigger.SpendOverX, events[0].EventType)
	require.Equal(t, "high", events[0].EventData.Metadata["spendingTier"])
	require.Equal(t, "pay-7", events[0].EventData.SourceID)

	require.Empty(t, PaymentSucceeded{OrganizationID: testOrg, UserID: "u", Amount: 20, PaidAt: paid}.Events())
}

func TestReferralConvertedEvents(t *testing.T) {
	events := ReferralConverted{
		OrganizationID: testOrg,
		ReferrerID:     "alice",
		ReferredUserID: "bob",
		ConvertedAt:    time.Now(),
	}.Events()

	require.Len(t, events, 2)
	require.Equal(t, "alice", events[0].UserID)
	require.Equal(t, trigger.ReferUser, events[0].EventType)
	require.Equal(t, "bob", events[0].EventData.SourceID)
	require.Equal(t, "bob", events[1].UserID)
	require.Equal(t, trigger.WelcomeBonus, events[1].EventType)
	require.Equal(t, "alice", events[1].EventData.SourceID)
}

func TestMilestoneAndSubscriptionEvents(t *testing.T) {
	m := MilestoneAchieved{OrganizationID: testOrg, UserID: "u", MilestoneType: "Streak", Value: 30}.Event()
	require.Equal(t, "streak_30", m.EventData.SourceID)
	require.Equal(t, "engagement", m.EventData.SourceModule)
	require.Equal(t, 30.0, *m.EventData.DynamicValue)

	up := SubscriptionUpgraded{OrganizationID: testOrg, UserID: "u", SubscriptionID: "s", FromPlan: "basic", ToPlan: "pro", AdditionalAmount: 250}.Event()
	require.Equal(t, trigger.UpgradeSubscription, up.EventType)
	require.Equal(t, 250.0, *up.EventData.DynamicValue)
	require.Equal(t, "pro", up.User.SubscriptionTier)

	c := CampaignParticipated{OrganizationID: testOrg, UserID: "u", CampaignID: "c-1", Metadata: map[string]any{"channel": "app"}}.Event()
	require.Equal(t, "c-1", c.EventData.SourceID)
	require.Equal(t, "app", c.EventData.Metadata["channel"])
}

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := &Handler{
		processor:  f.processor,
		reversals:  f.reversals,
		reader:     f.reader,
		reconciler: &Reconciler{db: f.db, reversals: f.reversals, maxAttempts: 5},
		queue:      "loyalty",
	}

	r := gin.New()
	v1 := r.Group("/v1", middleware.RequestID(), middleware.Error())
	h.Register(v1)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTPWebhookAndReverse(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, trigger.ReferUser, 50)
	f.addTrigger(t, trigger.WelcomeBonus, 20, withFrequency(trigger.Frequency{Type: trigger.Once}))
	r := newTestRouter(f)

	payload := ReferralConverted{
		OrganizationID: testOrg,
		ReferrerID:     "alice",
		ReferredUserID: "bob",
		ConvertedAt:    f.clock.Now(),
	}

	w := doJSON(t, r, http.MethodPost, "/v1/webhooks/referrals", payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)

	// Redelivery is answered from the ledger.
	w = doJSON(t, r, http.MethodPost, "/v1/webhooks/referrals", payload)
	require.Equal(t, http.StatusOK, w.Code)
	var again submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	require.Equal(t, resp.Events[0].ID, again.Events[0].ID)

	w = doJSON(t, r, http.MethodPost, "/v1/events/"+resp.Events[0].ID+"/reverse", reverseRequest{ReversedBy: "admin", Reason: "fraud"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/events/"+resp.Events[0].ID+"/reverse", reverseRequest{ReversedBy: "admin", Reason: "fraud"})
	require.Equal(t, http.StatusConflict, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/organizations/"+testOrg+"/users/alice/totals", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var totals UserTotals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
	require.Zero(t, totals.TotalPoints)
}

func TestHTTPSubmitValidation(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	w := doJSON(t, r, http.MethodPost, "/v1/events", BusinessEvent{OrganizationID: testOrg})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "VALIDATION_FAILED", body["error"]["code"])

	// Async submission needs a queue client.
	w = doJSON(t, r, http.MethodPost, "/v1/events?async=true", event("u", trigger.PayOnTime, "p", time.Now()))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestExhaustedCompensationStaysVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTrigger(t, trigger.PayOnTime, 10)

	rows, err := f.processor.Process(ctx, event("u", trigger.PayOnTime, "pay-1", f.clock.Now()))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	f.accounts.applyDelta = func(context.Context, *gorm.DB, string, string, int64, int64) (*member.Totals, error) {
		return nil, errors.New("account store unavailable")
	}
	_, err = f.reversals.Reverse(ctx, rows[0].ID, "admin", "refund")
	require.NoError(t, err)

	reconciler := &Reconciler{db: f.db, reversals: f.reversals, maxAttempts: 3}
	attempted := 0
	for i := 0; i < 4; i++ {
		res, err := reconciler.Run(ctx)
		require.NoError(t, err)
		attempted += res.Attempted
	}
	// One failure during Reverse, two retries, then Run leaves it alone.
	require.Equal(t, 2, attempted)
	require.EqualValues(t, 10, f.account(t, "u").TotalPoints)

	pending, err := reconciler.ListPendingCompensations(ctx, testOrg)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Exhausted)
	require.Equal(t, 3, pending[0].Attempts)
	require.Equal(t, rows[0].ID, pending[0].EventID)

	other, err := reconciler.ListPendingCompensations(ctx, "org-2")
	require.NoError(t, err)
	require.Empty(t, other)

	gin.SetMode(gin.TestMode)
	h := &Handler{processor: f.processor, reversals: f.reversals, reader: f.reader, reconciler: reconciler}
	r := gin.New()
	h.Register(r.Group("/v1", middleware.RequestID(), middleware.Error()))

	w := doJSON(t, r, http.MethodGet, "/v1/reconciliation?organization_id="+testOrg, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		PendingCompensations []struct {
			ID        string `json:"id"`
			EventID   string `json:"event_id"`
			Attempts  int    `json:"attempts"`
			Exhausted bool   `json:"exhausted"`
		} `json:"pending_compensations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.PendingCompensations, 1)
	require.Equal(t, rows[0].ID, body.PendingCompensations[0].EventID)
	require.True(t, body.PendingCompensations[0].Exhausted)

	// Once the store recovers an operator can still apply it by hand.
	f.accounts.applyDelta = nil
	comp, err := f.reversals.ApplyCompensation(ctx, body.PendingCompensations[0].ID)
	require.NoError(t, err)
	require.Equal(t, CompensationApplied, comp.Status)
	require.Zero(t, f.account(t, "u").TotalPoints)
}
