package loyalty

import (
	"context"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Reconciler struct {
	db          *gorm.DB
	reversals   *ReversalService
	maxAttempts int
}

type ReconcilerParams struct {
	fx.In
	DB        *gorm.DB
	Reversals *ReversalService
	Config    *config.Config
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	return &Reconciler{
		db:          p.DB,
		reversals:   p.Reversals,
		maxAttempts: p.Config.Loyalty.CompensationMaxAttempts,
	}
}

// PendingCompensation is a compensation as operators see it. Exhausted ones
// are no longer retried and have to be applied by hand.
type PendingCompensation struct {
	*Compensation
	Exhausted bool `json:"exhausted"`
}

type ReconcileResult struct {
	Attempted int `json:"attempted"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
}

// Run retries pending compensations that have not exhausted their attempts.
// Exhausted ones stay pending and listed for operators.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileResult, error) {
	pending, err := r.retryable(ctx)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{}
	for _, comp := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempted++
		if _, err := r.reversals.ApplyCompensation(ctx, comp.ID); err != nil {
			res.Failed++
			zapLog := zap.L().With(
				zap.String("compensation_id", comp.ID),
				zap.String("event_id", comp.EventID),
				zap.Int("attempts", comp.Attempts+1),
				zap.Error(err))
			if r.exhausted(comp.Attempts + 1) {
				compensationsExhausted.Inc()
				zapLog.Error("compensation gave up, needs manual reconciliation")
				continue
			}
			zapLog.Warn("compensation retry failed")
			continue
		}
		res.Applied++
	}

	if res.Attempted > 0 {
		zap.L().Info("compensation reconciliation finished",
			zap.Int("attempted", res.Attempted),
			zap.Int("applied", res.Applied),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (r *Reconciler) retryable(ctx context.Context) ([]*Compensation, error) {
	q := r.db.WithContext(ctx).Where("status = ?", CompensationPending)
	if r.maxAttempts > 0 {
		q = q.Where("attempts < ?", r.maxAttempts)
	}

	var out []*Compensation
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, errutil.Internal("failed to list compensations", err)
	}
	return out, nil
}

func (r *Reconciler) exhausted(attempts int) bool {
	return r.maxAttempts > 0 && attempts >= r.maxAttempts
}

// ListPendingCompensations returns every unapplied compensation, including
// those Run no longer retries. An empty organizationID lists every tenant.
func (r *Reconciler) ListPendingCompensations(ctx context.Context, organizationID string) ([]*PendingCompensation, error) {
	q := r.db.WithContext(ctx).Where("status = ?", CompensationPending)
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}

	var rows []*Compensation
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, errutil.Internal("failed to list compensations", err)
	}

	out := make([]*PendingCompensation, 0, len(rows))
	for _, c := range rows {
		out = append(out, &PendingCompensation{Compensation: c, Exhausted: r.exhausted(c.Attempts)})
	}
	return out, nil
}

// ListFlagged returns rows written invalid because a failed apply could not
// be rolled back. An empty organizationID lists every tenant.
func (r *Reconciler) ListFlagged(ctx context.Context, organizationID string) ([]*LoyaltyEvent, error) {
	q := r.db.WithContext(ctx).Where("requires_reconciliation = ?", true)
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}

	var out []*LoyaltyEvent
	if err := q.Order("processed_at DESC").Find(&out).Error; err != nil {
		return nil, errutil.Internal("failed to list flagged events", err)
	}
	return out, nil
}
