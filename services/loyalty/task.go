package loyalty

import (
	"context"
	"encoding/json"
	"fmt"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/task"
	"loyalty-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Task exposes the processor and reconciler as asynq handlers.
type Task struct {
	processor  *Processor
	reconciler *Reconciler
}

type TaskParams struct {
	fx.In
	Processor  *Processor
	Reconciler *Reconciler
}

func NewTask(p TaskParams) *Task {
	return &Task{processor: p.Processor, reconciler: p.Reconciler}
}

// NewProcessEventTask builds the async form of Process. The task ID is left
// to asynq; duplicates are harmless because processing is idempotent.
func NewProcessEventTask(e BusinessEvent, queue string) (*asynq.Task, error) {
	return task.NewJSONTask(taskname.LoyaltyProcessEvent, e, asynq.Queue(queue), asynq.MaxRetry(10))
}

func (t *Task) HandleProcessEvent(ctx context.Context, at *asynq.Task) error {
	var e BusinessEvent
	if err := json.Unmarshal(at.Payload(), &e); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.String("organization_id", e.OrganizationID),
		zap.String("user_id", e.UserID),
		zap.String("event_type", e.EventType.String()),
	)

	results, err := t.processor.Process(ctx, e)
	if err != nil {
		if errutil.HasStatus(err, errutil.StatusValidationFailed) {
			zapLog.Warn("dropping invalid business event", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		zapLog.Error("failed to process business event", zap.Error(err))
		return err
	}

	zapLog.Info("business event processed", zap.Int("results", len(results)))
	return nil
}

func (t *Task) HandleReconcile(ctx context.Context, at *asynq.Task) error {
	res, err := t.reconciler.Run(ctx)
	if err != nil {
		zap.L().Error("reconciliation failed", zap.String("task_type", at.Type()), zap.Error(err))
		return err
	}
	if res.Failed > 0 {
		zap.L().Warn("compensations still pending", zap.Int("failed", res.Failed))
	}
	return nil
}

func registerHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.LoyaltyProcessEvent, t.HandleProcessEvent)
	mux.HandleFunc(taskname.LoyaltyReconcileCompensate, t.HandleReconcile)
}

func reconcilePeriodicTask(cfg *config.Config) task.PeriodicTask {
	return task.PeriodicTask{
		Cronspec: cfg.Loyalty.ReconcileCron,
		Task:     asynq.NewTask(taskname.LoyaltyReconcileCompensate, nil),
		Opts:     []asynq.Option{asynq.Queue(cfg.Loyalty.Queue), asynq.MaxRetry(0)},
	}
}
