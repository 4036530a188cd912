package loyalty

import (
	"loyalty-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("loyalty.module",
	fx.Provide(
		NewProcessor,
		NewReversalService,
		NewReader,
		NewReconciler,
	),
)

var HTTP = fx.Module("loyalty.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

// Worker registers the asynq handlers and the periodic reconciliation. It
// requires task.Server and task.Scheduler.
var Worker = fx.Module("loyalty.worker",
	fx.Provide(
		NewTask,
		fx.Annotate(reconcilePeriodicTask, fx.ResultTags(`group:"periodic_tasks"`)),
	),
	fx.Invoke(registerHandlers),
)
