package trigger

import (
	"loyalty-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("trigger.module",
	fx.Provide(
		NewRepository,
		NewRegistry,
		NewService,
	),
)

var HTTP = fx.Module("trigger.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)
