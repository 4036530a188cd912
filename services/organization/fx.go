package organization

import (
	"loyalty-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("organization.module",
	fx.Provide(NewService),
)

var HTTP = fx.Module("organization.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)
