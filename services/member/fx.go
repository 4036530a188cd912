package member

import (
	"loyalty-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("member.module",
	fx.Provide(NewStore),
)

var HTTP = fx.Module("member.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)
