package iyzico

import "go.uber.org/fx"

var Module = fx.Module("gateway.iyzico",
	fx.Provide(NewClient),
)
