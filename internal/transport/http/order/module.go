package order

import "go.uber.org/fx"

// Module wires the order HTTP handler and its routes.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)
