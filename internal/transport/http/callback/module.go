package callback

import "go.uber.org/fx"

// Module wires the callback HTTP handler and its routes.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)
