package http

import (
	"go.uber.org/fx"

	callbacktransport "github.com/illusorium/rupay/internal/transport/http/callback"
	ordertransport "github.com/illusorium/rupay/internal/transport/http/order"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	callbacktransport.Module,
)
