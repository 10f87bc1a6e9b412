package gateway

import (
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the gateway registry and the store adapters into the Fx graph.
var Module = fx.Options(
	fx.Provide(NewPaymentStore),
	fx.Provide(NewOrderStore),
	fx.Provide(NewDeps),
	fx.Provide(NewRegistry),
)

// NewDeps bundles the shared collaborators for adapter construction.
func NewDeps(client *http.Client, logger *zap.Logger, payments PaymentStore, orders OrderStore) Deps {
	return Deps{
		Client:   client,
		Logger:   logger,
		Payments: payments,
		Orders:   orders,
	}
}
