package dispatch

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/internal/gateway"
	"github.com/illusorium/rupay/internal/urltemplate"
	"github.com/illusorium/rupay/pkg/errorbank"
)

// Module wires the callback resolver into the Fx graph.
var Module = fx.Provide(NewResolver)

// Resolver correlates externally-triggered callbacks with local orders using
// configured URL templates. A template marks which part of the callback URL
// carries the order reference; the marked value is then matched against
// exactly one order.
type Resolver struct {
	orders gateway.OrderStore
	logger *zap.Logger
}

// NewResolver builds the resolver over the order lookup surface.
func NewResolver(orders gateway.OrderStore, logger *zap.Logger) *Resolver {
	return &Resolver{orders: orders, logger: logger}
}

// ResolveOrder extracts the order reference named by the template from the
// actual callback URL and loads the matching order. Zero matches is a
// not-found error; more than one means the reference field is not unique in
// storage and resolves to an integrity error rather than an arbitrary pick.
func (r *Resolver) ResolveOrder(ctx context.Context, template string, actual *url.URL) (*entity.Order, error) {
	field, value, err := urltemplate.Extract(template, actual)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, errorbank.BadRequest(
			fmt.Sprintf("callback carries no %s value", field))
	}

	order, err := r.orders.FindOne(ctx, map[string]any{field: value})
	if err != nil {
		return nil, err
	}
	if order == nil {
		r.logger.Warn("callback order not found",
			zap.String("field", field),
			zap.String("value", value))
		return nil, errorbank.NotFound(
			fmt.Sprintf("no order with %s %q", field, value))
	}
	return order, nil
}
