package callback

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/dispatch"
	"github.com/illusorium/rupay/internal/gateway"
	"github.com/illusorium/rupay/internal/presentation/http/response"
	service "github.com/illusorium/rupay/internal/service/order"
	"github.com/illusorium/rupay/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/illusorium/rupay/transport/http/callback")

// Handler receives gateway and till callbacks. Gateway responses are literal
// protocol acknowledgements: a failed signature or an unknown order must
// produce the gateway's own FAIL body, never a JSON error or a 5xx page.
type Handler struct {
	gateways *gateway.Registry
	svc      *service.Service
	resolver *dispatch.Resolver
	cfg      config.Config
	logger   *zap.Logger
}

// NewHandler constructs a callback Handler.
func NewHandler(gateways *gateway.Registry, svc *service.Service, resolver *dispatch.Resolver, cfg config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		gateways: gateways,
		svc:      svc,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register routes with the provided Echo instance. Callbacks are registered
// for any method: the banks switch between GET and POST depending on the
// operation and their own configuration.
func Register(e *echo.Echo, h *Handler) {
	e.Any("/callbacks/gateway/:name", h.gatewayCallback)
	e.Any("/callbacks/till/:name", h.tillCallback)
	e.Any("/callbacks/till/:name/*", h.tillCallback)
}

func (h *Handler) gatewayCallback(c echo.Context) error {
	name := c.Param("name")
	g, err := h.gateways.Get(name)
	if err != nil {
		// Unknown integration key is a routing mistake, not a protocol
		// exchange; it gets a regular JSON error.
		return response.New(c).WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "callbacks.gateway",
		trace.WithAttributes(attribute.String("gateway", g.Key())))
	defer span.End()

	params := callbackParams(c)

	order, err := g.FindOrder(ctx, params)
	if err != nil {
		h.logger.Error("callback order lookup failed",
			zap.String("gateway", g.Key()), zap.Error(err))
		return writeAck(c, g.AckFail(errorbank.From(err).StatusCode()))
	}
	if order == nil {
		h.logger.Warn("callback for unknown order",
			zap.String("gateway", g.Key()))
		return writeAck(c, g.AckFail(http.StatusNotFound))
	}

	if !g.VerifyCallback(order, params) {
		h.logger.Warn("callback signature verification failed",
			zap.String("gateway", g.Key()),
			zap.String("order_number", order.OrderNumber))
		return writeAck(c, g.AckFail(0))
	}

	op, ok := g.CallbackOperation(params)
	if !ok {
		// Unknown operations are acknowledged without a state change, so the
		// gateway stops re-delivering them.
		h.logger.Info("callback with unknown operation acknowledged",
			zap.String("gateway", g.Key()),
			zap.String("order_number", order.OrderNumber))
		return writeAck(c, g.AckSuccess())
	}

	if _, err := h.svc.RecordOperation(ctx, order.OrderNumber, op); err != nil {
		h.logger.Error("recording callback operation failed",
			zap.String("gateway", g.Key()),
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
		return writeAck(c, g.AckFail(errorbank.From(err).StatusCode()))
	}
	return writeAck(c, g.AckSuccess())
}

// tillCallback receives the fiscalization service's document status pings on
// the configured response URL. The order is located through the URL template's
// placeholder; the ping itself is informational.
func (h *Handler) tillCallback(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "callbacks.till",
		trace.WithAttributes(attribute.String("till", c.Param("name"))))
	defer span.End()

	template := h.cfg.Tills.Modulkassa.ResponseURL
	if template == "" {
		return b.WithError(errorbank.Config("no till response URL configured")).Build()
	}

	order, err := h.resolver.ResolveOrder(ctx, template, c.Request().URL)
	if err != nil {
		return b.WithError(err).Build()
	}

	h.logger.Info("fiscal document status received",
		zap.String("order_number", order.OrderNumber),
		zap.String("query", c.Request().URL.RawQuery))
	return b.WithData(map[string]string{"order_number": order.OrderNumber}).Build()
}

// callbackParams merges query string and form body parameters, covering both
// callback carriers the gateways use.
func callbackParams(c echo.Context) url.Values {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		return r.URL.Query()
	}
	return r.Form
}

func writeAck(c echo.Context, ack gateway.Ack) error {
	return response.Literal(c, ack.StatusCode, ack.ContentType, ack.Body)
}
