package order

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/illusorium/rupay/internal/dto"
	"github.com/illusorium/rupay/internal/presentation/http/response"
	service "github.com/illusorium/rupay/internal/service/order"
	"github.com/illusorium/rupay/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/illusorium/rupay/transport/http/order")

// Handler exposes the merchant order API and the public payment page entry.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with the provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.POST("", h.create)
	g.POST("/import", h.importOrder)
	g.GET("/:number", h.getByNumber)
	g.GET("/:number/status", h.gatewayStatus)
	g.POST("/:number/refresh", h.refresh)
	g.POST("/:number/receipt", h.fiscalize)
	g.GET("/:number/receipt", h.receiptStatus)

	e.GET("/pay/:hash", h.pay)
}

func (h *Handler) create(c echo.Context) error {
	b := response.New(c)

	var payload dto.OrderInput
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.create",
		trace.WithAttributes(attribute.String("order.number", payload.OrderNumber)))
	defer span.End()

	order, err := h.svc.Create(ctx, payload)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(dto.NewOrderView(order)).Build()
}

func (h *Handler) importOrder(c echo.Context) error {
	b := response.New(c)

	var payload dto.OrderInput
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.import",
		trace.WithAttributes(attribute.String("order.number", payload.OrderNumber)))
	defer span.End()

	order, created, err := h.svc.Import(ctx, payload)
	if err != nil {
		return b.WithError(err).Build()
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return b.WithStatus(status).
		WithMeta("created", created).
		WithData(dto.NewOrderView(order)).
		Build()
}

func (h *Handler) getByNumber(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByNumber")
	defer span.End()

	order, err := h.svc.FindByNumber(ctx, c.Param("number"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewOrderView(order)).Build()
}

func (h *Handler) gatewayStatus(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.gatewayStatus")
	defer span.End()

	raw, err := h.svc.GatewayStatus(ctx, c.Param("number"), c.QueryParam("gateway"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(raw).Build()
}

func (h *Handler) refresh(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.refresh")
	defer span.End()

	order, err := h.svc.RefreshTransactionID(ctx, c.Param("number"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.NewOrderView(order)).Build()
}

func (h *Handler) fiscalize(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.fiscalize")
	defer span.End()

	docID, err := h.svc.Fiscalize(ctx, c.Param("number"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(map[string]string{"document_id": docID}).Build()
}

func (h *Handler) receiptStatus(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.receiptStatus")
	defer span.End()

	raw, err := h.svc.ReceiptStatus(ctx, c.Param("number"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(raw).Build()
}

// pay is the public entry point behind payment links: it resolves the order by
// its hash, ensures the gateway registration is current and redirects the
// buyer to the gateway's payment form.
func (h *Handler) pay(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.pay")
	defer span.End()

	url, _, err := h.svc.PaymentURL(ctx, c.Param("hash"), c.QueryParam("gateway"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return c.Redirect(http.StatusFound, url)
}
