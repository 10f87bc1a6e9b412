package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/entity"
)

var tracer = otel.Tracer("github.com/illusorium/rupay/gateway")

// ErrNotSupported is returned for protocol operations a gateway does not
// implement (e.g. status polling on form-only gateways).
var ErrNotSupported = errors.New("operation not supported by gateway")

// Ack is the protocol-specific acknowledgement a gateway expects in response
// to its callback. Bodies are literal: gateways compare them byte for byte.
type Ack struct {
	StatusCode  int
	ContentType string
	Body        string
}

// Operation is a normalized callback operation: the shared status plus the
// success flag some protocols report separately.
type Operation struct {
	Status  Status
	Success bool
}

// RegisterOptions tweaks a single registration call.
type RegisterOptions struct {
	// OrderNumber overrides the identifier sent to the gateway. Empty means
	// the adapter picks per its configuration.
	OrderNumber string
	// Description is shown on the gateway's payment page where supported.
	Description string
}

// Gateway is the capability interface every payment integration implements.
// Implementations form a closed set selected by configuration key through the
// Registry.
type Gateway interface {
	// Name is the configuration key of the integration ("sberbank", ...).
	Name() string
	// Key identifies (integration, mode) pairs on payment rows.
	Key() string
	TestMode() bool
	// NeedsPreregistration reports whether orders should be registered at the
	// gateway proactively (at import time) rather than at first visit to the
	// payment page. Static capability, not per-call.
	NeedsPreregistration() bool

	// Sign computes the authentication tag binding the order and the volatile
	// request fields per the gateway's canonical algorithm. Gateways without
	// an outbound signature return an empty string.
	Sign(order *entity.Order, params url.Values) string
	// VerifyCallback recomputes the expected tag and compares it with the one
	// the callback carries. Gateways whose signature covers order fields bind
	// the expectation to the resolved order, not to the callback's echo of
	// those fields. Missing fields fail verification, they never panic;
	// gateways configured without signature checking trivially succeed.
	VerifyCallback(order *entity.Order, params url.Values) bool
	// CallbackOperation normalizes the callback's native status vocabulary.
	// ok is false for unknown or missing operations; callers acknowledge the
	// request without changing state.
	CallbackOperation(params url.Values) (op Operation, ok bool)
	// CallbackMethod is the HTTP method whose parameter carrier (query string
	// or form body) the gateway posts callbacks with.
	CallbackMethod() string

	// FindOrder resolves the callback to a local order using the gateway's
	// correlation key.
	FindOrder(ctx context.Context, params url.Values) (*entity.Order, error)

	// RegisterOrder ensures the order is registered at the gateway and
	// returns the payment URL. Idempotent: an existing non-outdated
	// registration is returned from cache without a network call; an
	// outdated one is reconciled first.
	RegisterOrder(ctx context.Context, order *entity.Order, opts RegisterOptions) (string, error)
	// PaymentURL returns the address for the payment form.
	PaymentURL(ctx context.Context, order *entity.Order) (string, error)
	// PaymentStatus polls the gateway and returns its raw response.
	PaymentStatus(ctx context.Context, order *entity.Order) (json.RawMessage, error)
	// PaymentStatusCode polls the gateway and normalizes the reported state.
	PaymentStatusCode(ctx context.Context, order *entity.Order) (Status, error)

	AckSuccess() Ack
	AckFail(statusCode int) Ack
}

// PaymentStore is the narrow persistence surface adapters use to manage
// registration state. A missing row is (nil, nil), not an error.
type PaymentStore interface {
	ForOrderGateway(ctx context.Context, orderID int64, gatewayKey string) (*entity.Payment, error)
	Create(ctx context.Context, p *entity.Payment) error
	Update(ctx context.Context, p *entity.Payment) error
	Delete(ctx context.Context, p *entity.Payment) error
	FindOne(ctx context.Context, criteria map[string]any) (*entity.Payment, error)
}

// OrderStore resolves orders by equality criteria for callback correlation.
// A missing order is (nil, nil); ambiguous criteria surface an error.
type OrderStore interface {
	FindOne(ctx context.Context, criteria map[string]any) (*entity.Order, error)
}

// Deps bundles the collaborators shared by all adapters.
type Deps struct {
	Client   *http.Client
	Logger   *zap.Logger
	Payments PaymentStore
	Orders   OrderStore
}

// base carries the state and helpers common to all gateway adapters.
type base struct {
	name     string
	testMode bool
	client   *http.Client
	logger   *zap.Logger
	payments PaymentStore
	orders   OrderStore
	locks    *orderLocks
}

func newBase(name string, testMode bool, deps Deps) base {
	return base{
		name:     name,
		testMode: testMode,
		client:   deps.Client,
		logger:   deps.Logger,
		payments: deps.Payments,
		orders:   deps.Orders,
		locks:    newOrderLocks(),
	}
}

func (b *base) Name() string { return b.name }

func (b *base) TestMode() bool { return b.testMode }

// Key combines the integration name with the mode so that test and production
// registrations never share payment rows.
func (b *base) Key() string {
	if b.testMode {
		return b.name + "_test"
	}
	return b.name + "_prod"
}

// payment loads the registration row for this gateway, creating an empty one
// when createIfMissing is set.
func (b *base) payment(ctx context.Context, order *entity.Order, createIfMissing bool) (*entity.Payment, error) {
	p, err := b.payments.ForOrderGateway(ctx, order.ID, b.Key())
	if err != nil {
		return nil, err
	}
	if p != nil || !createIfMissing {
		return p, nil
	}
	p = &entity.Payment{OrderID: order.ID, Gateway: b.Key(), Order: order}
	if err := b.payments.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// storeRegistration caches a successful registration result on the payment row.
func (b *base) storeRegistration(ctx context.Context, p *entity.Payment, raw json.RawMessage, paymentURL, gatewayOrderID string) error {
	p.Gateway = b.Key()
	p.Data = raw
	if paymentURL != "" {
		p.PaymentURL = paymentURL
	}
	if gatewayOrderID != "" {
		p.GatewayOrderID = gatewayOrderID
	}
	p.IsOutdated = false
	return b.payments.Update(ctx, p)
}

// textAck builds a plain-text acknowledgement.
func textAck(statusCode int, body string) Ack {
	return Ack{
		StatusCode:  statusCode,
		ContentType: "text/plain; charset=utf-8",
		Body:        body,
	}
}

// orderLocks serializes registration per order id. Two concurrent first-time
// registrations of the same order must issue exactly one network call; the
// second caller observes the row cached by the first.
type orderLocks struct {
	mu sync.Mutex
	m  map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{m: make(map[int64]*lockEntry)}
}

// acquire blocks until the per-order lock is held and returns the release
// function. Entries are dropped once unreferenced to keep the map bounded.
func (l *orderLocks) acquire(orderID int64) func() {
	l.mu.Lock()
	e, ok := l.m[orderID]
	if !ok {
		e = &lockEntry{}
		l.m[orderID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, orderID)
		}
		l.mu.Unlock()
	}
}

// formatTimestamp renders instants the way the bank APIs expect.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
