package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/cache"
	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/dto"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/internal/gateway"
	"github.com/illusorium/rupay/internal/messaging"
	orderrepo "github.com/illusorium/rupay/internal/repository/order"
	paymentrepo "github.com/illusorium/rupay/internal/repository/payment"
	"github.com/illusorium/rupay/internal/till"
	"github.com/illusorium/rupay/pkg/errorbank"
)

var svcTracer = otel.Tracer("github.com/illusorium/rupay/service/order")

// Params collects the service dependencies from the Fx graph.
type Params struct {
	fx.In

	Orders   *orderrepo.Repository
	Payments *paymentrepo.Repository
	Gateways *gateway.Registry
	Tills    *till.Registry
	Cache    cache.Store
	Bus      messaging.Client
	Config   config.Config
	Logger   *zap.Logger
}

// Service owns the order lifecycle: creation and import, payment link
// resolution, settlement bookkeeping driven by gateway callbacks, and
// fiscalization.
type Service struct {
	orders   *orderrepo.Repository
	payments *paymentrepo.Repository
	gateways *gateway.Registry
	tills    *till.Registry
	cache    cache.Store
	bus      messaging.Client
	cfg      config.Config
	logger   *zap.Logger
}

// NewService builds the order service.
func NewService(p Params) *Service {
	return &Service{
		orders:   p.Orders,
		payments: p.Payments,
		gateways: p.Gateways,
		tills:    p.Tills,
		cache:    p.Cache,
		bus:      p.Bus,
		cfg:      p.Config,
		logger:   p.Logger,
	}
}

// Create persists a brand-new order. Creation fails if the merchant number is
// already taken; use Import for upsert semantics.
func (s *Service) Create(ctx context.Context, in dto.OrderInput) (*entity.Order, error) {
	ctx, span := svcTracer.Start(ctx, "OrderService.Create",
		trace.WithAttributes(attribute.String("order.number", in.OrderNumber)))
	defer span.End()

	order, err := in.ToEntity()
	if err != nil {
		return nil, err
	}

	existing, err := s.orders.FindByNumber(ctx, in.OrderNumber)
	if err != nil && !errors.Is(err, orderrepo.ErrNotFound) {
		return nil, s.wrapLookup(err)
	}
	if existing != nil {
		return nil, errorbank.BadRequest(
			fmt.Sprintf("order %s already exists", in.OrderNumber))
	}

	s.applyLinkLifetime(order)
	order.EnsureTransactionID(false)
	order.EnsureHash(false)

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}
	s.logger.Info("order created", zap.String("order_number", order.OrderNumber))
	return order, nil
}

// Import creates the order or overwrites its public fields and items when it
// already exists. Updates of an existing order are serialized by a row lock,
// mark every cached gateway registration outdated and are rejected outright
// once the order is paid. The created flag reports which path was taken.
func (s *Service) Import(ctx context.Context, in dto.OrderInput) (*entity.Order, bool, error) {
	ctx, span := svcTracer.Start(ctx, "OrderService.Import",
		trace.WithAttributes(attribute.String("order.number", in.OrderNumber)))
	defer span.End()

	// Validate before touching storage: a malformed payload must not even
	// take the row lock.
	if _, err := in.ToEntity(); err != nil {
		return nil, false, err
	}

	var result *entity.Order
	err := s.orders.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		existing, err := s.orders.LockByNumberTx(ctx, tx, in.OrderNumber)
		if err != nil {
			return err
		}

		if _, err := existing.ApplyUpdate(in.Update()); err != nil {
			return err
		}
		items, err := in.ItemEntities()
		if err != nil {
			return err
		}
		if err := existing.ReplaceItems(items); err != nil {
			return err
		}
		if err := s.orders.ReplaceItemsTx(ctx, tx, existing); err != nil {
			return err
		}
		if err := s.payments.MarkOutdatedTx(ctx, tx, existing.ID); err != nil {
			return err
		}
		if err := s.orders.UpdateTx(ctx, tx, existing); err != nil {
			return err
		}
		result = existing
		return nil
	})
	if errors.Is(err, orderrepo.ErrNotFound) {
		order, createErr := s.Create(ctx, in)
		if createErr != nil {
			return nil, false, createErr
		}
		s.preregister(ctx, order)
		return order, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("order imported", zap.String("order_number", result.OrderNumber))
	s.preregister(ctx, result)
	return result, false, nil
}

// preregister pushes the order to the default gateway when that gateway wants
// orders registered at import time. Registration failures do not fail the
// import: the payment page retries on first visit.
func (s *Service) preregister(ctx context.Context, order *entity.Order) {
	g := s.gateways.Default()
	if !g.NeedsPreregistration() {
		return
	}
	if _, err := g.RegisterOrder(ctx, order, gateway.RegisterOptions{}); err != nil {
		s.logger.Warn("preregistration failed",
			zap.String("order_number", order.OrderNumber),
			zap.String("gateway", g.Key()),
			zap.Error(err))
	}
}

// FindByHash resolves an order by its public payment-page token. The
// hash-to-id mapping is immutable and therefore cacheable.
func (s *Service) FindByHash(ctx context.Context, hash string) (*entity.Order, error) {
	ctx, span := svcTracer.Start(ctx, "OrderService.FindByHash")
	defer span.End()

	key := "order:hash:" + hash
	var id int64
	if err := cache.GetJSON(ctx, s.cache, key, &id); err == nil {
		order, err := s.orders.GetByID(ctx, id)
		if err == nil {
			return order, nil
		}
		_ = s.cache.Delete(ctx, key)
	}

	order, err := s.orders.FindOne(ctx, map[string]any{"hash": hash})
	if err != nil {
		return nil, s.wrapLookup(err)
	}
	if err := cache.SetJSON(ctx, s.cache, key, order.ID, 0); err != nil {
		s.logger.Warn("caching order hash failed", zap.Error(err))
	}
	return order, nil
}

// FindByNumber resolves an order by the merchant-assigned number.
func (s *Service) FindByNumber(ctx context.Context, number string) (*entity.Order, error) {
	order, err := s.orders.FindByNumber(ctx, number)
	if err != nil {
		return nil, s.wrapLookup(err)
	}
	return order, nil
}

// PaymentURL resolves the gateway payment link for an order identified by its
// public hash. Paid orders and expired links are rejected before any gateway
// interaction.
func (s *Service) PaymentURL(ctx context.Context, hash, gatewayName string) (string, *entity.Order, error) {
	ctx, span := svcTracer.Start(ctx, "OrderService.PaymentURL")
	defer span.End()

	order, err := s.FindByHash(ctx, hash)
	if err != nil {
		return "", nil, err
	}
	if order.IsPaid() {
		return "", order, errorbank.Immutable(
			fmt.Sprintf("order %s has been paid already", order.OrderNumber))
	}
	if !order.IsValidAt(time.Now()) {
		return "", order, errorbank.BadRequest(
			fmt.Sprintf("payment link for order %s has expired", order.OrderNumber))
	}

	g := s.gateways.Default()
	if gatewayName != "" {
		if g, err = s.gateways.Get(gatewayName); err != nil {
			return "", order, err
		}
	}
	url, err := g.PaymentURL(ctx, order)
	if err != nil {
		return "", order, err
	}
	return url, order, nil
}

// RecordOperation applies a verified, normalized gateway operation to the
// order's settlement state. Unsuccessful operations and operations without a
// persistent effect change nothing. Re-delivery of an already-applied terminal
// operation is a no-op, not an error.
func (s *Service) RecordOperation(ctx context.Context, orderNumber string, op gateway.Operation) (bool, error) {
	ctx, span := svcTracer.Start(ctx, "OrderService.RecordOperation", trace.WithAttributes(
		attribute.String("order.number", orderNumber),
		attribute.String("operation.status", op.Status.String()),
	))
	defer span.End()

	if !op.Success {
		s.logger.Info("unsuccessful gateway operation ignored",
			zap.String("order_number", orderNumber),
			zap.String("status", op.Status.String()))
		return false, nil
	}

	var changed bool
	var event string
	err := s.orders.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		order, err := s.orders.LockByNumberTx(ctx, tx, orderNumber)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		switch op.Status {
		case gateway.StatusDeposited:
			if order.Paid != nil {
				return nil
			}
			order.Paid = &now
			changed, event = true, EventOrderSettled
		case gateway.StatusRefunded:
			if order.Refunded != nil {
				return nil
			}
			if order.Paid == nil {
				s.logger.Warn("refund recorded for an order never marked paid",
					zap.String("order_number", orderNumber))
			}
			order.Refunded = &now
			changed, event = true, EventOrderRefunded
		default:
			// Approved, reversed, declined and the in-flight states leave no
			// trace on the order row.
			return nil
		}
		return s.orders.UpdateTx(ctx, tx, order)
	})
	if errors.Is(err, orderrepo.ErrNotFound) {
		return false, errorbank.NotFound(fmt.Sprintf("order %s not found", orderNumber))
	}
	if err != nil {
		return false, err
	}

	if changed {
		s.publish(ctx, event, orderNumber)
	}
	return changed, nil
}

// Fiscalize submits the fiscal receipt for a settled order and stamps the
// fiscalization time. A refunded order produces a RETURN document, otherwise a
// SALE. The till may re-mint the order's transaction id (document ids must be
// unique), so the order is persisted after submission.
func (s *Service) Fiscalize(ctx context.Context, orderNumber string) (string, error) {
	ctx, span := svcTracer.Start(ctx, "OrderService.Fiscalize",
		trace.WithAttributes(attribute.String("order.number", orderNumber)))
	defer span.End()

	order, err := s.FindByNumber(ctx, orderNumber)
	if err != nil {
		return "", err
	}
	if order.Paid == nil {
		return "", errorbank.Validation(
			fmt.Sprintf("order %s is not paid, nothing to fiscalize", orderNumber))
	}

	t, err := s.tills.Default()
	if err != nil {
		return "", err
	}
	ready, err := t.IsReady(ctx)
	if err != nil {
		return "", err
	}
	if !ready {
		return "", errorbank.Upstream(
			fmt.Sprintf("till %s is not ready to accept documents", t.Key()))
	}

	docType := till.DocTypeForStatus(order.Refunded != nil)
	docID, err := t.SendReceipt(ctx, order, docType)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	order.Fiscalized = &now
	if err := s.orders.Update(ctx, order); err != nil {
		return "", err
	}

	s.publish(ctx, EventOrderFiscalized, orderNumber)
	return docID, nil
}

// ReceiptStatus polls the till for the order's last fiscal document.
func (s *Service) ReceiptStatus(ctx context.Context, orderNumber string) (json.RawMessage, error) {
	order, err := s.FindByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	t, err := s.tills.Default()
	if err != nil {
		return nil, err
	}
	return t.ReceiptStatus(ctx, order)
}

// GatewayStatus polls a gateway for its raw view of the order.
func (s *Service) GatewayStatus(ctx context.Context, orderNumber, gatewayName string) (json.RawMessage, error) {
	order, err := s.FindByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	g := s.gateways.Default()
	if gatewayName != "" {
		if g, err = s.gateways.Get(gatewayName); err != nil {
			return nil, err
		}
	}
	return g.PaymentStatus(ctx, order)
}

// RefreshTransactionID force-mints a new transaction id and hash for an
// unpaid order, invalidating the old payment link and every cached gateway
// registration.
func (s *Service) RefreshTransactionID(ctx context.Context, orderNumber string) (*entity.Order, error) {
	ctx, span := svcTracer.Start(ctx, "OrderService.RefreshTransactionID",
		trace.WithAttributes(attribute.String("order.number", orderNumber)))
	defer span.End()

	var result *entity.Order
	err := s.orders.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		order, err := s.orders.LockByNumberTx(ctx, tx, orderNumber)
		if err != nil {
			return err
		}
		if order.IsPaid() {
			return errorbank.Immutable(
				fmt.Sprintf("order %s has been paid already, refreshing is forbidden", orderNumber))
		}

		oldHash := order.Hash
		order.EnsureTransactionID(true)
		order.EnsureHash(true)
		if err := s.payments.MarkOutdatedTx(ctx, tx, order.ID); err != nil {
			return err
		}
		if err := s.orders.UpdateTx(ctx, tx, order); err != nil {
			return err
		}
		_ = s.cache.Delete(ctx, "order:hash:"+oldHash)
		result = order
		return nil
	})
	if errors.Is(err, orderrepo.ErrNotFound) {
		return nil, errorbank.NotFound(fmt.Sprintf("order %s not found", orderNumber))
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) applyLinkLifetime(order *entity.Order) {
	if order.ValidThrough == nil && s.cfg.Orders.LinkLifetime > 0 {
		deadline := time.Now().Add(s.cfg.Orders.LinkLifetime)
		order.ValidThrough = &deadline
	}
}

func (s *Service) wrapLookup(err error) error {
	switch {
	case errors.Is(err, orderrepo.ErrNotFound):
		return errorbank.NotFound("order not found")
	case errors.Is(err, orderrepo.ErrAmbiguous):
		return errorbank.Integrity(err.Error())
	default:
		return err
	}
}
