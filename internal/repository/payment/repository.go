package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/illusorium/rupay/internal/database"
	"github.com/illusorium/rupay/internal/entity"
)

var repoTracer = otel.Tracer("github.com/illusorium/rupay/repository/payment")

// ErrNotFound is returned when no payment matches the lookup.
var ErrNotFound = errors.New("payment not found")

// ErrAmbiguous is returned when criteria match more than one payment row.
var ErrAmbiguous = errors.New("could not explicitly identify payment by given conditions")

var lookupFields = map[string]bool{
	"gateway":          true,
	"gateway_order_id": true,
	"payment_url":      true,
}

// Repository encapsulates access to gateway registration state.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{writer: conns.Writer, reader: conns.Reader}
}

// ForOrderGateway returns the payment row for the given order and gateway key,
// or ErrNotFound when the order was never registered there.
func (r *Repository) ForOrderGateway(ctx context.Context, orderID int64, gatewayKey string) (*entity.Payment, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.ForOrderGateway", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("gateway.key", gatewayKey),
	))
	defer span.End()

	p := new(entity.Payment)
	err := r.reader.NewSelect().Model(p).
		Where("p.order_id = ?", orderID).
		Where("p.gateway = ?", gatewayKey).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return p, nil
}

// Create inserts a fresh payment row.
func (r *Repository) Create(ctx context.Context, p *entity.Payment) error {
	if p == nil {
		return errors.New("nil payment")
	}
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.Create",
		trace.WithAttributes(attribute.String("gateway.key", p.Gateway)))
	defer span.End()

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := r.writer.NewInsert().Model(p).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// Update persists changed payment columns.
func (r *Repository) Update(ctx context.Context, p *entity.Payment) error {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.Update",
		trace.WithAttributes(attribute.Int64("payment.id", p.ID)))
	defer span.End()

	p.UpdatedAt = time.Now().UTC()
	_, err := r.writer.NewUpdate().Model(p).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// Delete removes a payment row. Gateways that revoke registrations remotely
// recreate the row on the next registration attempt instead of reusing it.
func (r *Repository) Delete(ctx context.Context, p *entity.Payment) error {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.Delete",
		trace.WithAttributes(attribute.Int64("payment.id", p.ID)))
	defer span.End()

	_, err := r.writer.NewDelete().Model(p).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
	}
	return err
}

// FindOne resolves exactly one payment by field-equality criteria, loading
// the owning order. Used by callbacks that correlate on gateway_order_id.
func (r *Repository) FindOne(ctx context.Context, criteria map[string]any) (*entity.Payment, error) {
	if len(criteria) == 0 {
		return nil, errors.New("lookup criteria must not be empty")
	}
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.FindOne")
	defer span.End()

	q := r.reader.NewSelect().Model((*entity.Payment)(nil)).
		Relation("Order").
		Relation("Order.Items")
	for field, value := range criteria {
		if !lookupFields[field] {
			return nil, fmt.Errorf("unsupported lookup field %q", field)
		}
		q = q.Where("p.? = ?", bun.Ident(field), value)
	}

	var payments []*entity.Payment
	if err := q.Limit(2).Scan(ctx, &payments); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	switch len(payments) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return payments[0], nil
	default:
		span.SetStatus(codes.Error, "ambiguous")
		return nil, ErrAmbiguous
	}
}

// MarkOutdatedTx flags every payment of the order as outdated inside tx.
func (r *Repository) MarkOutdatedTx(ctx context.Context, tx bun.Tx, orderID int64) error {
	_, err := tx.NewUpdate().Model((*entity.Payment)(nil)).
		Set("is_outdated = ?", true).
		Set("updated_at = ?", time.Now().UTC()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

// StaleUnpaid returns payments registered before the cutoff whose orders were
// never settled. Reconciliation polls these against the gateway.
func (r *Repository) StaleUnpaid(ctx context.Context, gatewayKey string, cutoff time.Time) ([]*entity.Payment, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.StaleUnpaid",
		trace.WithAttributes(attribute.String("gateway.key", gatewayKey)))
	defer span.End()

	var payments []*entity.Payment
	err := r.reader.NewSelect().Model(&payments).
		Relation("Order").
		Where("p.gateway = ?", gatewayKey).
		Where("p.created_at < ?", cutoff).
		Where("\"order\".paid IS NULL").
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return payments, nil
}
