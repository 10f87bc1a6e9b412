package order

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

var repoTracer = otel.Tracer("github.com/illusorium/rupay/repository/order")

// ErrNotFound is returned when no order matches the lookup.
var ErrNotFound = errors.New("order not found")

// ErrAmbiguous is returned when criteria expected to identify a single order
// match more than one row. Callers surface this as a data-integrity failure
// and must never pick a row silently.
var ErrAmbiguous = errors.New("could not explicitly identify order by given conditions")

// lookupFields whitelists the columns accepted in equality criteria. Criteria
// keys come from gateway correlation config and URL templates, so they are
// never interpolated into SQL unchecked.
var lookupFields = map[string]bool{
	"order_number":   true,
	"transaction_id": true,
	"hash":           true,
	"email":          true,
	"phone":          true,
}

// Repository encapsulates read/write access for orders and their items.
type Repository struct {
	conns  *database.Connections
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		conns:  conns,
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// RunInTx runs fn inside a writer transaction.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return r.conns.RunInTx(ctx, fn)
}

// Create persists a new order together with its items.
func (r *Repository) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create",
		trace.WithAttributes(attribute.String("order.number", order.OrderNumber)))
	defer span.End()

	err := r.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		order.CreatedAt = now
		order.UpdatedAt = now
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return err
		}
		return insertItems(ctx, tx, order)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// Update persists changed order columns.
func (r *Repository) Update(ctx context.Context, order *entity.Order) error {
	return r.UpdateTx(ctx, r.writer, order)
}

// UpdateTx persists changed order columns using the supplied handle, so the
// caller can compose the write into a larger transaction.
func (r *Repository) UpdateTx(ctx context.Context, idb bun.IDB, order *entity.Order) error {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Update",
		trace.WithAttributes(attribute.Int64("order.id", order.ID)))
	defer span.End()

	order.UpdatedAt = time.Now().UTC()
	_, err := idb.NewUpdate().Model(order).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// GetByID fetches an order with items and payments by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID",
		trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).
		Relation("Items").
		Relation("Payments").
		Where("o.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// FindOne resolves exactly one order by field-equality criteria. Zero matches
// yield ErrNotFound; more than one match yields ErrAmbiguous.
func (r *Repository) FindOne(ctx context.Context, criteria map[string]any) (*entity.Order, error) {
	if len(criteria) == 0 {
		return nil, errors.New("lookup criteria must not be empty")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.FindOne")
	defer span.End()

	var orders []*entity.Order
	q := r.reader.NewSelect().Model(&orders).
		Relation("Items").
		Relation("Payments")
	for field, value := range criteria {
		if !lookupFields[field] {
			return nil, fmt.Errorf("unsupported lookup field %q", field)
		}
		q = q.Where("o.? = ?", bun.Ident(field), value)
	}

	if err := q.Limit(2).Scan(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	switch len(orders) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return orders[0], nil
	default:
		span.SetStatus(codes.Error, "ambiguous")
		return nil, ErrAmbiguous
	}
}

// FindByNumber resolves an order by the merchant-assigned number.
func (r *Repository) FindByNumber(ctx context.Context, number string) (*entity.Order, error) {
	return r.FindOne(ctx, map[string]any{"order_number": number})
}

// LockByNumberTx loads an order by number inside tx, taking a row lock that
// serializes concurrent mutations of the same order. Items and payments are
// loaded separately after the lock is acquired.
func (r *Repository) LockByNumberTx(ctx context.Context, tx bun.Tx, number string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.LockByNumber",
		trace.WithAttributes(attribute.String("order.number", number)))
	defer span.End()

	order := new(entity.Order)
	err := tx.NewSelect().Model(order).
		Where("o.order_number = ?", number).
		For("UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return nil, err
	}

	if err := tx.NewSelect().Model(&order.Items).Where("order_id = ?", order.ID).Scan(ctx); err != nil {
		return nil, err
	}
	if err := tx.NewSelect().Model(&order.Payments).Where("order_id = ?", order.ID).Scan(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

// ReplaceItemsTx deletes the order's current items and inserts the new set.
func (r *Repository) ReplaceItemsTx(ctx context.Context, tx bun.Tx, order *entity.Order) error {
	if _, err := tx.NewDelete().Model((*entity.Item)(nil)).
		Where("order_id = ?", order.ID).Exec(ctx); err != nil {
		return err
	}
	return insertItems(ctx, tx, order)
}

// ListSettledInRange returns orders whose paid (or refunded, when refunded is
// true) timestamp falls within [from, to]. Used by reconciliation jobs that
// re-verify gateway state for a period.
func (r *Repository) ListSettledInRange(ctx context.Context, refunded bool, from, to time.Time) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListSettledInRange")
	defer span.End()

	field := "paid"
	if refunded {
		field = "refunded"
	}

	var orders []*entity.Order
	err := r.reader.NewSelect().Model(&orders).
		Relation("Items").
		Where("o.? BETWEEN ? AND ?", bun.Ident(field), from, to).
		Order("o.id ASC").
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return orders, nil
}

func insertItems(ctx context.Context, tx bun.Tx, order *entity.Order) error {
	if len(order.Items) == 0 {
		return nil
	}
	for _, item := range order.Items {
		item.OrderID = order.ID
		item.ID = 0
	}
	_, err := tx.NewInsert().Model(&order.Items).Exec(ctx)
	return err
}
