package seeder

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/database"
	"github.com/illusorium/rupay/internal/entity"
)

// Module provides the seeder to Fx.
var Module = fx.Provide(New)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger}
}

// Orders seeds example orders with items if they are missing.
func (s *Seeder) Orders(ctx context.Context) error {
	now := time.Now().UTC()
	samples := []*entity.Order{
		{
			OrderNumber: "DEMO-1000",
			Buyer:       "Test Buyer",
			Email:       "buyer@example.com",
			Items: []*entity.Item{
				{Product: "Consultation", Price: decimal.NewFromFloat(1500.00), Quantity: decimal.NewFromInt(1)},
			},
		},
		{
			OrderNumber: "DEMO-1001",
			Buyer:       "Another Buyer",
			Email:       "another@example.com",
			Items: []*entity.Item{
				{Product: "Widget", Price: decimal.NewFromFloat(59.90), Quantity: decimal.NewFromInt(2), Units: "pcs"},
				{Product: "Delivery", Price: decimal.NewFromFloat(299.00), Quantity: decimal.NewFromInt(1)},
			},
		},
	}

	for _, sample := range samples {
		order := sample
		order.EnsureTransactionID(false)
		order.EnsureHash(false)
		order.CreatedAt = now
		order.UpdatedAt = now

		res, err := s.db.NewInsert().Model(order).
			On("CONFLICT (order_number) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}
		for _, item := range order.Items {
			item.OrderID = order.ID
		}
		if _, err := s.db.NewInsert().Model(&order.Items).Exec(ctx); err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded orders", zap.Int("count", len(samples)))
	}
	return nil
}
