package gateway

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/entity"
)

// fakePaymentStore is an in-memory PaymentStore mirroring the repository
// contract: missing rows are (nil, nil), Create assigns ids.
type fakePaymentStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []*entity.Payment
}

func (s *fakePaymentStore) ForOrderGateway(_ context.Context, orderID int64, gatewayKey string) (*entity.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.rows {
		if p.OrderID == orderID && p.Gateway == gatewayKey {
			return p, nil
		}
	}
	return nil, nil
}

func (s *fakePaymentStore) Create(_ context.Context, p *entity.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.rows = append(s.rows, p)
	return nil
}

func (s *fakePaymentStore) Update(_ context.Context, p *entity.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == p.ID {
			s.rows[i] = p
			return nil
		}
	}
	s.rows = append(s.rows, p)
	return nil
}

func (s *fakePaymentStore) Delete(_ context.Context, p *entity.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == p.ID {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakePaymentStore) FindOne(_ context.Context, criteria map[string]any) (*entity.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.rows {
		if matchesPayment(p, criteria) {
			return p, nil
		}
	}
	return nil, nil
}

func matchesPayment(p *entity.Payment, criteria map[string]any) bool {
	for field, want := range criteria {
		var got string
		switch field {
		case "gateway":
			got = p.Gateway
		case "gateway_order_id":
			got = p.GatewayOrderID
		case "payment_url":
			got = p.PaymentURL
		default:
			return false
		}
		if got != want.(string) {
			return false
		}
	}
	return true
}

// fakeOrderStore resolves orders by the correlation fields callbacks carry.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders []*entity.Order
}

func (s *fakeOrderStore) FindOne(_ context.Context, criteria map[string]any) (*entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if matchesOrder(o, criteria) {
			return o, nil
		}
	}
	return nil, nil
}

func matchesOrder(o *entity.Order, criteria map[string]any) bool {
	for field, want := range criteria {
		var got string
		switch field {
		case "order_number":
			got = o.OrderNumber
		case "transaction_id":
			got = o.TransactionID
		case "hash":
			got = o.Hash
		default:
			return false
		}
		if got != want.(string) {
			return false
		}
	}
	return true
}

func newTestDeps(payments *fakePaymentStore, orders *fakeOrderStore) Deps {
	return Deps{
		Client:   http.DefaultClient,
		Logger:   zap.NewNop(),
		Payments: payments,
		Orders:   orders,
	}
}

func testOrder(t *testing.T, number string) *entity.Order {
	t.Helper()
	price, err := decimal.NewFromString("59.90")
	require.NoError(t, err)
	qty, err := decimal.NewFromString("2")
	require.NoError(t, err)

	order := &entity.Order{
		ID:          1,
		OrderNumber: number,
		Email:       "buyer@example.com",
		Items: []*entity.Item{
			{Product: "paint", Price: price, Quantity: qty, Units: "шт"},
		},
	}
	order.EnsureHash(false)
	return order
}
