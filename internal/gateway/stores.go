package gateway

import (
	"context"
	"errors"

	"github.com/illusorium/rupay/internal/entity"
	orderrepo "github.com/illusorium/rupay/internal/repository/order"
	paymentrepo "github.com/illusorium/rupay/internal/repository/payment"
	"github.com/illusorium/rupay/pkg/errorbank"
)

// repoPaymentStore adapts the payment repository to the PaymentStore surface:
// missing rows become (nil, nil), ambiguity becomes an integrity error.
type repoPaymentStore struct {
	repo *paymentrepo.Repository
}

// NewPaymentStore wraps the payment repository for gateway adapters.
func NewPaymentStore(repo *paymentrepo.Repository) PaymentStore {
	return repoPaymentStore{repo: repo}
}

func (s repoPaymentStore) ForOrderGateway(ctx context.Context, orderID int64, gatewayKey string) (*entity.Payment, error) {
	p, err := s.repo.ForOrderGateway(ctx, orderID, gatewayKey)
	if errors.Is(err, paymentrepo.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (s repoPaymentStore) Create(ctx context.Context, p *entity.Payment) error {
	return s.repo.Create(ctx, p)
}

func (s repoPaymentStore) Update(ctx context.Context, p *entity.Payment) error {
	return s.repo.Update(ctx, p)
}

func (s repoPaymentStore) Delete(ctx context.Context, p *entity.Payment) error {
	return s.repo.Delete(ctx, p)
}

func (s repoPaymentStore) FindOne(ctx context.Context, criteria map[string]any) (*entity.Payment, error) {
	p, err := s.repo.FindOne(ctx, criteria)
	if errors.Is(err, paymentrepo.ErrNotFound) {
		return nil, nil
	}
	if errors.Is(err, paymentrepo.ErrAmbiguous) {
		return nil, errorbank.Integrity(err.Error())
	}
	return p, err
}

// repoOrderStore adapts the order repository the same way.
type repoOrderStore struct {
	repo *orderrepo.Repository
}

// NewOrderStore wraps the order repository for gateway adapters.
func NewOrderStore(repo *orderrepo.Repository) OrderStore {
	return repoOrderStore{repo: repo}
}

func (s repoOrderStore) FindOne(ctx context.Context, criteria map[string]any) (*entity.Order, error) {
	o, err := s.repo.FindOne(ctx, criteria)
	if errors.Is(err, orderrepo.ErrNotFound) {
		return nil, nil
	}
	if errors.Is(err, orderrepo.ErrAmbiguous) {
		return nil, errorbank.Integrity(err.Error())
	}
	return o, err
}
