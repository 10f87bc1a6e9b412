package entity

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Payment records gateway-specific registration state for an order. At most
// one row exists per (order, gateway key) pair.
//
// When the owning order's public fields change after registration the row is
// flagged outdated; the adapter must reconcile the stale registration before
// reusing it. Adapters without a revoke capability clear the cached fields in
// place, others delete and recreate the row.
type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID             int64           `bun:",pk,autoincrement"`
	OrderID        int64           `bun:"order_id"`
	Gateway        string          `bun:"gateway"`
	GatewayOrderID string          `bun:"gateway_order_id"`
	PaymentURL     string          `bun:"payment_url"`
	Data           json.RawMessage `bun:"data,type:jsonb,nullzero"`
	IsOutdated     bool            `bun:"is_outdated"`
	CreatedAt      time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `bun:"updated_at,nullzero"`

	Order *Order `bun:"rel:belongs-to,join:order_id=id"`
}

// ClearRegistration wipes the cached gateway state while keeping the row.
// Used by gateways that cannot revoke a registration remotely.
func (p *Payment) ClearRegistration() {
	p.GatewayOrderID = ""
	p.PaymentURL = ""
	p.Data = nil
	p.IsOutdated = false
}

// Registered reports whether the payment holds a usable cached registration.
func (p *Payment) Registered() bool {
	return p.PaymentURL != "" && !p.IsOutdated
}
