package entity

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/illusorium/rupay/pkg/errorbank"
)

// Item is a single line entry owned by exactly one order.
type Item struct {
	bun.BaseModel `bun:"table:order_items"`

	ID       int64           `bun:",pk,autoincrement"`
	OrderID  int64           `bun:"order_id"`
	Product  string          `bun:"product"`
	Price    decimal.Decimal `bun:"price"`
	Quantity decimal.Decimal `bun:"quantity"`
	Units    string          `bun:"units"`

	Order *Order `bun:"rel:belongs-to,join:order_id=id"`
}

// Cost is the monetary value of the line: price times quantity, rounded to
// whole cents.
func (i *Item) Cost() decimal.Decimal {
	return i.Price.Mul(i.Quantity).Round(2)
}

// Validate checks the line against the constraints shared by all gateways:
// positive price and quantity, at most three fractional digits of quantity,
// and a cost that lands exactly on a cent. Costs with a longer fractional
// part are rejected instead of silently truncated, because the gateways and
// the fiscalization service re-verify item arithmetic on their side.
func (i *Item) Validate() error {
	if i.Product == "" {
		return errorbank.Validation("product name must not be empty")
	}
	if !i.Price.IsPositive() {
		return errorbank.Validation("price must be greater than 0")
	}
	if !i.Quantity.IsPositive() {
		return errorbank.Validation("quantity must be greater than 0")
	}
	if i.Quantity.Exponent() < -3 {
		return errorbank.Validation(
			fmt.Sprintf("quantity %s has more than 3 fractional digits", i.Quantity))
	}
	cost := i.Price.Mul(i.Quantity)
	if !cost.Equal(cost.Round(2)) {
		return errorbank.Validation(fmt.Sprintf(
			"invalid item cost: %s * %s = %s - too long fractional part",
			i.Quantity, i.Price, cost))
	}
	return nil
}
