package dto

import (
	"time"

	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/pkg/errorbank"
)

// ItemInput is one order line as submitted by the merchant. Price and quantity
// arrive as strings: merchant systems send both "59.90" and "59,90".
type ItemInput struct {
	Product  string `json:"product"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Units    string `json:"units"`
}

// OrderInput is the merchant-facing payload for creating or importing an order.
type OrderInput struct {
	OrderNumber  string      `json:"order_number"`
	ValidThrough *time.Time  `json:"valid_through"`
	Buyer        string      `json:"buyer"`
	Email        string      `json:"email"`
	Phone        string      `json:"phone"`
	Address      string      `json:"address"`
	Comment      string      `json:"comment"`
	Items        []ItemInput `json:"items"`
}

// ToEntity converts the payload into a validated order aggregate.
func (in OrderInput) ToEntity() (*entity.Order, error) {
	order := &entity.Order{
		OrderNumber:  in.OrderNumber,
		ValidThrough: in.ValidThrough,
		Buyer:        in.Buyer,
		Email:        in.Email,
		Phone:        in.Phone,
		Address:      in.Address,
		Comment:      in.Comment,
	}

	items, err := toItems(in.Items)
	if err != nil {
		return nil, err
	}
	order.Items = items

	if err := entity.ValidateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// Update extracts the mutable public fields for an existing order. All fields
// are set: import semantics overwrite, they do not patch.
func (in OrderInput) Update() entity.OrderUpdate {
	return entity.OrderUpdate{
		ValidThrough: in.ValidThrough,
		Buyer:        &in.Buyer,
		Email:        &in.Email,
		Phone:        &in.Phone,
		Address:      &in.Address,
		Comment:      &in.Comment,
	}
}

// ItemEntities converts and validates the payload's lines.
func (in OrderInput) ItemEntities() ([]*entity.Item, error) {
	return toItems(in.Items)
}

func toItems(inputs []ItemInput) ([]*entity.Item, error) {
	items := make([]*entity.Item, 0, len(inputs))
	for i, line := range inputs {
		price, err := entity.ParseAmount(line.Price)
		if err != nil {
			return nil, errorbank.Validation(
				"item price is not a number", errorbank.WithDetail("item", i+1))
		}
		quantity, err := entity.ParseAmount(line.Quantity)
		if err != nil {
			return nil, errorbank.Validation(
				"item quantity is not a number", errorbank.WithDetail("item", i+1))
		}
		item := &entity.Item{
			Product:  line.Product,
			Price:    price,
			Quantity: quantity,
			Units:    line.Units,
		}
		if err := item.Validate(); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ItemView is one order line in API responses.
type ItemView struct {
	Product  string `json:"product"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Units    string `json:"units,omitempty"`
	Cost     string `json:"cost"`
}

// PaymentView is the gateway registration state in API responses.
type PaymentView struct {
	Gateway        string `json:"gateway"`
	GatewayOrderID string `json:"gateway_order_id,omitempty"`
	PaymentURL     string `json:"payment_url,omitempty"`
	IsOutdated     bool   `json:"is_outdated"`
}

// OrderView is the full order representation returned by the merchant API.
type OrderView struct {
	OrderNumber   string        `json:"order_number"`
	TransactionID string        `json:"transaction_id"`
	Hash          string        `json:"hash"`
	Total         string        `json:"total"`
	ValidThrough  *time.Time    `json:"valid_through,omitempty"`
	Paid          *time.Time    `json:"paid,omitempty"`
	Refunded      *time.Time    `json:"refunded,omitempty"`
	Fiscalized    *time.Time    `json:"fiscalized,omitempty"`
	Buyer         string        `json:"buyer,omitempty"`
	Email         string        `json:"email,omitempty"`
	Phone         string        `json:"phone,omitempty"`
	Address       string        `json:"address,omitempty"`
	Comment       string        `json:"comment,omitempty"`
	Items         []ItemView    `json:"items"`
	Payments      []PaymentView `json:"payments,omitempty"`
}

// NewOrderView maps an order aggregate into its API representation.
func NewOrderView(o *entity.Order) OrderView {
	view := OrderView{
		OrderNumber:   o.OrderNumber,
		TransactionID: o.TransactionID,
		Hash:          o.Hash,
		Total:         o.Total().StringFixed(2),
		ValidThrough:  o.ValidThrough,
		Paid:          o.Paid,
		Refunded:      o.Refunded,
		Fiscalized:    o.Fiscalized,
		Buyer:         o.Buyer,
		Email:         o.Email,
		Phone:         o.Phone,
		Address:       o.Address,
		Comment:       o.Comment,
		Items:         make([]ItemView, 0, len(o.Items)),
	}
	for _, item := range o.Items {
		view.Items = append(view.Items, ItemView{
			Product:  item.Product,
			Price:    item.Price.StringFixed(2),
			Quantity: item.Quantity.String(),
			Units:    item.Units,
			Cost:     item.Cost().StringFixed(2),
		})
	}
	for _, p := range o.Payments {
		view.Payments = append(view.Payments, PaymentView{
			Gateway:        p.Gateway,
			GatewayOrderID: p.GatewayOrderID,
			PaymentURL:     p.PaymentURL,
			IsOutdated:     p.IsOutdated,
		})
	}
	return view
}
