package entity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/illusorium/rupay/pkg/errorbank"
)

// transactionIDMaxLen is the longest correlation id accepted by the supported
// gateways and the fiscalization service.
const transactionIDMaxLen = 30

// Order represents a purchasable transaction stored in the relational database.
//
// order_number is assigned by the merchant and unique; transaction_id is
// minted locally and sent to gateways instead of the raw number, because some
// gateways refuse to register the same identifier twice.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID            int64      `bun:",pk,autoincrement"`
	OrderNumber   string     `bun:"order_number"`
	TransactionID string     `bun:"transaction_id"`
	Hash          string     `bun:"hash"`
	ValidThrough  *time.Time `bun:"valid_through"`
	Paid          *time.Time `bun:"paid"`
	Refunded      *time.Time `bun:"refunded"`
	Fiscalized    *time.Time `bun:"fiscalized"`
	Buyer         string     `bun:"buyer"`
	Email         string     `bun:"email"`
	Phone         string     `bun:"phone"`
	Address       string     `bun:"address"`
	Comment       string     `bun:"comment"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero"`

	Items    []*Item    `bun:"rel:has-many,join:id=order_id"`
	Payments []*Payment `bun:"rel:has-many,join:id=order_id"`
}

// OrderUpdate carries new values for the public (buyer-facing) order fields.
// Nil pointers leave the corresponding field untouched; this matters for
// partial updates coming from the merchant API, while import always sets all
// of them.
type OrderUpdate struct {
	ValidThrough *time.Time
	Buyer        *string
	Email        *string
	Phone        *string
	Address      *string
	Comment      *string
}

// EnsureTransactionID mints a gateway-facing correlation id when the order has
// none yet, or unconditionally when force is set. The id is derived from the
// sanitized order number, a timestamp and a random two-digit suffix, capped at
// 30 characters.
func (o *Order) EnsureTransactionID(force bool) string {
	if o.TransactionID != "" && !force {
		return o.TransactionID
	}
	base := sanitizeOrderNumber(o.OrderNumber)
	id := fmt.Sprintf("%s-%s-%02d", base, time.Now().Format("060102150405"), 10+rand.Intn(90))
	if len(id) > transactionIDMaxLen {
		id = id[:transactionIDMaxLen]
	}
	o.TransactionID = strings.Trim(id, "_- ")
	return o.TransactionID
}

// EnsureHash derives the content lookup token from the transaction id. The
// hash identifies the order on the public payment page without exposing the
// merchant order number.
func (o *Order) EnsureHash(force bool) string {
	if o.Hash != "" && !force {
		return o.Hash
	}
	tid := o.EnsureTransactionID(force)
	sum := md5.Sum([]byte(tid))
	o.Hash = hex.EncodeToString(sum[:])
	return o.Hash
}

// Total returns the sum of item costs rounded to whole cents.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Cost())
	}
	return total
}

// IsPaid reports whether the order reached a settled state.
func (o *Order) IsPaid() bool {
	return o.Paid != nil
}

// IsValidAt reports whether the payment link is still usable at the given
// instant. Orders without an expiry never expire.
func (o *Order) IsValidAt(t time.Time) bool {
	if o.ValidThrough == nil {
		return true
	}
	return !t.After(*o.ValidThrough)
}

// ApplyUpdate mutates the public order fields and marks every attached payment
// as outdated, forcing re-registration before the cached gateway state may be
// reused. Once the order is paid all public fields are frozen and the update
// is rejected without touching anything.
//
// Returned payments are the ones whose is_outdated flag flipped; the caller
// persists them together with the order in one transaction.
func (o *Order) ApplyUpdate(u OrderUpdate) ([]*Payment, error) {
	if o.IsPaid() {
		return nil, errorbank.Immutable(
			fmt.Sprintf("order %s has been paid already, updating is forbidden", o.OrderNumber))
	}

	if u.ValidThrough != nil {
		o.ValidThrough = u.ValidThrough
	}
	if u.Buyer != nil {
		o.Buyer = *u.Buyer
	}
	if u.Email != nil {
		o.Email = *u.Email
	}
	if u.Phone != nil {
		o.Phone = *u.Phone
	}
	if u.Address != nil {
		o.Address = *u.Address
	}
	if u.Comment != nil {
		o.Comment = *u.Comment
	}

	var touched []*Payment
	for _, p := range o.Payments {
		if !p.IsOutdated {
			p.IsOutdated = true
			touched = append(touched, p)
		}
	}
	return touched, nil
}

// ReplaceItems swaps the order's item set after validating every entry.
// Rejected when the order is already paid.
func (o *Order) ReplaceItems(items []*Item) error {
	if o.IsPaid() {
		return errorbank.Immutable(
			fmt.Sprintf("order %s has been paid already, updating items is forbidden", o.OrderNumber))
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return errorbank.Validation(fmt.Sprintf("item #%d: %s", i+1, errorbank.From(err).Message()))
		}
	}
	o.Items = items
	return nil
}

// sanitizeOrderNumber strips characters that gateways reject in order
// identifiers: spaces, cyrillic letters and most punctuation; slashes and
// underscores become dashes.
func sanitizeOrderNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		switch {
		case r == '\\' || r == '/' || r == '_':
			b.WriteRune('-')
		case r == ' ' || strings.ContainsRune("%:;.,!?+", r):
			// dropped
		case unicode.Is(unicode.Cyrillic, r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
