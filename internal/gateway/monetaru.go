package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/pkg/errorbank"
)

const (
	monetaruProdURI = "https://www.payanyway.ru/assistant.htm"
	monetaruTestURI = "https://demo.moneta.ru/assistant.htm"
)

// Monetaru integrates the moneta.ru payment assistant. The gateway has no
// registration API at all: the payment URL is assembled and signed locally and
// the buyer's browser carries the parameters to the assistant page. The only
// inbound surface is the signed pay/check callback.
type Monetaru struct {
	base
	cfg config.Monetaru
	uri string
}

// NewMonetaru validates the credentials and builds the adapter.
func NewMonetaru(cfg config.Monetaru, deps Deps) (*Monetaru, error) {
	if cfg.MerchantID == "" {
		return nil, errorbank.Config("monetaru: merchant id is required")
	}
	if cfg.IntegrityCode == "" {
		return nil, errorbank.Config("monetaru: data integrity code is required")
	}
	uri := monetaruProdURI
	if cfg.TestMode {
		uri = monetaruTestURI
	}
	return &Monetaru{
		base: newBase("monetaru", cfg.TestMode, deps),
		cfg:  cfg,
		uri:  uri,
	}, nil
}

// NeedsPreregistration is false: there is nothing to register remotely.
func (g *Monetaru) NeedsPreregistration() bool { return false }

// Sign computes the assistant's MD5 signature: the MNT_* fields concatenated
// in protocol order with the integrity code appended. Fields absent from
// params contribute their empty string, exactly as the assistant does.
func (g *Monetaru) Sign(order *entity.Order, params url.Values) string {
	transactionID := params.Get("MNT_TRANSACTION_ID")
	amount := params.Get("MNT_AMOUNT")
	if order != nil {
		if transactionID == "" {
			transactionID = order.EnsureTransactionID(false)
		}
		if amount == "" {
			amount = order.Total().StringFixed(2)
		}
	}
	return g.signature(
		params.Get("MNT_COMMAND"),
		transactionID,
		params.Get("MNT_OPERATION_ID"),
		amount,
		params.Get("MNT_SUBSCRIBER_ID"),
	)
}

func (g *Monetaru) signature(command, transactionID, operationID, amount, subscriber string) string {
	testFlag := "0"
	if g.testMode {
		testFlag = "1"
	}
	payload := command + g.cfg.MerchantID + transactionID + operationID +
		amount + g.cfg.Currency + subscriber + testFlag + g.cfg.IntegrityCode
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyCallback recomputes the expected signature and compares it with
// MNT_SIGNATURE, case-insensitively. The transaction id and amount are bound
// to the order, not echoed from the callback: a notification correctly signed
// over a different amount or transaction must never verify against this order.
func (g *Monetaru) VerifyCallback(order *entity.Order, params url.Values) bool {
	got := params.Get("MNT_SIGNATURE")
	if got == "" {
		return false
	}
	transactionID := params.Get("MNT_TRANSACTION_ID")
	amount := params.Get("MNT_AMOUNT")
	if order != nil {
		transactionID = order.EnsureTransactionID(false)
		amount = order.Total().StringFixed(2)
	}
	want := g.signature(
		params.Get("MNT_COMMAND"),
		transactionID,
		params.Get("MNT_OPERATION_ID"),
		amount,
		params.Get("MNT_SUBSCRIBER_ID"),
	)
	return strings.EqualFold(got, want)
}

// CallbackOperation treats a callback carrying an operation id as a completed
// payment. CHECK pings and anything else change no state.
func (g *Monetaru) CallbackOperation(params url.Values) (Operation, bool) {
	if params.Get("MNT_OPERATION_ID") == "" {
		return Operation{}, false
	}
	return Operation{Status: StatusDeposited, Success: true}, true
}

// CallbackMethod mirrors the configured assistant method; moneta posts its
// notifications the same way the payment form was submitted.
func (g *Monetaru) CallbackMethod() string {
	if g.cfg.Method == http.MethodPost {
		return http.MethodPost
	}
	return http.MethodGet
}

// FindOrder resolves the callback through MNT_TRANSACTION_ID.
func (g *Monetaru) FindOrder(ctx context.Context, params url.Values) (*entity.Order, error) {
	transactionID := params.Get("MNT_TRANSACTION_ID")
	if transactionID == "" {
		return nil, nil
	}
	return g.orders.FindOne(ctx, map[string]any{"transaction_id": transactionID})
}

// RegisterOrder builds and caches the signed assistant URL. No network call is
// made; an outdated row just gets its URL rebuilt from the current order.
func (g *Monetaru) RegisterOrder(ctx context.Context, order *entity.Order, opts RegisterOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "Monetaru.RegisterOrder")
	defer span.End()

	release := g.locks.acquire(order.ID)
	defer release()

	p, err := g.payment(ctx, order, true)
	if err != nil {
		return "", err
	}
	if p.Registered() {
		return p.PaymentURL, nil
	}
	if p.IsOutdated {
		p.ClearRegistration()
	}

	transactionID := opts.OrderNumber
	if transactionID == "" {
		transactionID = order.EnsureTransactionID(false)
	}
	amount := order.Total().StringFixed(2)
	subscriber := g.subscriber(order)

	params := url.Values{}
	params.Set("MNT_ID", g.cfg.MerchantID)
	params.Set("MNT_TRANSACTION_ID", transactionID)
	params.Set("MNT_AMOUNT", amount)
	params.Set("MNT_CURRENCY_CODE", g.cfg.Currency)
	if subscriber != "" {
		params.Set("MNT_SUBSCRIBER_ID", subscriber)
	}
	if g.testMode {
		params.Set("MNT_TEST_MODE", "1")
	}
	if opts.Description != "" {
		params.Set("MNT_DESCRIPTION", opts.Description)
	}
	params.Set("MNT_SIGNATURE", g.signature("", transactionID, "", amount, subscriber))

	paymentURL := g.uri + "?" + params.Encode()
	raw, err := json.Marshal(map[string]string{"payment_url": paymentURL})
	if err != nil {
		return "", err
	}
	if err := g.storeRegistration(ctx, p, raw, paymentURL, transactionID); err != nil {
		return "", err
	}
	g.logger.Info("payment link built",
		zap.String("gateway", g.Key()),
		zap.String("order_number", order.OrderNumber))
	return paymentURL, nil
}

func (g *Monetaru) PaymentURL(ctx context.Context, order *entity.Order) (string, error) {
	return g.RegisterOrder(ctx, order, RegisterOptions{})
}

// PaymentStatus is not supported: the assistant protocol has no polling API,
// state arrives only through callbacks.
func (g *Monetaru) PaymentStatus(_ context.Context, _ *entity.Order) (json.RawMessage, error) {
	return nil, fmt.Errorf("monetaru: %w", ErrNotSupported)
}

func (g *Monetaru) PaymentStatusCode(_ context.Context, _ *entity.Order) (Status, error) {
	return StatusUnknown, fmt.Errorf("monetaru: %w", ErrNotSupported)
}

func (g *Monetaru) AckSuccess() Ack {
	return textAck(http.StatusOK, "SUCCESS")
}

func (g *Monetaru) AckFail(statusCode int) Ack {
	if statusCode == 0 {
		statusCode = http.StatusPaymentRequired
	}
	return textAck(statusCode, "FAIL")
}

// subscriber picks the order field configured as the payer identifier.
func (g *Monetaru) subscriber(order *entity.Order) string {
	switch g.cfg.SubscriberFld {
	case "email":
		return order.Email
	case "phone":
		return order.Phone
	case "buyer":
		return order.Buyer
	default:
		return ""
	}
}
