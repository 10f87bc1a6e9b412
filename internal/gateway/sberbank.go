package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/pkg/errorbank"
)

const (
	sberbankTestURI = "https://3dsec.sberbank.ru/payment/rest"
	sberbankProdURI = "https://securepayments.sberbank.ru/payment/rest"

	sberbankRegisterPath = "/register.do"
	sberbankStatusPath   = "/getOrderStatusExtended.do"
)

// Sberbank talks to the acquiring REST API. Orders are registered proactively
// and the buyer is redirected to the hosted payment form; the bank then posts
// per-operation callbacks which are optionally HMAC-signed.
type Sberbank struct {
	base
	cfg      config.Sberbank
	defaults config.Orders
	uri      string
}

// NewSberbank validates the credentials and builds the adapter.
func NewSberbank(cfg config.Sberbank, orders config.Orders, deps Deps) (*Sberbank, error) {
	if cfg.UserName == "" || cfg.Password == "" {
		return nil, errorbank.Config("sberbank: username and password are required")
	}
	if cfg.UseChecksum && cfg.SecretKey == "" {
		return nil, errorbank.Config("sberbank: callback checksum enabled but no secret key set")
	}
	uri := sberbankProdURI
	if cfg.TestMode {
		uri = sberbankTestURI
	}
	return &Sberbank{
		base:     newBase("sberbank", cfg.TestMode, deps),
		cfg:      cfg,
		defaults: orders,
		uri:      uri,
	}, nil
}

// NeedsPreregistration is true: the hosted form URL only exists after
// register.do succeeds, so imports register up front.
func (g *Sberbank) NeedsPreregistration() bool { return true }

// Sign returns nothing: outbound requests authenticate with credentials in the
// form body, there is no request signature.
func (g *Sberbank) Sign(_ *entity.Order, _ url.Values) string { return "" }

// VerifyCallback recomputes the HMAC-SHA256 checksum over the callback params
// sorted by name, each rendered as "name;value;", and compares it with the
// checksum param. Trivially succeeds when checksum verification is disabled.
func (g *Sberbank) VerifyCallback(_ *entity.Order, params url.Values) bool {
	if !g.cfg.UseChecksum {
		return true
	}
	got := params.Get("checksum")
	if got == "" {
		return false
	}
	return hmac.Equal(
		[]byte(strings.ToUpper(got)),
		[]byte(g.checksum(params)),
	)
}

func (g *Sberbank) checksum(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "checksum" || k == "sign_alias" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(";")
		b.WriteString(params.Get(k))
		b.WriteString(";")
	}

	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// CallbackOperation maps the bank's operation vocabulary onto the shared
// status set. The separate status param carries whether the operation
// succeeded on the bank side.
func (g *Sberbank) CallbackOperation(params url.Values) (Operation, bool) {
	var status Status
	switch params.Get("operation") {
	case "deposited":
		status = StatusDeposited
	case "approved":
		status = StatusApproved
	case "reversed":
		status = StatusReversed
	case "refunded":
		status = StatusRefunded
	case "declinedByTimeout":
		status = StatusDeclined
	default:
		return Operation{}, false
	}
	return Operation{Status: status, Success: params.Get("status") == "1"}, true
}

func (g *Sberbank) CallbackMethod() string { return http.MethodGet }

// FindOrder correlates a callback with a local order. The bank sends its own
// order id as mdOrder and echoes back whatever we registered as orderNumber.
func (g *Sberbank) FindOrder(ctx context.Context, params url.Values) (*entity.Order, error) {
	if mdOrder := params.Get("mdOrder"); mdOrder != "" {
		p, err := g.payments.FindOne(ctx, map[string]any{
			"gateway":          g.Key(),
			"gateway_order_id": mdOrder,
		})
		if err != nil {
			return nil, err
		}
		if p != nil && p.Order != nil {
			return p.Order, nil
		}
	}
	if number := params.Get("orderNumber"); number != "" {
		// The echoed number is whatever registerParams sent: the merchant
		// number when so configured, the surrogate transaction id otherwise.
		field := "transaction_id"
		if g.cfg.OrderNumberField == "order_number" {
			field = "order_number"
		}
		return g.base.orders.FindOne(ctx, map[string]any{field: number})
	}
	return nil, nil
}

// RegisterOrder ensures the order exists at the bank and returns the hosted
// form URL. Concurrent calls for the same order are serialized; the loser of
// the race reuses the row cached by the winner. A registration invalidated by
// an order update is wiped in place first, since the REST API cannot revoke.
func (g *Sberbank) RegisterOrder(ctx context.Context, order *entity.Order, opts RegisterOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "Sberbank.RegisterOrder")
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

	form, err := g.registerParams(order, opts)
	if err != nil {
		return "", err
	}
	raw, err := g.call(ctx, sberbankRegisterPath, form)
	if err != nil {
		return "", err
	}

	var resp struct {
		OrderID      string      `json:"orderId"`
		FormURL      string      `json:"formUrl"`
		ErrorCode    json.Number `json:"errorCode"`
		ErrorMessage string      `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errorbank.Upstream("sberbank: malformed register response", errorbank.WithCause(err))
	}
	if code := resp.ErrorCode.String(); code != "" && code != "0" {
		return "", errorbank.Upstream(
			fmt.Sprintf("sberbank: registration rejected: [%s] %s", code, resp.ErrorMessage))
	}
	if resp.FormURL == "" {
		return "", errorbank.Upstream("sberbank: registration response carries no form URL")
	}

	if err := g.storeRegistration(ctx, p, raw, resp.FormURL, resp.OrderID); err != nil {
		return "", err
	}
	g.logger.Info("order registered at gateway",
		zap.String("gateway", g.Key()),
		zap.String("order_number", order.OrderNumber),
		zap.String("gateway_order_id", resp.OrderID))
	return resp.FormURL, nil
}

func (g *Sberbank) PaymentURL(ctx context.Context, order *entity.Order) (string, error) {
	return g.RegisterOrder(ctx, order, RegisterOptions{})
}

// PaymentStatus polls getOrderStatusExtended and returns the bank's raw reply.
func (g *Sberbank) PaymentStatus(ctx context.Context, order *entity.Order) (json.RawMessage, error) {
	p, err := g.payment(ctx, order, false)
	if err != nil {
		return nil, err
	}
	if p == nil || p.GatewayOrderID == "" {
		return nil, errorbank.NotFound(
			fmt.Sprintf("order %s is not registered at %s", order.OrderNumber, g.Key()))
	}

	form := url.Values{}
	form.Set("userName", g.cfg.UserName)
	form.Set("password", g.cfg.Password)
	form.Set("orderId", p.GatewayOrderID)
	return g.call(ctx, sberbankStatusPath, form)
}

// PaymentStatusCode normalizes the polled orderStatus value.
func (g *Sberbank) PaymentStatusCode(ctx context.Context, order *entity.Order) (Status, error) {
	raw, err := g.PaymentStatus(ctx, order)
	if err != nil {
		return StatusUnknown, err
	}
	var resp struct {
		OrderStatus  *int        `json:"orderStatus"`
		ErrorCode    json.Number `json:"errorCode"`
		ErrorMessage string      `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return StatusUnknown, errorbank.Upstream("sberbank: malformed status response", errorbank.WithCause(err))
	}
	if code := resp.ErrorCode.String(); code != "" && code != "0" {
		return StatusUnknown, errorbank.Upstream(
			fmt.Sprintf("sberbank: status request rejected: [%s] %s", code, resp.ErrorMessage))
	}
	if resp.OrderStatus == nil {
		return StatusUnknown, nil
	}
	return sberbankOrderStatus(*resp.OrderStatus), nil
}

func (g *Sberbank) AckSuccess() Ack {
	return textAck(http.StatusOK, "SUCCESS")
}

func (g *Sberbank) AckFail(statusCode int) Ack {
	if statusCode == 0 {
		statusCode = http.StatusPaymentRequired
	}
	return textAck(statusCode, "FAIL")
}

// registerParams builds the register.do form body.
func (g *Sberbank) registerParams(order *entity.Order, opts RegisterOptions) (url.Values, error) {
	number := opts.OrderNumber
	if number == "" {
		if g.cfg.OrderNumberField == "order_number" {
			number = order.OrderNumber
		} else {
			number = order.EnsureTransactionID(false)
		}
	}
	if containsCyrillic(number) {
		return nil, errorbank.Validation(
			fmt.Sprintf("order number %q contains cyrillic characters, sberbank rejects those", number))
	}

	form := url.Values{}
	form.Set("userName", g.cfg.UserName)
	form.Set("password", g.cfg.Password)
	form.Set("orderNumber", number)
	form.Set("amount", strconv.FormatInt(order.Total().Shift(2).IntPart(), 10))
	if g.cfg.Currency != "" {
		form.Set("currency", g.cfg.Currency)
	}
	if g.cfg.SuccessURL != "" {
		form.Set("returnUrl", g.cfg.SuccessURL)
	}
	if g.cfg.FailURL != "" {
		form.Set("failUrl", g.cfg.FailURL)
	}
	if opts.Description != "" {
		form.Set("description", opts.Description)
	}

	// The bank echoes orderNumber back in callbacks; when we register under a
	// surrogate id the merchant number still travels in jsonParams.
	if number != order.OrderNumber {
		jsonParams, err := json.Marshal(map[string]string{"merchantOrderId": order.OrderNumber})
		if err != nil {
			return nil, err
		}
		form.Set("jsonParams", string(jsonParams))
	}

	if g.cfg.SendItems && len(order.Items) > 0 {
		bundle, err := g.orderBundle(order)
		if err != nil {
			return nil, err
		}
		form.Set("orderBundle", bundle)
	}
	return form, nil
}

// orderBundle renders the cart in the bank's FZ-54 format. Item amounts are in
// cents; quantities keep their fractional part.
func (g *Sberbank) orderBundle(order *entity.Order) (string, error) {
	type quantity struct {
		Value   string `json:"value"`
		Measure string `json:"measure"`
	}
	type tax struct {
		TaxType int `json:"taxType"`
	}
	type cartItem struct {
		PositionID int      `json:"positionId"`
		Name       string   `json:"name"`
		Quantity   quantity `json:"quantity"`
		ItemAmount int64    `json:"itemAmount"`
		ItemCode   string   `json:"itemCode"`
		Tax        tax      `json:"tax"`
	}

	items := make([]cartItem, 0, len(order.Items))
	for i, item := range order.Items {
		measure := item.Units
		if measure == "" {
			measure = "шт"
		}
		items = append(items, cartItem{
			PositionID: i + 1,
			Name:       item.Product,
			Quantity:   quantity{Value: item.Quantity.String(), Measure: measure},
			ItemAmount: item.Cost().Shift(2).IntPart(),
			ItemCode:   fmt.Sprintf("%s-%d", order.EnsureTransactionID(false), i+1),
			Tax:        tax{TaxType: sberbankTaxType(g.defaults.VatTag)},
		})
	}

	bundle, err := json.Marshal(map[string]any{
		"cartItems": map[string]any{"items": items},
	})
	if err != nil {
		return "", err
	}
	return string(bundle), nil
}

// call performs one REST request honoring the configured HTTP method and
// returns the raw response body.
func (g *Sberbank) call(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	var req *http.Request
	var err error
	if g.cfg.Method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, g.uri+path+"?"+form.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, g.uri+path, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errorbank.Upstream("sberbank: request failed", errorbank.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorbank.Upstream("sberbank: reading response failed", errorbank.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorbank.Upstream(
			fmt.Sprintf("sberbank: unexpected response status %d", resp.StatusCode),
			errorbank.WithUpstreamStatus(resp.StatusCode))
	}
	return body, nil
}

// sberbankOrderStatus maps getOrderStatusExtended's numeric state.
func sberbankOrderStatus(code int) Status {
	switch code {
	case 0:
		return StatusCreated
	case 1:
		return StatusApproved
	case 2:
		return StatusDeposited
	case 3:
		return StatusReversed
	case 4:
		return StatusRefunded
	case 5:
		return StatusOnPayment
	case 6:
		return StatusDeclined
	default:
		return StatusUnknown
	}
}

// sberbankTaxType translates fiscal vat tags into the bank's taxType codes.
func sberbankTaxType(vatTag int) int {
	switch vatTag {
	case 1105: // no VAT
		return 0
	case 1104: // VAT 0%
		return 1
	case 1103: // VAT 10%
		return 2
	case 1102: // VAT 20%
		return 3
	case 1107: // VAT 10/110
		return 4
	case 1106: // VAT 20/120
		return 5
	default:
		return 0
	}
}

func containsCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}
