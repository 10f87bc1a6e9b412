package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/pkg/errorbank"
)

const (
	sbpOrderURI = "https://api.sberbank.ru:8443/prod/qr/order/v3"
	sbpTokenURI = "https://api.sberbank.ru:8443/prod/tokens/v2/oauth"

	sbpCreationPath   = "/creation"
	sbpStatusPath     = "/status"
	sbpRevocationPath = "/revocation"
	sbpCancelPath     = "/cancel"
	sbpRegistryPath   = "/registry"

	sbpCurrencyRUB = "643"
	sbpMemberBank  = "100000000111"
)

var sbpScopes = map[string]string{
	sbpCreationPath:   "https://api.sberbank.ru/qr/order.create",
	sbpStatusPath:     "https://api.sberbank.ru/qr/order.status",
	sbpRevocationPath: "https://api.sberbank.ru/qr/order.revoke",
	sbpCancelPath:     "https://api.sberbank.ru/qr/order.cancel",
	sbpRegistryPath:   "https://api.sberbank.ru/qr/order.registry",
}

// SberbankSBP talks to the QR (faster payments system) order API. Every call
// is a JSON POST authenticated by a short-lived OAuth token scoped per
// operation; the channel itself requires a client TLS certificate.
//
// The API refuses to create two orders with the same order_number, and it has
// no update call. A stale registration is therefore revoked and its local row
// deleted, so the next registration mints a fresh suffixed number.
type SberbankSBP struct {
	base
	cfg      config.SberbankSBP
	orderURI string
	tokens   *sbpTokenSource
}

// NewSberbankSBP validates the credentials, loads the client certificate when
// configured and builds the adapter.
func NewSberbankSBP(cfg config.SberbankSBP, deps Deps) (*SberbankSBP, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errorbank.Config("sberbank_sbp: client id and secret are required")
	}
	if cfg.MemberID == "" || cfg.IDQR == "" {
		return nil, errorbank.Config("sberbank_sbp: member id and qr id are required")
	}

	g := &SberbankSBP{
		base:     newBase("sberbank_sbp", cfg.TestMode, deps),
		cfg:      cfg,
		orderURI: sbpOrderURI,
	}

	if cfg.CertPath != "" {
		if cfg.CertPassword != "" {
			return nil, errorbank.Config("sberbank_sbp: encrypted keys are not supported, provide a decrypted PEM")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.CertPath)
		if err != nil {
			return nil, errorbank.Config("sberbank_sbp: loading client certificate failed", errorbank.WithCause(err))
		}
		client := *deps.Client
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
		g.client = &client
	}

	g.tokens = &sbpTokenSource{
		client:       g.client,
		tokenURI:     sbpTokenURI,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		cache:        make(map[string]sbpToken),
	}
	return g, nil
}

// NeedsPreregistration is false: a QR order lives only minutes, so it is
// created when the buyer opens the payment page, not at import time.
func (g *SberbankSBP) NeedsPreregistration() bool { return false }

// Sign returns nothing: authentication is the OAuth token plus the TLS client
// certificate, request bodies are not signed.
func (g *SberbankSBP) Sign(_ *entity.Order, _ url.Values) string { return "" }

// VerifyCallback checks the terminal identifiers echoed in the callback
// against the configured ones. The channel carries no cryptographic tag.
func (g *SberbankSBP) VerifyCallback(_ *entity.Order, params url.Values) bool {
	return params.Get("tid") == g.cfg.IDQR && params.Get("memberId") == g.cfg.MemberID
}

// CallbackOperation normalizes the order_state vocabulary. The API reports
// declines as distinct REVOKED/EXPIRED/DECLINED states that all mean the same
// thing locally.
func (g *SberbankSBP) CallbackOperation(params url.Values) (Operation, bool) {
	status := sbpOrderState(params.Get("status"))
	if status == StatusUnknown {
		return Operation{}, false
	}
	return Operation{Status: status, Success: true}, true
}

func (g *SberbankSBP) CallbackMethod() string { return http.MethodGet }

// FindOrder correlates a callback through the payment row holding the API's
// order id.
func (g *SberbankSBP) FindOrder(ctx context.Context, params url.Values) (*entity.Order, error) {
	orderID := params.Get("orderId")
	if orderID == "" {
		return nil, nil
	}
	p, err := g.payments.FindOne(ctx, map[string]any{
		"gateway":          g.Key(),
		"gateway_order_id": orderID,
	})
	if err != nil || p == nil {
		return nil, err
	}
	return p.Order, nil
}

// RegisterOrder creates the QR order and returns the payment link. A stale
// registration is revoked remotely and its row deleted first; the fresh row's
// id salts the order_number, because the API never accepts a number twice.
func (g *SberbankSBP) RegisterOrder(ctx context.Context, order *entity.Order, opts RegisterOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "SberbankSBP.RegisterOrder")
	defer span.End()

	// The QR API mandates a cart; an empty order can never register.
	if len(order.Items) == 0 {
		return "", errorbank.Validation(
			fmt.Sprintf("order %s has no items, sberbank_sbp requires at least one", order.OrderNumber))
	}

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
		if p.GatewayOrderID != "" {
			if err := g.revoke(ctx, p.GatewayOrderID); err != nil {
				return "", err
			}
		}
		if err := g.payments.Delete(ctx, p); err != nil {
			return "", err
		}
		if p, err = g.payment(ctx, order, true); err != nil {
			return "", err
		}
	}

	number := opts.OrderNumber
	if number == "" {
		number = order.EnsureTransactionID(false)
	}

	body := g.envelope()
	body["member_id"] = g.cfg.MemberID
	body["id_qr"] = g.cfg.IDQR
	body["sbp_member_id"] = sbpMemberBank
	body["order_number"] = fmt.Sprintf("%s_%d", number, p.ID)
	body["order_create_date"] = formatTimestamp(time.Now())
	body["order_sum"] = order.Total().Shift(2).IntPart()
	body["currency"] = sbpCurrencyRUB
	body["order_params_type"] = sbpPositions(order.Items)
	if opts.Description != "" {
		body["description"] = opts.Description
	}

	raw, err := g.call(ctx, sbpCreationPath, body)
	if err != nil {
		return "", err
	}

	var resp struct {
		OrderID      string `json:"order_id"`
		OrderFormURL string `json:"order_form_url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errorbank.Upstream("sberbank_sbp: malformed creation response", errorbank.WithCause(err))
	}
	if resp.OrderID == "" || resp.OrderFormURL == "" {
		return "", errorbank.Upstream("sberbank_sbp: creation response carries no order id or form URL")
	}

	if err := g.storeRegistration(ctx, p, raw, resp.OrderFormURL, resp.OrderID); err != nil {
		return "", err
	}
	g.logger.Info("order registered at gateway",
		zap.String("gateway", g.Key()),
		zap.String("order_number", order.OrderNumber),
		zap.String("gateway_order_id", resp.OrderID))
	return resp.OrderFormURL, nil
}

func (g *SberbankSBP) PaymentURL(ctx context.Context, order *entity.Order) (string, error) {
	return g.RegisterOrder(ctx, order, RegisterOptions{})
}

// PaymentStatus polls the order state and returns the API's raw reply.
func (g *SberbankSBP) PaymentStatus(ctx context.Context, order *entity.Order) (json.RawMessage, error) {
	p, err := g.payment(ctx, order, false)
	if err != nil {
		return nil, err
	}
	if p == nil || p.GatewayOrderID == "" {
		return nil, errorbank.NotFound(
			fmt.Sprintf("order %s is not registered at %s", order.OrderNumber, g.Key()))
	}

	body := g.envelope()
	body["order_id"] = p.GatewayOrderID
	body["tid"] = g.cfg.IDQR
	return g.call(ctx, sbpStatusPath, body)
}

// PaymentStatusCode normalizes the polled order_state.
func (g *SberbankSBP) PaymentStatusCode(ctx context.Context, order *entity.Order) (Status, error) {
	raw, err := g.PaymentStatus(ctx, order)
	if err != nil {
		return StatusUnknown, err
	}
	var resp struct {
		OrderState string `json:"order_state"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return StatusUnknown, errorbank.Upstream("sberbank_sbp: malformed status response", errorbank.WithCause(err))
	}
	return sbpOrderState(resp.OrderState), nil
}

// Refund cancels the settled payment operation for the given amount. The
// operation to cancel is looked up from the order's status: the API wants the
// id and auth code of the successful PAY operation, not the order id alone.
func (g *SberbankSBP) Refund(ctx context.Context, order *entity.Order, amount int64) (json.RawMessage, error) {
	p, err := g.payment(ctx, order, false)
	if err != nil {
		return nil, err
	}
	if p == nil || p.GatewayOrderID == "" {
		return nil, errorbank.NotFound(
			fmt.Sprintf("order %s is not registered at %s", order.OrderNumber, g.Key()))
	}

	raw, err := g.PaymentStatus(ctx, order)
	if err != nil {
		return nil, err
	}
	var status struct {
		OrderOperationParams []struct {
			OperationID   string `json:"operation_id"`
			OperationType string `json:"operation_type"`
			ResponseCode  string `json:"response_code"`
			AuthCode      string `json:"auth_code"`
		} `json:"order_operation_params"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, errorbank.Upstream("sberbank_sbp: malformed status response", errorbank.WithCause(err))
	}

	var operationID, authCode string
	for _, op := range status.OrderOperationParams {
		if op.ResponseCode == "00" && op.OperationType == "PAY" {
			operationID, authCode = op.OperationID, op.AuthCode
			break
		}
	}
	if operationID == "" {
		return nil, errorbank.Upstream(
			fmt.Sprintf("sberbank_sbp: order %s has no successful payment operation to cancel", order.OrderNumber))
	}

	body := g.envelope()
	body["order_id"] = p.GatewayOrderID
	body["operation_id"] = operationID
	body["auth_code"] = authCode
	body["id_qr"] = g.cfg.IDQR
	body["cancel_operation_sum"] = amount
	body["operation_currency"] = sbpCurrencyRUB
	return g.call(ctx, sbpCancelPath, body)
}

// Registry fetches the operation registry for a period, used for
// reconciliation against local settlement records.
func (g *SberbankSBP) Registry(ctx context.Context, from, to time.Time) (json.RawMessage, error) {
	body := g.envelope()
	body["id_qr"] = g.cfg.IDQR
	body["start_period"] = formatTimestamp(from)
	body["end_period"] = formatTimestamp(to)
	body["registry_type"] = "REGISTRY"
	return g.call(ctx, sbpRegistryPath, body)
}

func (g *SberbankSBP) AckSuccess() Ack {
	return textAck(http.StatusOK, "SUCCESS")
}

func (g *SberbankSBP) AckFail(statusCode int) Ack {
	if statusCode == 0 {
		statusCode = http.StatusPaymentRequired
	}
	return textAck(statusCode, "FAIL")
}

// revoke cancels an unpaid order at the API.
func (g *SberbankSBP) revoke(ctx context.Context, gatewayOrderID string) error {
	body := g.envelope()
	body["order_id"] = gatewayOrderID
	_, err := g.call(ctx, sbpRevocationPath, body)
	return err
}

// envelope seeds the request fields every endpoint requires.
func (g *SberbankSBP) envelope() map[string]any {
	return map[string]any{
		"rq_uid": sbpRqUID(),
		"rq_tm":  formatTimestamp(time.Now()),
	}
}

// call posts one JSON request with a fresh scoped token.
func (g *SberbankSBP) call(ctx context.Context, path string, body map[string]any) (json.RawMessage, error) {
	token, err := g.tokens.token(ctx, sbpScopes[path])
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.orderURI+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("rquid", sbpRqUID())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errorbank.Upstream("sberbank_sbp: request failed", errorbank.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorbank.Upstream("sberbank_sbp: reading response failed", errorbank.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorbank.Upstream(
			fmt.Sprintf("sberbank_sbp: unexpected response status %d", resp.StatusCode),
			errorbank.WithUpstreamStatus(resp.StatusCode))
	}

	var envelope struct {
		ErrorCode        json.Number `json:"error_code"`
		ErrorDescription string      `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if code := envelope.ErrorCode.String(); code != "" && code != "0" {
			return nil, errorbank.Upstream(fmt.Sprintf(
				"sberbank_sbp: request rejected: [%s] %s", code, envelope.ErrorDescription))
		}
	}
	return raw, nil
}

// sbpToken is one cached OAuth token with its hard expiry.
type sbpToken struct {
	value   string
	expires time.Time
}

// sbpTokenSource fetches and caches client-credentials tokens per scope.
type sbpTokenSource struct {
	client       *http.Client
	tokenURI     string
	clientID     string
	clientSecret string

	mu    sync.Mutex
	cache map[string]sbpToken
}

func (s *sbpTokenSource) token(ctx context.Context, scope string) (string, error) {
	s.mu.Lock()
	cached, ok := s.cache[scope]
	s.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.value, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(s.clientID, s.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("rquid", sbpRqUID())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errorbank.Upstream("sberbank_sbp: token request failed", errorbank.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errorbank.Unauthorized(
			fmt.Sprintf("sberbank_sbp: token request rejected with status %d", resp.StatusCode))
	}

	var body struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errorbank.Upstream("sberbank_sbp: malformed token response", errorbank.WithCause(err))
	}
	if body.AccessToken == "" {
		return "", errorbank.Unauthorized("sberbank_sbp: token response carries no access token")
	}

	ttl := time.Minute
	if seconds, err := body.ExpiresIn.Int64(); err == nil && seconds > 0 {
		// Renew slightly early so an almost-expired token never leaves the box.
		ttl = time.Duration(seconds)*time.Second - 10*time.Second
	}

	s.mu.Lock()
	s.cache[scope] = sbpToken{value: body.AccessToken, expires: time.Now().Add(ttl)}
	s.mu.Unlock()
	return body.AccessToken, nil
}

// sbpPositions renders order items in the API's cart format.
func sbpPositions(items []*entity.Item) map[string]any {
	positions := make([]map[string]any, 0, len(items))
	for _, item := range items {
		positions = append(positions, map[string]any{
			"position_name":        item.Product,
			"position_count":       item.Quantity.String(),
			"position_sum":         item.Cost().Shift(2).IntPart(),
			"position_description": item.Units,
		})
	}
	return map[string]any{"order_position": positions}
}

// sbpOrderState maps the API's order_state vocabulary.
func sbpOrderState(state string) Status {
	switch state {
	case "PAID":
		return StatusDeposited
	case "ON_PAYMENT":
		return StatusOnPayment
	case "CREATED":
		return StatusCreated
	case "REFUNDED":
		return StatusRefunded
	case "REVOKED", "EXPIRED", "DECLINED":
		return StatusDeclined
	default:
		return StatusUnknown
	}
}

// sbpRqUID builds the 32-character request id the API requires: a UUID v4
// without dashes.
func sbpRqUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
