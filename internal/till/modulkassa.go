package till

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/internal/urltemplate"
	"github.com/illusorium/rupay/pkg/errorbank"
)

const (
	modulkassaTestURI = "https://demo.modulpos.ru/api/fn"
	modulkassaProdURI = "https://service.modulpos.ru/api/fn"

	modulkassaDocPath     = "/v1/doc"
	modulkassaServicePath = "/v1/status"
)

// Modulkassa submits fiscal documents to the modulkassa cloud service over
// basic-auth JSON. The document id must be unique per submission, so the
// order's transaction id doubles as the document id and is re-minted when an
// order is fiscalized a second time.
type Modulkassa struct {
	cfg    config.Modulkassa
	uri    string
	client *http.Client
	logger *zap.Logger
}

// NewModulkassa validates the credentials and builds the adapter.
func NewModulkassa(cfg config.Modulkassa, deps Deps) (*Modulkassa, error) {
	if cfg.Login == "" || cfg.Password == "" {
		return nil, errorbank.Config("modulkassa: login and password are required")
	}
	switch cfg.PaymentType {
	case "CARD", "CASH":
	default:
		return nil, errorbank.Config(
			fmt.Sprintf("modulkassa: unsupported payment type %q", cfg.PaymentType))
	}
	uri := modulkassaProdURI
	if cfg.TestMode {
		uri = modulkassaTestURI
	}
	return &Modulkassa{
		cfg:    cfg,
		uri:    uri,
		client: deps.Client,
		logger: deps.Logger,
	}, nil
}

func (t *Modulkassa) Name() string { return "modulkassa" }

func (t *Modulkassa) TestMode() bool { return t.cfg.TestMode }

func (t *Modulkassa) Key() string {
	if t.cfg.TestMode {
		return "modulkassa_test"
	}
	return "modulkassa_prod"
}

// IsReady polls the retail point state. Test mode is always ready: the demo
// service reports ASSOCIATED instead of READY for unbound retail points.
func (t *Modulkassa) IsReady(ctx context.Context) (bool, error) {
	if t.cfg.TestMode {
		return true, nil
	}
	raw, err := t.call(ctx, http.MethodGet, modulkassaServicePath, nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, errorbank.Upstream("modulkassa: malformed status response", errorbank.WithCause(err))
	}
	return resp.Status == "READY", nil
}

// SendReceipt submits the fiscal document for a settled order. The buyer
// email is mandatory: the service delivers the electronic receipt to it.
func (t *Modulkassa) SendReceipt(ctx context.Context, order *entity.Order, docType DocType) (string, error) {
	ctx, span := tracer.Start(ctx, "modulkassa.SendReceipt")
	defer span.End()

	if order.Email == "" {
		return "", errorbank.Validation(
			fmt.Sprintf("order %s has no email, receipt delivery is impossible", order.OrderNumber))
	}
	if len(order.Items) == 0 {
		return "", errorbank.Validation(
			fmt.Sprintf("order %s has no items, nothing to fiscalize", order.OrderNumber))
	}

	// The document id must never repeat. A second fiscalization (the return
	// after a sale) gets a freshly minted transaction id.
	if order.Fiscalized != nil {
		order.EnsureTransactionID(true)
	}
	docID := order.EnsureTransactionID(false)

	positions := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		positions = append(positions, map[string]any{
			"name":     item.Product,
			"price":    json.Number(item.Price.StringFixed(2)),
			"quantity": json.Number(item.Quantity.String()),
			"vatTag":   t.cfg.VatTag,
		})
	}

	payload := map[string]any{
		"id":               docID,
		"checkoutDateTime": time.Now().Format("2006-01-02T15:04:05-0700"),
		"docNum":           order.OrderNumber,
		"docType":          string(docType),
		"email":            order.Email,
		"inventPositions":  positions,
		"moneyPositions": []map[string]any{{
			"paymentType": t.cfg.PaymentType,
			"sum":         json.Number(order.Total().StringFixed(2)),
		}},
	}
	if t.cfg.ResponseURL != "" {
		payload["responseURL"] = urltemplate.Fill(t.cfg.ResponseURL, orderFields(order))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if _, err := t.call(ctx, http.MethodPost, modulkassaDocPath, body); err != nil {
		return "", err
	}

	t.logger.Info("fiscal document submitted",
		zap.String("till", t.Key()),
		zap.String("order_number", order.OrderNumber),
		zap.String("document_id", docID),
		zap.String("doc_type", string(docType)))
	return docID, nil
}

// ReceiptStatus polls the processing state of the order's fiscal document.
func (t *Modulkassa) ReceiptStatus(ctx context.Context, order *entity.Order) (json.RawMessage, error) {
	if order.TransactionID == "" {
		return nil, errorbank.NotFound(
			fmt.Sprintf("order %s has no document id", order.OrderNumber))
	}
	path := fmt.Sprintf("%s/%s/status", modulkassaDocPath, order.TransactionID)
	return t.call(ctx, http.MethodGet, path, nil)
}

func (t *Modulkassa) call(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.uri+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.cfg.Login, t.cfg.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errorbank.Upstream("modulkassa: request failed", errorbank.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorbank.Upstream("modulkassa: reading response failed", errorbank.WithCause(err))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errorbank.Upstream(
			fmt.Sprintf("modulkassa: unexpected response status %d", resp.StatusCode),
			errorbank.WithUpstreamStatus(resp.StatusCode))
	}
	return raw, nil
}

// orderFields exposes the order values usable in response URL templates.
func orderFields(order *entity.Order) map[string]string {
	return map[string]string{
		"order_number":   order.OrderNumber,
		"transaction_id": order.TransactionID,
		"hash":           order.Hash,
		"email":          order.Email,
		"phone":          order.Phone,
	}
}
