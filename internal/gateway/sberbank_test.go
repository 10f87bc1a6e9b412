package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/pkg/errorbank"
)

func sberbankConfig() config.Sberbank {
	return config.Sberbank{
		Enabled:     true,
		TestMode:    true,
		UserName:    "merchant-api",
		Password:    "pass",
		Method:      http.MethodPost,
		UseChecksum: true,
		SecretKey:   "callback-secret",
	}
}

func newTestSberbank(t *testing.T, cfg config.Sberbank, payments *fakePaymentStore, orders *fakeOrderStore) *Sberbank {
	t.Helper()
	g, err := NewSberbank(cfg, config.Orders{VatTag: 1105}, newTestDeps(payments, orders))
	require.NoError(t, err)
	return g
}

func TestNewSberbankValidation(t *testing.T) {
	deps := newTestDeps(&fakePaymentStore{}, &fakeOrderStore{})

	cfg := sberbankConfig()
	cfg.UserName = ""
	_, err := NewSberbank(cfg, config.Orders{}, deps)
	assert.True(t, errorbank.IsKind(err, errorbank.KindConfig))

	cfg = sberbankConfig()
	cfg.SecretKey = ""
	_, err = NewSberbank(cfg, config.Orders{}, deps)
	assert.True(t, errorbank.IsKind(err, errorbank.KindConfig), "checksum without key must fail")
}

func TestSberbankVerifyCallback(t *testing.T) {
	g := newTestSberbank(t, sberbankConfig(), &fakePaymentStore{}, &fakeOrderStore{})

	params := url.Values{}
	params.Set("mdOrder", "70906e55-7114-41d6-8332-4609dc6590f4")
	params.Set("orderNumber", "A-1-250901120000-42")
	params.Set("operation", "deposited")
	params.Set("status", "1")
	params.Set("sign_alias", "ignored")
	params.Set("checksum", g.checksum(params))
	assert.True(t, g.VerifyCallback(nil, params))

	// Lowercase checksum is accepted.
	params.Set("checksum", strings.ToLower(g.checksum(params)))
	assert.True(t, g.VerifyCallback(nil, params))

	params.Set("status", "0")
	assert.False(t, g.VerifyCallback(nil, params), "tampered params must fail")

	params.Del("checksum")
	assert.False(t, g.VerifyCallback(nil, params), "missing checksum must fail")
}

func TestSberbankVerifyCallbackDisabled(t *testing.T) {
	cfg := sberbankConfig()
	cfg.UseChecksum = false
	cfg.SecretKey = ""
	g := newTestSberbank(t, cfg, &fakePaymentStore{}, &fakeOrderStore{})

	assert.True(t, g.VerifyCallback(nil, url.Values{}))
}

func TestSberbankCallbackOperation(t *testing.T) {
	g := newTestSberbank(t, sberbankConfig(), &fakePaymentStore{}, &fakeOrderStore{})

	tests := []struct {
		operation string
		status    Status
	}{
		{"deposited", StatusDeposited},
		{"approved", StatusApproved},
		{"reversed", StatusReversed},
		{"refunded", StatusRefunded},
		{"declinedByTimeout", StatusDeclined},
	}
	for _, tc := range tests {
		params := url.Values{}
		params.Set("operation", tc.operation)
		params.Set("status", "1")
		op, ok := g.CallbackOperation(params)
		require.True(t, ok, tc.operation)
		assert.Equal(t, tc.status, op.Status, tc.operation)
		assert.True(t, op.Success, tc.operation)
	}

	params := url.Values{}
	params.Set("operation", "deposited")
	params.Set("status", "0")
	op, ok := g.CallbackOperation(params)
	require.True(t, ok)
	assert.False(t, op.Success, "status 0 means the operation failed at the bank")

	params.Set("operation", "somethingNew")
	_, ok = g.CallbackOperation(params)
	assert.False(t, ok, "unknown operations are not normalized")
}

func TestSberbankOrderStatusMapping(t *testing.T) {
	assert.Equal(t, StatusCreated, sberbankOrderStatus(0))
	assert.Equal(t, StatusApproved, sberbankOrderStatus(1))
	assert.Equal(t, StatusDeposited, sberbankOrderStatus(2))
	assert.Equal(t, StatusReversed, sberbankOrderStatus(3))
	assert.Equal(t, StatusRefunded, sberbankOrderStatus(4))
	assert.Equal(t, StatusOnPayment, sberbankOrderStatus(5))
	assert.Equal(t, StatusDeclined, sberbankOrderStatus(6))
	assert.Equal(t, StatusUnknown, sberbankOrderStatus(42))
}

func TestSberbankTaxTypeMapping(t *testing.T) {
	assert.Equal(t, 0, sberbankTaxType(1105))
	assert.Equal(t, 1, sberbankTaxType(1104))
	assert.Equal(t, 2, sberbankTaxType(1103))
	assert.Equal(t, 3, sberbankTaxType(1102))
	assert.Equal(t, 4, sberbankTaxType(1107))
	assert.Equal(t, 5, sberbankTaxType(1106))
	assert.Equal(t, 0, sberbankTaxType(0))
}

func TestSberbankRegisterParams(t *testing.T) {
	cfg := sberbankConfig()
	cfg.Currency = "643"
	cfg.SendItems = true
	g := newTestSberbank(t, cfg, &fakePaymentStore{}, &fakeOrderStore{})
	order := testOrder(t, "A-1")

	form, err := g.registerParams(order, RegisterOptions{Description: "order A-1"})
	require.NoError(t, err)

	assert.Equal(t, "merchant-api", form.Get("userName"))
	assert.Equal(t, order.TransactionID, form.Get("orderNumber"))
	assert.Equal(t, "11980", form.Get("amount"), "amount travels in cents")
	assert.Equal(t, "643", form.Get("currency"))
	assert.Equal(t, "order A-1", form.Get("description"))

	// Registered under a surrogate id, so the merchant number rides along.
	var jsonParams map[string]string
	require.NoError(t, json.Unmarshal([]byte(form.Get("jsonParams")), &jsonParams))
	assert.Equal(t, "A-1", jsonParams["merchantOrderId"])

	var bundle struct {
		CartItems struct {
			Items []struct {
				PositionID int    `json:"positionId"`
				Name       string `json:"name"`
				ItemAmount int64  `json:"itemAmount"`
				Tax        struct {
					TaxType int `json:"taxType"`
				} `json:"tax"`
			} `json:"items"`
		} `json:"cartItems"`
	}
	require.NoError(t, json.Unmarshal([]byte(form.Get("orderBundle")), &bundle))
	require.Len(t, bundle.CartItems.Items, 1)
	assert.Equal(t, 1, bundle.CartItems.Items[0].PositionID)
	assert.Equal(t, "paint", bundle.CartItems.Items[0].Name)
	assert.Equal(t, int64(11980), bundle.CartItems.Items[0].ItemAmount)
	assert.Equal(t, 0, bundle.CartItems.Items[0].Tax.TaxType)
}

func TestSberbankRegisterParamsMerchantNumber(t *testing.T) {
	cfg := sberbankConfig()
	cfg.OrderNumberField = "order_number"
	g := newTestSberbank(t, cfg, &fakePaymentStore{}, &fakeOrderStore{})
	order := testOrder(t, "A-1")

	form, err := g.registerParams(order, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, "A-1", form.Get("orderNumber"))
	assert.Empty(t, form.Get("jsonParams"), "no surrogate, no merchantOrderId")
}

func TestSberbankRegisterParamsRejectsCyrillic(t *testing.T) {
	cfg := sberbankConfig()
	cfg.OrderNumberField = "order_number"
	g := newTestSberbank(t, cfg, &fakePaymentStore{}, &fakeOrderStore{})
	order := testOrder(t, "Заказ-15")

	_, err := g.registerParams(order, RegisterOptions{})
	assert.True(t, errorbank.IsKind(err, errorbank.KindValidation))
}

func TestSberbankRegisterOrder(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, sberbankRegisterPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "merchant-api", r.PostForm.Get("userName"))
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"orderId": "70906e55-7114-41d6-8332-4609dc6590f4",
			"formUrl": "https://3dsec.sberbank.ru/payment/merchants/form?mdOrder=70906e55",
		})
	}))
	defer srv.Close()

	payments := &fakePaymentStore{}
	g := newTestSberbank(t, sberbankConfig(), payments, &fakeOrderStore{})
	g.uri = srv.URL
	order := testOrder(t, "A-1")

	paymentURL, err := g.RegisterOrder(context.Background(), order, RegisterOptions{})
	require.NoError(t, err)
	assert.Contains(t, paymentURL, "mdOrder=70906e55")

	// Second call is served from the cached row.
	_, err = g.RegisterOrder(context.Background(), order, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	p, err := payments.ForOrderGateway(context.Background(), order.ID, "sberbank_test")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "70906e55-7114-41d6-8332-4609dc6590f4", p.GatewayOrderID)
	assert.True(t, p.Registered())
}

func TestSberbankRegisterOrderConcurrent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"orderId": "one",
			"formUrl": "https://pay.example.com/form",
		})
	}))
	defer srv.Close()

	g := newTestSberbank(t, sberbankConfig(), &fakePaymentStore{}, &fakeOrderStore{})
	g.uri = srv.URL
	order := testOrder(t, "A-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.RegisterOrder(context.Background(), order, RegisterOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load(), "concurrent registrations must issue one call")
}

func TestSberbankRegisterOrderOutdated(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"orderId": "fresh-id",
			"formUrl": "https://pay.example.com/fresh",
		})
	}))
	defer srv.Close()

	order := testOrder(t, "A-1")
	payments := &fakePaymentStore{}
	require.NoError(t, payments.Create(context.Background(), &entity.Payment{
		OrderID:        order.ID,
		Gateway:        "sberbank_test",
		GatewayOrderID: "stale-id",
		PaymentURL:     "https://pay.example.com/stale",
		IsOutdated:     true,
	}))

	g := newTestSberbank(t, sberbankConfig(), payments, &fakeOrderStore{})
	g.uri = srv.URL

	paymentURL, err := g.RegisterOrder(context.Background(), order, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/fresh", paymentURL)
	assert.Equal(t, int64(1), calls.Load())

	p, err := payments.ForOrderGateway(context.Background(), order.ID, "sberbank_test")
	require.NoError(t, err)
	assert.Equal(t, "fresh-id", p.GatewayOrderID)
	assert.False(t, p.IsOutdated)
}

func TestSberbankRegisterOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errorCode":    "1",
			"errorMessage": "order number is duplicated",
		})
	}))
	defer srv.Close()

	g := newTestSberbank(t, sberbankConfig(), &fakePaymentStore{}, &fakeOrderStore{})
	g.uri = srv.URL

	_, err := g.RegisterOrder(context.Background(), testOrder(t, "A-1"), RegisterOptions{})
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindUpstream))
	assert.Contains(t, err.Error(), "duplicated")
}

func TestSberbankPaymentStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, sberbankStatusPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "stored-id", r.PostForm.Get("orderId"))
		_ = json.NewEncoder(w).Encode(map[string]any{"orderStatus": 2})
	}))
	defer srv.Close()

	order := testOrder(t, "A-1")
	payments := &fakePaymentStore{}
	require.NoError(t, payments.Create(context.Background(), &entity.Payment{
		OrderID:        order.ID,
		Gateway:        "sberbank_test",
		GatewayOrderID: "stored-id",
		PaymentURL:     "https://pay.example.com/form",
	}))

	g := newTestSberbank(t, sberbankConfig(), payments, &fakeOrderStore{})
	g.uri = srv.URL

	status, err := g.PaymentStatusCode(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, status)
}

func TestSberbankPaymentStatusUnregistered(t *testing.T) {
	g := newTestSberbank(t, sberbankConfig(), &fakePaymentStore{}, &fakeOrderStore{})

	_, err := g.PaymentStatus(context.Background(), testOrder(t, "A-1"))
	assert.True(t, errorbank.IsKind(err, errorbank.KindNotFound))
}

func TestSberbankFindOrder(t *testing.T) {
	order := testOrder(t, "A-1")
	payments := &fakePaymentStore{}
	require.NoError(t, payments.Create(context.Background(), &entity.Payment{
		OrderID:        order.ID,
		Gateway:        "sberbank_test",
		GatewayOrderID: "md-1",
		Order:          order,
	}))
	orders := &fakeOrderStore{orders: []*entity.Order{order}}
	g := newTestSberbank(t, sberbankConfig(), payments, orders)

	params := url.Values{}
	params.Set("mdOrder", "md-1")
	got, err := g.FindOrder(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A-1", got.OrderNumber)

	params = url.Values{}
	params.Set("orderNumber", order.TransactionID)
	got, err = g.FindOrder(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A-1", got.OrderNumber)

	got, err = g.FindOrder(context.Background(), url.Values{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSberbankFindOrderMerchantNumberField(t *testing.T) {
	order := testOrder(t, "A-1")
	order.TransactionID = "" // registered under the merchant number, no surrogate
	orders := &fakeOrderStore{orders: []*entity.Order{order}}
	cfg := sberbankConfig()
	cfg.OrderNumberField = "order_number"
	g := newTestSberbank(t, cfg, &fakePaymentStore{}, orders)

	// The bank echoes back the merchant number it was registered under, so the
	// fallback lookup must follow the configured field.
	params := url.Values{}
	params.Set("orderNumber", "A-1")
	got, err := g.FindOrder(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A-1", got.OrderNumber)
}
