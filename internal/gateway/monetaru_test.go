package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/pkg/errorbank"
)

func monetaruConfig() config.Monetaru {
	return config.Monetaru{
		Enabled:       true,
		TestMode:      true,
		MerchantID:    "12345678",
		IntegrityCode: "secret-code",
		Currency:      "RUB",
		Method:        http.MethodGet,
		SubscriberFld: "email",
	}
}

func newTestMonetaru(t *testing.T, payments *fakePaymentStore, orders *fakeOrderStore) *Monetaru {
	t.Helper()
	g, err := NewMonetaru(monetaruConfig(), newTestDeps(payments, orders))
	require.NoError(t, err)
	return g
}

func TestNewMonetaruRequiresCredentials(t *testing.T) {
	cfg := monetaruConfig()
	cfg.IntegrityCode = ""
	_, err := NewMonetaru(cfg, newTestDeps(&fakePaymentStore{}, &fakeOrderStore{}))
	assert.True(t, errorbank.IsKind(err, errorbank.KindConfig))
}

func TestMonetaruVerifyCallback(t *testing.T) {
	g := newTestMonetaru(t, &fakePaymentStore{}, &fakeOrderStore{})
	order := testOrder(t, "A-1")

	params := url.Values{}
	params.Set("MNT_ID", "12345678")
	params.Set("MNT_TRANSACTION_ID", order.TransactionID)
	params.Set("MNT_OPERATION_ID", "98765")
	params.Set("MNT_AMOUNT", "119.80")
	params.Set("MNT_SIGNATURE", g.signature("", order.TransactionID, "98765", "119.80", ""))
	assert.True(t, g.VerifyCallback(order, params))

	// Signature comparison is case-insensitive.
	params.Set("MNT_SIGNATURE", strings.ToUpper(params.Get("MNT_SIGNATURE")))
	assert.True(t, g.VerifyCallback(order, params))

	params.Del("MNT_SIGNATURE")
	assert.False(t, g.VerifyCallback(order, params), "missing signature must fail")
}

func TestMonetaruVerifyCallbackBindsOrderFields(t *testing.T) {
	g := newTestMonetaru(t, &fakePaymentStore{}, &fakeOrderStore{})
	order := testOrder(t, "A-1") // totals 119.80

	// A notification correctly signed over a smaller amount must not verify
	// against this order, even though the signature itself is genuine.
	params := url.Values{}
	params.Set("MNT_TRANSACTION_ID", order.TransactionID)
	params.Set("MNT_OPERATION_ID", "98765")
	params.Set("MNT_AMOUNT", "0.01")
	params.Set("MNT_SIGNATURE", g.signature("", order.TransactionID, "98765", "0.01", ""))
	assert.False(t, g.VerifyCallback(order, params), "amount is bound to the order total")

	// Same for a signature minted over a foreign transaction id.
	params.Set("MNT_AMOUNT", "119.80")
	params.Set("MNT_TRANSACTION_ID", "B-9-250901120000-17")
	params.Set("MNT_SIGNATURE", g.signature("", "B-9-250901120000-17", "98765", "119.80", ""))
	assert.False(t, g.VerifyCallback(order, params), "transaction id is bound to the order")

	// The genuine notification for this order still verifies.
	params.Set("MNT_TRANSACTION_ID", order.TransactionID)
	params.Set("MNT_SIGNATURE", g.signature("", order.TransactionID, "98765", "119.80", ""))
	assert.True(t, g.VerifyCallback(order, params))
}

func TestMonetaruSignFillsOrderFields(t *testing.T) {
	g := newTestMonetaru(t, &fakePaymentStore{}, &fakeOrderStore{})
	order := testOrder(t, "A-1")

	got := g.Sign(order, url.Values{})
	want := g.signature("", order.TransactionID, "", "119.80", "")
	assert.Equal(t, want, got)
}

func TestMonetaruCallbackOperation(t *testing.T) {
	g := newTestMonetaru(t, &fakePaymentStore{}, &fakeOrderStore{})

	params := url.Values{}
	_, ok := g.CallbackOperation(params)
	assert.False(t, ok, "CHECK pings carry no operation id")

	params.Set("MNT_OPERATION_ID", "98765")
	op, ok := g.CallbackOperation(params)
	require.True(t, ok)
	assert.Equal(t, StatusDeposited, op.Status)
	assert.True(t, op.Success)
}

func TestMonetaruRegisterOrder(t *testing.T) {
	payments := &fakePaymentStore{}
	g := newTestMonetaru(t, payments, &fakeOrderStore{})
	order := testOrder(t, "A-1")

	paymentURL, err := g.RegisterOrder(context.Background(), order, RegisterOptions{})
	require.NoError(t, err)

	parsed, err := url.Parse(paymentURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "12345678", q.Get("MNT_ID"))
	assert.Equal(t, order.TransactionID, q.Get("MNT_TRANSACTION_ID"))
	assert.Equal(t, "119.80", q.Get("MNT_AMOUNT"))
	assert.Equal(t, "1", q.Get("MNT_TEST_MODE"))
	assert.Equal(t, "buyer@example.com", q.Get("MNT_SUBSCRIBER_ID"))
	assert.Equal(t,
		g.signature("", order.TransactionID, "", "119.80", "buyer@example.com"),
		q.Get("MNT_SIGNATURE"))

	// The built URL is cached on the payment row and reused.
	again, err := g.RegisterOrder(context.Background(), order, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, paymentURL, again)

	p, err := payments.ForOrderGateway(context.Background(), order.ID, g.Key())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Registered())
	assert.Equal(t, order.TransactionID, p.GatewayOrderID)
}

func TestMonetaruFindOrder(t *testing.T) {
	order := testOrder(t, "A-1")
	store := &fakeOrderStore{orders: []*entity.Order{order}}
	g := newTestMonetaru(t, &fakePaymentStore{}, store)

	params := url.Values{}
	params.Set("MNT_TRANSACTION_ID", order.TransactionID)
	got, err := g.FindOrder(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)

	got, err = g.FindOrder(context.Background(), url.Values{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMonetaruStatusPollingNotSupported(t *testing.T) {
	g := newTestMonetaru(t, &fakePaymentStore{}, &fakeOrderStore{})
	order := testOrder(t, "A-1")

	_, err := g.PaymentStatus(context.Background(), order)
	assert.True(t, errors.Is(err, ErrNotSupported))

	_, err = g.PaymentStatusCode(context.Background(), order)
	assert.True(t, errors.Is(err, ErrNotSupported))
}

func TestMonetaruAcks(t *testing.T) {
	g := newTestMonetaru(t, &fakePaymentStore{}, &fakeOrderStore{})

	ok := g.AckSuccess()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Equal(t, "SUCCESS", ok.Body)

	fail := g.AckFail(0)
	assert.Equal(t, http.StatusPaymentRequired, fail.StatusCode)
	assert.Equal(t, "FAIL", fail.Body)
}
