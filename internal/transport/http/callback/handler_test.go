package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/cache"
	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/database"
	"github.com/illusorium/rupay/internal/dispatch"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/internal/gateway"
	"github.com/illusorium/rupay/internal/messaging"
	orderrepo "github.com/illusorium/rupay/internal/repository/order"
	paymentrepo "github.com/illusorium/rupay/internal/repository/payment"
	service "github.com/illusorium/rupay/internal/service/order"
	"github.com/illusorium/rupay/internal/till"
)

// stubOrderStore serves the gateway correlation lookups without a database.
type stubOrderStore struct {
	order *entity.Order
}

func (s *stubOrderStore) FindOne(_ context.Context, criteria map[string]any) (*entity.Order, error) {
	if s.order == nil {
		return nil, nil
	}
	if want, ok := criteria["transaction_id"]; ok && want != s.order.TransactionID {
		return nil, nil
	}
	if want, ok := criteria["order_number"]; ok && want != s.order.OrderNumber {
		return nil, nil
	}
	return s.order, nil
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) ([]byte, error) { return nil, cache.ErrCacheMiss }

func (nopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (nopCache) Delete(context.Context, string) error { return nil }

type nopClient struct{}

func (nopClient) Publish(context.Context, []byte, []byte) error { return nil }
func (nopClient) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}
func (nopClient) Topic() string { return "orders.payments" }

type fixture struct {
	echo *echo.Echo
	mock sqlmock.Sqlmock
	g    *gateway.Monetaru
}

func callbackConfig() config.Config {
	return config.Config{
		Gateways: config.Gateways{
			Default: "monetaru",
			Monetaru: config.Monetaru{
				Enabled:       true,
				TestMode:      true,
				MerchantID:    "12345678",
				IntegrityCode: "secret-code",
				Currency:      "RUB",
			},
		},
		Tills: config.Tills{
			Default: "modulkassa",
			Modulkassa: config.Modulkassa{
				ResponseURL: "https://shop.example.com/fiscal?order={{order_number}}",
			},
		},
	}
}

func newFixture(t *testing.T, order *entity.Order) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bdb := bun.NewDB(db, pgdialect.New())
	conns := &database.Connections{Writer: bdb, Reader: bdb}

	cfg := callbackConfig()
	store := &stubOrderStore{order: order}
	deps := gateway.Deps{
		Client: http.DefaultClient,
		Logger: zap.NewNop(),
		Orders: store,
	}
	gateways, err := gateway.NewRegistry(cfg, deps)
	require.NoError(t, err)
	tills, err := till.NewRegistry(cfg, till.Deps{Logger: zap.NewNop()})
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		Orders:   orderrepo.NewRepository(conns),
		Payments: paymentrepo.NewRepository(conns),
		Gateways: gateways,
		Tills:    tills,
		Cache:    nopCache{},
		Bus:      nopClient{},
		Config:   cfg,
		Logger:   zap.NewNop(),
	})

	e := echo.New()
	h := NewHandler(gateways, svc, dispatch.NewResolver(store, zap.NewNop()), cfg, zap.NewNop())
	Register(e, h)

	raw, err := gateways.Get("monetaru")
	require.NoError(t, err)
	return &fixture{echo: e, mock: mock, g: raw.(*gateway.Monetaru)}
}

func callbackOrder(t *testing.T) *entity.Order {
	t.Helper()
	price, err := decimal.NewFromString("59.90")
	require.NoError(t, err)
	return &entity.Order{
		ID:            1,
		OrderNumber:   "A-1",
		TransactionID: "A-1-250901120000-42",
		Items: []*entity.Item{
			{Product: "paint", Price: price, Quantity: decimal.NewFromInt(2)},
		},
	}
}

func signedParams(g *gateway.Monetaru, order *entity.Order, operationID, amount string) url.Values {
	params := url.Values{}
	params.Set("MNT_ID", "12345678")
	params.Set("MNT_TRANSACTION_ID", order.TransactionID)
	params.Set("MNT_AMOUNT", amount)
	if operationID != "" {
		params.Set("MNT_OPERATION_ID", operationID)
	}
	params.Set("MNT_SIGNATURE", g.Sign(order, params))
	return params
}

func (f *fixture) do(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestGatewayCallbackUnknownGateway(t *testing.T) {
	f := newFixture(t, callbackOrder(t))

	rec := f.do(t, "/callbacks/gateway/paypal")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/json")
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestGatewayCallbackUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "/callbacks/gateway/monetaru?MNT_TRANSACTION_ID=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "FAIL", rec.Body.String(), "protocol ack, not a JSON error")
}

func TestGatewayCallbackBadSignature(t *testing.T) {
	order := callbackOrder(t)
	f := newFixture(t, order)

	params := signedParams(f.g, order, "98765", "119.80")
	params.Set("MNT_SIGNATURE", "0000000000000000")

	rec := f.do(t, "/callbacks/gateway/monetaru?"+params.Encode())
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "FAIL", rec.Body.String())
}

func TestGatewayCallbackDeposited(t *testing.T) {
	order := callbackOrder(t)
	f := newFixture(t, order)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM "orders".+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_number", "transaction_id", "paid"}).
			AddRow(int64(1), "A-1", order.TransactionID, nil))
	f.mock.ExpectQuery(`SELECT .+ FROM "order_items"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id"}))
	f.mock.ExpectQuery(`SELECT .+ FROM "payments"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id"}))
	f.mock.ExpectExec(`UPDATE "orders" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	params := signedParams(f.g, order, "98765", "119.80")
	rec := f.do(t, "/callbacks/gateway/monetaru?"+params.Encode())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", rec.Body.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGatewayCallbackUnknownOperationAcked(t *testing.T) {
	order := callbackOrder(t)
	f := newFixture(t, order)

	// A CHECK ping: valid signature, no operation id. Acknowledged so the
	// gateway stops re-delivering, but nothing is recorded.
	params := signedParams(f.g, order, "", "119.80")
	rec := f.do(t, "/callbacks/gateway/monetaru?"+params.Encode())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", rec.Body.String())
	assert.NoError(t, f.mock.ExpectationsWereMet(), "no state change expected")
}

func TestTillCallbackResolvesOrder(t *testing.T) {
	f := newFixture(t, callbackOrder(t))

	rec := f.do(t, "/callbacks/till/modulkassa?order=A-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"order_number":"A-1"`)
}

func TestTillCallbackUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "/callbacks/till/modulkassa?order=A-404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}
