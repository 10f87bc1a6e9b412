package order

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/cache"
	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/database"
	"github.com/illusorium/rupay/internal/gateway"
	"github.com/illusorium/rupay/internal/messaging"
	orderrepo "github.com/illusorium/rupay/internal/repository/order"
	paymentrepo "github.com/illusorium/rupay/internal/repository/payment"
	service "github.com/illusorium/rupay/internal/service/order"
	"github.com/illusorium/rupay/internal/till"
)

type nopCache struct{}

func (nopCache) Get(context.Context, string) ([]byte, error) { return nil, cache.ErrCacheMiss }

func (nopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (nopCache) Delete(context.Context, string) error { return nil }

type nopBus struct{}

func (nopBus) Publish(context.Context, []byte, []byte) error { return nil }

func (nopBus) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (nopBus) Topic() string { return "orders.payments" }

type fixture struct {
	echo *echo.Echo
	mock sqlmock.Sqlmock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bdb := bun.NewDB(db, pgdialect.New())
	conns := &database.Connections{Writer: bdb, Reader: bdb}

	cfg := config.Config{
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
				Enabled:     true,
				TestMode:    true,
				Login:       "retail-point",
				Password:    "pass",
				PaymentType: "CARD",
			},
		},
	}
	gateways, err := gateway.NewRegistry(cfg, gateway.Deps{Logger: zap.NewNop()})
	require.NoError(t, err)
	tills, err := till.NewRegistry(cfg, till.Deps{Logger: zap.NewNop()})
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		Orders:   orderrepo.NewRepository(conns),
		Payments: paymentrepo.NewRepository(conns),
		Gateways: gateways,
		Tills:    tills,
		Cache:    nopCache{},
		Bus:      nopBus{},
		Config:   cfg,
		Logger:   zap.NewNop(),
	})

	e := echo.New()
	Register(e, NewHandler(svc))
	return &fixture{echo: e, mock: mock}
}

func (f *fixture) expectOrderRow(paid any) {
	f.mock.ExpectQuery(`SELECT .+ FROM "orders"`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "order_number", "transaction_id", "hash", "email", "paid"}).
			AddRow(int64(1), "A-1", "A-1-250901120000-42", "deadbeef", "buyer@example.com", paid))
	f.mock.ExpectQuery(`SELECT .+ FROM "order_items"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id"}))
	f.mock.ExpectQuery(`SELECT .+ FROM "payments"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id"}))
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestCreateRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "rejected before any storage access")
}

func TestCreateRejectsDuplicateNumber(t *testing.T) {
	f := newFixture(t)
	f.expectOrderRow(nil)

	body := `{"order_number":"A-1","email":"buyer@example.com","items":[{"product":"pen","price":"1.99","quantity":"3"}]}`
	rec := f.do(t, http.MethodPost, "/orders", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestGetByNumber(t *testing.T) {
	f := newFixture(t)
	f.expectOrderRow(nil)

	rec := f.do(t, http.MethodGet, "/orders/A-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"order_number":"A-1"`)
	assert.Contains(t, rec.Body.String(), `"hash":"deadbeef"`)
}

func TestGetByNumberNotFound(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM "orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := f.do(t, http.MethodGet, "/orders/A-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestFiscalizeRejectsUnpaidOrder(t *testing.T) {
	f := newFixture(t)
	f.expectOrderRow(nil)

	rec := f.do(t, http.MethodPost, "/orders/A-1/receipt", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestPayRejectsPaidOrder(t *testing.T) {
	f := newFixture(t)
	f.expectOrderRow(time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC))

	rec := f.do(t, http.MethodGet, "/pay/deadbeef", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}
