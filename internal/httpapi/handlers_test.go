package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

// newTestAPI builds the full API over the seeded memory store so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(zap.NewNop())
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo, nil)

	return New(svc, auth, Options{AllowedOrigin: "*", Metrics: metrics.New()})
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newClient(t *testing.T, api *API, username string, password string) *client {
	t.Helper()
	return &client{
		t:       t,
		handler: api.Handler(),
		token:   login(t, api, username, password),
		csrf:    fetchCSRFToken(t, api),
	}
}

func (c *client) do(method string, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res := httptest.NewRecorder()
	c.handler.ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out), res.Body.String())
	return out
}

func errorCode(t *testing.T, res *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]any](t, res)
	code, _ := body["code"].(string)
	return code
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestHandleHealthReportsUnreadyStore(t *testing.T) {
	api := newTestAPI(t)
	api.opts.Ready = func(_ context.Context) error { return errors.New("dial tcp: connection refused") }
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestSalesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/sale-1", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSaleReturnAndReceiptFlow(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodPost, "/api/v1/sales", map[string]any{
		"lines":          []map[string]any{{"product_id": "P-KOPI-01", "quantity": 5}},
		"payment_method": "cash",
		"cash_amount":    "150.00",
	}, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	sale := decodeBody[domain.CommitSaleResponse](t, res)
	assert.Equal(t, int64(13000), sale.Total.Cents())
	assert.Equal(t, int64(2000), sale.Change.Cents())

	res = cashier.do(http.MethodGet, "/api/v1/sales/"+sale.SaleID, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	view := decodeBody[domain.SaleResponse](t, res)
	require.Len(t, view.Lines, 1)
	lineID := view.Lines[0].ID

	returnBody := map[string]any{
		"sale_id":       sale.SaleID,
		"items":         []map[string]any{{"sale_line_id": lineID, "quantity": 3, "reason": "damaged"}},
		"refund_method": "cash",
		"refund_cash":   "78.00",
		"manager_pin":   "123456",
	}
	res = cashier.do(http.MethodPost, "/api/v1/returns", returnBody, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	ret := decodeBody[domain.ReturnResponse](t, res)
	assert.Equal(t, int64(7800), ret.TotalRefund.Cents())

	res = cashier.do(http.MethodGet, "/api/v1/return-receipts/"+ret.ReceiptID, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	payload := decodeBody[domain.ReceiptPayload](t, res)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "Kopi Sachet", payload.Items[0].ProductName)
	assert.Equal(t, "damaged", payload.Items[0].Reason)

	res = cashier.do(http.MethodPost, "/api/v1/returns", returnBody, nil)
	require.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "over_return", errorCode(t, res))
}

func TestReturnRejectsWrongManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodPost, "/api/v1/returns", map[string]any{
		"sale_id":     "sale-404",
		"items":       []map[string]any{{"product_id": "P-MIE-01", "quantity": 1, "reason": "x"}},
		"manager_pin": "000000",
	}, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "invalid_manager_pin", errorCode(t, res))
}

func TestSaleErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodPost, "/api/v1/sales", map[string]any{
		"lines":       []map[string]any{{"product_id": "P-MIE-01", "quantity": 1}},
		"cash_amount": "10.00",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, "insufficient_payment", errorCode(t, res))

	res = cashier.do(http.MethodPost, "/api/v1/sales", map[string]any{
		"lines":       []map[string]any{{"product_id": "P-MIE-01", "quantity": 500}},
		"cash_amount": "100000.00",
	}, nil)
	require.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "insufficient_stock", errorCode(t, res))

	res = cashier.do(http.MethodPost, "/api/v1/sales", map[string]any{"lines": []map[string]any{}}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "invalid_request", errorCode(t, res))

	res = cashier.do(http.MethodGet, "/api/v1/sales/sale-404", nil, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "sale_not_found", errorCode(t, res))
}

func TestPurchaseRoutesRequireAdminAndPIN(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	cashier := newClient(t, api, "cashier", "cashier123")

	purchaseBody := map[string]any{
		"vendor": "PT Sumber Makmur",
		"lines":  []map[string]any{{"product_id": "P-GULA-01", "quantity": 10, "cost_price": "15.00"}},
	}
	res := cashier.do(http.MethodPost, "/api/v1/purchases", purchaseBody, nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = admin.do(http.MethodPost, "/api/v1/purchases", purchaseBody, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decodeBody[domain.PurchaseResponse](t, res)
	assert.Equal(t, int64(15000), created.Purchase.TotalCents)

	path := "/api/v1/purchases/" + created.Purchase.ID
	res = admin.do(http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = admin.do(http.MethodDelete, path, nil, map[string]string{"X-Manager-PIN": "123456"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	deleted := decodeBody[domain.PurchaseDeleteResponse](t, res)
	require.Len(t, deleted.Reversed, 1)
	assert.Equal(t, -10, deleted.Reversed[0].Quantity)

	res = admin.do(http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestCashierAccountsCanBeCreated(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/users/cashiers", map[string]any{"username": "shift2", "password": "pass1234"}, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = admin.do(http.MethodGet, "/api/v1/users/cashiers", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"shift2"`)

	res = admin.do(http.MethodPost, "/api/v1/users/cashiers", map[string]any{"username": "shift2", "password": "pass1234"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestStatusForCoversErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{store.InsufficientStock("P-1"), http.StatusConflict, "insufficient_stock"},
		{&store.Error{Kind: store.ErrInsufficientPayment}, http.StatusUnprocessableEntity, "insufficient_payment"},
		{store.ErrSaleNotFound, http.StatusNotFound, "sale_not_found"},
		{&store.Error{Kind: store.ErrSaleLineNotFound}, http.StatusUnprocessableEntity, "sale_line_not_found"},
		{&store.Error{Kind: store.ErrInvalidReturnLine}, http.StatusBadRequest, "invalid_return_line"},
		{store.OverReturn("sl-1"), http.StatusConflict, "over_return"},
		{&store.Error{Kind: store.ErrRefundMismatch}, http.StatusUnprocessableEntity, "refund_mismatch"},
		{store.StockUpdateFailed("P-1"), http.StatusConflict, "stock_update_failed"},
		{store.Storage("commit sale", errors.New("conn reset")), http.StatusServiceUnavailable, "storage_error"},
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{service.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{service.ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			status, code := statusFor(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}
