package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/invoice"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/service"
	"kasirinaja/pos/internal/store/memory"
)

type testEnv struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
	redis   *miniredis.Miniredis
}

// newTestEnv builds the full request path: memory store, real issuer and
// service, Redis-backed cache and idempotency on miniredis.
func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo := memory.New()
	repo.PutStore(domain.Store{ID: "s1", Name: "Toko"})
	repo.PutCategory(domain.Category{ID: "c1", StoreID: "s1", Name: "Umum", DefaultGST: decimal.NewFromInt(18), LowStockThreshold: 2})
	repo.PutProduct(domain.Product{ID: "p1", StoreID: "s1", CategoryID: "c1", Name: "Beras", Price: decimal.NewFromInt(100), StockQty: 1})
	repo.PutProduct(domain.Product{ID: "p2", StoreID: "s1", CategoryID: "c1", Name: "Minyak", Price: decimal.RequireFromString("49.99"), StockQty: 10})
	for _, u := range []struct{ name, password, role string }{
		{"admin", "admin123", domain.RoleAdmin},
		{"kasir", "kasir123", domain.RoleCashier},
		{"kasir2", "kasir123", domain.RoleCashier},
	} {
		err := repo.CreateUser(ctx, domain.UserAccount{Username: u.name, Password: mustHashPassword(t, u.password), Role: u.role})
		if err != nil {
			t.Fatalf("seed user %s: %v", u.name, err)
		}
	}

	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	issuer := invoice.NewIssuer(repo, invoice.WithRetry(3, time.Millisecond))
	svc := service.New(repo, issuer, cart.NewRegistry(time.Hour), cache.NewRedisCatalogCache(client), service.Options{
		DefaultStoreID:     "s1",
		CashierMaxDiscount: decimal.NewFromInt(20),
		Logger:             zerolog.Nop(),
	})
	auth, err := NewAuthManager(ctx, "test-secret-key", time.Hour, "123456", repo, zerolog.Nop())
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	reg := prometheus.NewRegistry()
	opts := Options{
		AllowedOrigins: []string{"*"},
		Logger:         zerolog.Nop(),
		Metrics:        obs.NewHTTPMetrics(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Idempotency:    cache.NewRedisIdempotencyStore(client),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	api := New(svc, auth, opts)
	return &testEnv{api: api, handler: api.Handler(), repo: repo, redis: mr}
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestEnv(t).api
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeInto(t, rec, &resp)
	return resp.AccessToken
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d (body: %s)", status, rec.Code, rec.Body.String())
	}
	var body errorBody
	decodeInto(t, rec, &body)
	if body.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, body.Code, body.Error)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeInto(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleHealthReportsFailedDependency(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Ready = func(context.Context) error { return io.ErrUnexpectedEOF }
	})
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "Admin ", "password": "admin123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeInto(t, rec, &resp)
	if resp.AccessToken == "" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin", "password": "wrongpassword"})
	expectError(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/stores/s1/products", "", nil), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, env.do(t, http.MethodGet, "/api/v1/stores/s1/products", "not-a-jwt", nil), http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestListProductsWithValidToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "kasir", "kasir123")

	rec := env.do(t, http.MethodGet, "/api/v1/stores/s1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var products []domain.Product
	decodeInto(t, rec, &products)
	if len(products) != 2 {
		t.Fatalf("expected 2 products, got %d", len(products))
	}
}

func TestCartCheckoutFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "kasir", "kasir123")

	rec := env.do(t, http.MethodPost, "/api/v1/carts", token, domain.CartOpenRequest{StoreID: "s1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open cart: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var view service.CartView
	decodeInto(t, rec, &view)

	rec = env.do(t, http.MethodPost, "/api/v1/carts/"+view.ID+"/items", token, domain.CartItemAddRequest{ProductID: "p1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &view)
	if !view.Totals.GrandTotal.Equal(decimal.NewFromInt(118)) {
		t.Fatalf("expected cart grand total 118, got %s", view.Totals.GrandTotal)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/carts/"+view.ID+"/checkout", token, domain.CartCheckoutRequest{PaymentMethod: domain.PaymentCash})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &view)
	if view.Invoice == nil || !view.Invoice.GrandTotal.Equal(decimal.NewFromInt(118)) {
		t.Fatalf("expected invoice with grand total 118, got %+v", view.Invoice)
	}
	if len(view.Lines) != 0 {
		t.Fatalf("expected cart to be cleared, got %d lines", len(view.Lines))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/p1/stock", token, nil)
	var level domain.StockLevel
	decodeInto(t, rec, &level)
	if level.StockQty != 0 || !level.LowStock {
		t.Fatalf("expected empty low stock level, got %+v", level)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/carts/"+view.ID+"/items", token, domain.CartItemAddRequest{ProductID: "p1"})
	expectError(t, rec, http.StatusConflict, "OUT_OF_STOCK")

	rec = env.do(t, http.MethodGet, "/api/v1/invoices/"+view.Invoice.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get invoice: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/carts/"+view.ID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel cart: expected 204, got %d", rec.Code)
	}
	expectError(t, env.do(t, http.MethodGet, "/api/v1/carts/"+view.ID, token, nil), http.StatusNotFound, "NOT_FOUND")
}

func TestCartsArePrivateToTheirCashier(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "kasir", "kasir123")
	other := env.login(t, "kasir2", "kasir123")
	admin := env.login(t, "admin", "admin123")

	rec := env.do(t, http.MethodPost, "/api/v1/carts", owner, nil)
	var view service.CartView
	decodeInto(t, rec, &view)

	expectError(t, env.do(t, http.MethodGet, "/api/v1/carts/"+view.ID, other, nil), http.StatusNotFound, "NOT_FOUND")
	if rec := env.do(t, http.MethodGet, "/api/v1/carts/"+view.ID, admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin should see any cart, got %d", rec.Code)
	}
}

func TestDirectCheckoutCreatesInvoice(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "kasir", "kasir123")

	body := `{"storeId":"s1","paymentMethod":"upi","items":[
		{"productId":"p2","quantity":2,"price":"49.99","appliedTaxPercent":"18","appliedDiscountPercent":"0","lineTotal":"117.98"}
	],"grandTotal":"117.98"}`
	rec := env.do(t, http.MethodPost, "/api/v1/invoices", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp domain.CheckoutResponse
	decodeInto(t, rec, &resp)
	if resp.InvoiceID == "" || !strings.HasPrefix(resp.InvoiceNumber, "INV-") {
		t.Fatalf("unexpected checkout response %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/stores/s1/invoices?limit=5", token, nil)
	var invoices []domain.Invoice
	decodeInto(t, rec, &invoices)
	if len(invoices) != 1 || invoices[0].ID != resp.InvoiceID {
		t.Fatalf("expected the new invoice in the list, got %+v", invoices)
	}
	if qty, _ := env.repo.GetQuantity(context.Background(), "p2"); qty != 8 {
		t.Fatalf("expected stock 8, got %d", qty)
	}
}

func TestDirectCheckoutErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "kasir", "kasir123")

	rec := env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"cash","items":[{"productId":"p1","quantity":2,"price":"100","appliedTaxPercent":"18"}]}`)
	body := expectError(t, rec, http.StatusBadRequest, "INSUFFICIENT_STOCK")
	if body.Retryable {
		t.Fatalf("insufficient stock must not be retryable")
	}
	details, _ := body.Details.(map[string]any)
	if details["productId"] != "p1" || details["available"] != float64(1) || details["requested"] != float64(2) {
		t.Fatalf("unexpected shortage details %v", body.Details)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"cash","items":[{"productId":"ghost","quantity":1,"price":"1"}]}`)
	expectError(t, rec, http.StatusBadRequest, "PRODUCT_NOT_FOUND")

	rec = env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"barter","items":[{"productId":"p2","quantity":1,"price":"49.99"}]}`)
	body = expectError(t, rec, http.StatusBadRequest, "INVALID_INPUT")
	fields, _ := body.Details.([]any)
	if len(fields) != 1 || fields[0].(map[string]any)["field"] != "paymentMethod" {
		t.Fatalf("expected paymentMethod field error, got %v", body.Details)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"cash","items":[{"productId":"p2","quantity":1,"price":"49.99","unknown":true}]}`)
	expectError(t, rec, http.StatusBadRequest, "INVALID_INPUT")

	rec = env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"cash","items":[{"productId":"p2","quantity":1,"price":"49.99","appliedTaxPercent":"18"}],"grandTotal":"50"}`)
	expectError(t, rec, http.StatusBadRequest, "INVALID_INPUT")

	rec = env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"cash","items":[{"productId":"p2","quantity":1000001,"price":"49.99"}]}`)
	body = expectError(t, rec, http.StatusBadRequest, "INVALID_INPUT")
	fields, _ = body.Details.([]any)
	if len(fields) != 1 || fields[0].(map[string]any)["field"] != "items[0].quantity" || fields[0].(map[string]any)["rule"] != "lte" {
		t.Fatalf("expected quantity bound field error, got %v", body.Details)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"cash","items":[{"productId":"p2","quantity":1,"price":"1000","appliedTaxPercent":"12.345"}]}`)
	expectError(t, rec, http.StatusBadRequest, "INVALID_INPUT")

	rec = env.do(t, http.MethodPost, "/api/v1/invoices", token,
		`{"storeId":"s1","paymentMethod":"cash","items":[{"productId":"p2","quantity":1000000,"price":"0"},{"productId":"p2","quantity":1000000,"price":"0"}]}`)
	body = expectError(t, rec, http.StatusBadRequest, "INVALID_INPUT")
	if body.Retryable {
		t.Fatalf("oversized demand must not be retryable")
	}

	if qty, _ := env.repo.GetQuantity(context.Background(), "p2"); qty != 10 {
		t.Fatalf("rejected checkouts must not touch stock, got %d", qty)
	}
}

func TestUpdateCartItemDiscountNeedsManagerPIN(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "kasir", "kasir123")

	rec := env.do(t, http.MethodPost, "/api/v1/carts", token, nil)
	var view service.CartView
	decodeInto(t, rec, &view)
	env.do(t, http.MethodPost, "/api/v1/carts/"+view.ID+"/items", token, domain.CartItemAddRequest{ProductID: "p2"})
	path := "/api/v1/carts/" + view.ID + "/items/p2"

	expectError(t, env.do(t, http.MethodPatch, path, token, `{"discountPercent":"50"}`), http.StatusForbidden, "FORBIDDEN")
	expectError(t, env.do(t, http.MethodPatch, path, token, `{"discountPercent":"50"}`, managerPINHeader, "000000"), http.StatusForbidden, "FORBIDDEN")

	rec = env.do(t, http.MethodPatch, path, token, `{"discountPercent":"50"}`, managerPINHeader, "123456")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with manager PIN, got %d (%s)", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &view)
	if !view.Lines[0].AppliedDiscountPercent.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50%% discount, got %s", view.Lines[0].AppliedDiscountPercent)
	}

	rec = env.do(t, http.MethodPatch, path, token, `{"delta":2}`)
	decodeInto(t, rec, &view)
	if view.Lines[0].Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", view.Lines[0].Quantity)
	}

	rec = env.do(t, http.MethodDelete, path, token, nil)
	decodeInto(t, rec, &view)
	if len(view.Lines) != 0 {
		t.Fatalf("expected empty cart after remove, got %d lines", len(view.Lines))
	}
}

func TestAdminOnlyCatalogRoutes(t *testing.T) {
	env := newTestEnv(t)
	cashier := env.login(t, "kasir", "kasir123")
	admin := env.login(t, "admin", "admin123")

	expectError(t, env.do(t, http.MethodPatch, "/api/v1/products/p1", cashier, `{"price":"120"}`), http.StatusForbidden, "FORBIDDEN")
	expectError(t, env.do(t, http.MethodPost, "/api/v1/products/p1/stock-adjustments", cashier, `{"delta":1}`), http.StatusForbidden, "FORBIDDEN")

	rec := env.do(t, http.MethodPatch, "/api/v1/products/p1", admin, `{"price":"120"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	expectError(t, env.do(t, http.MethodPost, "/api/v1/products/p1/stock-adjustments", admin, `{"delta":-5}`), http.StatusBadRequest, "INSUFFICIENT_STOCK")
	expectError(t, env.do(t, http.MethodPost, "/api/v1/products/p1/stock-adjustments", admin, `{"delta":0}`), http.StatusBadRequest, "INVALID_INPUT")

	rec = env.do(t, http.MethodPost, "/api/v1/products/p1/stock-adjustments", admin, `{"delta":3,"reason":"restock"}`)
	var level domain.StockLevel
	decodeInto(t, rec, &level)
	if level.StockQty != 4 {
		t.Fatalf("expected stock 4, got %d", level.StockQty)
	}
}

func TestAdminCreatesCashier(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin", "admin123")

	rec := env.do(t, http.MethodPost, "/api/v1/users/cashiers", admin, domain.CashierCreateRequest{Username: "kasirbaru", Password: "pass1234"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	expectError(t, env.do(t, http.MethodPost, "/api/v1/users/cashiers", admin, domain.CashierCreateRequest{Username: "abc", Password: "pass1234"}),
		http.StatusBadRequest, "INVALID_INPUT")

	rec = env.do(t, http.MethodGet, "/api/v1/users/cashiers", admin, nil)
	var users []domain.CashierUser
	decodeInto(t, rec, &users)
	if len(users) != 3 {
		t.Fatalf("expected 3 cashiers, got %d", len(users))
	}
	env.login(t, "kasirbaru", "pass1234")
}

func TestMetricsEndpointExposesRouteCounters(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `kasirinaja_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz counter in metrics output:\n%s", rec.Body.String())
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/nothing-here", "", nil), http.StatusNotFound, "NOT_FOUND")
}
