package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kassanova/backend/internal/cache"
	"kassanova/backend/internal/domain"
	"kassanova/backend/internal/service"
	"kassanova/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopReportCache{}, "main-store", "4321", 5*time.Second)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

// loginAs obtains an access token through the real login endpoint.
func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

// doJSON fires an authenticated JSON request with a valid CSRF token.
func doJSON(t *testing.T, api *API, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := loginAs(t, handler, "admin", "admin123")
	if token == "" {
		t.Fatal("expected non-empty access token")
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// The loginLimiter allows 5 attempts per minute.
	// Fire 6 requests from the same "IP" (httptest uses RemoteAddr "192.0.2.1:1234").
	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "badpass",
	})

	var lastCode int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 6 attempts, got %d", lastCode)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "admin", "admin123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestCheckoutFlowThroughAPI(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/days/open", token, map[string]any{
		"opening_float_cents": 5000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("open day: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"cart_items": []map[string]any{
			{"barcode": "5400111000069", "qty": 2},
		},
		"payment_method":      "cash",
		"cash_received_cents": 500,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if resp.TotalCents != 290 {
		t.Fatalf("expected total 290, got %d", resp.TotalCents)
	}
	if resp.ChangeCents != 210 {
		t.Fatalf("expected change 210, got %d", resp.ChangeCents)
	}
}

func TestCheckoutWithoutOpenDayReturnsConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"cart_items": []map[string]any{
			{"barcode": "5400111000069", "qty": 1},
		},
		"payment_method":      "cash",
		"cash_received_cents": 200,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestZReportRequiresAdminRole(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/z", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}
}

func TestZReportCSVAfterClose(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/days/open", admin, map[string]any{
		"opening_float_cents": 10000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("open day: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/days/close", admin, map[string]any{
		"counted_cash_cents": 10000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close day: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/z?format=csv", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)

	if rec2.Code != http.StatusOK {
		t.Fatalf("z report csv: %d %s", rec2.Code, rec2.Body.String())
	}
	if ct := rec2.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("expected csv content type, got %q", ct)
	}
	if !bytes.Contains(rec2.Body.Bytes(), []byte("summary,serial_number,1")) {
		t.Fatalf("expected serial number line in CSV, got:\n%s", rec2.Body.String())
	}
}

func TestCancelSaleThroughAPIWithManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/days/open", cashier, map[string]any{
		"opening_float_cents": 0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("open day: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/checkout", cashier, map[string]any{
		"cart_items": []map[string]any{
			{"barcode": "5400111000014", "qty": 1},
		},
		"payment_method":      "cash",
		"cash_received_cents": 300,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: %d %s", rec.Code, rec.Body.String())
	}
	var checkout domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&checkout); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}

	cancelPath := fmt.Sprintf("/api/v1/sales/%s/cancel", checkout.SaleID)
	rec = doJSON(t, api, handler, http.MethodPost, cancelPath, cashier, map[string]any{
		"reason":      "wrong item scanned",
		"manager_pin": "4321",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, cancelPath, cashier, map[string]any{
		"reason":      "wrong pin",
		"manager_pin": "0000",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad pin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestStockAdjustmentForbiddenForCashier(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/stock/adjustments", cashier, map[string]any{
		"items": []map[string]any{
			{"barcode": "5400111000014", "counted_qty": 10},
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/customers", admin, map[string]any{
		"name":       "Boulangerie Dupont",
		"unexpected": "field",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}
