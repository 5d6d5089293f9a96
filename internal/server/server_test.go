package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sokopay/internal/config"
	"github.com/mbd888/sokopay/internal/orders"
	"github.com/mbd888/sokopay/internal/payhero"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockGateway implements orders.Gateway for testing
type mockGateway struct {
	mu       sync.Mutex
	requests []orders.PaymentRequest
}

func (m *mockGateway) Initiate(_ context.Context, req orders.PaymentRequest) (*orders.PaymentReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return &orders.PaymentReceipt{
		Reference:         "REF-" + req.OrderID,
		CheckoutRequestID: "ws_CO_test",
		Status:            "QUEUED",
	}, nil
}

type mockCallback struct {
	OrderID   string `json:"orderId"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

func (m *mockGateway) ParseCallback(raw []byte) (*orders.PaymentNotice, error) {
	var cb mockCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, err
	}
	if cb.OrderID == "" {
		return nil, errors.New("missing order id")
	}
	status := orders.PaymentFailed
	if cb.Status == "success" {
		status = orders.PaymentSuccess
	}
	return &orders.PaymentNotice{OrderID: cb.OrderID, Reference: cb.Reference, Status: status}, nil
}

func (m *mockGateway) VerifyPayment(_ context.Context, ref string) (*orders.PaymentNotice, error) {
	return &orders.PaymentNotice{Reference: ref, Status: orders.PaymentPending}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		AdminSecret:     "test-admin-secret",
		RateLimitRPM:    10,
		PaymentLinkBase: "https://soko-pay.vercel.app",
		PlatformFeeBPS:  300,
		CORSOrigins:     []string{"https://soko-pay.vercel.app"},
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) (*Server, *mockGateway) {
	t.Helper()
	gw := &mockGateway{}
	s, err := New(testConfig(),
		WithGateway(gw),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s, gw
}

func do(s *Server, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Checks  []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
		assert.True(t, c.Healthy, c.Name)
	}
	assert.ElementsMatch(t, []string{"store", "locks"}, names)
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.healthy.Store(false)
	w = do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestOrderRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1",
		"POST:/v1/payment-links",
		"GET:/v1/orders/:id",
		"GET:/v1/orders/:id/qr",
		"POST:/v1/orders/:id/pay",
		"POST:/v1/orders/:id/ship",
		"POST:/v1/orders/:id/confirm-delivery",
		"POST:/v1/orders/:id/dispute",
		"POST:/v1/payhero/callback",
		"GET:/v1/admin/disputes",
		"POST:/v1/admin/orders/:id/resolve",
		"GET:/v1/admin/orders/:id/risk",
		"GET:/v1/admin/ws",
		"GET:/v1/admin/realtime",
		"GET:/ws/orders/:id",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/nonexistent", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/v1", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/v1", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestSecurityHeadersApplied(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/v1", nil, map[string]string{"Origin": "https://soko-pay.vercel.app"})
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "https://soko-pay.vercel.app", w.Header().Get("Access-Control-Allow-Origin"))
}

// ---------------------------------------------------------------------------
// Admin guard tests
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/admin/disputes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/disputes", nil, map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/disputes", nil, map[string]string{"X-Admin-Secret": "test-admin-secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/ws", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---------------------------------------------------------------------------
// Order flow tests
// ---------------------------------------------------------------------------

func TestOrderFlowThroughServer(t *testing.T) {
	s, gw := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/payment-links", map[string]any{
		"productName":  "Leather handbag",
		"productPrice": 4500,
		"sellerPhone":  "0712345678",
		"sellerName":   "Wanjiku",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		OrderID     string `json:"orderId"`
		PaymentLink string `json:"paymentLink"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "https://soko-pay.vercel.app/pay/"+created.OrderID, created.PaymentLink)

	w = do(s, http.MethodPost, "/v1/orders/"+created.OrderID+"/pay", orders.PayRequest{
		BuyerPhone: "254798765432",
		BuyerName:  "Otieno",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, gw.requests, 1)
	assert.Equal(t, created.OrderID, gw.requests[0].OrderID)

	w = do(s, http.MethodPost, "/v1/payhero/callback", mockCallback{
		OrderID:   created.OrderID,
		Reference: "REF-" + created.OrderID,
		Status:    "success",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"paid"`)

	w = do(s, http.MethodGet, "/v1/orders/"+created.OrderID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"paid"`)

	w = do(s, http.MethodGet, "/v1/admin/orders/"+created.OrderID+"/risk", nil,
		map[string]string{"X-Admin-Secret": "test-admin-secret"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestPaymentInitiationRateLimited(t *testing.T) {
	s, _ := newTestServer(t)

	// Burst of three, then throttled
	for i := 0; i < 3; i++ {
		w := do(s, http.MethodPost, "/v1/orders/SP000000000000/pay", orders.PayRequest{
			BuyerPhone: "254798765432",
			BuyerName:  "Otieno",
		}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	}

	w := do(s, http.MethodPost, "/v1/orders/SP000000000000/pay", orders.PayRequest{
		BuyerPhone: "254798765432",
		BuyerName:  "Otieno",
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Reads are not throttled
	w = do(s, http.MethodGet, "/v1/orders/SP000000000000", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidCallbackURLRejectedInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.PayHeroCallbackURL = "http://169.254.169.254/callback"

	_, err := New(cfg, WithGateway(&mockGateway{}), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYHERO_CALLBACK_URL")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/sokopay")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/sokopay")
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestPaymentStatusMapping(t *testing.T) {
	assert.Equal(t, orders.PaymentSuccess, paymentStatus(payhero.StatusSuccess))
	assert.Equal(t, orders.PaymentFailed, paymentStatus(payhero.StatusFailed))
	assert.Equal(t, orders.PaymentPending, paymentStatus(payhero.StatusPending))
	assert.Equal(t, orders.PaymentPending, paymentStatus(payhero.Status("QUEUED")))
}
