package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sokopay/internal/money"
	"github.com/mbd888/sokopay/internal/orders"
	"github.com/mbd888/sokopay/internal/risk"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewSokoPayClient(Config{APIURL: ts.URL + "/", AdminSecret: "s3cret"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AdminSecretOnlyOnAdminPaths(t *testing.T) {
	seen := map[string]string{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.URL.Path] = r.Header.Get("X-Admin-Secret")
		switch r.URL.Path {
		case "/v1/admin/disputes":
			writeJSON(w, http.StatusOK, map[string]any{"disputes": []any{}, "count": 0})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"order": map[string]any{"id": "SP000000000001"}, "events": []any{}})
		}
	}))
	defer ts.Close()

	client := NewSokoPayClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.ListDisputes(context.Background(), "", 0)
	require.NoError(t, err)
	_, err = client.TrackOrder(context.Background(), "SP000000000001")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", seen["/v1/admin/disputes"])
	assert.Equal(t, "", seen["/v1/orders/SP000000000001"])
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "forbidden",
			"message": "Invalid admin secret.",
		})
	}))
	defer ts.Close()

	client := NewSokoPayClient(Config{APIURL: ts.URL, AdminSecret: "bad"})
	_, err := client.OrderRisk(context.Background(), "SP000000000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid admin secret.")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewSokoPayClient(Config{APIURL: ts.URL})
	_, err := client.TrackOrder(context.Background(), "SP000000000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewSokoPayClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.TrackOrder(context.Background(), "SP000000000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleCreatePaymentLink(t *testing.T) {
	var got orders.CreateRequest
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment-links", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{
			"orderId":     "SP3F9A0C12B7D4",
			"paymentLink": "https://soko-pay.vercel.app/pay/SP3F9A0C12B7D4",
		})
	}))

	result, err := h.HandleCreatePaymentLink(context.Background(), makeRequest(map[string]any{
		"product_name":     "Leather handbag",
		"price":            "4500.50",
		"seller_phone":     "0712345678",
		"seller_name":      "Wanjiku",
		"category":         "Fashion",
		"seller_latitude":  -1.286389,
		"seller_longitude": 36.817223,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, "SP3F9A0C12B7D4")
	assert.Contains(t, text, "https://soko-pay.vercel.app/pay/SP3F9A0C12B7D4")
	assert.Contains(t, text, "KES 4500.50")

	wantPrice, _ := money.Parse("4500.50")
	assert.Equal(t, wantPrice, got.ProductPrice)
	assert.Equal(t, "Fashion", got.ProductCategory)
	require.NotNil(t, got.SellerLatitude)
	assert.InDelta(t, -1.286389, *got.SellerLatitude, 1e-9)
}

func TestHandleCreatePaymentLink_Validation(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called")
		w.WriteHeader(http.StatusInternalServerError)
	}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing fields", map[string]any{"product_name": "Handbag"}, "required"},
		{"bad price", map[string]any{
			"product_name": "Handbag", "price": "12.345", "seller_phone": "0712345678", "seller_name": "W",
		}, "Invalid price"},
		{"half a coordinate", map[string]any{
			"product_name": "Handbag", "price": "100", "seller_phone": "0712345678", "seller_name": "W",
			"seller_latitude": -1.2,
		}, "together"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := h.HandleCreatePaymentLink(context.Background(), makeRequest(tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tc.want)
		})
	}
}

func TestHandleCreatePaymentLink_APIValidationError(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation_error",
			"message": "sellerPhone: must be a valid Kenyan phone number",
		})
	}))

	result, err := h.HandleCreatePaymentLink(context.Background(), makeRequest(map[string]any{
		"product_name": "Handbag", "price": "100", "seller_phone": "123", "seller_name": "W",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "valid Kenyan phone number")
}

func TestHandleTrackOrder(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	amount := money.FromUnits(4500)
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/SP000000000001", r.URL.Path)
		writeJSON(w, http.StatusOK, orders.Tracking{
			Order: &orders.Order{
				ID:           "SP000000000001",
				ProductName:  "Leather handbag",
				ProductPrice: amount,
				SellerName:   "Wanjiku",
				BuyerName:    "Otieno",
				Status:       orders.StatusPaid,
				Risk:         &orders.RiskSnapshot{Score: 25, Level: "low", Flags: []string{"new_seller"}},
			},
			Events: []*orders.Event{
				{Type: orders.EventPaymentInitiated, Amount: &amount, GatewayRef: "REF123", CreatedAt: at},
				{Type: orders.EventPaymentCompleted, CreatedAt: at.Add(time.Minute)},
			},
		})
	}))

	result, err := h.HandleTrackOrder(context.Background(), makeRequest(map[string]any{"order_id": "SP000000000001"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, "Order SP000000000001: paid")
	assert.Contains(t, text, "KES 4500.00")
	assert.Contains(t, text, "Buyer:   Otieno")
	assert.Contains(t, text, "Risk:    25 (low) flags: new_seller")
	assert.Contains(t, text, "2025-03-01 10:00:00  "+string(orders.EventPaymentInitiated)+"  KES 4500.00  ref REF123")
	assert.Contains(t, text, string(orders.EventPaymentCompleted))
}

func TestHandleTrackOrder_NotFound(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "Order not found"})
	}))

	result, err := h.HandleTrackOrder(context.Background(), makeRequest(map[string]any{"order_id": "SP000000000009"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Order not found")

	result, err = h.HandleTrackOrder(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListDisputes(t *testing.T) {
	var query string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{
			"disputes": []orders.DisputeView{{
				Dispute: orders.Dispute{
					ID: 7, OrderID: "SP000000000001", Reason: "Item arrived damaged",
					Status: orders.DisputePending,
				},
				ProductName:  "Leather handbag",
				ProductPrice: money.FromUnits(4500),
				SellerName:   "Wanjiku",
			}},
			"count": 1,
		})
	}))

	result, err := h.HandleListDisputes(context.Background(), makeRequest(map[string]any{"status": "pending", "limit": float64(5)}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 dispute(s)")
	assert.Contains(t, text, "#7 on order SP000000000001 [pending]")
	assert.Contains(t, text, "Reason: Item arrived damaged")
	assert.Equal(t, "limit=5&status=pending", query)
}

func TestHandleListDisputes_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"disputes": []any{}, "count": 0})
	}))

	result, err := h.HandleListDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No disputes found.", resultText(t, result))
}

func TestHandleOrderRisk(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/orders/SP000000000001/risk", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get("X-Admin-Secret"))
		writeJSON(w, http.StatusOK, map[string]any{
			"orderId": "SP000000000001",
			"risk": risk.Result{
				FinalScore:     42,
				Recommendation: risk.RecommendReview,
				Breakdown:      risk.Breakdown{AIRisk: 40, ReputationRisk: 50, VelocityRisk: 30},
			},
		})
	}))

	result, err := h.HandleOrderRisk(context.Background(), makeRequest(map[string]any{"order_id": "SP000000000001"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, "Score: 42")
	assert.Contains(t, text, "Recommendation: review")
	assert.Contains(t, text, "AI risk: 40 | Reputation risk: 50 | Velocity risk: 30")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
