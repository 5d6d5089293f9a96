package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/sokopay/internal/orders"
	"github.com/mbd888/sokopay/internal/risk"
)

// Config holds the configuration for connecting to the Soko Pay API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret on admin tools; optional in development
}

// SokoPayClient is a pure HTTP client for the Soko Pay API.
type SokoPayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSokoPayClient creates a new client for the Soko Pay API.
func NewSokoPayClient(cfg Config) *SokoPayClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &SokoPayClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and decodes a successful JSON response
// into out.
func (c *SokoPayClient) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" && strings.HasPrefix(path, "/v1/admin/") {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreatedLink is the response to a payment link request.
type CreatedLink struct {
	OrderID     string        `json:"orderId"`
	PaymentLink string        `json:"paymentLink"`
	Order       *orders.Order `json:"order"`
}

// CreatePaymentLink registers a product and returns its payment link.
func (c *SokoPayClient) CreatePaymentLink(ctx context.Context, req orders.CreateRequest) (*CreatedLink, error) {
	var out CreatedLink
	if err := c.doRequest(ctx, http.MethodPost, "/v1/payment-links", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrackOrder returns the order with its event history.
func (c *SokoPayClient) TrackOrder(ctx context.Context, orderID string) (*orders.Tracking, error) {
	var out orders.Tracking
	if err := c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDisputes lists dispute tickets, optionally filtered by status.
func (c *SokoPayClient) ListDisputes(ctx context.Context, status string, limit int) ([]orders.DisputeView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Disputes []orders.DisputeView `json:"disputes"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Disputes, nil
}

// OrderRisk returns the composite risk advisory for an order.
func (c *SokoPayClient) OrderRisk(ctx context.Context, orderID string) (*risk.Result, error) {
	var out struct {
		Risk *risk.Result `json:"risk"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/orders/"+url.PathEscape(orderID)+"/risk", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Risk == nil {
		return nil, fmt.Errorf("no risk advisory in response")
	}
	return out.Risk, nil
}
