// Package payhero is a client for the PayHero M-Pesa STK push API.
//
// It initiates push payments, normalizes the asynchronous result callbacks
// PayHero posts back, and looks up transaction status for reconciliation.
package payhero

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/sokopay/internal/metrics"
	"github.com/mbd888/sokopay/internal/money"
	"github.com/mbd888/sokopay/internal/traces"
)

const (
	DefaultBaseURL  = "https://backend.payhero.co.ke/api/v2"
	DefaultProvider = "m-pesa"
	DefaultTimeout  = 30 * time.Second
)

// ErrNotConfigured is returned when no API key was supplied.
var ErrNotConfigured = errors.New("payhero: not configured")

// Config holds PayHero credentials and routing.
type Config struct {
	BaseURL    string
	APIKey     string
	AuthScheme string // "Bearer" (default) or "Basic"
	ChannelID  int
	Provider   string
	// CallbackURL is where PayHero posts payment results.
	CallbackURL string
	// ReferencePrefix is prepended to order ids sent as external_reference
	// and stripped from the reference echoed back in callbacks.
	ReferencePrefix string
	Timeout         time.Duration
}

// GatewayError is the structured failure returned by every Client call.
type GatewayError struct {
	Op         string // "initiate" or "verify"
	StatusCode int    // HTTP status, 0 for transport failures
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString("payhero ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Client talks to PayHero over HTTPS.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a PayHero client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Provider == "" {
		cfg.Provider = DefaultProvider
	}
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// InitiateRequest asks the buyer's phone for payment.
type InitiateRequest struct {
	Amount       money.Amount
	Phone        string // 2547XXXXXXXX
	OrderID      string
	Description  string
	CustomerName string
}

// InitiateResult is PayHero's acknowledgement of a queued STK push.
type InitiateResult struct {
	Reference         string `json:"reference"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	Status            string `json:"status"`
}

type initiatePayload struct {
	Amount            int64  `json:"amount"`
	PhoneNumber       string `json:"phone_number"`
	ChannelID         int    `json:"channel_id"`
	Provider          string `json:"provider"`
	ExternalReference string `json:"external_reference"`
	CustomerName      string `json:"customer_name,omitempty"`
	CallbackURL       string `json:"callback_url"`
}

type initiateResponse struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	Reference         string `json:"reference"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ErrorMessage      string `json:"error_message"`
	Message           string `json:"message"`
}

// ExternalReference returns the reference PayHero will echo for orderID.
func (c *Client) ExternalReference(orderID string) string {
	return c.cfg.ReferencePrefix + orderID
}

// Initiate sends an STK push. Every failure, including transport errors,
// is returned as a *GatewayError.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := traces.StartSpan(ctx, "payhero.Initiate",
		traces.OrderID(req.OrderID), traces.Amount(req.Amount.String()))
	defer span.End()

	if c.cfg.APIKey == "" {
		metrics.GatewayRequestsTotal.WithLabelValues("initiate", "not_configured").Inc()
		return nil, &GatewayError{Op: "initiate", Message: "payment gateway not configured", Err: ErrNotConfigured}
	}

	payload := initiatePayload{
		Amount:            req.Amount.Units(),
		PhoneNumber:       req.Phone,
		ChannelID:         c.cfg.ChannelID,
		Provider:          c.cfg.Provider,
		ExternalReference: c.ExternalReference(req.OrderID),
		CustomerName:      req.CustomerName,
		CallbackURL:       c.cfg.CallbackURL,
	}

	var resp initiateResponse
	status, err := c.do(ctx, "initiate", http.MethodPost, "/payments", nil, payload, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Reference == "" {
		msg := firstNonEmpty(resp.ErrorMessage, resp.Message, "payment request rejected")
		metrics.GatewayRequestsTotal.WithLabelValues("initiate", "rejected").Inc()
		return nil, &GatewayError{Op: "initiate", StatusCode: status, Message: msg}
	}

	metrics.GatewayRequestsTotal.WithLabelValues("initiate", "ok").Inc()
	span.SetAttributes(traces.Reference(resp.Reference))
	return &InitiateResult{
		Reference:         resp.Reference,
		CheckoutRequestID: resp.CheckoutRequestID,
		Status:            resp.Status,
	}, nil
}

// Verification is the gateway's current view of a payment.
type Verification struct {
	Reference   string
	Status      Status
	ProviderRef string
	Amount      money.Amount
}

type statusResponse struct {
	Status            string          `json:"status"`
	Reference         string          `json:"reference"`
	ProviderReference string          `json:"provider_reference"`
	Amount            json.RawMessage `json:"amount"`
}

// VerifyPayment looks up the status of a payment by its PayHero reference.
func (c *Client) VerifyPayment(ctx context.Context, reference string) (*Verification, error) {
	ctx, span := traces.StartSpan(ctx, "payhero.VerifyPayment", traces.Reference(reference))
	defer span.End()

	if c.cfg.APIKey == "" {
		return nil, &GatewayError{Op: "verify", Message: "payment gateway not configured", Err: ErrNotConfigured}
	}

	var resp statusResponse
	q := url.Values{"reference": {reference}}
	if _, err := c.do(ctx, "verify", http.MethodGet, "/transaction-status", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "" {
		metrics.GatewayRequestsTotal.WithLabelValues("verify", "malformed").Inc()
		return nil, &GatewayError{Op: "verify", Message: "transaction status missing from response"}
	}
	amount, err := parseAmount(resp.Amount)
	if err != nil {
		return nil, &GatewayError{Op: "verify", Message: "invalid amount in response", Err: err}
	}

	metrics.GatewayRequestsTotal.WithLabelValues("verify", "ok").Inc()
	return &Verification{
		Reference:   firstNonEmpty(resp.Reference, reference),
		Status:      NormalizeStatus(resp.Status),
		ProviderRef: resp.ProviderReference,
		Amount:      amount,
	}, nil
}

// do performs one JSON round trip and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (int, error) {
	start := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, &GatewayError{Op: op, Message: "marshal request", Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, &GatewayError{Op: op, Message: "create request", Err: err}
	}
	req.Header.Set("Authorization", c.cfg.AuthScheme+" "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "transport_error").Inc()
		return 0, &GatewayError{Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "transport_error").Inc()
		return resp.StatusCode, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "http_error").Inc()
		var apiErr struct {
			ErrorMessage string `json:"error_message"`
			Message      string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := firstNonEmpty(apiErr.ErrorMessage, apiErr.Message, http.StatusText(resp.StatusCode))
		return resp.StatusCode, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "malformed").Inc()
		return resp.StatusCode, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return resp.StatusCode, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
