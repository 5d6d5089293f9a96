package payhero

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/sokopay/internal/money"
)

// ErrMalformedCallback is returned when a callback body lacks the fields
// needed to route it to an order.
var ErrMalformedCallback = errors.New("payhero: malformed callback")

// Status is a payment outcome normalized across PayHero's vocabularies.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// NormalizeStatus maps a raw gateway status string to a Status. Unknown
// values are treated as pending so they never move an order.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed", "complete", "paid":
		return StatusSuccess
	case "failed", "failure", "cancelled", "canceled", "timeout", "rejected", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Callback is a parsed payment result.
type Callback struct {
	OrderID     string // external reference with the configured prefix removed
	Reference   string // PayHero checkout reference
	Status      Status
	Amount      money.Amount
	Phone       string
	ProviderRef string // M-Pesa receipt number
	Description string
	Timestamp   time.Time // zero when PayHero did not send one
}

// nestedCallback is the shape PayHero posts for STK push results.
type nestedCallback struct {
	Status   *bool `json:"status"`
	Response *struct {
		Amount             json.RawMessage `json:"Amount"`
		CheckoutRequestID  string          `json:"CheckoutRequestID"`
		ExternalReference  string          `json:"ExternalReference"`
		MerchantRequestID  string          `json:"MerchantRequestID"`
		MpesaReceiptNumber string          `json:"MpesaReceiptNumber"`
		Phone              string          `json:"Phone"`
		ResultCode         *int            `json:"ResultCode"`
		ResultDesc         string          `json:"ResultDesc"`
		Status             string          `json:"Status"`
	} `json:"response"`
}

// flatCallback is the older flat shape.
type flatCallback struct {
	Reference         string          `json:"reference"`
	Status            string          `json:"status"`
	Amount            json.RawMessage `json:"amount"`
	PhoneNumber       string          `json:"phone_number"`
	MpesaReference    string          `json:"mpesa_reference"`
	ExternalReference string          `json:"external_reference"`
	CreatedAt         string          `json:"created_at"`
}

// ParseCallback decodes either callback shape. It returns an error wrapping
// ErrMalformedCallback when the order reference or status is missing.
func (c *Client) ParseCallback(raw []byte) (*Callback, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}

	var (
		cb  *Callback
		err error
	)
	if r, ok := shape["response"]; ok && len(r) > 0 && r[0] == '{' {
		cb, err = parseNested(raw)
	} else {
		cb, err = parseFlat(raw)
	}
	if err != nil {
		return nil, err
	}

	cb.OrderID = c.stripPrefix(cb.OrderID)
	if cb.OrderID == "" {
		return nil, fmt.Errorf("%w: missing external reference", ErrMalformedCallback)
	}
	return cb, nil
}

func parseNested(raw []byte) (*Callback, error) {
	var body nestedCallback
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}
	r := body.Response

	var status Status
	switch {
	case strings.TrimSpace(r.Status) != "":
		status = NormalizeStatus(r.Status)
	case r.ResultCode != nil && *r.ResultCode == 0:
		status = StatusSuccess
	case r.ResultCode != nil:
		status = StatusFailed
	default:
		return nil, fmt.Errorf("%w: missing status", ErrMalformedCallback)
	}

	amount, err := parseAmount(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}

	return &Callback{
		OrderID:     strings.TrimSpace(r.ExternalReference),
		Reference:   r.CheckoutRequestID,
		Status:      status,
		Amount:      amount,
		Phone:       r.Phone,
		ProviderRef: r.MpesaReceiptNumber,
		Description: r.ResultDesc,
	}, nil
}

func parseFlat(raw []byte) (*Callback, error) {
	var body flatCallback
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}
	if strings.TrimSpace(body.Status) == "" {
		return nil, fmt.Errorf("%w: missing status", ErrMalformedCallback)
	}

	amount, err := parseAmount(body.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}

	return &Callback{
		OrderID:     strings.TrimSpace(body.ExternalReference),
		Reference:   body.Reference,
		Status:      NormalizeStatus(body.Status),
		Amount:      amount,
		Phone:       body.PhoneNumber,
		ProviderRef: body.MpesaReference,
		Timestamp:   parseTimestamp(body.CreatedAt),
	}, nil
}

func (c *Client) stripPrefix(ref string) string {
	if c.cfg.ReferencePrefix == "" {
		return ref
	}
	return strings.TrimPrefix(ref, c.cfg.ReferencePrefix)
}

// parseAmount accepts a JSON number or a quoted decimal. Absent or null
// amounts are zero.
func parseAmount(raw json.RawMessage) (money.Amount, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, fmt.Errorf("amount: %w", err)
		}
		s = strings.TrimSpace(unq)
		if s == "" {
			return 0, nil
		}
	}
	a, ok := money.Parse(s)
	if !ok {
		// Whole shillings with a float tail such as 1500.0000001.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("amount: invalid value %q", s)
		}
		return money.Amount(f*100 + 0.5), nil
	}
	return a, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
