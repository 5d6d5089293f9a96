package payhero

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sokopay/internal/money"
)

func TestParseCallback_Nested(t *testing.T) {
	c := NewClient(Config{ReferencePrefix: "SOKO-"})
	raw := []byte(`{
		"forward_url": "",
		"status": true,
		"response": {
			"Amount": 4500,
			"CheckoutRequestID": "ws_CO_14012024103543427709099876",
			"ExternalReference": "SOKO-SP0123456789AB",
			"MerchantRequestID": "3202-70921557-1",
			"MpesaReceiptNumber": "SAE3YULR0Y",
			"Phone": "+254709099876",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"Status": "Success"
		}
	}`)

	cb, err := c.ParseCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, "SP0123456789AB", cb.OrderID)
	assert.Equal(t, StatusSuccess, cb.Status)
	assert.Equal(t, money.FromUnits(4500), cb.Amount)
	assert.Equal(t, "SAE3YULR0Y", cb.ProviderRef)
	assert.Equal(t, "ws_CO_14012024103543427709099876", cb.Reference)
}

func TestParseCallback_NestedResultCodeOnly(t *testing.T) {
	c := NewClient(Config{})
	cb, err := c.ParseCallback([]byte(`{"status":false,"response":{"ExternalReference":"SP1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cb.Status)
	assert.Equal(t, "Request cancelled by user", cb.Description)
}

func TestParseCallback_Flat(t *testing.T) {
	c := NewClient(Config{ReferencePrefix: "SOKO-"})
	raw := []byte(`{"reference":"E8UWT7CLUW","status":"failed","amount":"1200.50","phone_number":"254712345678","mpesa_reference":"","external_reference":"SOKO-SP0123456789AB","created_at":"2026-03-01T10:00:00Z"}`)

	cb, err := c.ParseCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, "SP0123456789AB", cb.OrderID)
	assert.Equal(t, StatusFailed, cb.Status)
	assert.Equal(t, money.MustParse("1200.50"), cb.Amount)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), cb.Timestamp)
}

func TestParseCallback_PrefixNotPresent(t *testing.T) {
	c := NewClient(Config{ReferencePrefix: "SOKO-"})
	cb, err := c.ParseCallback([]byte(`{"status":"success","external_reference":"SP0123456789AB"}`))
	require.NoError(t, err)
	assert.Equal(t, "SP0123456789AB", cb.OrderID)
}

func TestParseCallback_Malformed(t *testing.T) {
	c := NewClient(Config{})
	tests := map[string]string{
		"not json":         `not json`,
		"missing status":   `{"external_reference":"SP1"}`,
		"missing ref":      `{"status":"success"}`,
		"nested no status": `{"response":{"ExternalReference":"SP1"}}`,
		"nested no ref":    `{"response":{"Status":"Success"}}`,
		"bad amount":       `{"status":"success","external_reference":"SP1","amount":"abc"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.ParseCallback([]byte(body))
			assert.True(t, errors.Is(err, ErrMalformedCallback), "got %v", err)
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]Status{
		"Success":    StatusSuccess,
		"SUCCESS":    StatusSuccess,
		"completed":  StatusSuccess,
		"Failed":     StatusFailed,
		"cancelled":  StatusFailed,
		"QUEUED":     StatusPending,
		"pending":    StatusPending,
		"somethingX": StatusPending,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeStatus(in), in)
	}
}
