// Package idgen generates identifiers for orders, requests, and lock tokens.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// OrderPrefix starts every order id.
const OrderPrefix = "SP"

// orderHexLen is the number of random hex characters after the prefix.
const orderHexLen = 12

// OrderID returns a new order id: "SP" followed by 12 upper-case hex
// characters taken from a random UUID, e.g. "SP3F9A0C11B2D4".
func OrderID() string {
	u := uuid.New()
	hex := strings.ReplaceAll(u.String(), "-", "")
	return OrderPrefix + strings.ToUpper(hex[:orderHexLen])
}

// IsOrderID reports whether s has the shape produced by OrderID.
func IsOrderID(s string) bool {
	if len(s) != len(OrderPrefix)+orderHexLen || !strings.HasPrefix(s, OrderPrefix) {
		return false
	}
	for _, r := range s[len(OrderPrefix):] {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

// New returns a random UUID string, used for request ids and lock tokens.
func New() string {
	return uuid.NewString()
}
