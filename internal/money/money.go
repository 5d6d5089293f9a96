// Package money provides fixed-point KES amounts.
//
// Amounts are stored as int64 cents (1 KES = 100 units) so that fee
// splits add back up to the original price exactly.
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const Decimals = 2

const unit = 100

// Amount is a KES amount in cents.
type Amount int64

// Parse converts a decimal string (e.g. "4500.5") to an Amount.
// Returns (0, false) on invalid input.
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 2 fractional digits are rejected rather than truncated
func Parse(s string) (Amount, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return 0, false
	}
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return 0, false
	}

	// Trailing zeros beyond the second digit carry no value ("12.500").
	frac = strings.TrimRight(frac, "0")
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > math.MaxInt64/unit-1 {
		return 0, false
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return Amount(w*unit + f), true
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + strconv.Quote(s))
	}
	return a
}

// FromUnits returns an Amount for a whole number of shillings.
func FromUnits(n int64) Amount {
	return Amount(n * unit)
}

// String formats the amount with exactly 2 decimal places (e.g. "4365.00").
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%02d", v/unit, v%unit)
	if neg {
		s = "-" + s
	}
	return s
}

// Units returns the whole-shilling part, rounded half up. M-Pesa only
// accepts integer amounts.
func (a Amount) Units() int64 {
	return (int64(a) + unit/2) / unit
}

// Float64 returns the amount in shillings. Use only for scoring and display.
func (a Amount) Float64() float64 {
	return float64(a) / unit
}

// Cents returns the raw cent value.
func (a Amount) Cents() int64 {
	return int64(a)
}

// BasisPoints returns a*bps/10000 rounded half up to the nearest cent.
func (a Amount) BasisPoints(bps int64) Amount {
	return Amount((int64(a)*bps + 5000) / 10000)
}

// Split divides a into a platform fee of bps basis points and the
// remainder. fee + rest == a always holds.
func (a Amount) Split(bps int64) (rest, fee Amount) {
	fee = a.BasisPoints(bps)
	return a - fee, fee
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = str
	}
	v, ok := Parse(s)
	if !ok {
		return fmt.Errorf("money: invalid amount %s", string(data))
	}
	*a = v
	return nil
}
