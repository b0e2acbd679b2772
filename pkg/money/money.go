// Package money provides fixed-point monetary values in minor units.
// Amounts are never represented as floating point anywhere in the
// mandate pipeline; canonical serialization and signing operate on the
// integer minor-unit value.
package money

import (
	"fmt"
	"math"
	"strings"
)

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // e.g. 2 for USD/EUR, 0 for JPY
}

// scaleFor returns the minor-unit scale for a currency code.
func scaleFor(currency string) int {
	switch currency {
	case "JPY", "KRW", "VND":
		return 0
	case "BHD", "KWD", "OMR":
		return 3
	default:
		return 2
	}
}

// New creates a Money value from an amount in minor units.
func New(amountMinor int64, currency string) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
		Scale:       scaleFor(currency),
	}
}

// Parse converts a decimal string such as "100.00" into Money.
// The fractional part must not exceed the currency's scale.
func Parse(s, currency string) (Money, error) {
	scale := scaleFor(currency)

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return Money{}, fmt.Errorf("money: empty amount")
	}
	if len(frac) > scale {
		return Money{}, fmt.Errorf("money: %q exceeds scale %d for %s", s, scale, currency)
	}

	var minor int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return Money{}, fmt.Errorf("money: invalid amount %q", s)
		}
		if minor > (math.MaxInt64-int64(c-'0'))/10 {
			return Money{}, fmt.Errorf("money: amount %q overflows", s)
		}
		minor = minor*10 + int64(c-'0')
	}
	// Pad the fraction out to the full scale.
	for i := 0; i < scale; i++ {
		var d int64
		if i < len(frac) {
			c := frac[i]
			if c < '0' || c > '9' {
				return Money{}, fmt.Errorf("money: invalid amount %q", s)
			}
			d = int64(c - '0')
		}
		if minor > (math.MaxInt64-d)/10 {
			return Money{}, fmt.Errorf("money: amount %q overflows", s)
		}
		minor = minor*10 + d
	}
	if neg {
		minor = -minor
	}
	return Money{AmountMinor: minor, Currency: currency, Scale: scale}, nil
}

// Add adds two Money amounts. Returns an error on currency mismatch or
// int64 overflow.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("money: currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) ||
		(other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, fmt.Errorf("money: amount overflow adding %d and %d", m.AmountMinor, other.AmountMinor)
	}
	return Money{
		AmountMinor: sum,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// MulQuantity scales the amount by an integer quantity (line item math).
// Returns an error on int64 overflow.
func (m Money) MulQuantity(qty int64) (Money, error) {
	if (m.AmountMinor == math.MinInt64 && qty == -1) ||
		(qty == math.MinInt64 && m.AmountMinor == -1) {
		return Money{}, fmt.Errorf("money: amount overflow multiplying %d by %d", m.AmountMinor, qty)
	}
	prod := m.AmountMinor * qty
	if m.AmountMinor != 0 && qty != 0 && prod/qty != m.AmountMinor {
		return Money{}, fmt.Errorf("money: amount overflow multiplying %d by %d", m.AmountMinor, qty)
	}
	return Money{
		AmountMinor: prod,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Cmp compares m against other. It panics on currency mismatch; callers
// must check SameCurrency first when the currencies are untrusted.
func (m Money) Cmp(other Money) int {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: cmp across currencies %s/%s", m.Currency, other.Currency))
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1
	case m.AmountMinor > other.AmountMinor:
		return 1
	default:
		return 0
	}
}

// SameCurrency reports whether both values share a currency code.
func (m Money) SameCurrency(other Money) bool {
	return m.Currency == other.Currency
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// String renders the amount as a decimal with the currency code, e.g. "100.00 USD".
func (m Money) String() string {
	minor := m.AmountMinor
	neg := minor < 0
	if neg {
		minor = -minor
	}
	div := int64(1)
	for i := 0; i < m.Scale; i++ {
		div *= 10
	}
	whole, frac := minor/div, minor%div
	sign := ""
	if neg {
		sign = "-"
	}
	if m.Scale == 0 {
		return fmt.Sprintf("%s%d %s", sign, whole, m.Currency)
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, whole, m.Scale, frac, m.Currency)
}
