package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the oracle read contract: a mark price with its publish
// timestamp, a confidence band, and a volatility multiplier used to
// tighten leverage limits. The transport that produced it is irrelevant
// to the engine.
type Quote struct {
	Symbol     string
	Price      decimal.Decimal
	Confidence decimal.Decimal
	// Volatility is a multiplier >= 1; higher recent volatility lowers
	// the effective max leverage. Zero is treated as 1 (no tightening).
	Volatility decimal.Decimal
	Timestamp  time.Time
	Source     string
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Fresh reports whether the quote is usable under the given freshness
// bound. Quotes with a zero timestamp are never fresh.
func (q Quote) Fresh(maxAge time.Duration, now time.Time) bool {
	if q.Timestamp.IsZero() {
		return false
	}
	return q.Age(now) <= maxAge
}

// VolatilityMultiplier normalizes the volatility field: unset (zero) or
// sub-one values mean no tightening.
func (q Quote) VolatilityMultiplier() decimal.Decimal {
	one := decimal.NewFromInt(1)
	if q.Volatility.LessThan(one) {
		return one
	}
	return q.Volatility
}
