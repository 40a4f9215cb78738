package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"perpflow/internal/model"
	"perpflow/logger"
)

// UpdateFundingRate recomputes the funding rate from the open-interest
// imbalance and accrues the funding index. Calling again before the
// funding interval has elapsed is a no-op, not an error, so eager
// keepers are harmless. The quote also refreshes the market's stored
// price.
//
// rate = clamp(base + imbalance*sensitivity, -max, +max)
// index += rate * wholeElapsedIntervals
//
// The funding rate is what pulls open interest back toward balance
// without a counterparty book; it reacts monotonically to the imbalance
// magnitude and is bounded on both sides.
func (e *Engine) UpdateFundingRate(symbol string, quote model.Quote) error {
	s, err := e.shard(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock()
	if !quote.Fresh(s.market.Params.PriceMaxAge, now) {
		return ErrStalePrice
	}
	if quote.Timestamp.After(s.lastQuote.Timestamp) {
		s.lastQuote = quote
	}

	interval := s.market.Params.FundingInterval
	if interval <= 0 {
		return nil
	}
	elapsed := now.Sub(s.market.LastFundingTime)
	intervals := int64(elapsed / interval)
	if intervals < 1 {
		// Within the interval: tolerated, no second accrual.
		return nil
	}

	imbalance := s.market.OpenInterestImbalance()
	rate := s.market.Params.BaseFundingRate.Add(imbalance.Mul(s.market.Params.FundingSensitivity))
	rate = clampRate(rate, s.market.Params.MaxFundingRate)

	s.market.FundingRate = rate
	s.market.FundingIndex = s.market.FundingIndex.Add(rate.Mul(decimal.NewFromInt(intervals)))
	// Advance by whole intervals so the accrual cadence stays anchored
	// to the market's own clock rather than keeper arrival times.
	s.market.LastFundingTime = s.market.LastFundingTime.Add(time.Duration(intervals) * interval)

	e.log.WithComponent("funding").WithFields(logger.Fields{
		"market":    symbol,
		"rate":      rate.String(),
		"imbalance": imbalance.String(),
		"intervals": intervals,
	}).Info("funding rate updated")

	ev := model.NewEvent(model.EventFundingRateUpdated, symbol, s.market.Authority, now)
	ev.Amount = rate
	ev.Price = quote.Price
	e.emit(ev)
	return nil
}

func clampRate(rate, max decimal.Decimal) decimal.Decimal {
	if max.Sign() <= 0 {
		return rate
	}
	if rate.GreaterThan(max) {
		return max
	}
	if rate.LessThan(max.Neg()) {
		return max.Neg()
	}
	return rate
}
