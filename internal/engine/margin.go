package engine

import (
	"github.com/shopspring/decimal"

	"perpflow/internal/model"
)

// flatMarginRatio stands in for the undefined ratio of a position with
// zero notional; any threshold comparison treats a flat position as
// maximally healthy.
var flatMarginRatio = decimal.New(1, 18)

var one = decimal.NewFromInt(1)

// marginRatio is a pure function of position and price:
// (collateral + unrealizedPnL) / (|size| * price).
func marginRatio(pos *model.Position, price decimal.Decimal) decimal.Decimal {
	notional := pos.Notional(price)
	if notional.IsZero() {
		return flatMarginRatio
	}
	return pos.Equity(price).Div(notional)
}

// maxLeverage returns 1/initialMarginRatio tightened by the oracle's
// volatility multiplier: higher recent volatility lowers the effective
// cap.
func maxLeverage(params model.MarketParams, quote model.Quote) decimal.Decimal {
	base := one.Div(params.InitialMarginRatio)
	return base.Div(quote.VolatilityMultiplier())
}

// refreshRisk moves the position between Healthy and AtRisk from the
// current margin ratio. LiquidationActive is only entered through
// LiquidatePosition and only left here when margin is restored. Caller
// holds the shard lock and has settled funding.
func (e *Engine) refreshRisk(s *marketShard, pos *model.Position, price decimal.Decimal) {
	if pos.IsFlat() {
		return
	}
	ratio := marginRatio(pos, price)
	below := ratio.LessThan(s.market.Params.MaintenanceMarginRatio)

	switch pos.State {
	case model.PositionHealthy:
		if below {
			pos.State = model.PositionAtRisk
		}
	case model.PositionAtRisk:
		if !below {
			pos.State = model.PositionHealthy
		}
	case model.PositionLiquidationActive:
		if !below {
			pos.State = model.PositionHealthy
			pos.Auction = nil
		}
	}
}

// MarginRatio settles funding and evaluates the position against the
// stored oracle quote. Returns the ratio and the resulting state.
func (e *Engine) MarginRatio(symbol string, owner model.AccountID) (decimal.Decimal, model.PositionState, error) {
	s, err := e.shard(symbol)
	if err != nil {
		return decimal.Zero, model.PositionClosed, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[owner]
	if pos == nil {
		return decimal.Zero, model.PositionClosed, ErrNoPosition
	}
	e.settleFunding(s, pos)

	quote, err := e.freshQuote(s)
	if err != nil {
		return decimal.Zero, pos.State, err
	}
	e.refreshRisk(s, pos, quote.Price)
	return marginRatio(pos, quote.Price), pos.State, nil
}

// AtRiskPositions settles and re-evaluates every open position in the
// market and returns the owners currently below maintenance margin.
// Keepers poll this to find liquidation candidates.
func (e *Engine) AtRiskPositions(symbol string) ([]model.AccountID, error) {
	s, err := e.shard(symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	quote, err := e.freshQuote(s)
	if err != nil {
		return nil, err
	}

	var out []model.AccountID
	for owner, pos := range s.positions {
		if pos.IsFlat() {
			continue
		}
		e.settleFunding(s, pos)
		e.refreshRisk(s, pos, quote.Price)
		if pos.State == model.PositionAtRisk || pos.State == model.PositionLiquidationActive {
			out = append(out, owner)
		}
	}
	return out, nil
}
