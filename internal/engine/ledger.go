package engine

import (
	"github.com/shopspring/decimal"

	"perpflow/internal/model"
	"perpflow/logger"
)

// settleFunding applies the funding accrued since the position's last
// snapshot and advances the snapshot. Positive index accrual debits
// longs and credits shorts; the convention is fixed here and nowhere
// else. Runs before every margin evaluation or collateral-affecting
// operation so collateral is never stale. Caller holds the shard lock.
func (e *Engine) settleFunding(s *marketShard, pos *model.Position) {
	delta := s.market.FundingIndex.Sub(pos.FundingIndexSnapshot)
	if delta.IsZero() || pos.IsFlat() {
		pos.FundingIndexSnapshot = s.market.FundingIndex
		return
	}

	payment := delta.Mul(pos.Size)
	pos.Collateral = pos.Collateral.Sub(payment)
	if pos.Collateral.Sign() < 0 {
		pos.Collateral = decimal.Zero
	}
	pos.FundingIndexSnapshot = s.market.FundingIndex

	ev := model.NewEvent(model.EventFundingSettled, s.market.Symbol, pos.Owner, e.clock())
	ev.Size = pos.Size
	ev.Amount = payment.Neg() // collateral delta
	e.emit(ev)
}

// OpenPosition opens or increases a position in the quote direction.
// Requires collateral already on deposit and a post-trade margin ratio
// at or above the initial-margin requirement. Adding in the same
// direction produces a size-weighted average entry price; flipping the
// sign through this call is rejected — opposing size goes through
// ClosePosition.
func (e *Engine) OpenPosition(owner model.AccountID, symbol string, isLong bool, size decimal.Decimal) error {
	if size.Sign() <= 0 {
		return ErrInvalidAmount
	}
	s, err := e.shard(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[owner]
	if pos == nil {
		return ErrInsufficientCollateral
	}
	e.settleFunding(s, pos)

	quote, err := e.freshQuote(s)
	if err != nil {
		return err
	}

	side := model.SideFromBool(isLong)
	if !pos.IsFlat() && pos.Side() != side {
		return ErrDirectionConflict
	}

	signed := size
	if !isLong {
		signed = size.Neg()
	}
	newSize := pos.Size.Add(signed)

	newEntry := quote.Price
	if !pos.IsFlat() {
		oldNotional := pos.EntryPrice.Mul(pos.Size.Abs())
		addNotional := quote.Price.Mul(size)
		newEntry = oldNotional.Add(addNotional).Div(newSize.Abs())
	}

	trial := *pos
	trial.Size = newSize
	trial.EntryPrice = newEntry
	if marginRatio(&trial, quote.Price).LessThan(s.market.Params.InitialMarginRatio) {
		return ErrInsufficientCollateral
	}
	// Volatility-tightened leverage cap, on top of the ratio check.
	maxLev := maxLeverage(s.market.Params, quote)
	if trial.Notional(quote.Price).GreaterThan(trial.Equity(quote.Price).Mul(maxLev)) {
		return ErrInsufficientCollateral
	}

	pos.Size = newSize
	pos.EntryPrice = newEntry
	if pos.State == model.PositionClosed {
		pos.State = model.PositionHealthy
	}
	if isLong {
		s.market.LongOpenInterest = s.market.LongOpenInterest.Add(size)
	} else {
		s.market.ShortOpenInterest = s.market.ShortOpenInterest.Add(size)
	}

	e.log.WithComponent("ledger").WithFields(logger.Fields{
		"market": symbol,
		"owner":  string(owner),
		"side":   string(side),
		"size":   size.String(),
		"entry":  newEntry.String(),
	}).Info("position opened")

	ev := model.NewEvent(model.EventPositionOpened, symbol, owner, e.clock())
	ev.Size = signed
	ev.Price = quote.Price
	e.emit(ev)
	return nil
}

// ClosePosition reduces the position by size, or closes it fully when
// size is zero. Realized PnL is credited or debited against collateral
// in the same atomic step as the size change.
func (e *Engine) ClosePosition(owner model.AccountID, symbol string, size decimal.Decimal) error {
	if size.Sign() < 0 {
		return ErrInvalidAmount
	}
	s, err := e.shard(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[owner]
	if pos == nil || pos.IsFlat() {
		return ErrNoPosition
	}
	e.settleFunding(s, pos)

	quote, err := e.freshQuote(s)
	if err != nil {
		return err
	}

	closeSize := size
	if closeSize.IsZero() {
		closeSize = pos.Size.Abs()
	}
	if closeSize.GreaterThan(pos.Size.Abs()) {
		return ErrOverClose
	}

	realized := e.reduce(s, pos, closeSize, quote.Price)
	e.refreshRisk(s, pos, quote.Price)

	ev := model.NewEvent(model.EventPositionClosed, symbol, owner, e.clock())
	ev.Size = closeSize
	ev.Price = quote.Price
	ev.Amount = realized
	e.emit(ev)
	return nil
}

// reduce shrinks the position by absSize at price, realizes PnL against
// collateral and releases open interest. Shared by explicit closes and
// bracket triggers; liquidation runs its own discounted variant. Caller
// holds the shard lock and has settled funding.
func (e *Engine) reduce(s *marketShard, pos *model.Position, absSize, price decimal.Decimal) decimal.Decimal {
	realized := absSize.Mul(price.Sub(pos.EntryPrice)).Mul(pos.DirectionSign())

	pos.Collateral = pos.Collateral.Add(realized)
	if pos.Collateral.Sign() < 0 {
		pos.Collateral = decimal.Zero
	}

	if pos.Side() == model.SideLong {
		pos.Size = pos.Size.Sub(absSize)
		s.market.LongOpenInterest = s.market.LongOpenInterest.Sub(absSize)
	} else {
		pos.Size = pos.Size.Add(absSize)
		s.market.ShortOpenInterest = s.market.ShortOpenInterest.Sub(absSize)
	}

	if pos.IsFlat() {
		pos.EntryPrice = decimal.Zero
		pos.State = model.PositionClosed
		pos.Bracket = nil
		pos.Auction = nil
	}
	return realized
}
