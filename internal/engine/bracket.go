package engine

import (
	"github.com/shopspring/decimal"

	"perpflow/internal/model"
	"perpflow/logger"
)

// AttachBracketOrder arms a stop-loss and/or take-profit trigger on the
// owner's position; either may be nil to leave it unarmed. The pair is
// one-cancels-the-other: firing either clears both. The stop must sit
// on the losing side of the entry price and the take-profit on the
// winning side for the position's direction. Attaching replaces any
// existing bracket.
func (e *Engine) AttachBracketOrder(owner model.AccountID, symbol string, stopPrice, takeProfitPrice *decimal.Decimal) error {
	if stopPrice == nil && takeProfitPrice == nil {
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

	b := model.Bracket{}
	long := pos.Side() == model.SideLong
	if stopPrice != nil {
		sp := *stopPrice
		if sp.Sign() <= 0 {
			return ErrInvalidTriggerPrice
		}
		if (long && !sp.LessThan(pos.EntryPrice)) || (!long && !sp.GreaterThan(pos.EntryPrice)) {
			return ErrInvalidTriggerPrice
		}
		b.StopPrice = sp
	}
	if takeProfitPrice != nil {
		tp := *takeProfitPrice
		if tp.Sign() <= 0 {
			return ErrInvalidTriggerPrice
		}
		if (long && !tp.GreaterThan(pos.EntryPrice)) || (!long && !tp.LessThan(pos.EntryPrice)) {
			return ErrInvalidTriggerPrice
		}
		b.TakeProfitPrice = tp
	}
	pos.Bracket = &b

	ev := model.NewEvent(model.EventBracketAttached, symbol, owner, e.clock())
	ev.Price = b.StopPrice
	ev.Amount = b.TakeProfitPrice
	e.emit(ev)
	return nil
}

// CheckBracketOrders fires the position's armed triggers against the
// supplied oracle quote, closing the full position when the price has
// crossed in the trigger's direction and clearing both triggers. The
// check is advisory and poll-based: any caller may invoke it at any
// cadence and a miss is caught at the next price touch. Returns whether
// a trigger fired.
func (e *Engine) CheckBracketOrders(symbol string, owner model.AccountID, quote model.Quote) (bool, error) {
	s, err := e.shard(symbol)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !quote.Fresh(s.market.Params.PriceMaxAge, e.clock()) {
		return false, ErrStalePrice
	}
	if quote.Timestamp.After(s.lastQuote.Timestamp) {
		s.lastQuote = quote
	}

	pos := s.positions[owner]
	if pos == nil || pos.IsFlat() || !pos.Bracket.Armed() {
		return false, nil
	}

	price := quote.Price
	long := pos.Side() == model.SideLong
	b := pos.Bracket

	var trigger string
	switch {
	case !b.StopPrice.IsZero() && ((long && !price.GreaterThan(b.StopPrice)) || (!long && !price.LessThan(b.StopPrice))):
		trigger = "stop_loss"
	case !b.TakeProfitPrice.IsZero() && ((long && !price.LessThan(b.TakeProfitPrice)) || (!long && !price.GreaterThan(b.TakeProfitPrice))):
		trigger = "take_profit"
	default:
		return false, nil
	}

	e.settleFunding(s, pos)
	closed := pos.Size.Abs()
	realized := e.reduce(s, pos, closed, price)

	e.log.WithComponent("bracket").WithFields(logger.Fields{
		"market":  symbol,
		"owner":   string(owner),
		"trigger": trigger,
		"size":    closed.String(),
		"price":   price.String(),
	}).Info("bracket trigger fired, position closed")

	ev := model.NewEvent(model.EventBracketTriggered, symbol, owner, e.clock())
	ev.Size = closed
	ev.Price = price
	ev.Amount = realized
	ev.Detail = trigger
	e.emit(ev)
	return true, nil
}

// ArmedBrackets lists owners with at least one armed trigger in the
// market, for keepers that sweep triggers on each price refresh.
func (e *Engine) ArmedBrackets(symbol string) ([]model.AccountID, error) {
	s, err := e.shard(symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.AccountID
	for owner, pos := range s.positions {
		if !pos.IsFlat() && pos.Bracket.Armed() {
			out = append(out, owner)
		}
	}
	return out, nil
}
