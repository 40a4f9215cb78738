package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"perpflow/internal/model"
	"perpflow/logger"
)

// LiquidationResult reports how a forced close settled.
type LiquidationResult struct {
	ClosedSize         decimal.Decimal
	ExecutionPrice     decimal.Decimal
	Discount           decimal.Decimal
	LiquidatorProceeds decimal.Decimal
	FeeVaultShare      decimal.Decimal
	InsuranceUsed      decimal.Decimal
	BadDebt            decimal.Decimal
	SizeRemaining      decimal.Decimal
}

// auctionDiscount evaluates the configured discount curve: linear from
// the starting discount, growing per second since the trigger, capped
// at the maximum. At trigger time it equals the starting discount and
// it never decreases with elapsed time.
func auctionDiscount(a *model.Auction, params model.MarketParams, now time.Time) decimal.Decimal {
	elapsed := now.Sub(a.TriggeredAt)
	if elapsed < 0 {
		elapsed = 0
	}
	secs := decimal.NewFromInt(int64(elapsed / time.Second))
	d := a.StartingDiscount.Add(params.DiscountGrowthPerSec.Mul(secs))
	if d.GreaterThan(params.MaxDiscount) {
		return params.MaxDiscount
	}
	return d
}

// LiquidatePosition force-closes up to size of an under-margined
// position at the oracle price less the time-decaying auction discount.
// Any caller may liquidate; the liquidator receives the discount value
// minus the fee-vault share, paid out through custody. The discount is
// funded from the position's remaining collateral first, then the
// insurance fund; any residue is recorded as bad debt and the
// liquidation still completes so an insolvent position cannot wedge the
// market. A size of zero liquidates the full position.
func (e *Engine) LiquidatePosition(liquidator model.AccountID, symbol string, owner model.AccountID, size decimal.Decimal) (LiquidationResult, error) {
	if size.Sign() < 0 {
		return LiquidationResult{}, ErrInvalidAmount
	}
	s, err := e.shard(symbol)
	if err != nil {
		return LiquidationResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[owner]
	if pos == nil || pos.IsFlat() {
		return LiquidationResult{}, ErrNoPosition
	}
	e.settleFunding(s, pos)

	quote, err := e.freshQuote(s)
	if err != nil {
		return LiquidationResult{}, err
	}

	now := e.clock()
	e.refreshRisk(s, pos, quote.Price)
	if pos.State == model.PositionHealthy {
		// Owner restored margin before any liquidator acted.
		return LiquidationResult{}, ErrNotEligible
	}

	// The auction transition is staged here and only persisted after the
	// liquidator payout succeeds, so a failed custody transfer leaves the
	// position exactly as it was.
	params := s.market.Params
	auction := pos.Auction
	if pos.State == model.PositionAtRisk {
		auction = &model.Auction{
			TriggeredAt:      now,
			StartingDiscount: params.StartingDiscount,
			SizeRemaining:    pos.Size.Abs(),
		}
	}

	discount := auctionDiscount(auction, params, now)

	closeSize := size
	if closeSize.IsZero() || closeSize.GreaterThan(pos.Size.Abs()) {
		closeSize = pos.Size.Abs()
	}

	execPrice := quote.Price.Mul(one.Sub(discount))
	realized := closeSize.Mul(quote.Price.Sub(pos.EntryPrice)).Mul(pos.DirectionSign())
	available := pos.Collateral.Add(realized) // may be negative

	discountValue := closeSize.Mul(quote.Price).Mul(discount)
	fromCollateral := decimal.Min(decimal.Max(available, decimal.Zero), discountValue)

	deficit := discountValue.Sub(fromCollateral)
	if available.Sign() < 0 {
		deficit = deficit.Add(available.Neg())
	}
	fromInsurance := decimal.Min(s.market.InsuranceFund, deficit)
	badDebt := deficit.Sub(fromInsurance)

	feeShare := discountValue.Mul(params.LiquidationFeeShare)
	proceeds := discountValue.Sub(feeShare)

	if err := e.vault.Credit(liquidator, proceeds); err != nil {
		return LiquidationResult{}, err
	}

	// Apply, all in one step.
	pos.State = model.PositionLiquidationActive
	pos.Auction = auction
	pos.Collateral = decimal.Max(available, decimal.Zero).Sub(fromCollateral)
	s.market.InsuranceFund = s.market.InsuranceFund.Sub(fromInsurance)
	s.market.FeeVault = s.market.FeeVault.Add(feeShare)

	if pos.Side() == model.SideLong {
		pos.Size = pos.Size.Sub(closeSize)
		s.market.LongOpenInterest = s.market.LongOpenInterest.Sub(closeSize)
	} else {
		pos.Size = pos.Size.Add(closeSize)
		s.market.ShortOpenInterest = s.market.ShortOpenInterest.Sub(closeSize)
	}
	pos.Auction.SizeRemaining = pos.Auction.SizeRemaining.Sub(closeSize)

	if pos.IsFlat() {
		pos.EntryPrice = decimal.Zero
		pos.State = model.PositionClosed
		pos.Bracket = nil
		pos.Auction = nil
	} else {
		e.refreshRisk(s, pos, quote.Price)
	}

	res := LiquidationResult{
		ClosedSize:         closeSize,
		ExecutionPrice:     execPrice,
		Discount:           discount,
		LiquidatorProceeds: proceeds,
		FeeVaultShare:      feeShare,
		InsuranceUsed:      fromInsurance,
		BadDebt:            badDebt,
		SizeRemaining:      pos.Size.Abs(),
	}

	logger.IncrementLiquidation()
	e.log.WithComponent("liquidation").WithFields(logger.Fields{
		"market":     symbol,
		"owner":      string(owner),
		"liquidator": string(liquidator),
		"size":       closeSize.String(),
		"discount":   discount.String(),
		"insurance":  fromInsurance.String(),
	}).Info("position liquidated")

	ev := model.NewEvent(model.EventPositionLiquidated, symbol, owner, now)
	ev.Size = closeSize
	ev.Price = execPrice
	ev.Amount = discountValue
	ev.Detail = string(liquidator)
	e.emit(ev)

	if badDebt.Sign() > 0 {
		// Surfaced to operators; the market stays operable but flagged.
		e.log.WithComponent("liquidation").WithFields(logger.Fields{
			"market":   symbol,
			"owner":    string(owner),
			"bad_debt": badDebt.String(),
		}).Error("insurance fund exhausted, bad debt recorded")

		bd := model.NewEvent(model.EventBadDebtRecorded, symbol, owner, now)
		bd.Amount = badDebt
		bd.Detail = string(liquidator)
		e.emit(bd)
	}
	return res, nil
}
