package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketParams holds the per-market risk configuration. Parameters are
// fixed at market initialization; parameter governance is out of scope.
type MarketParams struct {
	// Funding.
	FundingInterval    time.Duration
	BaseFundingRate    decimal.Decimal
	FundingSensitivity decimal.Decimal
	MaxFundingRate     decimal.Decimal

	// Margin thresholds. MaintenanceMarginRatio must be strictly below
	// InitialMarginRatio.
	InitialMarginRatio     decimal.Decimal
	MaintenanceMarginRatio decimal.Decimal

	// Liquidation discount curve: linear from StartingDiscount, growing
	// DiscountGrowthPerSec each second since the auction trigger, capped
	// at MaxDiscount.
	StartingDiscount    decimal.Decimal
	DiscountGrowthPerSec decimal.Decimal
	MaxDiscount         decimal.Decimal

	// Share of the liquidation discount routed to the fee vault; the
	// remainder compensates the liquidator.
	LiquidationFeeShare decimal.Decimal

	// Oracle quotes older than this are rejected with a stale-price error.
	PriceMaxAge time.Duration
}

// Market is the authoritative per-market state. All fields are mutated
// only by the engine under the market's lock.
type Market struct {
	Symbol     string
	Authority  AccountID
	QuoteAsset string

	FundingRate     decimal.Decimal
	FundingIndex    decimal.Decimal
	LastFundingTime time.Time

	LongOpenInterest  decimal.Decimal
	ShortOpenInterest decimal.Decimal

	FeeVault      decimal.Decimal
	InsuranceFund decimal.Decimal

	Params MarketParams
}

// TotalOpenInterest returns longOI + shortOI.
func (m *Market) TotalOpenInterest() decimal.Decimal {
	return m.LongOpenInterest.Add(m.ShortOpenInterest)
}

// OpenInterestImbalance returns (longOI - shortOI) / (longOI + shortOI),
// or zero when the market carries no open interest.
func (m *Market) OpenInterestImbalance() decimal.Decimal {
	total := m.TotalOpenInterest()
	if total.IsZero() {
		return decimal.Zero
	}
	return m.LongOpenInterest.Sub(m.ShortOpenInterest).Div(total)
}
