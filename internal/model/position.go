package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState tracks a position through the liquidation state machine.
type PositionState int32

const (
	PositionHealthy PositionState = iota
	PositionAtRisk
	PositionLiquidationActive
	PositionClosed
)

func (s PositionState) String() string {
	switch s {
	case PositionHealthy:
		return "Healthy"
	case PositionAtRisk:
		return "AtRisk"
	case PositionLiquidationActive:
		return "LiquidationActive"
	case PositionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates liquidation state machine edges.
func (s PositionState) CanTransitionTo(next PositionState) bool {
	switch s {
	case PositionHealthy:
		return next == PositionAtRisk
	case PositionAtRisk:
		return next == PositionHealthy || next == PositionLiquidationActive
	case PositionLiquidationActive:
		return next == PositionHealthy || next == PositionClosed
	case PositionClosed:
		// A closed ledger entry is inert but the owner may open again.
		return next == PositionHealthy
	default:
		return false
	}
}

// Bracket carries the optional stop-loss / take-profit pair attached to
// a position. A zero price means the corresponding trigger is unarmed.
// Filling either trigger cancels the other.
type Bracket struct {
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
}

// Armed reports whether at least one trigger is set.
func (b *Bracket) Armed() bool {
	return b != nil && (!b.StopPrice.IsZero() || !b.TakeProfitPrice.IsZero())
}

// Auction is the ephemeral liquidation auction state attached to a
// position while it is under the maintenance threshold. It is created on
// the first liquidate call and destroyed when the position is fully
// liquidated or restored above threshold.
type Auction struct {
	TriggeredAt      time.Time
	StartingDiscount decimal.Decimal
	SizeRemaining    decimal.Decimal // absolute size left to liquidate
}

// Position is a user's open position in one market. Size is signed:
// positive for long, negative for short, zero when closed. The entry
// persists after close for audit but is inert.
type Position struct {
	Owner  AccountID
	Market string

	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Collateral decimal.Decimal

	// FundingIndexSnapshot is the market funding index at the last
	// settlement; the gap to the current index is this position's
	// unsettled funding obligation.
	FundingIndexSnapshot decimal.Decimal

	State   PositionState
	Bracket *Bracket
	Auction *Auction

	OpenedAt time.Time
}

// IsFlat reports whether the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.Size.IsZero()
}

// Side derives the direction from the sign of Size.
func (p *Position) Side() Side {
	switch p.Size.Sign() {
	case 1:
		return SideLong
	case -1:
		return SideShort
	default:
		return SideFlat
	}
}

// DirectionSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) DirectionSign() decimal.Decimal {
	return decimal.NewFromInt(int64(p.Size.Sign()))
}

// Notional returns |size| * price.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Abs().Mul(price)
}

// UnrealizedPnL returns size * (price - entryPrice); the sign of Size
// already encodes the direction.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(price.Sub(p.EntryPrice))
}

// Equity returns collateral + unrealized PnL at the given price.
func (p *Position) Equity(price decimal.Decimal) decimal.Decimal {
	return p.Collateral.Add(p.UnrealizedPnL(price))
}
