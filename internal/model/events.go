package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType tags entries in the settlement journal.
type EventType string

const (
	EventMarketInitialized   EventType = "market_initialized"
	EventCollateralDeposited EventType = "collateral_deposited"
	EventCollateralWithdrawn EventType = "collateral_withdrawn"
	EventInsuranceFunded     EventType = "insurance_funded"
	EventPositionOpened      EventType = "position_opened"
	EventPositionClosed      EventType = "position_closed"
	EventFundingRateUpdated  EventType = "funding_rate_updated"
	EventFundingSettled      EventType = "funding_settled"
	EventPositionLiquidated  EventType = "position_liquidated"
	EventBracketAttached     EventType = "bracket_attached"
	EventBracketTriggered    EventType = "bracket_triggered"
	EventBadDebtRecorded     EventType = "bad_debt_recorded"
)

// Event is one settlement journal record. The engine emits an event for
// every successful state mutation; BadDebtRecorded is the one event that
// reports a condition rather than a mutation the caller asked for.
type Event struct {
	ID      string
	Type    EventType
	Market  string
	Account AccountID

	// Size, Price and Amount carry the trade size, execution price and
	// collateral/vault delta where the event type has one; unused fields
	// stay zero.
	Size   decimal.Decimal
	Price  decimal.Decimal
	Amount decimal.Decimal

	Detail    string
	Timestamp time.Time
}

// NewEvent builds a journal event with a fresh ID.
func NewEvent(t EventType, market string, account AccountID, ts time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Market:    market,
		Account:   account,
		Timestamp: ts,
	}
}
