package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"perpflow/internal/model"
)

func TestOpenPositionWeightedEntry(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.open(t, "alice", true, 1, 50000)

	// Add one unit at a higher price: entry becomes the size-weighted
	// average and size the sum.
	env.refresh(t, 52000)
	if err := env.eng.OpenPosition("alice", "BTCUSDT", true, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("second open: %v", err)
	}

	pos := env.position(t, "alice")
	if !pos.Size.Equal(decimal.NewFromInt(2)) {
		t.Errorf("size = %s, want 2", pos.Size)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("entry = %s, want 51000", pos.EntryPrice)
	}

	m := env.market(t)
	if !m.LongOpenInterest.Equal(decimal.NewFromInt(2)) {
		t.Errorf("long OI = %s, want 2", m.LongOpenInterest)
	}
}

func TestOpenPositionRejectsDirectionFlip(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.open(t, "alice", true, 1, 10000)

	if err := env.eng.OpenPosition("alice", "BTCUSDT", false, decimal.NewFromInt(1)); !errors.Is(err, ErrDirectionConflict) {
		t.Errorf("flip: got %v, want ErrDirectionConflict", err)
	}
	// Reducing exposure goes through ClosePosition instead.
	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
}

func TestOpenPositionRequiresInitialMargin(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.vault.Fund("alice", decimal.NewFromInt(4999))
	if err := env.eng.DepositCollateral("alice", "BTCUSDT", decimal.NewFromInt(4999)); err != nil {
		t.Fatalf("DepositCollateral: %v", err)
	}

	// Notional 50000 requires 5000 collateral at 10% initial margin.
	if err := env.eng.OpenPosition("alice", "BTCUSDT", true, decimal.NewFromInt(1)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("undercollateralized: got %v, want ErrInsufficientCollateral", err)
	}

	if err := env.eng.OpenPosition("bob", "BTCUSDT", true, decimal.NewFromInt(1)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("no deposit at all: got %v, want ErrInsufficientCollateral", err)
	}

	if err := env.eng.OpenPosition("alice", "BTCUSDT", true, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero size: got %v, want ErrInvalidAmount", err)
	}
}

func TestVolatilityTightensLeverage(t *testing.T) {
	env := newTestEnv(t)

	// A calm quote admits 10x leverage; a volatile one halves the cap.
	volatile := env.quote(50000)
	volatile.Volatility = decimal.NewFromInt(2)
	if err := env.eng.RefreshPrice(volatile); err != nil {
		t.Fatalf("RefreshPrice: %v", err)
	}

	env.vault.Fund("alice", decimal.NewFromInt(7000))
	if err := env.eng.DepositCollateral("alice", "BTCUSDT", decimal.NewFromInt(7000)); err != nil {
		t.Fatalf("DepositCollateral: %v", err)
	}

	// 7000 collateral passes the 10% ratio check on 50000 notional but
	// fails the volatility-halved 5x cap.
	if err := env.eng.OpenPosition("alice", "BTCUSDT", true, decimal.NewFromInt(1)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("volatile quote: got %v, want ErrInsufficientCollateral", err)
	}
}

func TestClosePositionRealizesPnL(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.open(t, "alice", true, 2, 20000)

	// Price moves up 1000: closing half realizes +1000.
	env.refresh(t, 51000)
	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("partial close: %v", err)
	}
	pos := env.position(t, "alice")
	if !pos.Size.Equal(decimal.NewFromInt(1)) {
		t.Errorf("size = %s, want 1", pos.Size)
	}
	if !pos.Collateral.Equal(decimal.NewFromInt(21000)) {
		t.Errorf("collateral = %s, want 21000", pos.Collateral)
	}

	// Over-closing the remainder is rejected.
	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.NewFromInt(2)); !errors.Is(err, ErrOverClose) {
		t.Errorf("over-close: got %v, want ErrOverClose", err)
	}

	// Zero size means close everything.
	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.Zero); err != nil {
		t.Fatalf("full close: %v", err)
	}
	pos = env.position(t, "alice")
	if !pos.IsFlat() {
		t.Errorf("size after full close = %s, want 0", pos.Size)
	}
	if pos.State != model.PositionClosed {
		t.Errorf("state = %s, want closed", pos.State)
	}
	if pos.EntryPrice.Sign() != 0 {
		t.Errorf("entry after close = %s, want 0", pos.EntryPrice)
	}

	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.Zero); !errors.Is(err, ErrNoPosition) {
		t.Errorf("close when flat: got %v, want ErrNoPosition", err)
	}

	m := env.market(t)
	if m.LongOpenInterest.Sign() != 0 {
		t.Errorf("long OI after close = %s, want 0", m.LongOpenInterest)
	}
}

func TestCloseLossNeverDrivesCollateralNegative(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.open(t, "alice", true, 2, 10000)

	// A 20% gap down puts the loss far beyond collateral. The realized
	// loss is absorbed down to zero, never below.
	env.refresh(t, 40000)
	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.Zero); err != nil {
		t.Fatalf("close: %v", err)
	}
	pos := env.position(t, "alice")
	if pos.Collateral.Sign() != 0 {
		t.Errorf("collateral = %s, want 0", pos.Collateral)
	}
}

func TestReopenAfterClose(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.open(t, "alice", true, 1, 10000)

	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.Zero); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.eng.OpenPosition("alice", "BTCUSDT", false, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("reopen short: %v", err)
	}

	pos := env.position(t, "alice")
	if pos.Side() != model.SideShort {
		t.Errorf("side = %s, want short", pos.Side())
	}
	if pos.State != model.PositionHealthy {
		t.Errorf("state = %s, want healthy", pos.State)
	}
	if got := env.market(t).ShortOpenInterest; !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("short OI = %s, want 1", got)
	}
}
