package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"perpflow/internal/model"
)

func TestMarginRatioTracksPrice(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.open(t, "alice", true, 2, 12000)

	ratio, state, err := env.eng.MarginRatio("BTCUSDT", "alice")
	if err != nil {
		t.Fatalf("MarginRatio: %v", err)
	}
	if !ratio.Equal(dec(0.12)) {
		t.Errorf("ratio at entry = %s, want 0.12", ratio)
	}
	if state != model.PositionHealthy {
		t.Errorf("state = %s, want healthy", state)
	}

	// At 46000: equity 4000 on 92000 notional, below the 0.05 floor.
	env.refresh(t, 46000)
	ratio, state, err = env.eng.MarginRatio("BTCUSDT", "alice")
	if err != nil {
		t.Fatalf("MarginRatio after drop: %v", err)
	}
	if state != model.PositionAtRisk {
		t.Errorf("state = %s, want at_risk", state)
	}
	if want := dec(4000).Div(dec(92000)); !ratio.Equal(want) {
		t.Errorf("ratio = %s, want %s", ratio, want)
	}

	if _, _, err := env.eng.MarginRatio("BTCUSDT", "bob"); !errors.Is(err, ErrNoPosition) {
		t.Errorf("unknown owner: got %v, want ErrNoPosition", err)
	}
}

func TestAtRiskPositionsSelectsBelowMaintenance(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	// alice at 10x, bob at 2x: a 6% drop only endangers alice.
	env.open(t, "alice", true, 2, 10000)
	env.open(t, "bob", true, 1, 25000)

	owners, err := env.eng.AtRiskPositions("BTCUSDT")
	if err != nil {
		t.Fatalf("AtRiskPositions: %v", err)
	}
	if len(owners) != 0 {
		t.Errorf("at entry price: %v, want none", owners)
	}

	env.refresh(t, 47000)
	owners, err = env.eng.AtRiskPositions("BTCUSDT")
	if err != nil {
		t.Fatalf("AtRiskPositions after drop: %v", err)
	}
	if len(owners) != 1 || owners[0] != "alice" {
		t.Errorf("owners = %v, want [alice]", owners)
	}

	// Recovery clears the flag on the next evaluation.
	env.refresh(t, 50000)
	owners, err = env.eng.AtRiskPositions("BTCUSDT")
	if err != nil {
		t.Fatalf("AtRiskPositions after recovery: %v", err)
	}
	if len(owners) != 0 {
		t.Errorf("after recovery: %v, want none", owners)
	}
}

func TestMarginRatioFlatPositionIsMaximal(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t, 50000)
	env.open(t, "alice", true, 1, 10000)
	if err := env.eng.ClosePosition("alice", "BTCUSDT", decimal.Zero); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	ratio, state, err := env.eng.MarginRatio("BTCUSDT", "alice")
	if err != nil {
		t.Fatalf("MarginRatio on flat: %v", err)
	}
	if state != model.PositionClosed {
		t.Errorf("state = %s, want closed", state)
	}
	if !ratio.GreaterThan(decimal.NewFromInt(1)) {
		t.Errorf("flat ratio = %s, want sentinel above 1", ratio)
	}
}
