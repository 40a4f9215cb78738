package custody

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMemoryVaultDebitCredit(t *testing.T) {
	v := NewMemoryVault()
	v.Fund("alice", decimal.NewFromInt(100))

	if err := v.Debit("alice", decimal.NewFromInt(60)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := v.Balance("alice"); !got.Equal(decimal.NewFromInt(40)) {
		t.Errorf("balance after debit = %s, want 40", got)
	}

	if err := v.Debit("alice", decimal.NewFromInt(41)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("overdraw: got %v, want ErrInsufficientFunds", err)
	}
	if got := v.Balance("alice"); !got.Equal(decimal.NewFromInt(40)) {
		t.Errorf("failed debit moved funds: balance = %s", got)
	}

	if err := v.Credit("alice", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got := v.Balance("alice"); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance after credit = %s, want 50", got)
	}
}

func TestMemoryVaultUnknownAccount(t *testing.T) {
	v := NewMemoryVault()

	if got := v.Balance("ghost"); !got.IsZero() {
		t.Errorf("unknown balance = %s, want 0", got)
	}
	if err := v.Debit("ghost", decimal.NewFromInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("debit unknown: got %v, want ErrInsufficientFunds", err)
	}
	// Credit creates the account; liquidator payouts rely on this.
	if err := v.Credit("ghost", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("Credit unknown: %v", err)
	}
	if got := v.Balance("ghost"); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("balance after credit = %s, want 5", got)
	}
}

func TestMemoryVaultConcurrentTransfers(t *testing.T) {
	v := NewMemoryVault()
	v.Fund("alice", decimal.NewFromInt(1000))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := v.Debit("alice", decimal.NewFromInt(1)); err != nil {
					t.Errorf("Debit: %v", err)
					return
				}
				if err := v.Credit("bob", decimal.NewFromInt(1)); err != nil {
					t.Errorf("Credit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := v.Balance("alice"); !got.IsZero() {
		t.Errorf("alice = %s, want 0", got)
	}
	if got := v.Balance("bob"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("bob = %s, want 1000", got)
	}
}
