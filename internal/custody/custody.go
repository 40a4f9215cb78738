// Package custody abstracts the token-transfer collaborator. The
// engine never holds wallet keys; it asks the vault to move quote-asset
// balance between a participant's wallet and the engine's custody and
// treats any error as a failed, fully rolled-back transfer.
package custody

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"perpflow/internal/model"
)

// Vault is the transfer contract. Debit pulls amount from the account's
// wallet into engine custody; Credit pushes it back out. Both are
// all-or-nothing.
type Vault interface {
	Debit(account model.AccountID, amount decimal.Decimal) error
	Credit(account model.AccountID, amount decimal.Decimal) error
}

var ErrInsufficientFunds = errors.New("insufficient wallet balance")

// MemoryVault is an in-process Vault used by local deployments and
// tests. Balances are wallet-side: Debit decreases them, Credit
// increases them.
type MemoryVault struct {
	mu       sync.Mutex
	balances map[model.AccountID]decimal.Decimal
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{balances: make(map[model.AccountID]decimal.Decimal)}
}

// Fund seeds an account's wallet balance.
func (v *MemoryVault) Fund(account model.AccountID, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[account] = v.balances[account].Add(amount)
}

// Balance reports an account's wallet balance.
func (v *MemoryVault) Balance(account model.AccountID) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account]
}

func (v *MemoryVault) Debit(account model.AccountID, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balances[account]
	if bal.LessThan(amount) {
		return ErrInsufficientFunds
	}
	v.balances[account] = bal.Sub(amount)
	return nil
}

func (v *MemoryVault) Credit(account model.AccountID, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[account] = v.balances[account].Add(amount)
	return nil
}
