package types

import "math/big"

// Account tracks the spendable balance held for a 20-byte address. The pool
// vault and every payee are plain accounts; a settled withdrawal moves
// balance from the vault account to the payee account.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// EnsureDefaults normalises nil pointers left behind by decoding so callers
// can mutate the balance without nil checks.
func (a *Account) EnsureDefaults() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}
