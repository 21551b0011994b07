package types

import "math/big"

// Account is a balance-bearing record in the ledger state. Buyers, the shop
// owner, and the escrow vault itself are all ordinary accounts.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// EnsureDefaults normalises nil fields so callers can hand accounts straight
// to arithmetic without nil checks.
func (a *Account) EnsureDefaults() {
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	clone.EnsureDefaults()
	return clone
}
