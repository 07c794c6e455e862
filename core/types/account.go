package types

import "math/big"

// Account is the balance-bearing record for a single address. The vault
// module account uses the same shape as external funders.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// NewAccount returns an account with a zeroed balance ready for mutation.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}

// EnsureDefaults replaces nil fields with their zero values so callers can
// mutate the account without nil checks.
func (a *Account) EnsureDefaults() {
	if a == nil {
		return
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
