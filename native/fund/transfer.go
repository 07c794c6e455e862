package fund

import (
	"fmt"
	"math/big"

	"fundvault/core/types"
)

// ValueTransfer is the capability through which the engine moves native
// value. A call either moves the full amount and returns nil or moves
// nothing and returns the rejection cause; there is no partial outcome.
type ValueTransfer interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

type transferState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// accountTransfer implements ValueTransfer against account state: debit with
// a balance guard, then credit. The guard runs before either account is
// written, so a rejection leaves both balances untouched.
type accountTransfer struct {
	state transferState
}

func (t accountTransfer) Transfer(from, to [20]byte, amount *big.Int) error {
	if t.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("fund: negative transfer amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromAcc, err := t.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := t.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("fund: transfer exceeds balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := t.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return t.state.PutAccount(to[:], toAcc)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
