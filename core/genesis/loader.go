package genesis

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"fundvault/core/state"
)

// ApplyGenesisSpec writes the spec's initial state through the manager:
// pre-funded balances (sorted for determinism), the fund metadata record,
// and the starting oracle binding. The caller commits the overlay.
func ApplyGenesisSpec(spec *GenesisSpec, manager *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	allocAddresses := make([]string, 0, len(spec.Alloc))
	for addr := range spec.Alloc {
		allocAddresses = append(allocAddresses, addr)
	}
	sort.Strings(allocAddresses)
	for _, addrStr := range allocAddresses {
		parsed, err := ParseBech32Account(addrStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(spec.Alloc[addrStr]), 10)
		if !ok {
			return fmt.Errorf("alloc[%q]: invalid amount %q", addrStr, spec.Alloc[addrStr])
		}

		account, err := manager.GetAccount(parsed[:])
		if err != nil {
			return fmt.Errorf("load account %q: %w", addrStr, err)
		}
		account.Balance = new(big.Int).Set(amount)
		if err := manager.PutAccount(parsed[:], account); err != nil {
			return fmt.Errorf("persist account %q: %w", addrStr, err)
		}
	}

	owner := spec.OwnerAddress()
	meta := &state.FundMeta{
		Owner:     owner[:],
		Minimum:   spec.MinimumAmount(),
		CreatedAt: uint64(spec.GenesisTimestamp().Unix()),
	}
	if err := manager.SetFundMeta(meta); err != nil {
		return fmt.Errorf("persist fund metadata: %w", err)
	}

	if err := manager.SetOracleBinding(spec.Oracle); err != nil {
		return fmt.Errorf("persist oracle binding: %w", err)
	}
	return nil
}
