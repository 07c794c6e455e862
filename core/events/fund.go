package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"fundvault/core/types"
	"fundvault/crypto"
)

const (
	// TypeContributionRecorded is emitted after a contribution clears the
	// minimum threshold and the funds have moved into the vault.
	TypeContributionRecorded = "fund.contribution_recorded"
	// TypeFundsWithdrawn is emitted after the owner drains value from the
	// vault and the per-funder bookkeeping has been reset.
	TypeFundsWithdrawn = "fund.funds_withdrawn"
	// TypeOracleUpdated is emitted when the owner rebinds the price feed.
	TypeOracleUpdated = "fund.oracle_updated"
)

// ContributionRecorded captures a contribution accepted into the vault.
type ContributionRecorded struct {
	Funder   [20]byte
	Amount   *big.Int
	USDValue *big.Int
	Receipt  [32]byte
}

func (ContributionRecorded) EventType() string { return TypeContributionRecorded }

func (e ContributionRecorded) Event() *types.Event {
	return &types.Event{
		Type: TypeContributionRecorded,
		Attributes: map[string]string{
			"funder":   crypto.NewAddress(crypto.FundPrefix, e.Funder[:]).String(),
			"amount":   formatAmount(e.Amount),
			"usdValue": formatAmount(e.USDValue),
			"receipt":  formatReceipt(e.Receipt),
		},
	}
}

// FundsWithdrawn captures an owner withdrawal and the accompanying ledger reset.
type FundsWithdrawn struct {
	To      [20]byte
	Amount  *big.Int
	Funders uint64
	Receipt [32]byte
}

func (FundsWithdrawn) EventType() string { return TypeFundsWithdrawn }

func (e FundsWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeFundsWithdrawn,
		Attributes: map[string]string{
			"to":      crypto.NewAddress(crypto.FundPrefix, e.To[:]).String(),
			"amount":  formatAmount(e.Amount),
			"funders": strconv.FormatUint(e.Funders, 10),
			"receipt": formatReceipt(e.Receipt),
		},
	}
}

// OracleUpdated captures a price-feed rotation.
type OracleUpdated struct {
	Previous string
	Next     string
	Version  uint64
}

func (OracleUpdated) EventType() string { return TypeOracleUpdated }

func (e OracleUpdated) Event() *types.Event {
	attrs := map[string]string{
		"next":    strings.TrimSpace(e.Next),
		"version": strconv.FormatUint(e.Version, 10),
	}
	if prev := strings.TrimSpace(e.Previous); prev != "" {
		attrs["previous"] = prev
	}
	return &types.Event{Type: TypeOracleUpdated, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatReceipt(r [32]byte) string {
	return "0x" + strings.ToLower(hex.EncodeToString(r[:]))
}
