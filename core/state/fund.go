package state

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"fundvault/native/oracle"
)

var (
	fundFundersKey   = []byte("fund/funders")
	fundAmountPrefix = []byte("fund/amount/")
	fundMetaKey      = []byte("fund/meta")
	fundOracleKey    = []byte("fund/oracle")
	fundGenesisKey   = []byte("fund/genesis")
)

func fundAmountKey(addr [20]byte) []byte {
	encoded := hex.EncodeToString(addr[:])
	buf := make([]byte, 0, len(fundAmountPrefix)+len(encoded))
	buf = append(buf, fundAmountPrefix...)
	buf = append(buf, encoded...)
	return buf
}

// FundMeta pins the deployment-scoped ledger parameters. It is written once
// at first boot and cross-checked against configuration on every restart;
// the owner of a vault never changes after initialisation.
type FundMeta struct {
	Owner     []byte
	Minimum   *big.Int
	CreatedAt uint64
}

// FundMeta loads the pinned ledger parameters. The boolean reports whether
// the vault has been initialised.
func (m *Manager) FundMeta() (*FundMeta, bool, error) {
	meta := new(FundMeta)
	ok, err := m.KVGet(fundMetaKey, meta)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if meta.Minimum == nil {
		meta.Minimum = big.NewInt(0)
	}
	return meta, true, nil
}

// SetFundMeta persists the ledger parameters.
func (m *Manager) SetFundMeta(meta *FundMeta) error {
	if meta == nil {
		return fmt.Errorf("state: fund meta must not be nil")
	}
	if len(meta.Owner) != 20 {
		return fmt.Errorf("state: fund owner must be 20 bytes")
	}
	if meta.Minimum == nil || meta.Minimum.Sign() <= 0 {
		return fmt.Errorf("state: fund minimum must be positive")
	}
	return m.KVPut(fundMetaKey, meta)
}

// FundAmount returns the cumulative contributed amount recorded for the
// address. Addresses without a record report zero.
func (m *Manager) FundAmount(addr [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(fundAmountKey(addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// SetFundAmount records the cumulative contributed amount for the address.
func (m *Manager) SetFundAmount(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: fund amount must be non-negative")
	}
	return m.KVPut(fundAmountKey(addr), amount)
}

// FundRoster returns the ordered funder roster. Duplicate entries are real:
// the roster records one entry per accepted contribution.
func (m *Manager) FundRoster() ([][20]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(fundFundersKey, &raw); err != nil {
		return nil, err
	}
	roster := make([][20]byte, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 20 {
			return nil, fmt.Errorf("state: roster entry %d is %d bytes, want 20", i, len(entry))
		}
		var addr [20]byte
		copy(addr[:], entry)
		roster = append(roster, addr)
	}
	return roster, nil
}

// AppendFunder appends the address to the roster, preserving duplicates.
func (m *Manager) AppendFunder(addr [20]byte) error {
	return m.KVAppend(fundFundersKey, addr[:])
}

// SetFundRoster replaces the roster wholesale. An empty slice clears it.
func (m *Manager) SetFundRoster(entries [][20]byte) error {
	raw := make([][]byte, 0, len(entries))
	for _, addr := range entries {
		raw = append(raw, append([]byte(nil), addr[:]...))
	}
	return m.KVPut(fundFundersKey, raw)
}

// GenesisFingerprint loads the pinned genesis digest.
func (m *Manager) GenesisFingerprint() ([32]byte, bool, error) {
	var raw []byte
	ok, err := m.KVGet(fundGenesisKey, &raw)
	if err != nil {
		return [32]byte{}, false, err
	}
	if !ok {
		return [32]byte{}, false, nil
	}
	if len(raw) != 32 {
		return [32]byte{}, false, fmt.Errorf("state: genesis fingerprint is %d bytes, want 32", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return out, true, nil
}

// SetGenesisFingerprint pins the genesis digest. Restarts compare the
// configured genesis against this value before serving.
func (m *Manager) SetGenesisFingerprint(digest [32]byte) error {
	return m.KVPut(fundGenesisKey, digest[:])
}

// OracleBinding loads the persisted feed binding. The boolean reports
// whether a binding has been stored.
func (m *Manager) OracleBinding() (oracle.FeedSpec, bool, error) {
	var spec oracle.FeedSpec
	ok, err := m.KVGet(fundOracleKey, &spec)
	if err != nil {
		return oracle.FeedSpec{}, false, err
	}
	return spec, ok, nil
}

// SetOracleBinding persists the feed binding so restarts rebind the same feed.
func (m *Manager) SetOracleBinding(spec oracle.FeedSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return m.KVPut(fundOracleKey, spec.Normalise())
}
