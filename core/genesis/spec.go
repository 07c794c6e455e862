package genesis

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"fundvault/native/oracle"
)

// GenesisSpec declares the initial state of a fund vault: who owns it, the
// contribution floor, the price feed it starts with, and any pre-funded
// account balances. Amount strings are base-10 integers in 18-decimal units.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime"`
	NetworkName string            `json:"networkName"`
	Owner       string            `json:"owner"`
	MinimumUSD  string            `json:"minimumUSD"`
	Oracle      oracle.FeedSpec   `json:"oracle"`
	Alloc       map[string]string `json:"alloc,omitempty"`

	genesisTimestamp time.Time
	ownerAddr        [20]byte
	minimumAmt       *big.Int
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// OwnerAddress returns the parsed owner account. Validate must have succeeded.
func (s *GenesisSpec) OwnerAddress() [20]byte { return s.ownerAddr }

// MinimumAmount returns the parsed contribution floor. Validate must have
// succeeded.
func (s *GenesisSpec) MinimumAmount() *big.Int {
	if s.minimumAmt == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(s.minimumAmt)
}

func (s *GenesisSpec) Validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	if strings.TrimSpace(s.NetworkName) == "" {
		return fmt.Errorf("networkName must be provided")
	}

	owner, err := ParseBech32Account(strings.TrimSpace(s.Owner))
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	s.ownerAddr = owner

	minimum, err := parseAmountString(s.MinimumUSD)
	if err != nil {
		return fmt.Errorf("minimumUSD: %w", err)
	}
	if minimum.Sign() <= 0 {
		return fmt.Errorf("minimumUSD must be positive")
	}
	s.minimumAmt = minimum

	if err := s.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	if len(s.Alloc) > 0 {
		accounts := make([]string, 0, len(s.Alloc))
		for account := range s.Alloc {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			if _, err := ParseBech32Account(account); err != nil {
				return fmt.Errorf("alloc[%q]: %w", account, err)
			}
			amount := s.Alloc[account]
			if strings.TrimSpace(amount) == "" {
				return fmt.Errorf("alloc[%q]: amount must be provided", account)
			}
			parsed, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
			if !ok {
				return fmt.Errorf("alloc[%q]: invalid amount %q", account, amount)
			}
			if parsed.Sign() < 0 {
				return fmt.Errorf("alloc[%q]: amount must not be negative", account)
			}
		}
	}
	return nil
}

// Fingerprint derives a stable digest of the spec's normalised contents. The
// node pins it on first boot and refuses to reopen a data directory against a
// different genesis.
func (s *GenesisSpec) Fingerprint() ([32]byte, error) {
	if err := s.Validate(); err != nil {
		return [32]byte{}, err
	}
	var buf bytes.Buffer
	writeDelimited(&buf, []byte(strings.TrimSpace(s.NetworkName)))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(s.genesisTimestamp.Unix()))
	writeDelimited(&buf, ts[:])

	writeDelimited(&buf, s.ownerAddr[:])
	writeDelimited(&buf, s.minimumAmt.Bytes())

	feed := s.Oracle.Normalise()
	writeDelimited(&buf, []byte(feed.Kind))
	writeDelimited(&buf, []byte(feed.Endpoint))
	writeDelimited(&buf, []byte(feed.APIKeyEnv))
	writeDelimited(&buf, []byte(feed.Price))
	writeDelimited(&buf, []byte{feed.Decimals})

	accounts := make([]string, 0, len(s.Alloc))
	for account := range s.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		parsed, err := ParseBech32Account(account)
		if err != nil {
			return [32]byte{}, fmt.Errorf("alloc[%q]: %w", account, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(s.Alloc[account]), 10)
		if !ok {
			return [32]byte{}, fmt.Errorf("alloc[%q]: invalid amount", account)
		}
		writeDelimited(&buf, parsed[:])
		writeDelimited(&buf, amount.Bytes())
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func writeDelimited(buf *bytes.Buffer, value []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(value)))
	buf.Write(length[:])
	buf.Write(value)
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
