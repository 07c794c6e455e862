package genesis

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fundvault/core/state"
	"fundvault/crypto"
	"fundvault/native/oracle"
	"fundvault/storage"
)

func testSpec() GenesisSpec {
	owner := crypto.NewAddress(crypto.FundPrefix, bytes.Repeat([]byte{0x01}, 20)).String()
	funder := crypto.NewAddress(crypto.FundPrefix, bytes.Repeat([]byte{0x02}, 20)).String()

	return GenesisSpec{
		GenesisTime: "2024-01-01T00:00:00Z",
		NetworkName: "fundvault-test",
		Owner:       owner,
		MinimumUSD:  "50000000000000000000",
		Oracle: oracle.FeedSpec{
			Kind:     oracle.FeedKindManual,
			Endpoint: "genesis-feed",
			Price:    "200000000000",
			Decimals: 8,
		},
		Alloc: map[string]string{
			funder: "1000000000000000000",
		},
	}
}

func TestLoadGenesisSpecAndApply(t *testing.T) {
	spec := testSpec()

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	loaded, err := LoadGenesisSpec(path)
	if err != nil {
		t.Fatalf("LoadGenesisSpec: %v", err)
	}

	if loaded.NetworkName != spec.NetworkName {
		t.Fatalf("networkName mismatch: got %q want %q", loaded.NetworkName, spec.NetworkName)
	}
	wantMinimum, _ := new(big.Int).SetString(spec.MinimumUSD, 10)
	if loaded.MinimumAmount().Cmp(wantMinimum) != 0 {
		t.Fatalf("minimum mismatch: got %s want %s", loaded.MinimumAmount(), wantMinimum)
	}
	expectedTimestamp, err := time.Parse(time.RFC3339, spec.GenesisTime)
	if err != nil {
		t.Fatalf("parse genesisTime: %v", err)
	}
	if !loaded.GenesisTimestamp().Equal(expectedTimestamp) {
		t.Fatalf("genesis timestamp mismatch: got %v want %v", loaded.GenesisTimestamp(), expectedTimestamp)
	}

	db := storage.NewMemDB()
	defer db.Close()
	manager := state.NewManager(db)

	if err := ApplyGenesisSpec(loaded, manager); err != nil {
		t.Fatalf("ApplyGenesisSpec: %v", err)
	}
	if err := manager.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	meta, ok, err := manager.FundMeta()
	if err != nil || !ok {
		t.Fatalf("fund meta missing after apply: ok=%t err=%v", ok, err)
	}
	if meta.Minimum.Cmp(wantMinimum) != 0 {
		t.Fatalf("persisted minimum = %s", meta.Minimum)
	}
	ownerAddr := loaded.OwnerAddress()
	if !bytes.Equal(meta.Owner, ownerAddr[:]) {
		t.Fatalf("persisted owner = %x", meta.Owner)
	}
	if meta.CreatedAt != uint64(expectedTimestamp.Unix()) {
		t.Fatalf("persisted createdAt = %d", meta.CreatedAt)
	}

	funderAddr, err := ParseBech32Account(crypto.NewAddress(crypto.FundPrefix, bytes.Repeat([]byte{0x02}, 20)).String())
	if err != nil {
		t.Fatalf("parse funder: %v", err)
	}
	account, err := manager.GetAccount(funderAddr[:])
	if err != nil {
		t.Fatalf("load funder account: %v", err)
	}
	if account.Balance.String() != "1000000000000000000" {
		t.Fatalf("funder balance = %s", account.Balance)
	}

	binding, ok, err := manager.OracleBinding()
	if err != nil || !ok {
		t.Fatalf("oracle binding missing: ok=%t err=%v", ok, err)
	}
	if binding.Kind != oracle.FeedKindManual || binding.Endpoint != "genesis-feed" {
		t.Fatalf("persisted binding = %+v", binding)
	}
}

func TestGenesisSpecValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*GenesisSpec)
	}{
		{"missing time", func(s *GenesisSpec) { s.GenesisTime = "" }},
		{"missing network", func(s *GenesisSpec) { s.NetworkName = " " }},
		{"bad owner", func(s *GenesisSpec) { s.Owner = "nhb1qqqqqqqq" }},
		{"zero minimum", func(s *GenesisSpec) { s.MinimumUSD = "0" }},
		{"negative minimum", func(s *GenesisSpec) { s.MinimumUSD = "-1" }},
		{"bad oracle kind", func(s *GenesisSpec) { s.Oracle.Kind = "carrier-pigeon" }},
		{"bad alloc amount", func(s *GenesisSpec) {
			for k := range s.Alloc {
				s.Alloc[k] = "lots"
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := testSpec()
			tc.mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFingerprintPinsContents(t *testing.T) {
	spec := testSpec()
	first, err := spec.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	again, err := spec.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if first != again {
		t.Fatal("fingerprint not deterministic")
	}

	changed := testSpec()
	changed.MinimumUSD = "60000000000000000000"
	other, err := changed.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if other == first {
		t.Fatal("fingerprint ignores minimum change")
	}
}
