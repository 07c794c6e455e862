package state

import (
	"bytes"
	"math/big"
	"testing"

	"fundvault/native/oracle"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestFundMetaRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, ok, err := mgr.FundMeta(); err != nil || ok {
		t.Fatalf("uninitialised vault reported meta: ok=%v err=%v", ok, err)
	}

	owner := testAddr(0xee)
	meta := &FundMeta{Owner: owner[:], Minimum: big.NewInt(50), CreatedAt: 1700000000}
	if err := mgr.SetFundMeta(meta); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	restored, ok, err := mgr.FundMeta()
	if err != nil || !ok {
		t.Fatalf("load meta: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(restored.Owner, owner[:]) {
		t.Fatalf("owner = %x", restored.Owner)
	}
	if restored.Minimum.Cmp(big.NewInt(50)) != 0 || restored.CreatedAt != 1700000000 {
		t.Fatalf("unexpected meta: %+v", restored)
	}
}

func TestSetFundMetaValidation(t *testing.T) {
	mgr, _ := newTestManager(t)
	owner := testAddr(0x01)

	if err := mgr.SetFundMeta(nil); err == nil {
		t.Fatal("expected error for nil meta")
	}
	if err := mgr.SetFundMeta(&FundMeta{Owner: []byte{1, 2}, Minimum: big.NewInt(1)}); err == nil {
		t.Fatal("expected error for short owner")
	}
	if err := mgr.SetFundMeta(&FundMeta{Owner: owner[:], Minimum: big.NewInt(0)}); err == nil {
		t.Fatal("expected error for zero minimum")
	}
}

func TestFundAmountDefaultsToZero(t *testing.T) {
	mgr, _ := newTestManager(t)

	amount, err := mgr.FundAmount(testAddr(0x05))
	if err != nil {
		t.Fatalf("fund amount: %v", err)
	}
	if amount.Sign() != 0 {
		t.Fatalf("amount = %s, want 0", amount)
	}
}

func TestFundAmountRoundTripIncludingZero(t *testing.T) {
	mgr, _ := newTestManager(t)
	funder := testAddr(0x07)

	if err := mgr.SetFundAmount(funder, big.NewInt(250)); err != nil {
		t.Fatalf("set amount: %v", err)
	}
	amount, err := mgr.FundAmount(funder)
	if err != nil || amount.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("amount = %v err = %v", amount, err)
	}

	// A reset writes an explicit zero record, distinct from never-funded.
	if err := mgr.SetFundAmount(funder, big.NewInt(0)); err != nil {
		t.Fatalf("zero amount: %v", err)
	}
	amount, err = mgr.FundAmount(funder)
	if err != nil || amount.Sign() != 0 {
		t.Fatalf("zeroed amount = %v err = %v", amount, err)
	}

	if err := mgr.SetFundAmount(funder, big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestFundRosterAppendAndClear(t *testing.T) {
	mgr, _ := newTestManager(t)
	alice := testAddr(0x0a)
	bob := testAddr(0x0b)

	for _, addr := range [][20]byte{alice, bob, alice} {
		if err := mgr.AppendFunder(addr); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	roster, err := mgr.FundRoster()
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 3 {
		t.Fatalf("roster length = %d, want 3", len(roster))
	}
	if roster[0] != alice || roster[1] != bob || roster[2] != alice {
		t.Fatalf("roster order wrong: %x", roster)
	}

	if err := mgr.SetFundRoster(nil); err != nil {
		t.Fatalf("clear roster: %v", err)
	}
	roster, err = mgr.FundRoster()
	if err != nil {
		t.Fatalf("roster after clear: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("roster not cleared: %x", roster)
	}
}

func TestOracleBindingRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, ok, err := mgr.OracleBinding(); err != nil || ok {
		t.Fatalf("unexpected binding: ok=%v err=%v", ok, err)
	}

	spec := oracle.FeedSpec{Kind: " HTTP ", Endpoint: "https://feeds.example/native-usd", APIKeyEnv: "FEED_KEY"}
	if err := mgr.SetOracleBinding(spec); err != nil {
		t.Fatalf("set binding: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	restored, ok, err := mgr.OracleBinding()
	if err != nil || !ok {
		t.Fatalf("load binding: ok=%v err=%v", ok, err)
	}
	if restored.Kind != oracle.FeedKindHTTP || restored.Endpoint != "https://feeds.example/native-usd" {
		t.Fatalf("unexpected binding: %+v", restored)
	}

	if err := mgr.SetOracleBinding(oracle.FeedSpec{Kind: "unknown"}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}
