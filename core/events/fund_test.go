package events

import (
	"math/big"
	"strings"
	"testing"
)

func TestContributionRecordedEvent(t *testing.T) {
	var funder [20]byte
	funder[19] = 0x01
	var receipt [32]byte
	receipt[0] = 0xab

	evt := ContributionRecorded{
		Funder:   funder,
		Amount:   big.NewInt(1_000_000),
		USDValue: big.NewInt(75),
		Receipt:  receipt,
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeContributionRecorded {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if !strings.HasPrefix(evt.Attributes["funder"], "fv1") {
		t.Fatalf("funder attr not bech32: %s", evt.Attributes["funder"])
	}
	if evt.Attributes["amount"] != "1000000" || evt.Attributes["usdValue"] != "75" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if !strings.HasPrefix(evt.Attributes["receipt"], "0xab") {
		t.Fatalf("unexpected receipt attr: %s", evt.Attributes["receipt"])
	}
}

func TestFundsWithdrawnEvent(t *testing.T) {
	var owner [20]byte
	owner[0] = 0xee

	evt := FundsWithdrawn{To: owner, Amount: big.NewInt(42), Funders: 5}.Event()
	if evt.Type != TypeFundsWithdrawn {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["amount"] != "42" || evt.Attributes["funders"] != "5" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
}

func TestOracleUpdatedEventOmitsEmptyPrevious(t *testing.T) {
	evt := OracleUpdated{Next: " feed-b ", Version: 3}.Event()
	if evt.Attributes["next"] != "feed-b" {
		t.Fatalf("next attr not trimmed: %q", evt.Attributes["next"])
	}
	if _, ok := evt.Attributes["previous"]; ok {
		t.Fatalf("previous attr should be omitted when empty")
	}
	if evt.Attributes["version"] != "3" {
		t.Fatalf("unexpected version attr: %s", evt.Attributes["version"])
	}
}

func TestNilAmountFormatsAsZero(t *testing.T) {
	evt := ContributionRecorded{}.Event()
	if evt.Attributes["amount"] != "0" || evt.Attributes["usdValue"] != "0" {
		t.Fatalf("nil amounts should format as zero: %+v", evt.Attributes)
	}
}
