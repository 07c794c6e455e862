package oracle

import (
	"errors"
	"math/big"
	"testing"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("invalid big int literal %q", s)
	}
	return v
}

func manualClient(t *testing.T, price string, decimals uint8) *Client {
	t.Helper()
	feed := NewManualFeed("test-feed")
	if err := feed.SetPriceString(price, decimals); err != nil {
		t.Fatalf("set price: %v", err)
	}
	client, err := NewClient(feed)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestConvertScalesEightDecimalFeed(t *testing.T) {
	// 1895.03 USD per token quoted with eight fractional digits.
	client := manualClient(t, "189503000000", 8)

	half := mustBig(t, "500000000000000000")
	got, err := client.Convert(half)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := mustBig(t, "947515000000000000000")
	if got.Cmp(want) != 0 {
		t.Fatalf("convert = %s, want %s", got, want)
	}
}

func TestConvertPassesThroughReferenceScale(t *testing.T) {
	client := manualClient(t, "2000000000000000000000", 18) // 2000 USD
	one := mustBig(t, "1000000000000000000")
	got, err := client.Convert(one)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(mustBig(t, "2000000000000000000000")) != 0 {
		t.Fatalf("unexpected value: %s", got)
	}
}

func TestConvertDividesWideFeeds(t *testing.T) {
	// Same 2000 USD quote expressed with twenty fractional digits.
	client := manualClient(t, "200000000000000000000000", 20)
	one := mustBig(t, "1000000000000000000")
	got, err := client.Convert(one)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(mustBig(t, "2000000000000000000000")) != 0 {
		t.Fatalf("unexpected value: %s", got)
	}
}

func TestConvertZeroAmount(t *testing.T) {
	client := manualClient(t, "189503000000", 8)
	got, err := client.Convert(big.NewInt(0))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("zero amount should value to zero, got %s", got)
	}
}

func TestConvertRejectsNegativeAmount(t *testing.T) {
	client := manualClient(t, "189503000000", 8)
	if _, err := client.Convert(big.NewInt(-1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestConvertRejectsNegativePrice(t *testing.T) {
	feed := NewManualFeed("broken")
	feed.SetPrice(big.NewInt(-42), 8)
	client, err := NewClient(feed)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Convert(big.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestConvertRejectsWrappedProduct(t *testing.T) {
	client := manualClient(t, "1000000000000000000", 8)
	huge := new(big.Int).Lsh(big.NewInt(1), 250)
	if _, err := client.Convert(huge); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestConvertRejectsOverwideAmount(t *testing.T) {
	client := manualClient(t, "189503000000", 8)
	tooWide := new(big.Int).Lsh(big.NewInt(1), 300)
	if _, err := client.Convert(tooWide); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestConvertExtremeDecimalsFloorToZero(t *testing.T) {
	client := manualClient(t, "189503000000", 120)
	got, err := client.Convert(mustBig(t, "1000000000000000000"))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("expected zero value, got %s", got)
	}
}

func TestConvertPropagatesFeedFailure(t *testing.T) {
	feed := NewManualFeed("empty")
	client, err := NewClient(feed)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Convert(big.NewInt(1)); err == nil {
		t.Fatal("expected error when feed has no price")
	}
}

func TestNewClientValidatesFeed(t *testing.T) {
	if _, err := NewClient(nil); !errors.Is(err, ErrNilFeed) {
		t.Fatalf("expected ErrNilFeed, got %v", err)
	}
	if _, err := NewClient(NewManualFeed("  ")); !errors.Is(err, ErrNilFeed) {
		t.Fatalf("expected ErrNilFeed for blank label, got %v", err)
	}
}

func TestClientReportsFeedMetadata(t *testing.T) {
	feed := NewManualFeed("chainlink-mirror")
	feed.SetVersion(4)
	client, err := NewClient(feed)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := client.FeedAddress(); got != "chainlink-mirror" {
		t.Fatalf("feed address = %q", got)
	}
	version, err := client.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 4 {
		t.Fatalf("version = %d, want 4", version)
	}
}
