package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
)

// Feed is the black-box price capability consumed by the converter. A feed
// reports the latest quoted price in its own fixed-point scale together with
// the number of fractional digits in that scale. Prices are signed at this
// boundary; rejecting non-positive quotes is the converter's job.
type Feed interface {
	LatestPrice() (price *big.Int, decimals uint8, err error)
	Version() (uint64, error)
	Address() string
}

// ManualFeed provides an in-memory feed implementation used for tests and
// operator overrides during incident response.
type ManualFeed struct {
	mu       sync.RWMutex
	label    string
	price    *big.Int
	decimals uint8
	version  uint64
}

// NewManualFeed constructs a manual feed identified by the supplied label.
func NewManualFeed(label string) *ManualFeed {
	return &ManualFeed{label: strings.TrimSpace(label), version: 1}
}

// SetPrice records the quoted price and its fractional digit count.
func (f *ManualFeed) SetPrice(price *big.Int, decimals uint8) {
	if f == nil || price == nil {
		return
	}
	f.mu.Lock()
	f.price = new(big.Int).Set(price)
	f.decimals = decimals
	f.mu.Unlock()
}

// SetPriceString parses a base-10 integer price in feed units.
func (f *ManualFeed) SetPriceString(price string, decimals uint8) error {
	if f == nil {
		return fmt.Errorf("manual feed not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("manual feed: price required")
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return fmt.Errorf("manual feed: invalid price %q", price)
	}
	f.SetPrice(parsed, decimals)
	return nil
}

// SetVersion overrides the reported feed version.
func (f *ManualFeed) SetVersion(version uint64) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.version = version
	f.mu.Unlock()
}

// LatestPrice returns a defensive copy of the stored quote.
func (f *ManualFeed) LatestPrice() (*big.Int, uint8, error) {
	if f == nil {
		return nil, 0, fmt.Errorf("manual feed not configured")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil {
		return nil, 0, fmt.Errorf("manual feed: no price set")
	}
	return new(big.Int).Set(f.price), f.decimals, nil
}

// Version returns the configured feed version.
func (f *ManualFeed) Version() (uint64, error) {
	if f == nil {
		return 0, fmt.Errorf("manual feed not configured")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version, nil
}

// Address returns the feed label.
func (f *ManualFeed) Address() string {
	if f == nil {
		return ""
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.label
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed fetches quotes from a JSON price endpoint. The endpoint is expected
// to answer GET requests with {"price": "...", "decimals": n, "version": n}.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string) (*HTTPFeed, error) {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		return nil, fmt.Errorf("http feed: endpoint required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey)}, nil
}

type httpQuote struct {
	Price    json.Number `json:"price"`
	Decimals uint8       `json:"decimals"`
	Version  uint64      `json:"version"`
}

func (f *HTTPFeed) fetch() (*httpQuote, error) {
	if f == nil {
		return nil, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	quote := new(httpQuote)
	if err := decoder.Decode(quote); err != nil {
		return nil, fmt.Errorf("http feed: decode: %w", err)
	}
	return quote, nil
}

// LatestPrice fetches and parses the current quote.
func (f *HTTPFeed) LatestPrice() (*big.Int, uint8, error) {
	quote, err := f.fetch()
	if err != nil {
		return nil, 0, err
	}
	raw := strings.TrimSpace(quote.Price.String())
	if raw == "" {
		return nil, 0, fmt.Errorf("http feed: empty price")
	}
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, 0, fmt.Errorf("http feed: invalid price %q", raw)
	}
	return price, quote.Decimals, nil
}

// Version fetches the upstream feed version.
func (f *HTTPFeed) Version() (uint64, error) {
	quote, err := f.fetch()
	if err != nil {
		return 0, err
	}
	return quote.Version, nil
}

// Address returns the configured endpoint.
func (f *HTTPFeed) Address() string {
	if f == nil {
		return ""
	}
	return f.endpoint
}
