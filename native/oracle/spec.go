package oracle

import (
	"fmt"
	"os"
	"strings"
)

// Feed kinds accepted by BuildFeed.
const (
	FeedKindManual = "manual"
	FeedKindHTTP   = "http"
)

// FeedSpec is the serialisable description of a feed binding. The node
// persists the active spec so a restart rebinds the same feed, and oracle
// rotations are submitted as specs rather than live object references.
type FeedSpec struct {
	Kind      string `json:"kind" toml:"Kind"`
	Endpoint  string `json:"endpoint" toml:"Endpoint"`
	APIKeyEnv string `json:"apiKeyEnv,omitempty" toml:"APIKeyEnv"`
	// Price and Decimals seed manual feeds only; they are ignored for
	// remote kinds.
	Price    string `json:"price,omitempty" toml:"Price"`
	Decimals uint8  `json:"decimals,omitempty" toml:"Decimals"`
}

// Normalise trims and lowercases the identifying fields.
func (s FeedSpec) Normalise() FeedSpec {
	return FeedSpec{
		Kind:      strings.ToLower(strings.TrimSpace(s.Kind)),
		Endpoint:  strings.TrimSpace(s.Endpoint),
		APIKeyEnv: strings.TrimSpace(s.APIKeyEnv),
		Price:     strings.TrimSpace(s.Price),
		Decimals:  s.Decimals,
	}
}

// Validate reports whether the spec describes a buildable feed.
func (s FeedSpec) Validate() error {
	spec := s.Normalise()
	switch spec.Kind {
	case FeedKindManual:
		if spec.Endpoint == "" {
			return fmt.Errorf("oracle: manual feed requires a label")
		}
	case FeedKindHTTP:
		if spec.Endpoint == "" {
			return fmt.Errorf("oracle: http feed requires an endpoint")
		}
	case "":
		return fmt.Errorf("oracle: feed kind required")
	default:
		return fmt.Errorf("oracle: unknown feed kind %q", spec.Kind)
	}
	return nil
}

// BuildFeed constructs the feed described by the spec. The HTTP client is
// only consulted for remote kinds; nil falls back to http.DefaultClient.
func BuildFeed(spec FeedSpec, client HTTPDoer) (Feed, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	normalised := spec.Normalise()
	switch normalised.Kind {
	case FeedKindManual:
		feed := NewManualFeed(normalised.Endpoint)
		if normalised.Price != "" {
			if err := feed.SetPriceString(normalised.Price, normalised.Decimals); err != nil {
				return nil, err
			}
		}
		return feed, nil
	case FeedKindHTTP:
		apiKey := ""
		if normalised.APIKeyEnv != "" {
			apiKey = os.Getenv(normalised.APIKeyEnv)
		}
		return NewHTTPFeed(client, normalised.Endpoint, apiKey)
	default:
		return nil, fmt.Errorf("oracle: unknown feed kind %q", normalised.Kind)
	}
}

// BuildClient is a convenience composing BuildFeed and NewClient.
func BuildClient(spec FeedSpec, client HTTPDoer) (*Client, error) {
	feed, err := BuildFeed(spec, client)
	if err != nil {
		return nil, err
	}
	return NewClient(feed)
}
