package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

var (
	// ErrArithmeticOverflow indicates that a conversion left the unsigned
	// 256-bit domain: a negative amount or price, an input too wide for the
	// register, or an intermediate product that wrapped.
	ErrArithmeticOverflow = errors.New("oracle: arithmetic overflow")
	// ErrNilFeed indicates a client was constructed or invoked without a
	// usable price feed.
	ErrNilFeed = errors.New("oracle: feed not configured")
)

// referenceDecimals is the fixed-point scale of the reference unit. All
// converted values carry eighteen fractional digits regardless of the feed's
// native scale.
const referenceDecimals = 18

var referenceUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(referenceDecimals), nil)

// Client values native amounts in the reference unit using exactly one bound
// feed. Conversion is pure: the client holds no state beyond the binding and
// never mutates its inputs.
type Client struct {
	feed Feed
}

// NewClient binds the supplied feed. The feed must be non-nil and report a
// non-empty address so rotations stay diagnosable.
func NewClient(feed Feed) (*Client, error) {
	if feed == nil {
		return nil, ErrNilFeed
	}
	if strings.TrimSpace(feed.Address()) == "" {
		return nil, fmt.Errorf("%w: empty feed address", ErrNilFeed)
	}
	return &Client{feed: feed}, nil
}

// Feed returns the bound feed.
func (c *Client) Feed() Feed {
	if c == nil {
		return nil
	}
	return c.feed
}

// FeedAddress returns the bound feed's address for observability.
func (c *Client) FeedAddress() string {
	if c == nil || c.feed == nil {
		return ""
	}
	return c.feed.Address()
}

// Version reports the bound feed's version for diagnostics.
func (c *Client) Version() (uint64, error) {
	if c == nil || c.feed == nil {
		return 0, ErrNilFeed
	}
	return c.feed.Version()
}

// Convert values amount (native base units, 1e18 per whole token) in the
// reference unit: amount times the latest feed price, normalised to eighteen
// fractional digits. Every step runs in checked unsigned 256-bit arithmetic;
// negative inputs, negative prices and wrapped intermediates all fail with
// ErrArithmeticOverflow and no partial result.
func (c *Client) Convert(amount *big.Int) (*big.Int, error) {
	if c == nil || c.feed == nil {
		return nil, ErrNilFeed
	}
	if amount == nil {
		return nil, fmt.Errorf("oracle: amount required")
	}
	price, decimals, err := c.feed.LatestPrice()
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch price: %w", err)
	}
	return convert(amount, price, decimals)
}

func convert(amount, price *big.Int, decimals uint8) (*big.Int, error) {
	if price == nil {
		return nil, fmt.Errorf("oracle: feed returned nil price")
	}
	if amount.Sign() < 0 || price.Sign() < 0 {
		return nil, ErrArithmeticOverflow
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	scaled, err := normalisePrice(price, decimals)
	if err != nil {
		return nil, err
	}
	product := new(uint256.Int)
	if _, overflow := product.MulOverflow(scaled, amt); overflow {
		return nil, ErrArithmeticOverflow
	}
	unit, _ := uint256.FromBig(referenceUnit)
	return product.Div(product, unit).ToBig(), nil
}

// normalisePrice rescales a non-negative feed price to eighteen fractional
// digits in the unsigned domain.
func normalisePrice(price *big.Int, decimals uint8) (*uint256.Int, error) {
	p, overflow := uint256.FromBig(price)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	switch {
	case decimals == referenceDecimals:
		return p, nil
	case decimals < referenceDecimals:
		exp := int64(referenceDecimals - decimals)
		factor, _ := uint256.FromBig(new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil))
		scaled := new(uint256.Int)
		if _, overflow := scaled.MulOverflow(p, factor); overflow {
			return nil, ErrArithmeticOverflow
		}
		return scaled, nil
	default:
		exp := int64(decimals - referenceDecimals)
		divisor, overflow := uint256.FromBig(new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil))
		if overflow {
			// The divisor exceeds the register width, so the quotient
			// of any representable price is zero.
			return new(uint256.Int), nil
		}
		return p.Div(p, divisor), nil
	}
}
