package exchange

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	invalidStatus = "invalid"

	// FeeDenominator is the denominator used for basis-point fee math.
	FeeDenominator = 10000
	// MaxPlatformFeeBps is the inclusive upper bound for the platform fee.
	MaxPlatformFeeBps = 1000

	// DefaultMinAuctionDuration is the minimum allowed auction duration.
	DefaultMinAuctionDuration = time.Hour
	// DefaultMaxAuctionDuration is the maximum allowed auction duration.
	DefaultMaxAuctionDuration = time.Hour * 24 * 30
	// DefaultExtensionWindow is the trailing window that triggers anti-sniping.
	DefaultExtensionWindow = time.Minute * 10
	// DefaultExtensionTime is the time added when a bid lands inside the window.
	DefaultExtensionTime = time.Minute * 10
)

// AuctionID is a unique, sequential identifier for an Auction. IDs start at 1
// and are never reused.
type AuctionID uint64

// ListingID is a unique, sequential identifier for a Listing.
type ListingID uint64

// BidID is a unique identifier for a Bid. IDs are monotonic within an auction.
type BidID string

// AuctionType describes the bidding semantics of an auction.
type AuctionType int

const (
	// AuctionTypeUnspecified is an invalid type value. Defined for safety.
	AuctionTypeUnspecified AuctionType = iota
	// AuctionTypeEnglish is an ascending-price timed auction.
	AuctionTypeEnglish
)

// String returns a string-encoded auction type.
func (at AuctionType) String() string {
	switch at {
	case AuctionTypeUnspecified:
		return "unspecified"
	case AuctionTypeEnglish:
		return "english"
	default:
		return invalidStatus
	}
}

// Auction defines the core auction model. While Active, the engine holds
// registry custody of the token. Active and Settled are never simultaneously
// true after creation; Settled transitions false to true exactly once.
type Auction struct {
	ID            AuctionID      `json:"id"`
	TokenID       uint64         `json:"token_id"`
	Registry      common.Address `json:"registry"`
	Seller        common.Address `json:"seller"`
	StartPrice    *big.Int       `json:"start_price"`
	CurrentBid    *big.Int       `json:"current_bid"`
	CurrentBidder common.Address `json:"current_bidder"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	MinIncrement  *big.Int       `json:"min_increment"`
	Type          AuctionType    `json:"type"`
	BuyNowPrice   *big.Int       `json:"buy_now_price"`
	Active        bool           `json:"active"`
	Settled       bool           `json:"settled"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasBids reports whether at least one bid was placed.
func (a Auction) HasBids() bool {
	return a.CurrentBidder != (common.Address{})
}

// Status returns a string-encoded lifecycle status for logs and read APIs.
func (a Auction) Status() string {
	switch {
	case a.Active && !a.Settled:
		return "active"
	case !a.Active && a.Settled:
		return "settled"
	case !a.Active && !a.Settled:
		return "canceled"
	default:
		return invalidStatus
	}
}

// Bid defines the core bid model. Bids are append-only history; amounts are
// strictly increasing within one auction.
type Bid struct {
	ID         BidID          `json:"id"`
	AuctionID  AuctionID      `json:"auction_id"`
	Bidder     common.Address `json:"bidder"`
	Amount     *big.Int       `json:"amount"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Listing defines the core fixed-price listing model. Unlike an Auction, a
// Listing takes no custody at creation; the transfer happens at purchase time
// against a live registry approval.
type Listing struct {
	ID        ListingID      `json:"id"`
	TokenID   uint64         `json:"token_id"`
	Registry  common.Address `json:"registry"`
	Seller    common.Address `json:"seller"`
	Price     *big.Int       `json:"price"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Stats are running marketplace totals.
type Stats struct {
	TotalVolume *big.Int `json:"total_volume"`
	TotalSales  uint64   `json:"total_sales"`
}

// UserStats are per-address marketplace counters.
type UserStats struct {
	Sales     uint64 `json:"sales"`
	Purchases uint64 `json:"purchases"`
}

// FeeConfig parameterizes fee computation and auction lifetimes.
type FeeConfig struct {
	PlatformFeeBps     uint32        `json:"platform_fee_bps"`
	MinAuctionDuration time.Duration `json:"min_auction_duration"`
	MaxAuctionDuration time.Duration `json:"max_auction_duration"`
	ExtensionWindow    time.Duration `json:"extension_window"`
	ExtensionTime      time.Duration `json:"extension_time"`
}

// Validate returns an error if the config contains invalid fields.
func (c FeeConfig) Validate() error {
	if c.PlatformFeeBps > MaxPlatformFeeBps {
		return ErrFeeTooHigh
	}
	if c.MinAuctionDuration <= 0 || c.MaxAuctionDuration < c.MinAuctionDuration {
		return fmt.Errorf("auction duration bounds %v..%v: %w",
			c.MinAuctionDuration, c.MaxAuctionDuration, ErrInvalidDuration)
	}
	if c.ExtensionWindow < 0 || c.ExtensionTime < 0 {
		return errors.New("extension parameters can't be negative")
	}
	return nil
}

// BasisPoints computes amount*bps/10000 with floor division. Both the
// platform fee and registry royalties use this math.
func BasisPoints(amount *big.Int, bps uint32) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Div(fee, big.NewInt(FeeDenominator))
}
