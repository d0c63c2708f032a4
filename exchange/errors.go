package exchange

import "errors"

// Validation errors. Rejected before any state mutation; callers can retry
// with corrected input.
var (
	// ErrInvalidStartPrice indicates a zero or negative start price.
	ErrInvalidStartPrice = errors.New("start price must be positive")
	// ErrInvalidPrice indicates a zero or negative listing price.
	ErrInvalidPrice = errors.New("price must be positive")
	// ErrInvalidDuration indicates a duration outside the configured bounds.
	ErrInvalidDuration = errors.New("invalid auction duration")
	// ErrInvalidMinIncrement indicates a zero or negative minimum increment.
	ErrInvalidMinIncrement = errors.New("min increment must be positive")
	// ErrUnsupportedAuctionType indicates an auction type the engine can't run.
	ErrUnsupportedAuctionType = errors.New("unsupported auction type")
	// ErrFeeTooHigh indicates a platform fee above the 1000 bps bound.
	ErrFeeTooHigh = errors.New("platform fee exceeds maximum basis points")
)

// Authorization errors. Not retryable without a different caller identity.
var (
	// ErrNotOwner indicates the caller doesn't own the token in the registry.
	ErrNotOwner = errors.New("caller is not the token owner")
	// ErrNotSeller indicates the caller isn't the auction or listing seller.
	ErrNotSeller = errors.New("caller is not the seller")
	// ErrSellerCannotBid indicates a seller bidding on their own auction.
	ErrSellerCannotBid = errors.New("seller can't bid on own auction")
	// ErrCannotBuyOwnItem indicates a seller buying their own listing.
	ErrCannotBuyOwnItem = errors.New("can't buy own item")
	// ErrNotAuthorized indicates a non-owner calling an admin operation.
	ErrNotAuthorized = errors.New("caller is not the exchange owner")
)

// State-conflict errors. The caller's view of state is stale; refresh and
// re-evaluate.
var (
	// ErrAuctionNotFound indicates the requested auction doesn't exist.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrListingNotFound indicates the requested listing doesn't exist.
	ErrListingNotFound = errors.New("listing not found")
	// ErrTokenAlreadyInAuction indicates the token has a live auction.
	ErrTokenAlreadyInAuction = errors.New("token already in an active auction")
	// ErrAuctionNotActive indicates the auction was settled or canceled.
	ErrAuctionNotActive = errors.New("auction is not active")
	// ErrAuctionEnded indicates bidding past the auction deadline.
	ErrAuctionEnded = errors.New("auction has ended")
	// ErrAuctionNotEnded indicates settlement before the auction deadline.
	ErrAuctionNotEnded = errors.New("auction has not ended")
	// ErrAlreadySettled indicates repeated settlement.
	ErrAlreadySettled = errors.New("auction already settled")
	// ErrAuctionHasBids indicates cancellation after capital was committed.
	ErrAuctionHasBids = errors.New("auction has bids")
	// ErrListingInactive indicates the listing was sold or canceled.
	ErrListingInactive = errors.New("listing is not active")
)

// Payment errors. The caller must supply a corrected value.
var (
	// ErrBidTooLow indicates a bid below current bid (or start price) plus
	// the minimum increment.
	ErrBidTooLow = errors.New("bid too low")
	// ErrInsufficientPayment indicates a purchase value below the price.
	ErrInsufficientPayment = errors.New("insufficient payment")
	// ErrNothingToWithdraw indicates a withdrawal with a zero balance.
	ErrNothingToWithdraw = errors.New("no funds to withdraw")
)

// Lifecycle errors. Fatal for the call; not retryable until the pause lifts
// or the reentrant call context unwinds.
var (
	// ErrPaused indicates the global pause switch is engaged.
	ErrPaused = errors.New("exchange is paused")
	// ErrReentrantCall indicates a nested re-entry into a guarded operation.
	ErrReentrantCall = errors.New("reentrant call")
)
