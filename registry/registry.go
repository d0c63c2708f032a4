package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetRegistry provides asset custody interactions. The exchange never
// mutates registry internals directly; it only invokes transfers and
// ownership/approval checks.
type AssetRegistry interface {
	// Address returns the registry's on-chain address, recorded on auctions
	// and listings.
	Address() common.Address

	// OwnerOf returns the current owner of a token.
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)

	// TransferFrom moves custody of a token. It fails if `from` isn't the
	// owner or the caller lacks a live approval.
	TransferFrom(ctx context.Context, from, to common.Address, tokenID uint64) error

	// IsApprovedForAll reports whether operator may move any of owner's tokens.
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)

	// GetApproved returns the address approved for a single token, if any.
	GetApproved(ctx context.Context, tokenID uint64) (common.Address, error)

	// RoyaltyInfo returns the royalty receiver and amount for a sale price,
	// in the ERC-2981 manner. A zero receiver means no royalty.
	RoyaltyInfo(ctx context.Context, tokenID uint64, salePrice *big.Int) (common.Address, *big.Int, error)
}
