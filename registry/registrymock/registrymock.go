package registrymock

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	golog "github.com/ipfs/go-log/v2"
	"github.com/nftex/exchange-core/exchange"
)

var log = golog.Logger("registry/mock")

// ErrUnknownToken is returned when a token was never minted.
var ErrUnknownToken = errors.New("unknown token")

// ErrNotAuthorized is returned when a transfer lacks ownership or approval.
var ErrNotAuthorized = errors.New("transfer not authorized")

// Addr is the synthetic on-chain address mock registries report.
var Addr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type royalty struct {
	receiver common.Address
	bps      uint32
}

// Registry is an in-memory asset registry with ERC-721 ownership and approval
// semantics. Useful for tests and local development.
type Registry struct {
	lock      sync.Mutex
	caller    common.Address
	owners    map[uint64]common.Address
	approved  map[uint64]common.Address
	operators map[common.Address]map[common.Address]bool
	royalties map[uint64]royalty

	// TransferHook, if set, runs synchronously inside TransferFrom before
	// ownership changes. Tests use it to simulate a hostile token contract
	// that re-enters the engine.
	TransferHook func(ctx context.Context, from, to common.Address, tokenID uint64) error

	// QueryHook, if set, runs synchronously inside OwnerOf and RoyaltyInfo.
	// Tests use it to simulate a hostile token contract that re-enters the
	// engine from a view call.
	QueryHook func(ctx context.Context, tokenID uint64) error
}

// New returns a new in-memory Registry. Transfers are authorized as if issued
// by `caller` (normally the engine's own address).
func New(caller common.Address) *Registry {
	return &Registry{
		caller:    caller,
		owners:    map[uint64]common.Address{},
		approved:  map[uint64]common.Address{},
		operators: map[common.Address]map[common.Address]bool{},
		royalties: map[uint64]royalty{},
	}
}

// Address returns the mock registry's synthetic address.
func (r *Registry) Address() common.Address {
	return Addr
}

// Mint assigns a fresh token to owner.
func (r *Registry) Mint(tokenID uint64, owner common.Address) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.owners[tokenID] = owner
}

// SetRoyalty configures an ERC-2981 style royalty for a token.
func (r *Registry) SetRoyalty(tokenID uint64, receiver common.Address, bps uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.royalties[tokenID] = royalty{receiver: receiver, bps: bps}
}

// Approve sets the single-token approval, as the owner would.
func (r *Registry) Approve(tokenID uint64, operator common.Address) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.approved[tokenID] = operator
}

// SetApprovalForAll sets a blanket operator approval for owner.
func (r *Registry) SetApprovalForAll(owner, operator common.Address, approved bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.operators[owner] == nil {
		r.operators[owner] = map[common.Address]bool{}
	}
	r.operators[owner][operator] = approved
}

// OwnerOf returns the current owner of tokenID.
func (r *Registry) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	r.lock.Lock()
	owner, ok := r.owners[tokenID]
	hook := r.QueryHook
	r.lock.Unlock()
	if !ok {
		return common.Address{}, fmt.Errorf("token %d: %w", tokenID, ErrUnknownToken)
	}
	if hook != nil {
		if err := hook(ctx, tokenID); err != nil {
			return common.Address{}, fmt.Errorf("query hook: %v", err)
		}
	}
	return owner, nil
}

// TransferFrom moves custody of tokenID from `from` to `to`. The caller
// identity is the one fixed at construction; it must be the owner, the
// per-token approved address, or an approved operator.
func (r *Registry) TransferFrom(ctx context.Context, from, to common.Address, tokenID uint64) error {
	r.lock.Lock()
	owner, ok := r.owners[tokenID]
	if !ok {
		r.lock.Unlock()
		return fmt.Errorf("token %d: %w", tokenID, ErrUnknownToken)
	}
	if owner != from {
		r.lock.Unlock()
		return fmt.Errorf("%s is not the owner of %d: %w", from, tokenID, ErrNotAuthorized)
	}
	authorized := r.caller == owner ||
		r.approved[tokenID] == r.caller ||
		r.operators[owner][r.caller]
	hook := r.TransferHook
	r.lock.Unlock()

	if !authorized {
		return fmt.Errorf("caller %s has no approval for %d: %w", r.caller, tokenID, ErrNotAuthorized)
	}
	if hook != nil {
		if err := hook(ctx, from, to, tokenID); err != nil {
			return fmt.Errorf("transfer hook: %v", err)
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.owners[tokenID] = to
	delete(r.approved, tokenID) // transfer clears the single-token approval
	log.Debugf("token %d: %s -> %s", tokenID, from, to)
	return nil
}

// IsApprovedForAll reports whether operator has a blanket approval from owner.
func (r *Registry) IsApprovedForAll(_ context.Context, owner, operator common.Address) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.operators[owner][operator], nil
}

// GetApproved returns the single-token approved address, if any.
func (r *Registry) GetApproved(_ context.Context, tokenID uint64) (common.Address, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.owners[tokenID]; !ok {
		return common.Address{}, fmt.Errorf("token %d: %w", tokenID, ErrUnknownToken)
	}
	return r.approved[tokenID], nil
}

// RoyaltyInfo returns the configured royalty for tokenID, floor-divided from
// salePrice. Tokens without a configured royalty return a zero receiver.
func (r *Registry) RoyaltyInfo(ctx context.Context, tokenID uint64, salePrice *big.Int) (common.Address, *big.Int, error) {
	r.lock.Lock()
	roy, ok := r.royalties[tokenID]
	hook := r.QueryHook
	r.lock.Unlock()
	if hook != nil {
		if err := hook(ctx, tokenID); err != nil {
			return common.Address{}, nil, fmt.Errorf("query hook: %v", err)
		}
	}
	if !ok {
		return common.Address{}, big.NewInt(0), nil
	}
	return roy.receiver, exchange.BasisPoints(salePrice, roy.bps), nil
}
