package registrymock

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	engineAddr = common.HexToAddress("0x0000000000000000000000000000000000000002")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000000011")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000022")
	artist     = common.HexToAddress("0x0000000000000000000000000000000000000033")
)

func TestOwnerOf(t *testing.T) {
	t.Parallel()
	r := New(engineAddr)

	_, err := r.OwnerOf(context.Background(), 1)
	require.ErrorIs(t, err, ErrUnknownToken)

	r.Mint(1, alice)
	owner, err := r.OwnerOf(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, alice, owner)
}

func TestTransferAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(engineAddr)
	r.Mint(1, alice)

	// The caller has no approval yet.
	err := r.TransferFrom(ctx, alice, bob, 1)
	require.ErrorIs(t, err, ErrNotAuthorized)

	// `from` must match the owner even with an approval in place.
	r.SetApprovalForAll(alice, engineAddr, true)
	err = r.TransferFrom(ctx, bob, alice, 1)
	require.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, r.TransferFrom(ctx, alice, bob, 1))
	owner, err := r.OwnerOf(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, bob, owner)

	// Alice's operator approval doesn't cover bob's token.
	err = r.TransferFrom(ctx, bob, alice, 1)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSingleTokenApprovalClearedOnTransfer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(engineAddr)
	r.Mint(1, alice)
	r.Approve(1, engineAddr)

	approved, err := r.GetApproved(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, engineAddr, approved)

	require.NoError(t, r.TransferFrom(ctx, alice, bob, 1))

	// The transfer consumed the approval.
	approved, err = r.GetApproved(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, approved)
	err = r.TransferFrom(ctx, bob, alice, 1)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestApprovalRevocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(engineAddr)
	r.Mint(1, alice)
	r.SetApprovalForAll(alice, engineAddr, true)

	ok, err := r.IsApprovedForAll(ctx, alice, engineAddr)
	require.NoError(t, err)
	require.True(t, ok)

	r.SetApprovalForAll(alice, engineAddr, false)
	err = r.TransferFrom(ctx, alice, bob, 1)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestTransferHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(engineAddr)
	r.Mint(1, alice)
	r.SetApprovalForAll(alice, engineAddr, true)

	// The hook observes pre-transfer ownership.
	var sawOwner common.Address
	r.TransferHook = func(ctx context.Context, from, to common.Address, tokenID uint64) error {
		owner, err := r.OwnerOf(ctx, tokenID)
		require.NoError(t, err)
		sawOwner = owner
		return nil
	}
	require.NoError(t, r.TransferFrom(ctx, alice, bob, 1))
	require.Equal(t, alice, sawOwner)
}

func TestRoyaltyInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(engineAddr)
	r.Mint(1, alice)

	receiver, amount, err := r.RoyaltyInfo(ctx, 1, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, common.Address{}, receiver)
	require.Equal(t, big.NewInt(0), amount)

	r.SetRoyalty(1, artist, 500)
	receiver, amount, err = r.RoyaltyInfo(ctx, 1, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, artist, receiver)
	require.Equal(t, big.NewInt(50), amount)

	// Floor division on amounts that don't divide evenly.
	_, amount, err = r.RoyaltyInfo(ctx, 1, big.NewInt(999))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(49), amount)
}
