package ethregistry

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// registryABI is the minimal surface the exchange needs from an ERC-721
// registry with ERC-2981 royalties.
const registryABI = `[
  {"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"name":"getApproved","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"name":"isApprovedForAll","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"name":"royaltyInfo","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"salePrice","type":"uint256"}],"outputs":[{"name":"receiver","type":"address"},{"name":"royaltyAmount","type":"uint256"}]}
]`

// Registry talks to an on-chain ERC-721 registry contract.
type Registry struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	addr     common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
}

// New dials the node at rpcURL and binds the registry contract at
// contractAddr. Transfers are signed with the given hex-encoded private key,
// which must belong to the exchange's custody address.
func New(ctx context.Context, rpcURL string, contractAddr common.Address, privateKeyHex string) (*Registry, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing node: %v", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parsing abi: %v", err)
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting chain id: %v", err)
	}
	return &Registry{
		client:   client,
		contract: bind.NewBoundContract(contractAddr, parsed, client, client, client),
		addr:     contractAddr,
		key:      key,
		chainID:  chainID,
	}, nil
}

// Address returns the bound contract's address.
func (r *Registry) Address() common.Address {
	return r.addr
}

// OwnerOf returns the current owner of tokenID.
func (r *Registry) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return common.Address{}, fmt.Errorf("calling ownerOf: %v", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// GetApproved returns the address approved for tokenID.
func (r *Registry) GetApproved(ctx context.Context, tokenID uint64) (common.Address, error) {
	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getApproved", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return common.Address{}, fmt.Errorf("calling getApproved: %v", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// IsApprovedForAll reports whether operator may move any of owner's tokens.
func (r *Registry) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, fmt.Errorf("calling isApprovedForAll: %v", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// TransferFrom moves custody of tokenID, waiting for the transaction to be
// mined so failures surface synchronously.
func (r *Registry) TransferFrom(ctx context.Context, from, to common.Address, tokenID uint64) error {
	opts, err := bind.NewKeyedTransactorWithChainID(r.key, r.chainID)
	if err != nil {
		return fmt.Errorf("building transactor: %v", err)
	}
	opts.Context = ctx
	tx, err := r.contract.Transact(opts, "transferFrom", from, to, new(big.Int).SetUint64(tokenID))
	if err != nil {
		return fmt.Errorf("sending transferFrom: %v", err)
	}
	receipt, err := bind.WaitMined(ctx, r.client, tx)
	if err != nil {
		return fmt.Errorf("waiting for transferFrom: %v", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("transferFrom %d reverted (tx %s)", tokenID, tx.Hash())
	}
	return nil
}

// RoyaltyInfo returns the ERC-2981 royalty receiver and amount for salePrice.
// Registries without royaltyInfo report no royalty.
func (r *Registry) RoyaltyInfo(ctx context.Context, tokenID uint64, salePrice *big.Int) (common.Address, *big.Int, error) {
	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "royaltyInfo", new(big.Int).SetUint64(tokenID), salePrice)
	if err != nil {
		// Not every registry implements ERC-2981.
		return common.Address{}, big.NewInt(0), nil
	}
	receiver := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	amount := *abi.ConvertType(out[1], new(*big.Int)).(**big.Int)
	return receiver, amount, nil
}

// Close closes the underlying client.
func (r *Registry) Close() error {
	r.client.Close()
	return nil
}
