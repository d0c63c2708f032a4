package ethwallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	golog "github.com/ipfs/go-log/v2"
)

var log = golog.Logger("wallet/eth")

const transferGasLimit = 21000

// Wallet sends plain value transfers signed with a hot key.
type Wallet struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	addr    common.Address
	chainID *big.Int
}

// New dials the node at rpcURL and returns a Wallet for the given hex-encoded
// private key.
func New(ctx context.Context, rpcURL, privateKeyHex string) (*Wallet, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing node: %v", err)
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting chain id: %v", err)
	}
	return &Wallet{
		client:  client,
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Address returns the sending address.
func (w *Wallet) Address() common.Address {
	return w.addr
}

// Send transfers amount wei to the recipient and waits for the tx to be
// accepted by the node's mempool. A non-nil error means no value left the
// exchange.
func (w *Wallet) Send(ctx context.Context, to common.Address, amount *big.Int) error {
	nonce, err := w.client.PendingNonceAt(ctx, w.addr)
	if err != nil {
		return fmt.Errorf("getting nonce: %v", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("getting gas price: %v", err)
	}
	tx := types.NewTransaction(nonce, to, amount, transferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return fmt.Errorf("signing tx: %v", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("sending tx: %v", err)
	}
	log.Debugf("sent %s wei to %s (tx %s)", amount, to, signed.Hash())
	return nil
}

// Close closes the underlying client.
func (w *Wallet) Close() error {
	w.client.Close()
	return nil
}
