package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Sender pushes value out of the exchange to an external address. Used for
// the marketplace's immediate payment split and for ledger withdrawals.
type Sender interface {
	// Send transfers amount to the recipient. A non-nil error means no value
	// left the exchange.
	Send(ctx context.Context, to common.Address, amount *big.Int) error
}
