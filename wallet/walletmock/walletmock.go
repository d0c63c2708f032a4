package walletmock

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Payment records a single outbound transfer.
type Payment struct {
	To     common.Address
	Amount *big.Int
}

// Wallet is a capture-only Sender for tests and local development. It can be
// told to reject transfers to specific addresses, simulating recipients that
// refuse payment.
type Wallet struct {
	lock     sync.Mutex
	payments []Payment
	rejects  map[common.Address]bool
}

// New returns a new mock Wallet.
func New() *Wallet {
	return &Wallet{rejects: map[common.Address]bool{}}
}

// Reject makes future sends to addr fail.
func (w *Wallet) Reject(addr common.Address) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.rejects[addr] = true
}

// Send records the payment, or fails if the recipient is marked rejecting.
func (w *Wallet) Send(_ context.Context, to common.Address, amount *big.Int) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.rejects[to] {
		return fmt.Errorf("recipient %s rejected payment", to)
	}
	w.payments = append(w.payments, Payment{To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Payments returns a copy of all recorded payments.
func (w *Wallet) Payments() []Payment {
	w.lock.Lock()
	defer w.lock.Unlock()
	out := make([]Payment, len(w.payments))
	copy(out, w.payments)
	return out
}

// TotalSent returns the sum sent to addr.
func (w *Wallet) TotalSent(addr common.Address) *big.Int {
	w.lock.Lock()
	defer w.lock.Unlock()
	total := big.NewInt(0)
	for _, p := range w.payments {
		if p.To == addr {
			total.Add(total, p.Amount)
		}
	}
	return total
}
