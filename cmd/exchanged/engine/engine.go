package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	golog "github.com/ipfs/go-log/v2"
	"github.com/nftex/exchange-core/cmd/exchanged/engine/store"
	"github.com/nftex/exchange-core/exchange"
	"github.com/nftex/exchange-core/msgbroker"
	"github.com/nftex/exchange-core/registry"
	"github.com/nftex/exchange-core/wallet"
)

var log = golog.Logger("exchange/engine")

// Config contains the engine's operating parameters.
type Config struct {
	// Owner is the only address allowed to run admin operations.
	Owner common.Address
	// Custody is the address the engine escrows assets under in the registry.
	Custody common.Address
	// Fees holds the default platform fee and the auction timing parameters.
	// The fee can be changed at runtime and is persisted across restarts.
	Fees exchange.FeeConfig
	// Clock is the time source. If nil, the wall clock is used.
	Clock clock.Clock
}

// Engine runs the auction and marketplace state machines over an escrowed
// asset registry. Every entry point is serialized and atomic: it either
// commits all of its state changes or none of them.
type Engine struct {
	store  *store.Store
	reg    registry.AssetRegistry
	wallet wallet.Sender
	mb     msgbroker.MsgBroker
	clock  clock.Clock

	owner   common.Address
	custody common.Address
	fees    exchange.FeeConfig

	// lock serializes entry points. externalCall stamps the context it
	// hands to registry and wallet call-outs; enter rejects a stamped
	// context, so a nested synchronous re-entry on the same call chain
	// fails fast instead of deadlocking while unrelated callers queue on
	// the lock.
	lock sync.Mutex

	feeBps uint32
	paused bool
}

// New returns a new Engine. The persisted platform fee and pause switch are
// restored from the store; conf.Fees.PlatformFeeBps applies only on first run.
func New(
	ctx context.Context,
	s *store.Store,
	reg registry.AssetRegistry,
	sender wallet.Sender,
	mb msgbroker.MsgBroker,
	conf Config,
) (*Engine, error) {
	if err := conf.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("validating fee config: %w", err)
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	e := &Engine{
		store:   s,
		reg:     reg,
		wallet:  sender,
		mb:      mb,
		clock:   conf.Clock,
		owner:   conf.Owner,
		custody: conf.Custody,
		fees:    conf.Fees,
	}
	err := s.View(ctx, func(txn *store.Txn) error {
		bps, err := txn.FeeBps(ctx, conf.Fees.PlatformFeeBps)
		if err != nil {
			return err
		}
		paused, err := txn.Paused(ctx)
		if err != nil {
			return err
		}
		e.feeBps = bps
		e.paused = paused
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restoring engine state: %v", err)
	}
	return e, nil
}

// callOutKey marks contexts flowing through a registry or wallet call-out.
type callOutKey struct{}

// enter is the guarded entry for every mutating operation. A context stamped
// by externalCall means the caller is a registry or wallet callback
// synchronously re-entering the engine on the same call chain; it gets
// ErrReentrantCall, not a deadlock. Contexts without the stamp block on the
// serialization lock as usual.
func (e *Engine) enter(ctx context.Context) error {
	if ctx.Value(callOutKey{}) != nil {
		return exchange.ErrReentrantCall
	}
	e.lock.Lock()
	return nil
}

func (e *Engine) exit() {
	e.lock.Unlock()
}

// externalCall stamps the context it hands to f so any engine entry point
// invoked synchronously from within f fails with ErrReentrantCall.
func (e *Engine) externalCall(ctx context.Context, f func(ctx context.Context) error) error {
	return f(context.WithValue(ctx, callOutKey{}, struct{}{}))
}

func (e *Engine) checkNotPaused() error {
	if e.paused {
		return exchange.ErrPaused
	}
	return nil
}

func (e *Engine) checkOwner(caller common.Address) error {
	if caller != e.owner {
		return exchange.ErrNotAuthorized
	}
	return nil
}

// CreateAuction escrows caller's token under the engine and opens a new
// English auction. A buyNowPrice of zero disables immediate purchase.
func (e *Engine) CreateAuction(
	ctx context.Context,
	caller common.Address,
	tokenID uint64,
	startPrice *big.Int,
	duration time.Duration,
	minIncrement *big.Int,
	auctionType exchange.AuctionType,
	buyNowPrice *big.Int,
) (exchange.Auction, error) {
	if err := e.enter(ctx); err != nil {
		return exchange.Auction{}, err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return exchange.Auction{}, err
	}

	if auctionType != exchange.AuctionTypeEnglish {
		return exchange.Auction{}, exchange.ErrUnsupportedAuctionType
	}
	if startPrice == nil || startPrice.Sign() <= 0 {
		return exchange.Auction{}, exchange.ErrInvalidStartPrice
	}
	if minIncrement == nil || minIncrement.Sign() <= 0 {
		return exchange.Auction{}, exchange.ErrInvalidMinIncrement
	}
	if duration < e.fees.MinAuctionDuration || duration > e.fees.MaxAuctionDuration {
		return exchange.Auction{}, exchange.ErrInvalidDuration
	}
	if buyNowPrice == nil {
		buyNowPrice = big.NewInt(0)
	}

	registryAddr := e.reg.Address()
	err := e.store.View(ctx, func(txn *store.Txn) error {
		id, err := txn.ActiveAuctionForToken(ctx, registryAddr, tokenID)
		if err != nil {
			return err
		}
		if id != 0 {
			return exchange.ErrTokenAlreadyInAuction
		}
		return nil
	})
	if err != nil {
		return exchange.Auction{}, err
	}

	var owner common.Address
	err = e.externalCall(ctx, func(ctx context.Context) error {
		var err error
		owner, err = e.reg.OwnerOf(ctx, tokenID)
		return err
	})
	if err != nil {
		return exchange.Auction{}, fmt.Errorf("resolving token owner: %v", err)
	}
	if owner != caller {
		return exchange.Auction{}, exchange.ErrNotOwner
	}

	// Custody moves before the record commits; a failed commit hands the
	// token back.
	err = e.externalCall(ctx, func(ctx context.Context) error {
		return e.reg.TransferFrom(ctx, caller, e.custody, tokenID)
	})
	if err != nil {
		return exchange.Auction{}, fmt.Errorf("escrowing token %d: %v", tokenID, err)
	}

	now := e.clock.Now()
	var a exchange.Auction
	err = e.store.Update(ctx, func(txn *store.Txn) error {
		id, err := txn.NextAuctionID(ctx)
		if err != nil {
			return err
		}
		a = exchange.Auction{
			ID:           id,
			TokenID:      tokenID,
			Registry:     registryAddr,
			Seller:       caller,
			StartPrice:   startPrice,
			CurrentBid:   big.NewInt(0),
			StartTime:    now,
			EndTime:      now.Add(duration),
			MinIncrement: minIncrement,
			Type:         auctionType,
			BuyNowPrice:  buyNowPrice,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := txn.SaveAuction(ctx, a); err != nil {
			return err
		}
		return txn.SetTokenAuction(ctx, registryAddr, tokenID, id)
	})
	if err != nil {
		e.returnCustody(ctx, caller, tokenID)
		return exchange.Auction{}, fmt.Errorf("saving auction: %v", err)
	}

	log.Infof("auction %d created by %s for token %d, ends %s", a.ID, caller, tokenID, a.EndTime)
	if err := msgbroker.PublishMsgAuctionCreated(ctx, e.mb, a); err != nil {
		log.Errorf("publishing auction created: %s", err)
	}
	return a, nil
}

// PlaceBid registers caller's bid of `value` wei on an auction. The full
// value is held in escrow; the previous high bidder is refunded through the
// ledger. A bid at or above a non-zero buyNowPrice wins and settles the
// auction in the same invocation.
func (e *Engine) PlaceBid(
	ctx context.Context,
	caller common.Address,
	auctionID exchange.AuctionID,
	value *big.Int,
) (exchange.Bid, error) {
	if err := e.enter(ctx); err != nil {
		return exchange.Bid{}, err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return exchange.Bid{}, err
	}
	if value == nil || value.Sign() <= 0 {
		return exchange.Bid{}, exchange.ErrBidTooLow
	}

	now := e.clock.Now()
	var (
		bid      exchange.Bid
		a        exchange.Auction
		extended bool
		buyNow   bool
	)
	err := e.store.Update(ctx, func(txn *store.Txn) error {
		var err error
		a, err = txn.GetAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if !a.Active {
			return exchange.ErrAuctionNotActive
		}
		if !now.Before(a.EndTime) {
			return exchange.ErrAuctionEnded
		}
		if caller == a.Seller {
			return exchange.ErrSellerCannotBid
		}
		floor := new(big.Int).Set(a.StartPrice)
		if a.CurrentBid.Cmp(floor) > 0 {
			floor.Set(a.CurrentBid)
		}
		floor.Add(floor, a.MinIncrement)
		if value.Cmp(floor) < 0 {
			return exchange.ErrBidTooLow
		}

		// Outbid refunds are pull-only so a hostile bidder can't block
		// subsequent bidding.
		if a.HasBids() {
			if err := txn.Credit(ctx, a.CurrentBidder, a.CurrentBid); err != nil {
				return err
			}
		}

		bidID, err := e.store.NewBidID(now)
		if err != nil {
			return err
		}
		bid = exchange.Bid{
			ID:         bidID,
			AuctionID:  auctionID,
			Bidder:     caller,
			Amount:     value,
			ReceivedAt: now,
		}
		if err := txn.AddBid(ctx, bid); err != nil {
			return err
		}

		a.CurrentBid = value
		a.CurrentBidder = caller
		a.UpdatedAt = now
		buyNow = a.BuyNowPrice.Sign() > 0 && value.Cmp(a.BuyNowPrice) >= 0
		if !buyNow && !now.Add(e.fees.ExtensionWindow).Before(a.EndTime) {
			a.EndTime = now.Add(e.fees.ExtensionTime)
			extended = true
		}
		return txn.SaveAuction(ctx, a)
	})
	if err != nil {
		return exchange.Bid{}, err
	}

	log.Infof("bid %s of %s wei placed on auction %d by %s", bid.ID, value, auctionID, caller)
	if err := msgbroker.PublishMsgBidPlaced(ctx, e.mb, bid); err != nil {
		log.Errorf("publishing bid placed: %s", err)
	}
	if extended {
		if err := msgbroker.PublishMsgAuctionExtended(ctx, e.mb, msgbroker.AuctionExtendedMsg{
			AuctionID:  auctionID,
			NewEndTime: a.EndTime,
		}); err != nil {
			log.Errorf("publishing auction extended: %s", err)
		}
	}

	if buyNow {
		if err := e.finalizeAuction(ctx, a); err != nil {
			// The bid stands; the auction remains settleable later.
			return bid, fmt.Errorf("settling buy-now purchase: %v", err)
		}
	}
	return bid, nil
}

// SettleAuction finalizes an ended auction. It is permissionless so
// finalization never depends on the seller or the platform staying live.
func (e *Engine) SettleAuction(ctx context.Context, caller common.Address, auctionID exchange.AuctionID) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return err
	}

	var a exchange.Auction
	err := e.store.View(ctx, func(txn *store.Txn) error {
		var err error
		a, err = txn.GetAuction(ctx, auctionID)
		return err
	})
	if err != nil {
		return err
	}
	if a.Settled {
		return exchange.ErrAlreadySettled
	}
	if !a.Active {
		return exchange.ErrAuctionNotActive
	}
	if e.clock.Now().Before(a.EndTime) {
		return exchange.ErrAuctionNotEnded
	}
	return e.finalizeAuction(ctx, a)
}

// finalizeAuction moves custody to the winner (or back to the seller when no
// bid was placed), splits the winning bid into seller proceeds, royalty and
// platform fee, and tombstones the auction. Callers hold the entry lock.
func (e *Engine) finalizeAuction(ctx context.Context, a exchange.Auction) error {
	winner := a.CurrentBidder
	recipient := winner
	if !a.HasBids() {
		recipient = a.Seller
	}

	var (
		fee         = big.NewInt(0)
		royalty     = big.NewInt(0)
		proceeds    = big.NewInt(0)
		royaltyRecv common.Address
	)
	if a.HasBids() {
		fee = exchange.BasisPoints(a.CurrentBid, e.feeBps)
		var err error
		royaltyRecv, royalty, err = e.royaltyFor(ctx, a.TokenID, a.CurrentBid, fee)
		if err != nil {
			return err
		}
		proceeds = new(big.Int).Sub(a.CurrentBid, fee)
		proceeds.Sub(proceeds, royalty)
	}

	err := e.externalCall(ctx, func(ctx context.Context) error {
		return e.reg.TransferFrom(ctx, e.custody, recipient, a.TokenID)
	})
	if err != nil {
		return fmt.Errorf("releasing token %d custody: %v", a.TokenID, err)
	}

	now := e.clock.Now()
	err = e.store.Update(ctx, func(txn *store.Txn) error {
		a.Active = false
		a.Settled = true
		a.UpdatedAt = now
		if err := txn.SaveAuction(ctx, a); err != nil {
			return err
		}
		if err := txn.ClearTokenAuction(ctx, a.Registry, a.TokenID); err != nil {
			return err
		}
		if !a.HasBids() {
			return nil
		}
		if err := txn.Credit(ctx, a.Seller, proceeds); err != nil {
			return err
		}
		if royalty.Sign() > 0 {
			if err := txn.Credit(ctx, royaltyRecv, royalty); err != nil {
				return err
			}
		}
		return txn.AddFees(ctx, fee)
	})
	if err != nil {
		// Custody already released; surface the error so the operator can
		// reconcile.
		return fmt.Errorf("saving settlement of auction %d: %v", a.ID, err)
	}

	finalPrice := big.NewInt(0)
	if a.HasBids() {
		finalPrice = a.CurrentBid
	}
	log.Infof("auction %d settled, winner %s, final price %s wei", a.ID, winner, finalPrice)
	if err := msgbroker.PublishMsgAuctionSettled(ctx, e.mb, msgbroker.AuctionSettledMsg{
		AuctionID:      a.ID,
		Winner:         winner,
		FinalPrice:     finalPrice,
		PlatformFee:    fee,
		Royalty:        royalty,
		SellerProceeds: proceeds,
	}); err != nil {
		log.Errorf("publishing auction settled: %s", err)
	}
	return nil
}

// SettleEnded settles every active auction whose end time has passed and
// returns how many were settled. The daemon runs this periodically so
// finalization never waits on an external caller. It is a no-op while paused.
func (e *Engine) SettleEnded(ctx context.Context) (int, error) {
	if err := e.enter(ctx); err != nil {
		return 0, err
	}
	defer e.exit()
	if e.paused {
		return 0, nil
	}

	var list []exchange.Auction
	err := e.store.View(ctx, func(txn *store.Txn) error {
		var err error
		list, err = txn.ActiveAuctions(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	now := e.clock.Now()
	var settled int
	for _, a := range list {
		if now.Before(a.EndTime) {
			continue
		}
		if err := e.finalizeAuction(ctx, a); err != nil {
			log.Errorf("settling ended auction %d: %s", a.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

// CancelAuction returns custody to the seller and tombstones the auction.
// Once any bid is placed the seller can no longer withdraw the asset.
func (e *Engine) CancelAuction(ctx context.Context, caller common.Address, auctionID exchange.AuctionID) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return err
	}

	var a exchange.Auction
	err := e.store.View(ctx, func(txn *store.Txn) error {
		var err error
		a, err = txn.GetAuction(ctx, auctionID)
		return err
	})
	if err != nil {
		return err
	}
	if !a.Active {
		return exchange.ErrAuctionNotActive
	}
	if caller != a.Seller {
		return exchange.ErrNotSeller
	}
	if a.HasBids() {
		return exchange.ErrAuctionHasBids
	}

	err = e.externalCall(ctx, func(ctx context.Context) error {
		return e.reg.TransferFrom(ctx, e.custody, a.Seller, a.TokenID)
	})
	if err != nil {
		return fmt.Errorf("returning token %d custody: %v", a.TokenID, err)
	}

	now := e.clock.Now()
	err = e.store.Update(ctx, func(txn *store.Txn) error {
		a.Active = false
		a.UpdatedAt = now
		if err := txn.SaveAuction(ctx, a); err != nil {
			return err
		}
		return txn.ClearTokenAuction(ctx, a.Registry, a.TokenID)
	})
	if err != nil {
		// Custody already returned to the seller; surface the error so the
		// operator can reconcile.
		return fmt.Errorf("saving cancellation of auction %d: %v", a.ID, err)
	}

	log.Infof("auction %d canceled by seller %s", a.ID, caller)
	if err := msgbroker.PublishMsgAuctionCanceled(ctx, e.mb, msgbroker.AuctionCanceledMsg{
		AuctionID: a.ID,
	}); err != nil {
		log.Errorf("publishing auction canceled: %s", err)
	}
	return nil
}

// Withdraw sends caller's full ledger balance to their address and returns
// the amount sent. The balance is zeroed and committed before any value
// moves; a failed send re-credits it.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address) (*big.Int, error) {
	if err := e.enter(ctx); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return nil, err
	}

	var amount *big.Int
	err := e.store.Update(ctx, func(txn *store.Txn) error {
		var err error
		amount, err = txn.Debit(ctx, caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := e.send(ctx, caller, amount); err != nil {
		return nil, fmt.Errorf("sending withdrawal: %v", err)
	}
	log.Infof("withdrew %s wei to %s", amount, caller)
	return amount, nil
}

// WithdrawPlatformFees sends the accrued platform fee pool to the owner.
// Owner-only.
func (e *Engine) WithdrawPlatformFees(ctx context.Context, caller common.Address) (*big.Int, error) {
	if err := e.enter(ctx); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return nil, err
	}
	if err := e.checkOwner(caller); err != nil {
		return nil, err
	}

	var amount *big.Int
	err := e.store.Update(ctx, func(txn *store.Txn) error {
		var err error
		amount, err = txn.DebitFees(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	err = e.externalCall(ctx, func(ctx context.Context) error {
		return e.wallet.Send(ctx, e.owner, amount)
	})
	if err != nil {
		if cerr := e.store.Update(ctx, func(txn *store.Txn) error {
			return txn.AddFees(ctx, amount)
		}); cerr != nil {
			log.Errorf("re-crediting %s wei of fees after failed send: %s", amount, cerr)
		}
		return nil, fmt.Errorf("sending fee withdrawal: %v", err)
	}
	log.Infof("withdrew %s wei of platform fees", amount)
	return amount, nil
}

// SetPlatformFee updates the platform fee in basis points. Owner-only;
// rejects values above the inclusive 1000 bps bound.
func (e *Engine) SetPlatformFee(ctx context.Context, caller common.Address, bps uint32) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.exit()
	if err := e.checkOwner(caller); err != nil {
		return err
	}
	if bps > exchange.MaxPlatformFeeBps {
		return exchange.ErrFeeTooHigh
	}
	err := e.store.Update(ctx, func(txn *store.Txn) error {
		return txn.SetFeeBps(ctx, bps)
	})
	if err != nil {
		return fmt.Errorf("saving fee: %v", err)
	}
	log.Infof("platform fee set to %d bps", bps)
	e.feeBps = bps
	return nil
}

// Pause blocks every value- or custody-mutating entry point, withdrawals
// included. Owner-only.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause lifts the pause switch. Owner-only.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.exit()
	if err := e.checkOwner(caller); err != nil {
		return err
	}
	err := e.store.Update(ctx, func(txn *store.Txn) error {
		return txn.SetPaused(ctx, paused)
	})
	if err != nil {
		return fmt.Errorf("saving pause switch: %v", err)
	}
	e.paused = paused
	log.Warnf("pause switch set to %v by %s", paused, caller)
	return nil
}

// ListItem creates a fixed-price listing. No custody moves here; the sale
// transfer runs at purchase time against a live registry approval.
func (e *Engine) ListItem(
	ctx context.Context,
	caller common.Address,
	tokenID uint64,
	price *big.Int,
) (exchange.Listing, error) {
	if err := e.enter(ctx); err != nil {
		return exchange.Listing{}, err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return exchange.Listing{}, err
	}
	if price == nil || price.Sign() <= 0 {
		return exchange.Listing{}, exchange.ErrInvalidPrice
	}

	var owner common.Address
	err := e.externalCall(ctx, func(ctx context.Context) error {
		var err error
		owner, err = e.reg.OwnerOf(ctx, tokenID)
		return err
	})
	if err != nil {
		return exchange.Listing{}, fmt.Errorf("resolving token owner: %v", err)
	}
	if owner != caller {
		return exchange.Listing{}, exchange.ErrNotOwner
	}

	now := e.clock.Now()
	var li exchange.Listing
	err = e.store.Update(ctx, func(txn *store.Txn) error {
		id, err := txn.NextListingID(ctx)
		if err != nil {
			return err
		}
		li = exchange.Listing{
			ID:        id,
			TokenID:   tokenID,
			Registry:  e.reg.Address(),
			Seller:    caller,
			Price:     price,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return txn.SaveListing(ctx, li)
	})
	if err != nil {
		return exchange.Listing{}, fmt.Errorf("saving listing: %v", err)
	}

	log.Infof("listing %d created by %s for token %d at %s wei", li.ID, caller, tokenID, price)
	if err := msgbroker.PublishMsgItemListed(ctx, e.mb, li); err != nil {
		log.Errorf("publishing item listed: %s", err)
	}
	return li, nil
}

// BuyItem purchases a listing for `value` wei. The sale transfer requires the
// seller's live approval; if it was revoked the purchase fails with nothing
// recorded. Seller proceeds and any overpayment refund are pushed
// immediately; a push that bounces falls back to a ledger credit so funds are
// never stranded.
func (e *Engine) BuyItem(
	ctx context.Context,
	caller common.Address,
	listingID exchange.ListingID,
	value *big.Int,
) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return err
	}
	if value == nil || value.Sign() <= 0 {
		return exchange.ErrInsufficientPayment
	}

	var li exchange.Listing
	err := e.store.View(ctx, func(txn *store.Txn) error {
		var err error
		li, err = txn.GetListing(ctx, listingID)
		return err
	})
	if err != nil {
		return err
	}
	if !li.Active {
		return exchange.ErrListingInactive
	}
	if caller == li.Seller {
		return exchange.ErrCannotBuyOwnItem
	}
	if value.Cmp(li.Price) < 0 {
		return exchange.ErrInsufficientPayment
	}

	fee := exchange.BasisPoints(li.Price, e.feeBps)
	royaltyRecv, royalty, err := e.royaltyFor(ctx, li.TokenID, li.Price, fee)
	if err != nil {
		return err
	}
	proceeds := new(big.Int).Sub(li.Price, fee)
	proceeds.Sub(proceeds, royalty)
	refund := new(big.Int).Sub(value, li.Price)

	err = e.externalCall(ctx, func(ctx context.Context) error {
		return e.reg.TransferFrom(ctx, li.Seller, caller, li.TokenID)
	})
	if err != nil {
		return fmt.Errorf("transferring token %d: %w", li.TokenID, err)
	}

	now := e.clock.Now()
	err = e.store.Update(ctx, func(txn *store.Txn) error {
		li.Active = false
		li.UpdatedAt = now
		if err := txn.SaveListing(ctx, li); err != nil {
			return err
		}
		if royalty.Sign() > 0 {
			if err := txn.Credit(ctx, royaltyRecv, royalty); err != nil {
				return err
			}
		}
		if err := txn.AddFees(ctx, fee); err != nil {
			return err
		}
		return txn.RecordSale(ctx, li.Seller, caller, li.Price)
	})
	if err != nil {
		// The token already moved to the buyer; surface the error and leave
		// the listing intact so the operator can reconcile.
		return fmt.Errorf("saving sale after transfer of token %d: %v", li.TokenID, err)
	}

	if err := e.send(ctx, li.Seller, proceeds); err != nil {
		log.Errorf("pushing %s wei of proceeds to seller %s: %s", proceeds, li.Seller, err)
	}
	if refund.Sign() > 0 {
		if err := e.send(ctx, caller, refund); err != nil {
			log.Errorf("refunding %s wei of overpayment to %s: %s", refund, caller, err)
		}
	}

	log.Infof("listing %d sold to %s for %s wei", li.ID, caller, li.Price)
	if err := msgbroker.PublishMsgItemSold(ctx, e.mb, msgbroker.ItemSoldMsg{
		ListingID:      li.ID,
		Buyer:          caller,
		Price:          li.Price,
		PlatformFee:    fee,
		Royalty:        royalty,
		SellerProceeds: proceeds,
	}); err != nil {
		log.Errorf("publishing item sold: %s", err)
	}
	return nil
}

// UpdateListing changes the price of an active listing. Seller-only.
func (e *Engine) UpdateListing(
	ctx context.Context,
	caller common.Address,
	listingID exchange.ListingID,
	newPrice *big.Int,
) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return err
	}
	if newPrice == nil || newPrice.Sign() <= 0 {
		return exchange.ErrInvalidPrice
	}

	now := e.clock.Now()
	err := e.store.Update(ctx, func(txn *store.Txn) error {
		li, err := txn.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if !li.Active {
			return exchange.ErrListingInactive
		}
		if caller != li.Seller {
			return exchange.ErrNotSeller
		}
		li.Price = newPrice
		li.UpdatedAt = now
		return txn.SaveListing(ctx, li)
	})
	if err != nil {
		return err
	}

	log.Infof("listing %d price updated to %s wei", listingID, newPrice)
	if err := msgbroker.PublishMsgListingUpdated(ctx, e.mb, msgbroker.ListingUpdatedMsg{
		ListingID: listingID,
		NewPrice:  newPrice,
	}); err != nil {
		log.Errorf("publishing listing updated: %s", err)
	}
	return nil
}

// CancelListing deactivates a listing. Seller-only; no custody is involved
// since none was taken.
func (e *Engine) CancelListing(ctx context.Context, caller common.Address, listingID exchange.ListingID) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.exit()
	if err := e.checkNotPaused(); err != nil {
		return err
	}

	now := e.clock.Now()
	err := e.store.Update(ctx, func(txn *store.Txn) error {
		li, err := txn.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if !li.Active {
			return exchange.ErrListingInactive
		}
		if caller != li.Seller {
			return exchange.ErrNotSeller
		}
		li.Active = false
		li.UpdatedAt = now
		return txn.SaveListing(ctx, li)
	})
	if err != nil {
		return err
	}

	log.Infof("listing %d canceled", listingID)
	if err := msgbroker.PublishMsgListingCanceled(ctx, e.mb, msgbroker.ListingCanceledMsg{
		ListingID: listingID,
	}); err != nil {
		log.Errorf("publishing listing canceled: %s", err)
	}
	return nil
}

// GetAuction returns an auction by id.
func (e *Engine) GetAuction(ctx context.Context, id exchange.AuctionID) (a exchange.Auction, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		a, err = txn.GetAuction(ctx, id)
		return err
	})
	return
}

// GetAuctionBids returns an auction's bid history in placement order.
func (e *Engine) GetAuctionBids(ctx context.Context, id exchange.AuctionID) (bids []exchange.Bid, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		if _, err := txn.GetAuction(ctx, id); err != nil {
			return err
		}
		bids, err = txn.Bids(ctx, id)
		return err
	})
	return
}

// GetCurrentAuctionID returns the id of the most recently created auction,
// or zero if none exists.
func (e *Engine) GetCurrentAuctionID(ctx context.Context) (id exchange.AuctionID, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		id, err = txn.CurrentAuctionID(ctx)
		return err
	})
	return
}

// GetListing returns a listing by id.
func (e *Engine) GetListing(ctx context.Context, id exchange.ListingID) (li exchange.Listing, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		li, err = txn.GetListing(ctx, id)
		return err
	})
	return
}

// GetActiveListings returns active listings ordered by id.
func (e *Engine) GetActiveListings(ctx context.Context, offset, limit int) (list []exchange.Listing, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		list, err = txn.ActiveListings(ctx, offset, limit)
		return err
	})
	return
}

// Stats returns the running marketplace totals.
func (e *Engine) Stats(ctx context.Context) (st exchange.Stats, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		st, err = txn.Stats(ctx)
		return err
	})
	return
}

// UserStats returns the per-address sale and purchase counters.
func (e *Engine) UserStats(ctx context.Context, addr common.Address) (us exchange.UserStats, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		us, err = txn.UserStats(ctx, addr)
		return err
	})
	return
}

// PendingWithdrawal returns addr's withdrawable ledger balance.
func (e *Engine) PendingWithdrawal(ctx context.Context, addr common.Address) (balance *big.Int, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		balance, err = txn.Balance(ctx, addr)
		return err
	})
	return
}

// AccruedPlatformFees returns the platform fee pool.
func (e *Engine) AccruedPlatformFees(ctx context.Context) (fees *big.Int, err error) {
	err = e.store.View(ctx, func(txn *store.Txn) error {
		fees, err = txn.AccruedFees(ctx)
		return err
	})
	return
}

// PlatformFeeBps returns the current platform fee in basis points.
func (e *Engine) PlatformFeeBps() uint32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.feeBps
}

// Paused returns the pause switch.
func (e *Engine) Paused() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.paused
}

// royaltyFor resolves the token's royalty for a sale price, clamped so that
// fee plus royalty never exceed the price.
func (e *Engine) royaltyFor(
	ctx context.Context,
	tokenID uint64,
	price, fee *big.Int,
) (common.Address, *big.Int, error) {
	var (
		recv    common.Address
		royalty *big.Int
	)
	err := e.externalCall(ctx, func(ctx context.Context) error {
		var err error
		recv, royalty, err = e.reg.RoyaltyInfo(ctx, tokenID, price)
		return err
	})
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("resolving royalty: %v", err)
	}
	if royalty == nil || royalty.Sign() <= 0 || recv == (common.Address{}) {
		return common.Address{}, big.NewInt(0), nil
	}
	remainder := new(big.Int).Sub(price, fee)
	if royalty.Cmp(remainder) > 0 {
		royalty = remainder
	}
	return recv, royalty, nil
}

// send pushes amount to addr through the wallet, falling back to a ledger
// credit if the push bounces so value is never stranded.
func (e *Engine) send(ctx context.Context, addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	err := e.externalCall(ctx, func(ctx context.Context) error {
		return e.wallet.Send(ctx, addr, amount)
	})
	if err == nil {
		return nil
	}
	if cerr := e.store.Update(ctx, func(txn *store.Txn) error {
		return txn.Credit(ctx, addr, amount)
	}); cerr != nil {
		log.Errorf("re-crediting %s wei to %s after failed send: %s", amount, addr, cerr)
		return fmt.Errorf("send failed (%v) and re-credit failed: %v", err, cerr)
	}
	return err
}

// returnCustody is a compensating transfer used when a commit fails after
// custody already moved. Failures are logged; the entry point's own error is
// what surfaces to the caller.
func (e *Engine) returnCustody(ctx context.Context, to common.Address, tokenID uint64) {
	err := e.externalCall(ctx, func(ctx context.Context) error {
		return e.reg.TransferFrom(ctx, e.custody, to, tokenID)
	})
	if err != nil {
		log.Errorf("compensating custody return of token %d to %s: %s", tokenID, to, err)
	}
}
