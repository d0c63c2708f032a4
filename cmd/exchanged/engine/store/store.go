package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	golog "github.com/ipfs/go-log/v2"
	"github.com/nftex/exchange-core/exchange"
	"github.com/oklog/ulid/v2"
)

var (
	log = golog.Logger("exchange/store")

	// Namespace "/auctions/<id>" contains the current Auction data for an id.
	prefixAuction = ds.NewKey("/auctions")
	// Namespace "/bids/<auction_id>/<bid_id>" contains append-only bid history.
	prefixBid = ds.NewKey("/bids")
	// Namespace "/token-auctions/<registry>/<token_id>" indexes the active
	// auction per token, enforcing one live auction per asset.
	prefixTokenAuction = ds.NewKey("/token-auctions")
	// Namespace "/listings/<id>" contains the current Listing data for an id.
	prefixListing = ds.NewKey("/listings")
	// Namespace "/ledger/<address>" contains withdrawable balances.
	prefixLedger = ds.NewKey("/ledger")
	// Namespace "/stats/users/<address>" contains per-address counters.
	prefixUserStats = ds.NewKey("/stats/users")

	keyAuctionCounter = ds.NewKey("/counters/auction-id")
	keyListingCounter = ds.NewKey("/counters/listing-id")
	keyAccruedFees    = ds.NewKey("/fees/accrued")
	keyFeeBps         = ds.NewKey("/config/fee-bps")
	keyPaused         = ds.NewKey("/config/paused")
	keyStats          = ds.NewKey("/stats/totals")
)

// Store provides a persistent transactional layer for the exchange engine's
// tables: auctions, bids, listings, the ledger, counters, and fee state.
type Store struct {
	ds ds.TxnDatastore

	lock    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New returns a new Store backed by `store`.
func New(store ds.TxnDatastore) (*Store, error) {
	return &Store{ds: store}, nil
}

// Txn is a read-write view over the store's tables. All mutations made
// through a Txn commit or discard atomically.
type Txn struct {
	txn ds.Txn
	s   *Store
}

// Update runs f inside a read-write transaction. The transaction commits if
// f returns nil and is discarded otherwise, so an error means no mutation
// was persisted.
func (s *Store) Update(ctx context.Context, f func(txn *Txn) error) error {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return fmt.Errorf("creating txn: %v", err)
	}
	defer txn.Discard(ctx)

	if err := f(&Txn{txn: txn, s: s}); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing txn: %v", err)
	}
	return nil
}

// View runs f inside a read-only transaction.
func (s *Store) View(ctx context.Context, f func(txn *Txn) error) error {
	txn, err := s.ds.NewTransaction(ctx, true)
	if err != nil {
		return fmt.Errorf("creating txn: %v", err)
	}
	defer txn.Discard(ctx)
	return f(&Txn{txn: txn, s: s})
}

// NewBidID returns new monotonically increasing bid ids.
func (s *Store) NewBidID(t time.Time) (exchange.BidID, error) {
	s.lock.Lock() // entropy is not safe for concurrent use

	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		s.lock.Unlock()
		return s.NewBidID(t)
	} else if err != nil {
		s.lock.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	s.lock.Unlock()
	return exchange.BidID(strings.ToLower(id.String())), nil
}

// NextAuctionID allocates the next sequential auction id, starting at 1.
func (t *Txn) NextAuctionID(ctx context.Context) (exchange.AuctionID, error) {
	n, err := t.nextCounter(ctx, keyAuctionCounter)
	return exchange.AuctionID(n), err
}

// NextListingID allocates the next sequential listing id, starting at 1.
func (t *Txn) NextListingID(ctx context.Context) (exchange.ListingID, error) {
	n, err := t.nextCounter(ctx, keyListingCounter)
	return exchange.ListingID(n), err
}

func (t *Txn) nextCounter(ctx context.Context, key ds.Key) (uint64, error) {
	var current uint64
	buf, err := t.txn.Get(ctx, key)
	if err == nil {
		if err := decode(buf, &current); err != nil {
			return 0, fmt.Errorf("decoding counter: %v", err)
		}
	} else if !errors.Is(err, ds.ErrNotFound) {
		return 0, fmt.Errorf("getting counter: %v", err)
	}
	current++
	val, err := encode(current)
	if err != nil {
		return 0, fmt.Errorf("encoding counter: %v", err)
	}
	if err := t.txn.Put(ctx, key, val); err != nil {
		return 0, fmt.Errorf("putting counter: %v", err)
	}
	return current, nil
}

// CurrentAuctionID returns the id of the most recently created auction, or
// zero if none exists.
func (t *Txn) CurrentAuctionID(ctx context.Context) (exchange.AuctionID, error) {
	var current uint64
	buf, err := t.txn.Get(ctx, keyAuctionCounter)
	if errors.Is(err, ds.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("getting counter: %v", err)
	}
	if err := decode(buf, &current); err != nil {
		return 0, fmt.Errorf("decoding counter: %v", err)
	}
	return exchange.AuctionID(current), nil
}

// GetAuction returns an auction by id. If not found returns ErrAuctionNotFound.
func (t *Txn) GetAuction(ctx context.Context, id exchange.AuctionID) (exchange.Auction, error) {
	buf, err := t.txn.Get(ctx, keyAuction(id))
	if errors.Is(err, ds.ErrNotFound) {
		return exchange.Auction{}, exchange.ErrAuctionNotFound
	} else if err != nil {
		return exchange.Auction{}, fmt.Errorf("getting auction: %v", err)
	}
	var a exchange.Auction
	if err := decode(buf, &a); err != nil {
		return exchange.Auction{}, fmt.Errorf("decoding auction: %v", err)
	}
	return a, nil
}

// SaveAuction persists an auction record.
func (t *Txn) SaveAuction(ctx context.Context, a exchange.Auction) error {
	val, err := encode(a)
	if err != nil {
		return fmt.Errorf("encoding auction: %v", err)
	}
	if err := t.txn.Put(ctx, keyAuction(a.ID), val); err != nil {
		return fmt.Errorf("putting auction: %v", err)
	}
	return nil
}

// ActiveAuctionForToken returns the active auction id indexed for a token,
// or zero if none.
func (t *Txn) ActiveAuctionForToken(ctx context.Context, registry common.Address, tokenID uint64) (exchange.AuctionID, error) {
	buf, err := t.txn.Get(ctx, keyTokenAuction(registry, tokenID))
	if errors.Is(err, ds.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("getting token index: %v", err)
	}
	var id exchange.AuctionID
	if err := decode(buf, &id); err != nil {
		return 0, fmt.Errorf("decoding token index: %v", err)
	}
	return id, nil
}

// SetTokenAuction indexes the active auction for a token.
func (t *Txn) SetTokenAuction(ctx context.Context, registry common.Address, tokenID uint64, id exchange.AuctionID) error {
	val, err := encode(id)
	if err != nil {
		return fmt.Errorf("encoding token index: %v", err)
	}
	if err := t.txn.Put(ctx, keyTokenAuction(registry, tokenID), val); err != nil {
		return fmt.Errorf("putting token index: %v", err)
	}
	return nil
}

// ClearTokenAuction removes the active-auction index for a token.
func (t *Txn) ClearTokenAuction(ctx context.Context, registry common.Address, tokenID uint64) error {
	if err := t.txn.Delete(ctx, keyTokenAuction(registry, tokenID)); err != nil {
		return fmt.Errorf("deleting token index: %v", err)
	}
	return nil
}

// AddBid appends a bid to an auction's history.
func (t *Txn) AddBid(ctx context.Context, b exchange.Bid) error {
	val, err := encode(b)
	if err != nil {
		return fmt.Errorf("encoding bid: %v", err)
	}
	if err := t.txn.Put(ctx, keyBid(b.AuctionID, b.ID), val); err != nil {
		return fmt.Errorf("putting bid: %v", err)
	}
	return nil
}

// Bids returns an auction's bid history in placement order.
func (t *Txn) Bids(ctx context.Context, id exchange.AuctionID) ([]exchange.Bid, error) {
	results, err := t.txn.Query(ctx, dsq.Query{
		Prefix: prefixBid.ChildString(keyID(uint64(id))).String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying bids: %v", err)
	}
	defer func() { _ = results.Close() }()

	var bids []exchange.Bid
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		var b exchange.Bid
		if err := decode(res.Value, &b); err != nil {
			return nil, fmt.Errorf("decoding bid: %v", err)
		}
		bids = append(bids, b)
	}
	return bids, nil
}

// ActiveAuctions returns all auctions still active, ordered by id.
func (t *Txn) ActiveAuctions(ctx context.Context) ([]exchange.Auction, error) {
	results, err := t.txn.Query(ctx, dsq.Query{
		Prefix: prefixAuction.String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying auctions: %v", err)
	}
	defer func() { _ = results.Close() }()

	var list []exchange.Auction
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		var a exchange.Auction
		if err := decode(res.Value, &a); err != nil {
			return nil, fmt.Errorf("decoding auction: %v", err)
		}
		if a.Active {
			list = append(list, a)
		}
	}
	return list, nil
}

// GetListing returns a listing by id. If not found returns ErrListingNotFound.
func (t *Txn) GetListing(ctx context.Context, id exchange.ListingID) (exchange.Listing, error) {
	buf, err := t.txn.Get(ctx, keyListing(id))
	if errors.Is(err, ds.ErrNotFound) {
		return exchange.Listing{}, exchange.ErrListingNotFound
	} else if err != nil {
		return exchange.Listing{}, fmt.Errorf("getting listing: %v", err)
	}
	var li exchange.Listing
	if err := decode(buf, &li); err != nil {
		return exchange.Listing{}, fmt.Errorf("decoding listing: %v", err)
	}
	return li, nil
}

// SaveListing persists a listing record.
func (t *Txn) SaveListing(ctx context.Context, li exchange.Listing) error {
	val, err := encode(li)
	if err != nil {
		return fmt.Errorf("encoding listing: %v", err)
	}
	if err := t.txn.Put(ctx, keyListing(li.ID), val); err != nil {
		return fmt.Errorf("putting listing: %v", err)
	}
	return nil
}

// ActiveListings returns active listings ordered by id, skipping `offset`
// active records and returning at most `limit`.
func (t *Txn) ActiveListings(ctx context.Context, offset, limit int) ([]exchange.Listing, error) {
	if limit <= 0 {
		return nil, nil
	}
	results, err := t.txn.Query(ctx, dsq.Query{
		Prefix: prefixListing.String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying listings: %v", err)
	}
	defer func() { _ = results.Close() }()

	var (
		skipped int
		list    []exchange.Listing
	)
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		var li exchange.Listing
		if err := decode(res.Value, &li); err != nil {
			return nil, fmt.Errorf("decoding listing: %v", err)
		}
		if !li.Active {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		list = append(list, li)
		if len(list) == limit {
			break
		}
	}
	return list, nil
}

// Balance returns the withdrawable ledger balance for addr.
func (t *Txn) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return t.getBig(ctx, keyLedger(addr))
}

// Credit adds amount to addr's withdrawable balance.
func (t *Txn) Credit(ctx context.Context, addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	balance, err := t.getBig(ctx, keyLedger(addr))
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	if err := t.putBig(ctx, keyLedger(addr), balance); err != nil {
		return err
	}
	log.Debugf("credited %s wei to %s", amount, addr)
	return nil
}

// Debit zeroes addr's withdrawable balance and returns the amount that was
// available. The balance is always zeroed before any value is sent out.
func (t *Txn) Debit(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := t.getBig(ctx, keyLedger(addr))
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return nil, exchange.ErrNothingToWithdraw
	}
	if err := t.putBig(ctx, keyLedger(addr), big.NewInt(0)); err != nil {
		return nil, err
	}
	return balance, nil
}

// AccruedFees returns the accumulated platform fee pool.
func (t *Txn) AccruedFees(ctx context.Context) (*big.Int, error) {
	return t.getBig(ctx, keyAccruedFees)
}

// AddFees adds amount to the platform fee pool.
func (t *Txn) AddFees(ctx context.Context, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	pool, err := t.getBig(ctx, keyAccruedFees)
	if err != nil {
		return err
	}
	pool.Add(pool, amount)
	return t.putBig(ctx, keyAccruedFees, pool)
}

// DebitFees zeroes the platform fee pool and returns the amount that was
// available.
func (t *Txn) DebitFees(ctx context.Context) (*big.Int, error) {
	pool, err := t.getBig(ctx, keyAccruedFees)
	if err != nil {
		return nil, err
	}
	if pool.Sign() == 0 {
		return nil, exchange.ErrNothingToWithdraw
	}
	if err := t.putBig(ctx, keyAccruedFees, big.NewInt(0)); err != nil {
		return nil, err
	}
	return pool, nil
}

// FeeBps returns the persisted platform fee, or `def` if never set.
func (t *Txn) FeeBps(ctx context.Context, def uint32) (uint32, error) {
	buf, err := t.txn.Get(ctx, keyFeeBps)
	if errors.Is(err, ds.ErrNotFound) {
		return def, nil
	} else if err != nil {
		return 0, fmt.Errorf("getting fee bps: %v", err)
	}
	var bps uint32
	if err := decode(buf, &bps); err != nil {
		return 0, fmt.Errorf("decoding fee bps: %v", err)
	}
	return bps, nil
}

// SetFeeBps persists the platform fee.
func (t *Txn) SetFeeBps(ctx context.Context, bps uint32) error {
	val, err := encode(bps)
	if err != nil {
		return fmt.Errorf("encoding fee bps: %v", err)
	}
	if err := t.txn.Put(ctx, keyFeeBps, val); err != nil {
		return fmt.Errorf("putting fee bps: %v", err)
	}
	return nil
}

// Paused returns the persisted pause switch.
func (t *Txn) Paused(ctx context.Context) (bool, error) {
	buf, err := t.txn.Get(ctx, keyPaused)
	if errors.Is(err, ds.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("getting paused: %v", err)
	}
	var paused bool
	if err := decode(buf, &paused); err != nil {
		return false, fmt.Errorf("decoding paused: %v", err)
	}
	return paused, nil
}

// SetPaused persists the pause switch.
func (t *Txn) SetPaused(ctx context.Context, paused bool) error {
	val, err := encode(paused)
	if err != nil {
		return fmt.Errorf("encoding paused: %v", err)
	}
	if err := t.txn.Put(ctx, keyPaused, val); err != nil {
		return fmt.Errorf("putting paused: %v", err)
	}
	return nil
}

// Stats returns the running marketplace totals.
func (t *Txn) Stats(ctx context.Context) (exchange.Stats, error) {
	buf, err := t.txn.Get(ctx, keyStats)
	if errors.Is(err, ds.ErrNotFound) {
		return exchange.Stats{TotalVolume: big.NewInt(0)}, nil
	} else if err != nil {
		return exchange.Stats{}, fmt.Errorf("getting stats: %v", err)
	}
	var st exchange.Stats
	if err := decode(buf, &st); err != nil {
		return exchange.Stats{}, fmt.Errorf("decoding stats: %v", err)
	}
	return st, nil
}

// RecordSale bumps the global and per-address sale counters by one sale of
// `price` between seller and buyer.
func (t *Txn) RecordSale(ctx context.Context, seller, buyer common.Address, price *big.Int) error {
	st, err := t.Stats(ctx)
	if err != nil {
		return err
	}
	st.TotalVolume.Add(st.TotalVolume, price)
	st.TotalSales++
	val, err := encode(st)
	if err != nil {
		return fmt.Errorf("encoding stats: %v", err)
	}
	if err := t.txn.Put(ctx, keyStats, val); err != nil {
		return fmt.Errorf("putting stats: %v", err)
	}

	su, err := t.UserStats(ctx, seller)
	if err != nil {
		return err
	}
	su.Sales++
	if err := t.putUserStats(ctx, seller, su); err != nil {
		return err
	}
	bu, err := t.UserStats(ctx, buyer)
	if err != nil {
		return err
	}
	bu.Purchases++
	return t.putUserStats(ctx, buyer, bu)
}

// UserStats returns the per-address counters for addr.
func (t *Txn) UserStats(ctx context.Context, addr common.Address) (exchange.UserStats, error) {
	buf, err := t.txn.Get(ctx, keyUserStats(addr))
	if errors.Is(err, ds.ErrNotFound) {
		return exchange.UserStats{}, nil
	} else if err != nil {
		return exchange.UserStats{}, fmt.Errorf("getting user stats: %v", err)
	}
	var us exchange.UserStats
	if err := decode(buf, &us); err != nil {
		return exchange.UserStats{}, fmt.Errorf("decoding user stats: %v", err)
	}
	return us, nil
}

func (t *Txn) putUserStats(ctx context.Context, addr common.Address, us exchange.UserStats) error {
	val, err := encode(us)
	if err != nil {
		return fmt.Errorf("encoding user stats: %v", err)
	}
	if err := t.txn.Put(ctx, keyUserStats(addr), val); err != nil {
		return fmt.Errorf("putting user stats: %v", err)
	}
	return nil
}

func (t *Txn) getBig(ctx context.Context, key ds.Key) (*big.Int, error) {
	buf, err := t.txn.Get(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return big.NewInt(0), nil
	} else if err != nil {
		return nil, fmt.Errorf("getting %s: %v", key, err)
	}
	val := new(big.Int)
	if err := decode(buf, &val); err != nil {
		return nil, fmt.Errorf("decoding %s: %v", key, err)
	}
	return val, nil
}

func (t *Txn) putBig(ctx context.Context, key ds.Key, val *big.Int) error {
	buf, err := encode(val)
	if err != nil {
		return fmt.Errorf("encoding %s: %v", key, err)
	}
	if err := t.txn.Put(ctx, key, buf); err != nil {
		return fmt.Errorf("putting %s: %v", key, err)
	}
	return nil
}

// keyID zero-pads numeric ids so key order matches numeric order.
func keyID(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func keyAuction(id exchange.AuctionID) ds.Key {
	return prefixAuction.ChildString(keyID(uint64(id)))
}

func keyBid(auctionID exchange.AuctionID, bidID exchange.BidID) ds.Key {
	return prefixBid.ChildString(keyID(uint64(auctionID))).ChildString(string(bidID))
}

func keyTokenAuction(registry common.Address, tokenID uint64) ds.Key {
	return prefixTokenAuction.ChildString(strings.ToLower(registry.Hex())).ChildString(keyID(tokenID))
}

func keyListing(id exchange.ListingID) ds.Key {
	return prefixListing.ChildString(keyID(uint64(id)))
}

func keyLedger(addr common.Address) ds.Key {
	return prefixLedger.ChildString(strings.ToLower(addr.Hex()))
}

func keyUserStats(addr common.Address) ds.Key {
	return prefixUserStats.ChildString(strings.ToLower(addr.Hex()))
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(buf []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(buf)).Decode(v)
}
