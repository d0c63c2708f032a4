package service

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	golog "github.com/ipfs/go-log/v2"
	"github.com/nftex/exchange-core/cmd/exchanged/engine"
	"github.com/nftex/exchange-core/cmd/exchanged/engine/store"
	"github.com/nftex/exchange-core/cmd/exchanged/httpapi"
	"github.com/nftex/exchange-core/exchange"
	"github.com/nftex/exchange-core/metrics"
	"github.com/nftex/exchange-core/msgbroker"
	"github.com/nftex/exchange-core/registry"
	"github.com/nftex/exchange-core/wallet"
	badger "github.com/textileio/go-ds-badger3"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("exchange/service")

// Config defines params for Service configuration.
type Config struct {
	RepoPath       string
	HTTPListenAddr string
	// SettleInterval is how often ended auctions are swept and settled.
	// Zero disables the sweeper; settlement stays available through the API.
	SettleInterval time.Duration
	Engine         engine.Config
}

// Service is an HTTP service wrapper around the exchange engine. It owns the
// engine's datastore and the periodic settlement sweeper, and counts every
// operation for instrumentation.
type Service struct {
	lib    *engine.Engine
	server *http.Server
	dstore *badger.Datastore

	daemonCancel context.CancelFunc
	daemonClosed chan struct{}

	metricAuctionsCreated  metric.Int64Counter
	metricBidsPlaced       metric.Int64Counter
	metricAuctionsSettled  metric.Int64Counter
	metricAuctionsCanceled metric.Int64Counter
	metricItemsListed      metric.Int64Counter
	metricItemsSold        metric.Int64Counter
	metricWithdrawals      metric.Int64Counter
}

var _ httpapi.Exchange = (*Service)(nil)

// New returns a new Service.
func New(
	mb msgbroker.MsgBroker,
	reg registry.AssetRegistry,
	sender wallet.Sender,
	conf Config,
) (*Service, error) {
	dstore, err := badger.NewDatastore(filepath.Join(conf.RepoPath, "exchangeq"), &badger.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("creating datastore: %v", err)
	}
	estore, err := store.New(dstore)
	if err != nil {
		_ = dstore.Close()
		return nil, fmt.Errorf("creating store: %v", err)
	}
	lib, err := engine.New(context.Background(), estore, reg, sender, mb, conf.Engine)
	if err != nil {
		_ = dstore.Close()
		return nil, fmt.Errorf("creating engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		lib:          lib,
		dstore:       dstore,
		daemonCancel: cancel,
		daemonClosed: make(chan struct{}),
	}
	s.initMetrics()

	server, err := httpapi.NewServer(conf.HTTPListenAddr, s)
	if err != nil {
		cancel()
		_ = dstore.Close()
		return nil, fmt.Errorf("creating http server: %v", err)
	}
	s.server = server

	go s.settleDaemon(ctx, conf.SettleInterval)

	log.Info("service started")
	return s, nil
}

// Close the service.
func (s *Service) Close() error {
	s.daemonCancel()
	<-s.daemonClosed

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Errorf("shutting down http server: %s", err)
	}
	if err := s.dstore.Close(); err != nil {
		return fmt.Errorf("closing datastore: %v", err)
	}
	log.Info("service was shutdown")
	return nil
}

// settleDaemon sweeps ended auctions until the service closes.
func (s *Service) settleDaemon(ctx context.Context, interval time.Duration) {
	defer close(s.daemonClosed)
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.lib.SettleEnded(ctx)
			if err != nil {
				log.Errorf("settling ended auctions: %s", err)
				continue
			}
			if n > 0 {
				log.Infof("settled %d ended auctions", n)
				s.metricAuctionsSettled.Add(ctx, int64(n), metrics.AttrOK)
			}
		}
	}
}

// CreateAuction escrows the caller's token and opens an auction.
func (s *Service) CreateAuction(
	ctx context.Context,
	caller common.Address,
	tokenID uint64,
	startPrice *big.Int,
	duration time.Duration,
	minIncrement *big.Int,
	auctionType exchange.AuctionType,
	buyNowPrice *big.Int,
) (a exchange.Auction, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, s.metricAuctionsCreated)
	}()
	return s.lib.CreateAuction(ctx, caller, tokenID, startPrice, duration, minIncrement, auctionType, buyNowPrice)
}

// PlaceBid places a bid on an auction.
func (s *Service) PlaceBid(
	ctx context.Context,
	caller common.Address,
	id exchange.AuctionID,
	value *big.Int,
) (b exchange.Bid, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, s.metricBidsPlaced)
	}()
	return s.lib.PlaceBid(ctx, caller, id, value)
}

// SettleAuction settles an ended auction.
func (s *Service) SettleAuction(ctx context.Context, caller common.Address, id exchange.AuctionID) (err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, s.metricAuctionsSettled)
	}()
	return s.lib.SettleAuction(ctx, caller, id)
}

// CancelAuction cancels a bidless auction.
func (s *Service) CancelAuction(ctx context.Context, caller common.Address, id exchange.AuctionID) (err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, s.metricAuctionsCanceled)
	}()
	return s.lib.CancelAuction(ctx, caller, id)
}

// Withdraw sends the caller's ledger balance out.
func (s *Service) Withdraw(ctx context.Context, caller common.Address) (amount *big.Int, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, s.metricWithdrawals)
	}()
	return s.lib.Withdraw(ctx, caller)
}

// WithdrawPlatformFees sends the accrued fee pool to the owner.
func (s *Service) WithdrawPlatformFees(ctx context.Context, caller common.Address) (*big.Int, error) {
	return s.lib.WithdrawPlatformFees(ctx, caller)
}

// SetPlatformFee updates the platform fee.
func (s *Service) SetPlatformFee(ctx context.Context, caller common.Address, bps uint32) error {
	return s.lib.SetPlatformFee(ctx, caller, bps)
}

// Pause blocks all mutating entry points.
func (s *Service) Pause(ctx context.Context, caller common.Address) error {
	return s.lib.Pause(ctx, caller)
}

// Unpause lifts the pause switch.
func (s *Service) Unpause(ctx context.Context, caller common.Address) error {
	return s.lib.Unpause(ctx, caller)
}

// ListItem creates a fixed-price listing.
func (s *Service) ListItem(
	ctx context.Context,
	caller common.Address,
	tokenID uint64,
	price *big.Int,
) (li exchange.Listing, err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, s.metricItemsListed)
	}()
	return s.lib.ListItem(ctx, caller, tokenID, price)
}

// BuyItem purchases a listing.
func (s *Service) BuyItem(
	ctx context.Context,
	caller common.Address,
	id exchange.ListingID,
	value *big.Int,
) (err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, s.metricItemsSold)
	}()
	return s.lib.BuyItem(ctx, caller, id, value)
}

// UpdateListing changes a listing's price.
func (s *Service) UpdateListing(
	ctx context.Context,
	caller common.Address,
	id exchange.ListingID,
	newPrice *big.Int,
) error {
	return s.lib.UpdateListing(ctx, caller, id, newPrice)
}

// CancelListing deactivates a listing.
func (s *Service) CancelListing(ctx context.Context, caller common.Address, id exchange.ListingID) error {
	return s.lib.CancelListing(ctx, caller, id)
}

// GetAuction returns an auction by id.
func (s *Service) GetAuction(ctx context.Context, id exchange.AuctionID) (exchange.Auction, error) {
	return s.lib.GetAuction(ctx, id)
}

// GetAuctionBids returns an auction's bid history.
func (s *Service) GetAuctionBids(ctx context.Context, id exchange.AuctionID) ([]exchange.Bid, error) {
	return s.lib.GetAuctionBids(ctx, id)
}

// GetCurrentAuctionID returns the most recently created auction id.
func (s *Service) GetCurrentAuctionID(ctx context.Context) (exchange.AuctionID, error) {
	return s.lib.GetCurrentAuctionID(ctx)
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id exchange.ListingID) (exchange.Listing, error) {
	return s.lib.GetListing(ctx, id)
}

// GetActiveListings returns a page of active listings.
func (s *Service) GetActiveListings(ctx context.Context, offset, limit int) ([]exchange.Listing, error) {
	return s.lib.GetActiveListings(ctx, offset, limit)
}

// Stats returns the running marketplace totals.
func (s *Service) Stats(ctx context.Context) (exchange.Stats, error) {
	return s.lib.Stats(ctx)
}

// UserStats returns per-address counters.
func (s *Service) UserStats(ctx context.Context, addr common.Address) (exchange.UserStats, error) {
	return s.lib.UserStats(ctx, addr)
}

// PendingWithdrawal returns an address's withdrawable balance.
func (s *Service) PendingWithdrawal(ctx context.Context, addr common.Address) (*big.Int, error) {
	return s.lib.PendingWithdrawal(ctx, addr)
}

// AccruedPlatformFees returns the platform fee pool.
func (s *Service) AccruedPlatformFees(ctx context.Context) (*big.Int, error) {
	return s.lib.AccruedPlatformFees(ctx)
}
