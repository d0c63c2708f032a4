package service

import (
	"github.com/nftex/exchange-core/cmd/exchanged/metrics"
)

func (s *Service) initMetrics() {
	s.metricAuctionsCreated = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_created_total")
	s.metricBidsPlaced = metrics.Meter.NewInt64Counter(metrics.Prefix + ".bids_placed_total")
	s.metricAuctionsSettled = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_settled_total")
	s.metricAuctionsCanceled = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_canceled_total")
	s.metricItemsListed = metrics.Meter.NewInt64Counter(metrics.Prefix + ".items_listed_total")
	s.metricItemsSold = metrics.Meter.NewInt64Counter(metrics.Prefix + ".items_sold_total")
	s.metricWithdrawals = metrics.Meter.NewInt64Counter(metrics.Prefix + ".withdrawals_total")
}
