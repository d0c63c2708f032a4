package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nftex/exchange-core/exchange"
	"github.com/stretchr/testify/require"
)

var (
	caller = common.HexToAddress("0x0000000000000000000000000000000000000011")
	other  = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

// stubExchange returns canned values and records the last call's arguments.
type stubExchange struct {
	err error

	lastCaller common.Address
	lastID     uint64
	lastAmount *big.Int

	auction exchange.Auction
	listing exchange.Listing
}

func (s *stubExchange) CreateAuction(_ context.Context, caller common.Address, tokenID uint64,
	startPrice *big.Int, duration time.Duration, minIncrement *big.Int, _ exchange.AuctionType,
	_ *big.Int) (exchange.Auction, error) {
	s.lastCaller, s.lastID, s.lastAmount = caller, tokenID, startPrice
	return s.auction, s.err
}

func (s *stubExchange) PlaceBid(_ context.Context, caller common.Address, id exchange.AuctionID,
	value *big.Int) (exchange.Bid, error) {
	s.lastCaller, s.lastID, s.lastAmount = caller, uint64(id), value
	return exchange.Bid{AuctionID: id, Bidder: caller, Amount: value}, s.err
}

func (s *stubExchange) SettleAuction(_ context.Context, caller common.Address, id exchange.AuctionID) error {
	s.lastCaller, s.lastID = caller, uint64(id)
	return s.err
}

func (s *stubExchange) CancelAuction(_ context.Context, caller common.Address, id exchange.AuctionID) error {
	s.lastCaller, s.lastID = caller, uint64(id)
	return s.err
}

func (s *stubExchange) Withdraw(_ context.Context, caller common.Address) (*big.Int, error) {
	s.lastCaller = caller
	return big.NewInt(150), s.err
}

func (s *stubExchange) WithdrawPlatformFees(_ context.Context, caller common.Address) (*big.Int, error) {
	s.lastCaller = caller
	return big.NewInt(25), s.err
}

func (s *stubExchange) SetPlatformFee(_ context.Context, caller common.Address, bps uint32) error {
	s.lastCaller, s.lastID = caller, uint64(bps)
	return s.err
}

func (s *stubExchange) Pause(_ context.Context, caller common.Address) error {
	s.lastCaller = caller
	return s.err
}

func (s *stubExchange) Unpause(_ context.Context, caller common.Address) error {
	s.lastCaller = caller
	return s.err
}

func (s *stubExchange) ListItem(_ context.Context, caller common.Address, tokenID uint64,
	price *big.Int) (exchange.Listing, error) {
	s.lastCaller, s.lastID, s.lastAmount = caller, tokenID, price
	return s.listing, s.err
}

func (s *stubExchange) BuyItem(_ context.Context, caller common.Address, id exchange.ListingID,
	value *big.Int) error {
	s.lastCaller, s.lastID, s.lastAmount = caller, uint64(id), value
	return s.err
}

func (s *stubExchange) UpdateListing(_ context.Context, caller common.Address, id exchange.ListingID,
	newPrice *big.Int) error {
	s.lastCaller, s.lastID, s.lastAmount = caller, uint64(id), newPrice
	return s.err
}

func (s *stubExchange) CancelListing(_ context.Context, caller common.Address, id exchange.ListingID) error {
	s.lastCaller, s.lastID = caller, uint64(id)
	return s.err
}

func (s *stubExchange) GetAuction(_ context.Context, id exchange.AuctionID) (exchange.Auction, error) {
	s.lastID = uint64(id)
	return s.auction, s.err
}

func (s *stubExchange) GetAuctionBids(_ context.Context, id exchange.AuctionID) ([]exchange.Bid, error) {
	s.lastID = uint64(id)
	return []exchange.Bid{{AuctionID: id, Amount: big.NewInt(150)}}, s.err
}

func (s *stubExchange) GetCurrentAuctionID(_ context.Context) (exchange.AuctionID, error) {
	return 3, s.err
}

func (s *stubExchange) GetListing(_ context.Context, id exchange.ListingID) (exchange.Listing, error) {
	s.lastID = uint64(id)
	return s.listing, s.err
}

func (s *stubExchange) GetActiveListings(_ context.Context, offset, limit int) ([]exchange.Listing, error) {
	s.lastID = uint64(offset)
	s.lastAmount = big.NewInt(int64(limit))
	return []exchange.Listing{s.listing}, s.err
}

func (s *stubExchange) Stats(_ context.Context) (exchange.Stats, error) {
	return exchange.Stats{TotalVolume: big.NewInt(1000), TotalSales: 1}, s.err
}

func (s *stubExchange) UserStats(_ context.Context, addr common.Address) (exchange.UserStats, error) {
	s.lastCaller = addr
	return exchange.UserStats{Sales: 2, Purchases: 1}, s.err
}

func (s *stubExchange) PendingWithdrawal(_ context.Context, addr common.Address) (*big.Int, error) {
	s.lastCaller = addr
	return big.NewInt(150), s.err
}

func (s *stubExchange) AccruedPlatformFees(_ context.Context) (*big.Int, error) {
	return big.NewInt(25), s.err
}

func newTestServer(t *testing.T, ex Exchange) http.Handler {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", ex)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(context.Background()))
	})
	return srv.Handler
}

func doReq(t *testing.T, h http.Handler, method, path string, body interface{}, withCaller bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if withCaller {
		req.Header.Set("X-Caller-Address", caller.Hex())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAuction(t *testing.T) {
	t.Parallel()
	ex := &stubExchange{auction: exchange.Auction{ID: 1, Seller: caller, StartPrice: big.NewInt(100)}}
	h := newTestServer(t, ex)

	rec := doReq(t, h, http.MethodPost, "/auctions", map[string]interface{}{
		"token_id":         7,
		"start_price":      "100",
		"duration_seconds": 86400,
		"min_increment":    "10",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, caller, ex.lastCaller)
	require.Equal(t, uint64(7), ex.lastID)
	require.Equal(t, big.NewInt(100), ex.lastAmount)

	var got exchange.Auction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, exchange.AuctionID(1), got.ID)
}

func TestCallerHeaderRequired(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &stubExchange{})

	for _, path := range []string{"/auctions", "/listings", "/withdraw", "/admin/pause"} {
		rec := doReq(t, h, http.MethodPost, path, map[string]string{}, false)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}

	// Reads don't need an identity.
	rec := doReq(t, h, http.MethodGet, "/stats", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWeiAmountsAreStrings(t *testing.T) {
	t.Parallel()
	ex := &stubExchange{}
	h := newTestServer(t, ex)

	// Amounts beyond float64 precision survive the trip.
	huge := "123456789012345678901234567890"
	rec := doReq(t, h, http.MethodPost, "/auctions/1/bids", map[string]string{"amount": huge}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	want, ok := new(big.Int).SetString(huge, 10)
	require.True(t, ok)
	require.Equal(t, want, ex.lastAmount)

	rec = doReq(t, h, http.MethodPost, "/auctions/1/bids", map[string]string{"amount": "not-a-number"}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/auctions/1/bids", map[string]string{"amount": "-5"}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPathIDValidation(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &stubExchange{})

	rec := doReq(t, h, http.MethodGet, "/auctions/0", nil, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/auctions/abc", nil, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{exchange.ErrAuctionNotFound, http.StatusNotFound},
		{exchange.ErrBidTooLow, http.StatusBadRequest},
		{exchange.ErrNothingToWithdraw, http.StatusBadRequest},
		{exchange.ErrSellerCannotBid, http.StatusForbidden},
		{exchange.ErrNotAuthorized, http.StatusForbidden},
		{exchange.ErrAuctionEnded, http.StatusConflict},
		{exchange.ErrAlreadySettled, http.StatusConflict},
		{exchange.ErrPaused, http.StatusServiceUnavailable},
		{exchange.ErrReentrantCall, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		ex := &stubExchange{err: c.err}
		h := newTestServer(t, ex)
		rec := doReq(t, h, http.MethodPost, "/auctions/1/bids", map[string]string{"amount": "150"}, true)
		require.Equal(t, c.want, rec.Code, c.err.Error())

		var body map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Contains(t, body["error"], c.err.Error())
	}
}

func TestWithdraw(t *testing.T) {
	t.Parallel()
	ex := &stubExchange{}
	h := newTestServer(t, ex)

	rec := doReq(t, h, http.MethodPost, "/withdraw", map[string]string{}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, caller, ex.lastCaller)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "150", body["amount"])
}

func TestLedgerBalance(t *testing.T) {
	t.Parallel()
	ex := &stubExchange{}
	h := newTestServer(t, ex)

	rec := doReq(t, h, http.MethodGet, "/ledger/"+other.Hex(), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, other, ex.lastCaller)

	rec = doReq(t, h, http.MethodGet, "/ledger/not-an-address", nil, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActiveListingsDefaults(t *testing.T) {
	t.Parallel()
	ex := &stubExchange{listing: exchange.Listing{ID: 1, Price: big.NewInt(1000), Active: true}}
	h := newTestServer(t, ex)

	rec := doReq(t, h, http.MethodGet, "/listings", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(0), ex.lastID)
	require.Equal(t, big.NewInt(50), ex.lastAmount)

	rec = doReq(t, h, http.MethodGet, "/listings?offset=10&limit=5", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(10), ex.lastID)
	require.Equal(t, big.NewInt(5), ex.lastAmount)
}

func TestBuyItem(t *testing.T) {
	t.Parallel()
	ex := &stubExchange{}
	h := newTestServer(t, ex)

	rec := doReq(t, h, http.MethodPost, "/listings/4/buy", map[string]string{"value": "1500"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(4), ex.lastID)
	require.Equal(t, big.NewInt(1500), ex.lastAmount)
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	ex := &stubExchange{}
	h := newTestServer(t, ex)

	rec := doReq(t, h, http.MethodPost, "/admin/fee", map[string]uint32{"bps": 500}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(500), ex.lastID)

	rec = doReq(t, h, http.MethodPost, "/admin/pause", map[string]string{}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/admin/unpause", map[string]string{}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/admin/fees", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "25", body["accrued"])

	rec = doReq(t, h, http.MethodPost, "/admin/withdraw-fees", map[string]string{}, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCurrentAuctionID(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &stubExchange{})

	rec := doReq(t, h, http.MethodGet, "/auctions/current-id", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]exchange.AuctionID
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, exchange.AuctionID(3), body["current_auction_id"])
}
