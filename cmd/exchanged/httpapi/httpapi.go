package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	golog "github.com/ipfs/go-log/v2"
	"github.com/nftex/exchange-core/exchange"
)

var log = golog.Logger("exchange/httpapi")

// Exchange is the engine surface the HTTP API exposes.
type Exchange interface {
	CreateAuction(ctx context.Context, caller common.Address, tokenID uint64, startPrice *big.Int,
		duration time.Duration, minIncrement *big.Int, auctionType exchange.AuctionType,
		buyNowPrice *big.Int) (exchange.Auction, error)
	PlaceBid(ctx context.Context, caller common.Address, id exchange.AuctionID, value *big.Int) (exchange.Bid, error)
	SettleAuction(ctx context.Context, caller common.Address, id exchange.AuctionID) error
	CancelAuction(ctx context.Context, caller common.Address, id exchange.AuctionID) error
	Withdraw(ctx context.Context, caller common.Address) (*big.Int, error)
	WithdrawPlatformFees(ctx context.Context, caller common.Address) (*big.Int, error)
	SetPlatformFee(ctx context.Context, caller common.Address, bps uint32) error
	Pause(ctx context.Context, caller common.Address) error
	Unpause(ctx context.Context, caller common.Address) error

	ListItem(ctx context.Context, caller common.Address, tokenID uint64, price *big.Int) (exchange.Listing, error)
	BuyItem(ctx context.Context, caller common.Address, id exchange.ListingID, value *big.Int) error
	UpdateListing(ctx context.Context, caller common.Address, id exchange.ListingID, newPrice *big.Int) error
	CancelListing(ctx context.Context, caller common.Address, id exchange.ListingID) error

	GetAuction(ctx context.Context, id exchange.AuctionID) (exchange.Auction, error)
	GetAuctionBids(ctx context.Context, id exchange.AuctionID) ([]exchange.Bid, error)
	GetCurrentAuctionID(ctx context.Context) (exchange.AuctionID, error)
	GetListing(ctx context.Context, id exchange.ListingID) (exchange.Listing, error)
	GetActiveListings(ctx context.Context, offset, limit int) ([]exchange.Listing, error)
	Stats(ctx context.Context) (exchange.Stats, error)
	UserStats(ctx context.Context, addr common.Address) (exchange.UserStats, error)
	PendingWithdrawal(ctx context.Context, addr common.Address) (*big.Int, error)
	AccruedPlatformFees(ctx context.Context) (*big.Int, error)
}

// NewServer returns a listening *http.Server exposing the exchange API on
// listenAddr. Caller identity comes from the X-Caller-Address header.
func NewServer(listenAddr string, ex Exchange) (*http.Server, error) {
	r := mux.NewRouter()
	s := &server{ex: ex}

	r.HandleFunc("/auctions", s.createAuction).Methods(http.MethodPost)
	r.HandleFunc("/auctions/current-id", s.currentAuctionID).Methods(http.MethodGet)
	r.HandleFunc("/auctions/{id}", s.getAuction).Methods(http.MethodGet)
	r.HandleFunc("/auctions/{id}/bids", s.getBids).Methods(http.MethodGet)
	r.HandleFunc("/auctions/{id}/bids", s.placeBid).Methods(http.MethodPost)
	r.HandleFunc("/auctions/{id}/settle", s.settleAuction).Methods(http.MethodPost)
	r.HandleFunc("/auctions/{id}/cancel", s.cancelAuction).Methods(http.MethodPost)

	r.HandleFunc("/listings", s.listItem).Methods(http.MethodPost)
	r.HandleFunc("/listings", s.activeListings).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id}", s.getListing).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id}/buy", s.buyItem).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/price", s.updateListing).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/cancel", s.cancelListing).Methods(http.MethodPost)

	r.HandleFunc("/withdraw", s.withdraw).Methods(http.MethodPost)
	r.HandleFunc("/ledger/{addr}", s.pendingWithdrawal).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.HandleFunc("/stats/{addr}", s.userStats).Methods(http.MethodGet)

	r.HandleFunc("/admin/pause", s.pause).Methods(http.MethodPost)
	r.HandleFunc("/admin/unpause", s.unpause).Methods(http.MethodPost)
	r.HandleFunc("/admin/fee", s.setFee).Methods(http.MethodPost)
	r.HandleFunc("/admin/fees", s.accruedFees).Methods(http.MethodGet)
	r.HandleFunc("/admin/withdraw-fees", s.withdrawFees).Methods(http.MethodPost)

	httpServer := &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: time.Second * 5,
		Handler:           r,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server: %s", err)
		}
	}()
	return httpServer, nil
}

type server struct {
	ex Exchange
}

type createAuctionReq struct {
	TokenID         uint64 `json:"token_id"`
	StartPrice      string `json:"start_price"`
	DurationSeconds int64  `json:"duration_seconds"`
	MinIncrement    string `json:"min_increment"`
	BuyNowPrice     string `json:"buy_now_price"`
}

func (s *server) createAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	var req createAuctionReq
	if !decodeBody(w, r, &req) {
		return
	}
	startPrice, ok := parseWei(w, req.StartPrice, "start_price")
	if !ok {
		return
	}
	minIncrement, ok := parseWei(w, req.MinIncrement, "min_increment")
	if !ok {
		return
	}
	buyNow := big.NewInt(0)
	if req.BuyNowPrice != "" {
		if buyNow, ok = parseWei(w, req.BuyNowPrice, "buy_now_price"); !ok {
			return
		}
	}
	a, err := s.ex.CreateAuction(r.Context(), caller, req.TokenID, startPrice,
		time.Duration(req.DurationSeconds)*time.Second, minIncrement,
		exchange.AuctionTypeEnglish, buyNow)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, a)
}

func (s *server) getAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.ex.GetAuction(r.Context(), exchange.AuctionID(id))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, a)
}

func (s *server) currentAuctionID(w http.ResponseWriter, r *http.Request) {
	id, err := s.ex.GetCurrentAuctionID(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]exchange.AuctionID{"current_auction_id": id})
}

func (s *server) getBids(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bids, err := s.ex.GetAuctionBids(r.Context(), exchange.AuctionID(id))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, bids)
}

type placeBidReq struct {
	Amount string `json:"amount"`
}

func (s *server) placeBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req placeBidReq
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseWei(w, req.Amount, "amount")
	if !ok {
		return
	}
	b, err := s.ex.PlaceBid(r.Context(), caller, exchange.AuctionID(id), amount)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, b)
}

func (s *server) settleAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.ex.SettleAuction(r.Context(), caller, exchange.AuctionID(id)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"settled": true})
}

func (s *server) cancelAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.ex.CancelAuction(r.Context(), caller, exchange.AuctionID(id)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"canceled": true})
}

type listItemReq struct {
	TokenID uint64 `json:"token_id"`
	Price   string `json:"price"`
}

func (s *server) listItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	var req listItemReq
	if !decodeBody(w, r, &req) {
		return
	}
	price, ok := parseWei(w, req.Price, "price")
	if !ok {
		return
	}
	li, err := s.ex.ListItem(r.Context(), caller, req.TokenID, price)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, li)
}

func (s *server) activeListings(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	list, err := s.ex.GetActiveListings(r.Context(), offset, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, list)
}

func (s *server) getListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	li, err := s.ex.GetListing(r.Context(), exchange.ListingID(id))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, li)
}

type buyItemReq struct {
	Value string `json:"value"`
}

func (s *server) buyItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req buyItemReq
	if !decodeBody(w, r, &req) {
		return
	}
	value, ok := parseWei(w, req.Value, "value")
	if !ok {
		return
	}
	if err := s.ex.BuyItem(r.Context(), caller, exchange.ListingID(id), value); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"sold": true})
}

type updateListingReq struct {
	NewPrice string `json:"new_price"`
}

func (s *server) updateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateListingReq
	if !decodeBody(w, r, &req) {
		return
	}
	newPrice, ok := parseWei(w, req.NewPrice, "new_price")
	if !ok {
		return
	}
	if err := s.ex.UpdateListing(r.Context(), caller, exchange.ListingID(id), newPrice); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"updated": true})
}

func (s *server) cancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.ex.CancelListing(r.Context(), caller, exchange.ListingID(id)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"canceled": true})
}

func (s *server) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	amount, err := s.ex.Withdraw(r.Context(), caller)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"amount": amount.String()})
}

func (s *server) pendingWithdrawal(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	balance, err := s.ex.PendingWithdrawal(r.Context(), addr)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"balance": balance.String()})
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ex.Stats(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *server) userStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	us, err := s.ex.UserStats(r.Context(), addr)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, us)
}

func (s *server) pause(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	if err := s.ex.Pause(r.Context(), caller); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"paused": true})
}

func (s *server) unpause(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	if err := s.ex.Unpause(r.Context(), caller); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"paused": false})
}

type setFeeReq struct {
	Bps uint32 `json:"bps"`
}

func (s *server) setFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	var req setFeeReq
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ex.SetPlatformFee(r.Context(), caller, req.Bps); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]uint32{"bps": req.Bps})
}

func (s *server) accruedFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.ex.AccruedPlatformFees(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"accrued": fees.String()})
}

func (s *server) withdrawFees(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddr(w, r)
	if !ok {
		return
	}
	amount, err := s.ex.WithdrawPlatformFees(r.Context(), caller)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"amount": amount.String()})
}

func callerAddr(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get("X-Caller-Address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid or missing X-Caller-Address header")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func pathAddr(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["addr"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding body: %s", err))
		return false
	}
	return true
}

// parseWei parses a base-10 wei amount from a JSON string field. Amounts
// travel as strings since they routinely exceed what a float64 can hold.
func parseWei(w http.ResponseWriter, raw, field string) (*big.Int, bool) {
	val, ok := new(big.Int).SetString(raw, 10)
	if !ok || val.Sign() < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", field))
		return nil, false
	}
	return val, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("writing response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// httpError maps domain sentinel errors onto HTTP statuses following the
// error taxonomy: validation and payment problems are 400s, authorization
// 403, missing records 404, stale-state conflicts 409, and lifecycle stops
// 503.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrAuctionNotFound),
		errors.Is(err, exchange.ErrListingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrInvalidStartPrice),
		errors.Is(err, exchange.ErrInvalidPrice),
		errors.Is(err, exchange.ErrInvalidDuration),
		errors.Is(err, exchange.ErrInvalidMinIncrement),
		errors.Is(err, exchange.ErrUnsupportedAuctionType),
		errors.Is(err, exchange.ErrFeeTooHigh),
		errors.Is(err, exchange.ErrBidTooLow),
		errors.Is(err, exchange.ErrInsufficientPayment),
		errors.Is(err, exchange.ErrNothingToWithdraw):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrNotOwner),
		errors.Is(err, exchange.ErrNotSeller),
		errors.Is(err, exchange.ErrSellerCannotBid),
		errors.Is(err, exchange.ErrCannotBuyOwnItem),
		errors.Is(err, exchange.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, exchange.ErrTokenAlreadyInAuction),
		errors.Is(err, exchange.ErrAuctionNotActive),
		errors.Is(err, exchange.ErrAuctionEnded),
		errors.Is(err, exchange.ErrAuctionNotEnded),
		errors.Is(err, exchange.ErrAlreadySettled),
		errors.Is(err, exchange.ErrAuctionHasBids),
		errors.Is(err, exchange.ErrListingInactive):
		status = http.StatusConflict
	case errors.Is(err, exchange.ErrPaused),
		errors.Is(err, exchange.ErrReentrantCall):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
