package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/transaction"
	"github.com/uhyunpark/batchauction/pkg/app/core/validator"
	"github.com/uhyunpark/batchauction/pkg/p2p"
	"github.com/uhyunpark/batchauction/pkg/util"
)

const (
	maxOrderBody    = 64 << 10
	maxProposalBody = 8 << 20
	defaultPageSize = 50
	maxPageSize     = 500
)

// OrderService is the order book surface used by the API. *orderbook.Manager implements it.
type OrderService interface {
	Submit(ctx context.Context, tx *transaction.SignedTransaction) (order.UID, error)
	Cancel(ctx context.Context, tx *transaction.SignedTransaction) error
	Replace(ctx context.Context, cancelTx, orderTx *transaction.SignedTransaction) (order.UID, error)
	Get(ctx context.Context, uid order.UID) (*order.Record, error)
	OwnerOrders(ctx context.Context, owner common.Address, offset, limit int) ([]*order.Record, error)
}

// AuctionService is the round surface used by the API. *auction.Coordinator implements it.
type AuctionService interface {
	State() auction.State
	Current() (*settlement.Auction, bool)
	Last() *auction.Summary
	Propose(ctx context.Context, roundID uint64, solver string, s *settlement.Settlement) (*auction.Proposal, error)
}

type CompetitionReader interface {
	Competition(ctx context.Context, roundID uint64) ([]auction.Entry, error)
}

// Instrumenter exposes and records HTTP metrics.
type Instrumenter interface {
	Handler() http.Handler
	Instrument(route string, h http.Handler) http.Handler
}

// Server handles REST API and WebSocket connections
type Server struct {
	orders      OrderService
	auction     AuctionService
	rounds      auction.RoundStore
	competition CompetitionReader
	solverAuth  *SolverAuth
	limiter     *OwnerLimiter
	metrics     Instrumenter
	origins     []string
	clock       util.Clock

	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

type Option func(*Server)

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = l } }
func WithClock(c util.Clock) Option { return func(s *Server) { s.clock = c } }
func WithCompetition(c CompetitionReader) Option { return func(s *Server) { s.competition = c } }
func WithSolverAuth(a *SolverAuth) Option { return func(s *Server) { s.solverAuth = a } }
func WithRateLimit(l *OwnerLimiter) Option { return func(s *Server) { s.limiter = l } }
func WithMetrics(m Instrumenter) Option { return func(s *Server) { s.metrics = m } }
func WithAllowedOrigins(o ...string) Option { return func(s *Server) { s.origins = o } }

// WithHub serves the feed from h, so observers can be wired before the server exists.
func WithHub(h *Hub) Option { return func(s *Server) { s.hub = h } }

func NewServer(orders OrderService, coord AuctionService, rounds auction.RoundStore, opts ...Option) *Server {
	s := &Server{
		orders:  orders,
		auction: coord,
		rounds:  rounds,
		clock:   util.RealClock{},
		origins: []string{"http://localhost:3000", "http://localhost:3001"},
		router:  mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = util.Sugar(s.log)
	if s.hub == nil {
		s.hub = NewHub(s.log)
	}
	s.setupRoutes()
	return s
}

// Hub returns the live feed; register it as a coordinator and order observer.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	s.route(api, "/orders", "submit_order", s.handleSubmitOrder, http.MethodPost)
	s.route(api, "/orders/{uid}", "get_order", s.handleGetOrder, http.MethodGet)
	s.route(api, "/orders/{uid}/cancel", "cancel_order", s.handleCancelOrder, http.MethodPost)
	s.route(api, "/orders/{uid}/replace", "replace_order", s.handleReplaceOrder, http.MethodPost)
	s.route(api, "/accounts/{owner}/orders", "owner_orders", s.handleOwnerOrders, http.MethodGet)

	// Rounds
	s.route(api, "/auction", "get_auction", s.handleGetAuction, http.MethodGet)
	s.route(api, "/rounds/{id:[0-9]+}", "get_round", s.handleGetRound, http.MethodGet)
	s.route(api, "/rounds/{id:[0-9]+}/competition", "get_competition", s.handleGetCompetition, http.MethodGet)

	// Solvers
	propose := http.Handler(http.HandlerFunc(s.handlePropose))
	if s.solverAuth != nil {
		propose = s.solverAuth.Middleware(propose)
	}
	api.Handle("/solvers/proposals", s.instrument("propose", propose)).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

func (s *Server) route(r *mux.Router, path, name string, h http.HandlerFunc, method string) {
	r.Handle(path, s.instrument(name, h)).Methods(method)
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return s.metrics.Instrument(name, h)
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.decodeTx(w, r, transaction.TxTypeOrder)
	if !ok {
		return
	}
	if !s.limiter.Allow(common.HexToAddress(tx.Order.Owner)) {
		respondError(w, http.StatusTooManyRequests, "rate limited", tx.Order.Owner)
		return
	}
	uid, err := s.orders.Submit(r.Context(), tx)
	if err != nil {
		s.respondServiceError(w, "submit order", err)
		return
	}
	respondStatus(w, http.StatusCreated, SubmitOrderResponse{Status: order.StatusOpen.String(), UID: uid.String()})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	tx, ok := s.decodeTx(w, r, transaction.TxTypeCancel)
	if !ok {
		return
	}
	if !sameUID(tx.Cancel.OrderUID, uid) {
		respondError(w, http.StatusBadRequest, "cancel targets another order", tx.Cancel.OrderUID)
		return
	}
	if err := s.orders.Cancel(r.Context(), tx); err != nil {
		s.respondServiceError(w, "cancel order", err)
		return
	}
	respondJSON(w, SubmitOrderResponse{Status: order.StatusCancelled.String(), UID: uid.String()})
}

func (s *Server) handleReplaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req ReplaceOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*maxOrderBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Cancel == nil || req.Order == nil {
		respondError(w, http.StatusBadRequest, "replace requires cancel and order", "")
		return
	}
	for _, tx := range []*transaction.SignedTransaction{req.Cancel, req.Order} {
		if err := tx.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
			return
		}
	}
	if req.Cancel.Type != transaction.TxTypeCancel || req.Order.Type != transaction.TxTypeOrder {
		respondError(w, http.StatusBadRequest, "invalid transaction type", "expected cancel and order")
		return
	}
	if !sameUID(req.Cancel.Cancel.OrderUID, uid) {
		respondError(w, http.StatusBadRequest, "cancel targets another order", req.Cancel.Cancel.OrderUID)
		return
	}
	if !s.limiter.Allow(common.HexToAddress(req.Order.Order.Owner)) {
		respondError(w, http.StatusTooManyRequests, "rate limited", req.Order.Order.Owner)
		return
	}
	next, err := s.orders.Replace(r.Context(), req.Cancel, req.Order)
	if err != nil {
		s.respondServiceError(w, "replace order", err)
		return
	}
	respondStatus(w, http.StatusCreated, SubmitOrderResponse{
		Status:   order.StatusOpen.String(),
		UID:      next.String(),
		Replaced: uid.String(),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	rec, err := s.orders.Get(r.Context(), uid)
	if err != nil {
		s.respondServiceError(w, "get order", err)
		return
	}
	respondJSON(w, newOrderInfo(rec, s.clock.Now()))
}

func (s *Server) handleOwnerOrders(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["owner"]
	if !common.IsHexAddress(addr) {
		respondError(w, http.StatusBadRequest, "invalid address", addr)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		respondError(w, http.StatusBadRequest, "invalid offset", r.URL.Query().Get("offset"))
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		respondError(w, http.StatusBadRequest, "invalid limit", r.URL.Query().Get("limit"))
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	recs, err := s.orders.OwnerOrders(r.Context(), common.HexToAddress(addr), offset, limit)
	if err != nil {
		s.respondServiceError(w, "owner orders", err)
		return
	}
	now := s.clock.Now()
	out := make([]OrderInfo, len(recs))
	for i, rec := range recs {
		out[i] = newOrderInfo(rec, now)
	}
	respondJSON(w, out)
}

// ==============================
// Round Handlers
// ==============================

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	info := AuctionInfo{State: s.auction.State().String(), Last: s.auction.Last()}
	if a, ok := s.auction.Current(); ok {
		info.Auction = a
	}
	respondJSON(w, info)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	solver, ok := SolverFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "solver authentication required", "")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProposalBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid settlement", err.Error())
		return
	}
	st, err := s.solverAuth.OpenProposal(solver, body, r.Header.Get(HeaderSolverSignature))
	switch {
	case errors.Is(err, p2p.ErrUnknownSolver):
		respondError(w, http.StatusForbidden, "solver has no registered key", err.Error())
		return
	case errors.Is(err, errMissingSignature), errors.Is(err, p2p.ErrBadProposalSignature):
		respondError(w, http.StatusUnauthorized, "invalid proposal signature", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "invalid settlement", err.Error())
		return
	}
	p, err := s.auction.Propose(r.Context(), st.RoundID, solver, st)
	if err != nil {
		s.respondServiceError(w, "propose", err)
		return
	}
	respondStatus(w, http.StatusCreated, ProposalResponse{
		ProposalID: p.ID.String(),
		RoundID:    p.RoundID,
		Objective:  p.Objective.FloatString(6),
		ReceivedAt: p.ReceivedAt,
	})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid round id", err.Error())
		return
	}
	sum, err := s.rounds.Round(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, "get round", err)
		return
	}
	respondJSON(w, sum)
}

func (s *Server) handleGetCompetition(w http.ResponseWriter, r *http.Request) {
	if s.competition == nil {
		respondError(w, http.StatusNotFound, "competition archive disabled", "")
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid round id", err.Error())
		return
	}
	entries, err := s.competition.Competition(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, "competition", err)
		return
	}
	if entries == nil {
		entries = []auction.Entry{}
	}
	respondJSON(w, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", State: s.auction.State().String()}
	if last := s.auction.Last(); last != nil {
		resp.LastRound = last.RoundID
	}
	respondJSON(w, resp)
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) decodeTx(w http.ResponseWriter, r *http.Request, want transaction.TxType) (*transaction.SignedTransaction, bool) {
	var tx transaction.SignedTransaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBody)).Decode(&tx); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON transaction", err.Error())
		return nil, false
	}
	if err := tx.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return nil, false
	}
	if tx.Type != want {
		respondError(w, http.StatusBadRequest, "invalid transaction type", "expected type="+string(want))
		return nil, false
	}
	return &tx, true
}

func pathUID(w http.ResponseWriter, r *http.Request) (order.UID, bool) {
	raw := mux.Vars(r)["uid"]
	uid, err := order.ParseUID(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order uid", err.Error())
		return order.UID{}, false
	}
	return uid, true
}

func sameUID(raw string, uid order.UID) bool {
	other, err := order.ParseUID(raw)
	return err == nil && other == uid
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orderbook.ErrNotFound), errors.Is(err, auction.ErrUnknownRound):
		return http.StatusNotFound
	case errors.Is(err, orderbook.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, orderbook.ErrUnauthorized), errors.Is(err, orderbook.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orderbook.ErrDuplicateOrder), errors.Is(err, orderbook.ErrAlreadyResolved),
		errors.Is(err, auction.ErrRoundClosed), errors.Is(err, auction.ErrDuplicateProposal):
		return http.StatusConflict
	case errors.Is(err, orderbook.ErrMalformedOrder), errors.Is(err, orderbook.ErrExpired),
		errors.Is(err, orderbook.ErrUnsupportedToken), errors.Is(err, orderbook.ErrInsufficientBalance),
		errors.Is(err, orderbook.ErrInsufficientAllowance):
		return http.StatusBadRequest
	case validator.IsRejection(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) respondServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("api_request_failed", "op", op, "err", err)
		respondError(w, status, op+" failed", "")
		return
	}
	respondError(w, status, op+" rejected", err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondStatus(w, status, ErrorResponse{Error: error, Message: message})
}
