package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/transaction"
	"github.com/uhyunpark/batchauction/pkg/app/core/validator"
	"github.com/uhyunpark/batchauction/pkg/crypto"
	"github.com/uhyunpark/batchauction/pkg/p2p"
)

var (
	tokenX = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokenY = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

type fakeAuction struct {
	state   auction.State
	current *settlement.Auction
	last    *auction.Summary
	propose func(roundID uint64, solver string, s *settlement.Settlement) (*auction.Proposal, error)
}

func (f *fakeAuction) State() auction.State { return f.state }
func (f *fakeAuction) Last() *auction.Summary { return f.last }
func (f *fakeAuction) Current() (*settlement.Auction, bool) { return f.current, f.current != nil }
func (f *fakeAuction) Propose(_ context.Context, roundID uint64, solver string, s *settlement.Settlement) (*auction.Proposal, error) {
	return f.propose(roundID, solver, s)
}

type fakeCompetition map[uint64][]auction.Entry

func (f fakeCompetition) Competition(_ context.Context, id uint64) ([]auction.Entry, error) {
	return f[id], nil
}

type fixture struct {
	t      *testing.T
	clk    *clock.Mock
	domain crypto.EIP712Domain
	owner  *crypto.Signer
	beta   *crypto.Signer
	coord  *fakeAuction
	rounds *auction.MemRoundStore
	srv    *Server
	ts     *httptest.Server
	nonce  int64
}

const secret = "test-secret"

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	domain := crypto.DefaultDomain()
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	beta, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := NewSolverAuth(secret, []string{"alpha", "beta=" + beta.Address().Hex()})
	require.NoError(t, err)

	mgr := orderbook.NewManager(orderbook.NewMemStore(), transaction.NewVerifier(domain), orderbook.Config{
		MinValidity: time.Minute,
		MaxValidity: 24 * time.Hour,
	}, orderbook.WithClock(clk))
	f := &fixture{
		t:      t,
		clk:    clk,
		domain: domain,
		owner:  owner,
		beta:   beta,
		coord:  &fakeAuction{state: auction.StateIdle},
		rounds: auction.NewMemRoundStore(),
	}
	opts = append([]Option{
		WithClock(clk),
		WithSolverAuth(auth),
		WithCompetition(fakeCompetition{}),
	}, opts...)
	f.srv = NewServer(mgr, f.coord, f.rounds, opts...)
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) signedOrder(signer *crypto.Signer) *transaction.SignedTransaction {
	f.nonce++
	o := &crypto.OrderEIP712{
		SellToken:  tokenX,
		BuyToken:   tokenY,
		SellAmount: big.NewInt(100),
		BuyAmount:  big.NewInt(90),
		ValidTo:    uint32(f.clk.Now().Add(time.Hour).Unix()),
		Nonce:      big.NewInt(f.nonce),
		Owner:      signer.Address(),
	}
	tx, err := transaction.NewSignedOrder(f.domain, signer, o)
	require.NoError(f.t, err)
	return tx
}

// signedProposal returns the exact body bytes and the signature header value for s.
func (f *fixture) signedProposal(signer *crypto.Signer, solver string, s *settlement.Settlement) (json.RawMessage, string) {
	f.t.Helper()
	w, err := p2p.SignProposal(signer, solver, s)
	require.NoError(f.t, err)
	return w.Settlement, hexutil.Encode(w.Signature)
}

func (f *fixture) do(method, path string, body any, header ...string) (*http.Response, []byte) {
	f.t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, r)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(f.t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(http.MethodPost, "/api/v1/orders", f.signedOrder(f.owner))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	uid := decode[SubmitOrderResponse](t, body).UID

	resp, body = f.do(http.MethodGet, "/api/v1/orders/"+uid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[OrderInfo](t, body)
	require.Equal(t, "open", info.Status)
	require.Equal(t, "100", info.Remaining)
	require.Equal(t, f.owner.Address().Hex(), info.Owner)

	parsed, err := order.ParseUID(uid)
	require.NoError(t, err)
	cancel, err := transaction.NewSignedCancel(f.domain, f.owner, parsed)
	require.NoError(t, err)
	resp, body = f.do(http.MethodPost, "/api/v1/orders/"+uid+"/cancel", cancel)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(http.MethodGet, "/api/v1/orders/"+uid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", decode[OrderInfo](t, body).Status)

	resp, _ = f.do(http.MethodPost, "/api/v1/orders/"+uid+"/cancel", cancel)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOrderStatusIsEffective(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(http.MethodPost, "/api/v1/orders", f.signedOrder(f.owner))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	uid := decode[SubmitOrderResponse](t, body).UID

	f.clk.Add(2 * time.Hour)
	_, body = f.do(http.MethodGet, "/api/v1/orders/"+uid, nil)
	require.Equal(t, "expired", decode[OrderInfo](t, body).Status)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)

	forged := f.signedOrder(stranger)
	forged.Order.Owner = f.owner.Address().Hex()
	resp, _ := f.do(http.MethodPost, "/api/v1/orders", forged)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/v1/orders", map[string]string{"type": "order"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tx := f.signedOrder(f.owner)
	resp, _ = f.do(http.MethodPost, "/api/v1/orders", tx)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(http.MethodPost, "/api/v1/orders", tx)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(http.MethodGet, "/api/v1/orders/0x1234", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(http.MethodGet, "/api/v1/orders/"+order.UID{1}.String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelMustTargetPathOrder(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(http.MethodPost, "/api/v1/orders", f.signedOrder(f.owner))
	uid := decode[SubmitOrderResponse](t, body).UID

	cancel, err := transaction.NewSignedCancel(f.domain, f.owner, order.UID{7})
	require.NoError(t, err)
	resp, _ := f.do(http.MethodPost, "/api/v1/orders/"+uid+"/cancel", cancel)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplaceAndOwnerOrders(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(http.MethodPost, "/api/v1/orders", f.signedOrder(f.owner))
	old := decode[SubmitOrderResponse](t, body).UID
	oldUID, err := order.ParseUID(old)
	require.NoError(t, err)

	f.clk.Add(time.Second)
	cancel, err := transaction.NewSignedCancel(f.domain, f.owner, oldUID)
	require.NoError(t, err)
	resp, body := f.do(http.MethodPost, "/api/v1/orders/"+old+"/replace",
		ReplaceOrderRequest{Cancel: cancel, Order: f.signedOrder(f.owner)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	replaced := decode[SubmitOrderResponse](t, body)
	require.Equal(t, old, replaced.Replaced)

	resp, body = f.do(http.MethodGet, "/api/v1/accounts/"+f.owner.Address().Hex()+"/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]OrderInfo](t, body)
	require.Len(t, list, 2)
	require.Equal(t, replaced.UID, list[0].UID)
	require.Equal(t, "open", list[0].Status)
	require.Equal(t, "cancelled", list[1].Status)

	_, body = f.do(http.MethodGet, "/api/v1/accounts/"+f.owner.Address().Hex()+"/orders?offset=1&limit=1", nil)
	require.Equal(t, old, decode[[]OrderInfo](t, body)[0].UID)

	resp, _ = f.do(http.MethodGet, "/api/v1/accounts/nope/orders", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(http.MethodGet, "/api/v1/accounts/"+f.owner.Address().Hex()+"/orders?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitPerOwner(t *testing.T) {
	f := newFixture(t, WithRateLimit(NewOwnerLimiter(0.001, 2)))
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, body := f.do(http.MethodPost, "/api/v1/orders", f.signedOrder(f.owner))
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}
	resp, _ := f.do(http.MethodPost, "/api/v1/orders", f.signedOrder(f.owner))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/v1/orders", f.signedOrder(other))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestProposalAuth(t *testing.T) {
	f := newFixture(t)
	var gotSolver string
	f.coord.propose = func(roundID uint64, solver string, s *settlement.Settlement) (*auction.Proposal, error) {
		gotSolver = solver
		switch roundID {
		case 1:
			return &auction.Proposal{ID: uuid.New(), RoundID: 1, Solver: solver, Settlement: s,
				Objective: big.NewRat(15, 2), ReceivedAt: time.Unix(1_700_000_000, 0).UTC()}, nil
		case 2:
			return nil, auction.ErrRoundClosed
		}
		return nil, validator.ErrLimitPriceViolated
	}
	body := &settlement.Settlement{RoundID: 1}

	resp, _ := f.do(http.MethodPost, "/api/v1/solvers/proposals", body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad, err := IssueSolverToken("other-secret", "alpha", time.Minute)
	require.NoError(t, err)
	resp, _ = f.do(http.MethodPost, "/api/v1/solvers/proposals", body, "Authorization", "Bearer "+bad)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	stranger, err := IssueSolverToken(secret, "mallory", time.Minute)
	require.NoError(t, err)
	resp, _ = f.do(http.MethodPost, "/api/v1/solvers/proposals", body, "Authorization", "Bearer "+stranger)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	expired, err := IssueSolverToken(secret, "alpha", -time.Hour)
	require.NoError(t, err)
	resp, _ = f.do(http.MethodPost, "/api/v1/solvers/proposals", body, "Authorization", "Bearer "+expired)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := IssueSolverToken(secret, "beta", time.Minute)
	require.NoError(t, err)
	signed, sig := f.signedProposal(f.beta, "beta", body)
	resp, raw := f.do(http.MethodPost, "/api/v1/solvers/proposals", signed,
		"Authorization", "Bearer "+token, HeaderSolverSignature, sig)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	require.Equal(t, "beta", gotSolver)
	require.Equal(t, "7.500000", decode[ProposalResponse](t, raw).Objective)

	signed, sig = f.signedProposal(f.beta, "beta", &settlement.Settlement{RoundID: 2})
	resp, _ = f.do(http.MethodPost, "/api/v1/solvers/proposals", signed, "Authorization", "Bearer "+token, HeaderSolverSignature, sig)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	signed, sig = f.signedProposal(f.beta, "beta", &settlement.Settlement{RoundID: 3})
	resp, raw = f.do(http.MethodPost, "/api/v1/solvers/proposals", signed, "Authorization", "Bearer "+token, HeaderSolverSignature, sig)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, decode[ErrorResponse](t, raw).Message, "limit price")
}

func TestRoundEndpoints(t *testing.T) {
	f := newFixture(t)
	f.coord.state = auction.StateCollecting
	f.coord.current = &settlement.Auction{RoundID: 5, Prices: map[common.Address]*big.Rat{tokenX: big.NewRat(1, 1)}}
	f.coord.last = &auction.Summary{RoundID: 4, State: auction.StateSettled}
	require.NoError(t, f.rounds.SaveRound(context.Background(), f.coord.last))

	resp, body := f.do(http.MethodGet, "/api/v1/auction", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[AuctionInfo](t, body)
	require.Equal(t, "collecting", info.State)
	require.Equal(t, uint64(5), info.Auction.RoundID)
	require.Equal(t, uint64(4), info.Last.RoundID)

	resp, body = f.do(http.MethodGet, "/api/v1/rounds/4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, auction.StateSettled, decode[auction.Summary](t, body).State)

	resp, _ = f.do(http.MethodGet, "/api/v1/rounds/40", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(http.MethodGet, "/api/v1/rounds/4/competition", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "[]", strings.TrimSpace(string(body)))

	resp, body = f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, body)
	require.Equal(t, uint64(4), health.LastRound)
}

func TestWebSocketFeed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Hub().Run(ctx)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	owner := f.owner.Address()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{
		Op:       "subscribe",
		Channels: []string{ChannelRounds, "orders:" + strings.ToLower(owner.Hex())},
	}))
	var ack WSMessage
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack.Type)

	f.srv.Hub().RoundOpened(&settlement.Auction{RoundID: 9, Deadline: time.Unix(1_700_000_010, 0)})
	var msg struct {
		Type    string           `json:"type"`
		Channel string           `json:"channel"`
		Data    RoundOpenedEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "round_opened", msg.Type)
	require.Equal(t, uint64(9), msg.Data.RoundID)

	// Order updates reach the owner's channel.
	f.srv.Hub().OrderUpdated(order.NewRecord(order.Order{
		Owner:      owner,
		SellAmount: big.NewInt(1),
		BuyAmount:  big.NewInt(1),
		ValidTo:    uint32(f.clk.Now().Add(time.Hour).Unix()),
	}, f.clk.Now()))
	var upd struct {
		Type    string    `json:"type"`
		Channel string    `json:"channel"`
		Data    OrderInfo `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&upd))
	require.Equal(t, "order", upd.Type)
	require.Equal(t, OrderChannel(owner), upd.Channel)
	require.Equal(t, "open", upd.Data.Status)
}

func TestProposalRequiresSolverKeySignature(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.coord.propose = func(roundID uint64, solver string, s *settlement.Settlement) (*auction.Proposal, error) {
		calls++
		return &auction.Proposal{ID: uuid.New(), RoundID: roundID, Solver: solver, Settlement: s, Objective: big.NewRat(1, 1)}, nil
	}
	body := &settlement.Settlement{RoundID: 1}
	const path = "/api/v1/solvers/proposals"

	betaToken, err := IssueSolverToken(secret, "beta", time.Minute)
	require.NoError(t, err)
	alphaToken, err := IssueSolverToken(secret, "alpha", time.Minute)
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	// A valid token alone is not enough.
	signed, _ := f.signedProposal(f.beta, "beta", body)
	resp, _ := f.do(http.MethodPost, path, signed, "Authorization", "Bearer "+betaToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Holder of the shared secret signing as beta with its own key.
	signed, sig := f.signedProposal(other, "beta", body)
	resp, _ = f.do(http.MethodPost, path, signed, "Authorization", "Bearer "+betaToken, HeaderSolverSignature, sig)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Beta's signature replayed under alpha's token.
	signed, sig = f.signedProposal(f.beta, "beta", body)
	resp, _ = f.do(http.MethodPost, path, signed, "Authorization", "Bearer "+alphaToken, HeaderSolverSignature, sig)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Body changed after signing.
	_, sig = f.signedProposal(f.beta, "beta", body)
	tampered, _ := f.signedProposal(f.beta, "beta", &settlement.Settlement{RoundID: 1, Solver: "beta"})
	resp, _ = f.do(http.MethodPost, path, tampered, "Authorization", "Bearer "+betaToken, HeaderSolverSignature, sig)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, path, signed, "Authorization", "Bearer "+betaToken, HeaderSolverSignature, "0xzz")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, calls)

	signed, sig = f.signedProposal(f.beta, "beta", body)
	resp, raw := f.do(http.MethodPost, path, signed, "Authorization", "Bearer "+betaToken, HeaderSolverSignature, sig)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	require.Equal(t, 1, calls)
}

func TestFundingRejectionsAreClientErrors(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("%w: have 1, need 100", orderbook.ErrInsufficientBalance),
		fmt.Errorf("%w: have 0, need 100", orderbook.ErrInsufficientAllowance),
	} {
		require.Equal(t, http.StatusBadRequest, statusFor(err), err.Error())
	}
	require.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("check balance: %w", errors.New("rpc down"))))
}
