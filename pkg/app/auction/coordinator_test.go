package auction

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchauction/pkg/app/core/pricing"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/transaction"
	"github.com/uhyunpark/batchauction/pkg/app/core/validator"
	"github.com/uhyunpark/batchauction/pkg/app/solver"
	"github.com/uhyunpark/batchauction/pkg/crypto"
	"github.com/uhyunpark/batchauction/pkg/execution"
	"github.com/uhyunpark/batchauction/pkg/util"
)

var (
	tokX = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokY = common.HexToAddress("0x000000000000000000000000000000000000000b")
	pool = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

const roundDuration = 10 * time.Second

type executorFunc = execution.Func

func confirmAll(context.Context, *settlement.Settlement) (execution.Result, error) {
	return execution.Result{Status: execution.StatusConfirmed, TxHash: common.HexToHash("0x01")}, nil
}

type recorder struct {
	mu       sync.Mutex
	opened   []uint64
	finished []*Summary
}

func (r *recorder) RoundOpened(a *settlement.Auction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, a.RoundID)
}

func (r *recorder) RoundFinished(s *Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

type archive struct {
	mu      sync.Mutex
	entries map[uint64][]Entry
}

func (a *archive) RecordCompetition(_ context.Context, round uint64, entries []Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries == nil {
		a.entries = make(map[uint64][]Entry)
	}
	a.entries[round] = append([]Entry(nil), entries...)
	return nil
}

type env struct {
	t        *testing.T
	clk      util.Clock
	mock     *clock.Mock
	book     *orderbook.Manager
	rounds   *MemRoundStore
	exec     execution.Executor
	co       *Coordinator
	domain   crypto.EIP712Domain
	owner    *crypto.Signer
	nonce    int64
	observed *recorder
	archive  *archive
}

func newEnv(t *testing.T, cfg Config, exec execution.Executor, opts ...Option) *env {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	return newEnvWithClock(t, mock, mock, cfg, exec, opts...)
}

func newEnvWithClock(t *testing.T, clk util.Clock, mock *clock.Mock, cfg Config, exec execution.Executor, opts ...Option) *env {
	t.Helper()
	domain := crypto.DefaultDomain()
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	book := orderbook.NewManager(orderbook.NewMemStore(), transaction.NewVerifier(domain),
		orderbook.Config{MinValidity: time.Second}, orderbook.WithClock(clk))

	if exec == nil {
		exec = executorFunc(confirmAll)
	}
	if cfg.Duration == 0 {
		cfg.Duration = roundDuration
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	cfg.NativeToken = tokX
	e := &env{
		t: t, clk: clk, mock: mock, book: book, rounds: NewMemRoundStore(), exec: exec,
		domain: domain, owner: owner, observed: &recorder{}, archive: &archive{},
	}
	prices := pricing.NewAggregator([]pricing.Estimator{pricing.NewStaticEstimator(map[common.Address]*big.Rat{
		tokX: big.NewRat(1, 1),
		tokY: big.NewRat(1, 1),
	})})
	base := []Option{
		WithClock(clk),
		WithObserver(e.observed),
		WithArchive(e.archive),
		WithLiquidity(StaticLiquidity{{
			Address: pool, TokenA: tokX, TokenB: tokY,
			ReserveA: big.NewInt(10_000), ReserveB: big.NewInt(10_000),
		}}),
	}
	e.co = New(cfg, book, validator.New(book, clk), prices, exec, e.rounds, append(base, opts...)...)
	return e
}

func (e *env) submit(sell, buy int64, validFor time.Duration) order.UID {
	e.t.Helper()
	e.nonce++
	tx, err := transaction.NewSignedOrder(e.domain, e.owner, &crypto.OrderEIP712{
		SellToken:  tokX,
		BuyToken:   tokY,
		SellAmount: big.NewInt(sell),
		BuyAmount:  big.NewInt(buy),
		ValidTo:    uint32(e.clk.Now().Add(validFor).Unix()),
		Nonce:      big.NewInt(e.nonce),
		Owner:      e.owner.Address(),
	})
	require.NoError(e.t, err)
	uid, err := e.book.Submit(context.Background(), tx)
	require.NoError(e.t, err)
	return uid
}

func (e *env) get(uid order.UID) *order.Record {
	e.t.Helper()
	rec, err := e.book.Get(context.Background(), uid)
	require.NoError(e.t, err)
	return rec
}

// poolFill sells the whole order into the X/Y pool and hands buy of it to the owner.
func poolFill(round uint64, uid order.UID, sell, buy int64) *settlement.Settlement {
	return &settlement.Settlement{
		RoundID: round,
		Trades:  []settlement.Trade{{OrderUID: uid, ExecutedSell: big.NewInt(sell), ExecutedBuy: big.NewInt(buy)}},
		Interactions: []settlement.Interaction{{
			Pool: pool, TokenIn: tokX, TokenOut: tokY, AmountIn: big.NewInt(sell), AmountOut: big.NewInt(buy),
		}},
	}
}

func (e *env) closeRound() {
	e.t.Helper()
	e.mock.Add(roundDuration)
	require.NoError(e.t, e.co.AwaitClose(context.Background()))
}

func TestScenarioFillSettlesAndReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	uid := e.submit(100, 90, 10*15*time.Second)

	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), a.RoundID)
	require.Len(t, a.Orders, 1)
	require.Len(t, a.Liquidity, 1)
	require.Equal(t, "1", a.Prices[tokY].RatString())

	p, err := e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)
	require.Equal(t, "5", p.Objective.RatString())

	e.closeRound()
	winner, err := e.co.Decide(ctx)
	require.NoError(t, err)
	require.Equal(t, "solver-1", winner.Solver)
	require.Equal(t, order.StatusMatched, e.get(uid).Status)

	sum, err := e.co.Execute(ctx, winner)
	require.NoError(t, err)
	require.Equal(t, StateSettled, sum.State)
	require.Equal(t, []order.UID{uid}, sum.Settled)
	require.Equal(t, StateIdle, e.co.State())

	rec := e.get(uid)
	require.Equal(t, order.StatusSettled, rec.Status)
	require.Equal(t, "95", rec.ExecutedBuy.String())

	require.NoError(t, e.book.ApplyOutcome(ctx, orderbook.RoundResult{
		RoundID: 1, Outcome: orderbook.OutcomeExecuted, Trades: winner.Settlement.Trades,
	}))
	replayed := e.get(uid)
	require.Equal(t, order.StatusSettled, replayed.Status)
	require.Equal(t, rec.Version, replayed.Version)
	require.Equal(t, "95", replayed.ExecutedBuy.String())

	stored, err := e.rounds.Round(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StateSettled, stored.State)
	require.Equal(t, "solver-1", stored.Winner)
}

func TestScenarioExpiredOrderLeavesSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	cadence := 15 * time.Second
	b := e.submit(100, 90, 3*cadence)

	for round := 1; round <= 4; round++ {
		a, err := e.co.OpenRound(ctx)
		require.NoError(t, err)
		present := false
		for _, r := range a.Orders {
			present = present || r.UID == b
		}
		require.Equal(t, round < 4, present, "round %d", round)
		e.closeRound()
		_, err = e.co.Decide(ctx)
		require.NoError(t, err)
		require.Equal(t, StateNoViableSettlement, e.co.Last().State)
		e.mock.Add(cadence - roundDuration)
	}
	require.Equal(t, order.StatusOpen, e.get(b).Status, "stored state is untouched")
}

func TestScenarioRevertReleasesForNextRound(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	exec := executorFunc(func(context.Context, *settlement.Settlement) (execution.Result, error) {
		calls.Add(1)
		return execution.Result{Status: execution.StatusReverted, Reason: "slippage"}, nil
	})
	e := newEnv(t, Config{}, exec)
	uid := e.submit(100, 90, time.Hour)

	a1, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	require.Nil(t, p)

	a2, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	require.Equal(t, a1.RoundID+1, a2.RoundID)
	_, err = e.co.Propose(ctx, a2.RoundID, "solver-1", poolFill(a2.RoundID, uid, 100, 95))
	require.NoError(t, err)
	e.closeRound()
	p, err = e.co.Decide(ctx)
	require.NoError(t, err)
	sum, err := e.co.Execute(ctx, p)
	require.NoError(t, err)
	require.Equal(t, StateReverted, sum.State)
	require.Equal(t, []order.UID{uid}, sum.Released)
	require.Contains(t, sum.Reason, "slippage")
	require.Equal(t, int32(1), calls.Load())

	rec := e.get(uid)
	require.Equal(t, order.StatusOpen, rec.Status)
	require.Equal(t, "100", rec.Remaining.String())

	a3, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	require.Len(t, a3.Orders, 1)
	require.Equal(t, uid, a3.Orders[0].UID)
}

func TestProposeRejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	uid := e.submit(100, 90, time.Hour)

	_, err := e.co.Propose(ctx, 1, "solver-1", poolFill(1, uid, 100, 95))
	require.ErrorIs(t, err, ErrRoundClosed, "nothing open yet")

	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.OpenRound(ctx)
	require.ErrorIs(t, err, ErrRoundInProgress)

	_, err = e.co.Propose(ctx, a.RoundID+1, "solver-1", poolFill(a.RoundID+1, uid, 100, 95))
	require.ErrorIs(t, err, ErrRoundClosed)

	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 80))
	require.ErrorIs(t, err, validator.ErrLimitPriceViolated)

	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err, "a rejected proposal does not use up the solver's slot")
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 96))
	require.ErrorIs(t, err, ErrDuplicateProposal)

	e.mock.Add(roundDuration)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-2", poolFill(a.RoundID, uid, 100, 95))
	require.ErrorIs(t, err, ErrRoundClosed)

	_, err = e.co.Decide(ctx)
	require.NoError(t, err)
	entries := e.archive.entries[a.RoundID]
	require.Len(t, entries, 2)
	require.Contains(t, entries[0].Rejection, "limit price")
	require.True(t, entries[1].Winner)
}

func TestHighestObjectiveWins(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	uid := e.submit(100, 90, time.Hour)
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)

	_, err = e.co.Propose(ctx, a.RoundID, "early", poolFill(a.RoundID, uid, 100, 92))
	require.NoError(t, err)
	e.mock.Add(time.Second)
	_, err = e.co.Propose(ctx, a.RoundID, "better", poolFill(a.RoundID, uid, 100, 97))
	require.NoError(t, err)

	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	require.Equal(t, "better", p.Solver)

	entries := e.archive.entries[a.RoundID]
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].Rank)
	require.Equal(t, "better", entries[0].Solver)
	require.Equal(t, 2, entries[1].Rank)
}

func TestTieBreakIsDeterministic(t *testing.T) {
	ctx := context.Background()
	winner := func(order []string, stagger time.Duration) string {
		e := newEnv(t, Config{}, nil)
		uid := e.submit(100, 90, time.Hour)
		a, err := e.co.OpenRound(ctx)
		require.NoError(t, err)
		for _, s := range order {
			_, err := e.co.Propose(ctx, a.RoundID, s, poolFill(a.RoundID, uid, 100, 95))
			require.NoError(t, err)
			e.mock.Add(stagger)
		}
		e.closeRound()
		p, err := e.co.Decide(ctx)
		require.NoError(t, err)
		return p.Solver
	}

	// Same objective and the same receipt time: solver id decides.
	require.Equal(t, "alpha", winner([]string{"beta", "alpha"}, 0))
	require.Equal(t, "alpha", winner([]string{"alpha", "beta"}, 0))
	// Same objective, different receipt times: the earlier one wins.
	require.Equal(t, "beta", winner([]string{"beta", "alpha"}, time.Second))
}

func TestQuorumClosesEarly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{Quorum: 1}, nil)
	uid := e.submit(100, 90, time.Hour)
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, e.co.AwaitClose(wctx), "returns without the deadline passing")
}

func TestQuorumRefusesLaterProposals(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{Quorum: 1}, nil)
	uid := e.submit(100, 90, time.Hour)
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)

	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 92))
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-2", poolFill(a.RoundID, uid, 100, 97))
	require.ErrorIs(t, err, ErrRoundClosed)

	require.NoError(t, e.co.AwaitClose(ctx))
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	require.Equal(t, "solver-1", p.Solver)
	require.Len(t, e.archive.entries[a.RoundID], 1)
}

// reentrantValidator lets another solver reach quorum while the slow solver is validated.
type reentrantValidator struct {
	Validator
	during func()
}

func (v *reentrantValidator) Validate(ctx context.Context, a *settlement.Auction, s *settlement.Settlement) (*big.Rat, error) {
	if s.Solver == "slow" && v.during != nil {
		v.during()
	}
	return v.Validator.Validate(ctx, a, s)
}

func TestQuorumReachedDuringValidationRefusesProposal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{Quorum: 1}, nil)
	uid := e.submit(100, 90, time.Hour)
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)

	rv := &reentrantValidator{Validator: e.co.validator}
	rv.during = func() {
		_, err := e.co.Propose(ctx, a.RoundID, "fast", poolFill(a.RoundID, uid, 100, 92))
		require.NoError(t, err)
	}
	e.co.validator = rv

	_, err = e.co.Propose(ctx, a.RoundID, "slow", poolFill(a.RoundID, uid, 100, 97))
	require.ErrorIs(t, err, ErrRoundClosed)

	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	require.Equal(t, "fast", p.Solver)
}

func TestAcceptedSettlementIsIsolatedFromCaller(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	uid := e.submit(100, 90, time.Hour)
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)

	s := poolFill(a.RoundID, uid, 100, 95)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", s)
	require.NoError(t, err)
	s.Trades[0].ExecutedBuy.SetInt64(1)
	s.Interactions = nil
	require.Empty(t, s.Solver, "the caller's settlement is not stamped")

	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	require.Equal(t, "95", p.Settlement.Trades[0].ExecutedBuy.String())
	require.Len(t, p.Settlement.Interactions, 1)
	require.Equal(t, "5", p.Objective.RatString())
}

type conflictingBook struct {
	OrderBook
	failures atomic.Int32
}

func (b *conflictingBook) Claim(ctx context.Context, round uint64, trades []settlement.Trade) error {
	if b.failures.Add(-1) >= 0 {
		return orderbook.ErrClaimConflict
	}
	return b.OrderBook.Claim(ctx, round, trades)
}

func TestClaimConflictFallsBackToNextProposal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	book := &conflictingBook{OrderBook: e.book}
	book.failures.Store(1)
	e.co.orders = book

	uid := e.submit(100, 90, time.Hour)
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "best", poolFill(a.RoundID, uid, 100, 98))
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "second", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)

	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", p.Solver)

	entries := e.archive.entries[a.RoundID]
	require.Len(t, entries, 2)
	require.Equal(t, "best", entries[0].Solver)
	require.Contains(t, entries[0].Rejection, "claim conflict")
	require.False(t, entries[0].Winner)
	require.True(t, entries[1].Winner)
}

func TestExecutionTimeoutReverts(t *testing.T) {
	ctx := context.Background()
	hang := executorFunc(func(ctx context.Context, _ *settlement.Settlement) (execution.Result, error) {
		<-ctx.Done()
		return execution.Result{Status: execution.StatusUnknown, TxHash: common.HexToHash("0xabc"), Reason: ctx.Err().Error()}, nil
	})
	e := newEnv(t, Config{ExecutionTimeout: 30 * time.Millisecond}, hang)
	uid := e.submit(100, 90, time.Hour)

	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)
	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)

	sum, err := e.co.Execute(ctx, p)
	require.NoError(t, err)
	require.Equal(t, StateReverted, sum.State)
	require.Contains(t, sum.Reason, "execution_unknown")
	require.Equal(t, common.HexToHash("0xabc"), sum.TxHash)
	require.Equal(t, order.StatusOpen, e.get(uid).Status)
}

func TestExecutionHorizonExceededWhileRetrying(t *testing.T) {
	ctx := context.Background()
	down := executorFunc(func(context.Context, *settlement.Settlement) (execution.Result, error) {
		return execution.Result{}, execution.ErrTransient
	})
	e := newEnv(t, Config{ExecutionTimeout: 30 * time.Millisecond}, down)
	uid := e.submit(100, 90, time.Hour)

	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)
	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)

	sum, err := e.co.Execute(ctx, p)
	require.NoError(t, err)
	require.Equal(t, StateReverted, sum.State)
	require.Contains(t, sum.Reason, "execution_horizon_exceeded")
	require.NotContains(t, sum.Reason, "execution failed")
	require.Equal(t, order.StatusOpen, e.get(uid).Status)
}

func TestRevertSettlesConsumedOrdersAndReleasesTheRest(t *testing.T) {
	ctx := context.Background()
	var spent order.UID
	exec := executorFunc(func(context.Context, *settlement.Settlement) (execution.Result, error) {
		return execution.Result{
			Status:   execution.StatusReverted,
			TxHash:   common.HexToHash("0x0bad"),
			Reason:   "receipt status failed",
			Consumed: []order.UID{spent},
		}, nil
	})
	e := newEnv(t, Config{}, exec)
	first := e.submit(100, 90, time.Hour)
	second := e.submit(50, 40, time.Hour)
	spent = first

	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", &settlement.Settlement{
		RoundID: a.RoundID,
		Trades: []settlement.Trade{
			{OrderUID: first, ExecutedSell: big.NewInt(100), ExecutedBuy: big.NewInt(95)},
			{OrderUID: second, ExecutedSell: big.NewInt(50), ExecutedBuy: big.NewInt(45)},
		},
		Interactions: []settlement.Interaction{
			{Pool: pool, TokenIn: tokX, TokenOut: tokY, AmountIn: big.NewInt(100), AmountOut: big.NewInt(95)},
			{Pool: pool, TokenIn: tokX, TokenOut: tokY, AmountIn: big.NewInt(50), AmountOut: big.NewInt(45)},
		},
	})
	require.NoError(t, err)
	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)

	sum, err := e.co.Execute(ctx, p)
	require.NoError(t, err)
	require.Equal(t, StateReverted, sum.State)
	require.Equal(t, []order.UID{first}, sum.Settled)
	require.Equal(t, []order.UID{second}, sum.Released)

	settled := e.get(first)
	require.Equal(t, order.StatusSettled, settled.Status)
	require.Equal(t, "95", settled.ExecutedBuy.String())
	require.Equal(t, order.StatusOpen, e.get(second).Status)

	stored, err := e.rounds.Round(ctx, a.RoundID)
	require.NoError(t, err)
	require.Equal(t, []order.UID{first}, stored.Consumed)

	next, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	require.Len(t, next.Orders, 1)
	require.Equal(t, second, next.Orders[0].UID)
}

func TestExecutionRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32
	flaky := executorFunc(func(ctx context.Context, s *settlement.Settlement) (execution.Result, error) {
		if attempts.Add(1) < 3 {
			return execution.Result{}, execution.ErrTransient
		}
		return confirmAll(ctx, s)
	})
	e := newEnv(t, Config{ExecutionTimeout: 5 * time.Second}, flaky)
	uid := e.submit(100, 90, time.Hour)

	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)
	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	sum, err := e.co.Execute(ctx, p)
	require.NoError(t, err)
	require.Equal(t, StateSettled, sum.State)
	require.Equal(t, int32(3), attempts.Load())
}

func TestPermanentExecutionErrorReverts(t *testing.T) {
	ctx := context.Background()
	broken := executorFunc(func(context.Context, *settlement.Settlement) (execution.Result, error) {
		return execution.Result{}, errors.New("abi: cannot use string as uint64")
	})
	e := newEnv(t, Config{}, broken)
	uid := e.submit(100, 90, time.Hour)
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)
	e.closeRound()
	p, err := e.co.Decide(ctx)
	require.NoError(t, err)
	sum, err := e.co.Execute(ctx, p)
	require.NoError(t, err)
	require.Equal(t, StateReverted, sum.State)
	require.Contains(t, sum.Reason, "execution failed")
	require.Equal(t, order.StatusOpen, e.get(uid).Status)
}

type brokenBook struct{ OrderBook }

var errStoreDown = errors.New("store down")

func (brokenBook) Snapshot(context.Context, time.Time) ([]*order.Record, error) {
	return nil, errStoreDown
}

func TestStoreFailureEndsRoundWithoutViableSettlement(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	e.co.orders = brokenBook{e.book}

	_, err := e.co.OpenRound(ctx)
	require.ErrorIs(t, err, errStoreDown)
	last := e.co.Last()
	require.Equal(t, uint64(1), last.RoundID)
	require.Equal(t, StateNoViableSettlement, last.State)
	require.Contains(t, last.Reason, "snapshot")
	require.Equal(t, StateIdle, e.co.State())

	e.co.orders = e.book
	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), a.RoundID)
}

func TestRecoverReleasesInterruptedRound(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{}, nil)
	uid := e.submit(100, 90, time.Hour)

	a, err := e.co.OpenRound(ctx)
	require.NoError(t, err)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)
	e.closeRound()
	_, err = e.co.Decide(ctx)
	require.NoError(t, err)
	require.Equal(t, order.StatusMatched, e.get(uid).Status)
	// The node stops here, before execution reports.

	restarted := New(Config{Duration: roundDuration, RetryInterval: time.Millisecond}, e.book,
		validator.New(e.book, e.mock), nil, e.exec, e.rounds, WithClock(e.mock))
	require.NoError(t, restarted.Recover(ctx))

	require.Equal(t, order.StatusOpen, e.get(uid).Status)
	sum, err := e.rounds.Round(ctx, a.RoundID)
	require.NoError(t, err)
	require.Equal(t, StateReverted, sum.State)
	require.Contains(t, sum.Reason, "execution_unknown")

	next, err := restarted.OpenRound(ctx)
	require.NoError(t, err)
	require.Equal(t, a.RoundID+1, next.RoundID)
	require.Len(t, next.Orders, 1)
}

func TestRoundCertificate(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewBLSSignerFromSeed([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	e := newEnv(t, Config{Quorum: 1}, nil, WithCertifier(signer))
	uid := e.submit(100, 90, time.Hour)

	done := make(chan *Summary, 1)
	go func() {
		sum, _ := e.co.RunRound(ctx)
		done <- sum
	}()
	var a *settlement.Auction
	require.Eventually(t, func() bool {
		var ok bool
		a, ok = e.co.Current()
		return ok
	}, time.Second, time.Millisecond)
	_, err = e.co.Propose(ctx, a.RoundID, "solver-1", poolFill(a.RoundID, uid, 100, 95))
	require.NoError(t, err)

	sum := <-done
	require.Equal(t, StateSettled, sum.State)
	require.True(t, VerifyCertificate(signer.Pubkey(), sum))

	stored, err := e.rounds.Round(ctx, sum.RoundID)
	require.NoError(t, err)
	require.True(t, VerifyCertificate(signer.Pubkey(), stored))
	stored.TxHash = common.Hash{}
	require.False(t, VerifyCertificate(signer.Pubkey(), stored))

	require.Equal(t, []uint64{1}, e.observed.opened)
	require.Len(t, e.observed.finished, 1)
}

func TestRunSettlesWithEngine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnvWithClock(t, util.RealClock{}, nil, Config{Duration: 40 * time.Millisecond, Cadence: 50 * time.Millisecond}, nil)
	uids := []order.UID{e.submit(100, 90, time.Hour), e.submit(50, 40, time.Hour)}

	engine := solver.NewEngine("greedy")
	go func() {
		var last uint64
		for ctx.Err() == nil {
			a, ok := e.co.Current()
			if ok && a.RoundID != last {
				last = a.RoundID
				if s, err := engine.Solve(ctx, a); err == nil && s != nil {
					_, _ = e.co.Propose(ctx, a.RoundID, engine.ID(), s)
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- e.co.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, uid := range uids {
			if e.get(uid).Status != order.StatusSettled {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.GreaterOrEqual(t, e.observed.count(), 1)
}
