package auction

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/validator"
	"github.com/uhyunpark/batchauction/pkg/crypto"
	"github.com/uhyunpark/batchauction/pkg/execution"
	"github.com/uhyunpark/batchauction/pkg/util"
)

const outcomeExecuted, outcomeReverted = "executed", "reverted"

type round struct {
	auction   *settlement.Auction
	proposals []*Proposal
	rejected  []Entry
	solvers   map[string]struct{}
	quorum    chan struct{}
	// closed is set once quorum is reached; later proposals are refused.
	closed bool
}

// closeLocked ends collection before the deadline. Callers hold Coordinator.mu.
func (r *round) closeLocked() {
	if !r.closed {
		r.closed = true
		close(r.quorum)
	}
}

// Coordinator drives one round at a time. Only one round is ever open.
type Coordinator struct {
	cfg       Config
	orders    OrderBook
	validator Validator
	prices    PriceSource
	liquidity Liquidity
	executor  execution.Executor
	rounds    RoundStore
	archive   Archive
	certifier *crypto.BLSSigner
	clock     util.Clock
	log       *zap.SugaredLogger
	observers []Observer

	mu      sync.Mutex
	state   State
	lastID  uint64
	current *round
	last    *Summary
	// pending is a decided round whose outcome could not yet be applied to the orders.
	pending *Summary
}

type Option func(*Coordinator)

func WithClock(c util.Clock) Option { return func(co *Coordinator) { co.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(co *Coordinator) { co.log = l } }
func WithLiquidity(l Liquidity) Option { return func(co *Coordinator) { co.liquidity = l } }
func WithArchive(a Archive) Option { return func(co *Coordinator) { co.archive = a } }
func WithCertifier(s *crypto.BLSSigner) Option { return func(co *Coordinator) { co.certifier = s } }
func WithObserver(o Observer) Option { return func(co *Coordinator) { co.observers = append(co.observers, o) } }

func New(cfg Config, orders OrderBook, v Validator, prices PriceSource, exec execution.Executor, rounds RoundStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		orders:    orders,
		validator: v,
		prices:    prices,
		executor:  exec,
		rounds:    rounds,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = util.OrDefault(c.clock)
	c.log = util.Sugar(c.log)
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the auction of the round collecting proposals, if any.
func (c *Coordinator) Current() (*settlement.Auction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state != StateCollecting {
		return nil, false
	}
	return c.current.auction, true
}

// Last returns the summary of the most recently finished round.
func (c *Coordinator) Last() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Recover loads the last round id and reconciles a round that was interrupted by a
// restart. Call it once before the first round.
func (c *Coordinator) Recover(ctx context.Context) error {
	last, err := c.rounds.LastRoundID(ctx)
	if err != nil {
		return fmt.Errorf("load last round: %w", err)
	}
	c.mu.Lock()
	c.lastID = last
	c.mu.Unlock()
	if last == 0 {
		return nil
	}
	sum, err := c.rounds.Round(ctx, last)
	if err != nil {
		return fmt.Errorf("load round %d: %w", last, err)
	}
	if sum.State.Terminal() {
		c.mu.Lock()
		c.last = sum
		c.mu.Unlock()
		return nil
	}

	c.log.Warnw("round_recovering", "round", last, "state", sum.State.String(), "outcome", sum.Outcome)
	switch {
	case sum.Settlement == nil:
		sum.State = StateNoViableSettlement
		sum.Reason = "interrupted before a winner was claimed"
	case sum.State == StateExecuting && sum.Outcome == outcomeExecuted:
		sum.State = StateSettled
	case sum.State == StateExecuting:
		if sum.Outcome == "" {
			c.log.Warnw("execution_unknown", "round", last, "tx", sum.TxHash.Hex(), "reason", "interrupted during execution")
			sum.Reason = "execution_unknown: interrupted during execution"
		}
		sum.State = StateReverted
	default:
		sum.State = StateNoViableSettlement
		sum.Reason = "interrupted while deciding"
	}
	if sum.Settlement != nil {
		if err := c.apply(ctx, sum); err != nil {
			return fmt.Errorf("reconcile round %d: %w", last, err)
		}
	}
	c.finish(ctx, sum, nil)
	return nil
}

func (c *Coordinator) apply(ctx context.Context, sum *Summary) error {
	res := orderbook.RoundResult{
		RoundID:  sum.RoundID,
		Outcome:  orderbook.OutcomeReverted,
		Trades:   sum.Settlement.Trades,
		Consumed: sum.Consumed,
		Reason:   sum.Reason,
	}
	if sum.State == StateSettled {
		res.Outcome = orderbook.OutcomeExecuted
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxElapsedTime = c.cfg.ExecutionTimeout
	err := backoff.RetryNotify(func() error {
		err := c.orders.ApplyOutcome(ctx, res)
		if errors.Is(err, orderbook.ErrOutcomeConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		c.log.Warnw("outcome_apply_retry", "round", sum.RoundID, "in", d, "err", err)
	})
	if err != nil {
		return err
	}
	consumed := make(map[order.UID]struct{}, len(res.Consumed))
	for _, u := range res.Consumed {
		consumed[u] = struct{}{}
	}
	sum.Settled, sum.Released = nil, nil
	for _, t := range res.Trades {
		_, spent := consumed[t.OrderUID]
		if res.Outcome == orderbook.OutcomeExecuted || spent {
			sum.Settled = append(sum.Settled, t.OrderUID)
		} else {
			sum.Released = append(sum.Released, t.OrderUID)
		}
	}
	return nil
}

// finish records a terminal summary and returns the coordinator to Idle.
func (c *Coordinator) finish(ctx context.Context, sum *Summary, entries []Entry) {
	c.mu.Lock()
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()
	c.record(ctx, sum, entries)
}

// record certifies and persists a terminal summary, archives the competition and tells
// observers.
func (c *Coordinator) record(ctx context.Context, sum *Summary, entries []Entry) {
	sum.ClosedAt = c.clock.Now()
	if c.certifier != nil {
		d := sum.Digest()
		sum.Certificate = c.certifier.Sign(d[:])
	}
	if err := c.rounds.SaveRound(ctx, sum); err != nil {
		c.log.Errorw("round_persist_failed", "round", sum.RoundID, "err", err)
	}
	if c.archive != nil && len(entries) > 0 {
		if err := c.archive.RecordCompetition(ctx, sum.RoundID, entries); err != nil {
			c.log.Errorw("competition_archive_failed", "round", sum.RoundID, "err", err)
		}
	}

	c.mu.Lock()
	c.last = sum
	if sum.RoundID > c.lastID {
		c.lastID = sum.RoundID
	}
	c.mu.Unlock()

	c.log.Infow("round_finished", "round", sum.RoundID, "state", sum.State.String(), "winner", sum.Winner,
		"objective", sum.Objective, "settled", len(sum.Settled), "released", len(sum.Released), "reason", sum.Reason)
	for _, o := range c.observers {
		o.RoundFinished(sum)
	}
}

// OpenRound snapshots the order book and starts collecting proposals.
func (c *Coordinator) OpenRound(ctx context.Context) (*settlement.Auction, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrRoundInProgress
	}
	// Reserve the coordinator; Propose sees no current round until it is published.
	c.state = StateCollecting
	pending := c.pending
	id := c.lastID + 1
	c.mu.Unlock()

	reset := func() {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
	}

	if pending != nil {
		err := c.apply(ctx, pending)
		switch {
		case errors.Is(err, orderbook.ErrOutcomeConflict):
			c.log.Errorw("outcome_conflict", "round", pending.RoundID, "err", err)
			pending.Reason = strings.TrimPrefix(pending.Reason+"; ", "; ") + err.Error()
		case err != nil:
			reset()
			return nil, fmt.Errorf("round %d outcome still pending: %w", pending.RoundID, err)
		}
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.record(ctx, pending, nil)
	}

	now := c.clock.Now()
	recs, err := c.orders.Snapshot(ctx, now)
	if err != nil {
		c.finish(ctx, &Summary{
			RoundID:  id,
			State:    StateNoViableSettlement,
			OpenedAt: now,
			Deadline: now,
			Reason:   fmt.Sprintf("snapshot: %v", err),
		}, nil)
		return nil, fmt.Errorf("open round %d: %w", id, err)
	}

	a := &settlement.Auction{
		RoundID:  id,
		OpenedAt: now,
		Deadline: now.Add(c.cfg.Duration),
		Orders:   recs,
		Prices:   c.referencePrices(ctx, recs),
	}
	if c.liquidity != nil {
		pools, err := c.liquidity.Pools(ctx)
		if err != nil {
			c.log.Warnw("liquidity_unavailable", "round", id, "err", err)
		}
		a.Liquidity = pools
	}

	if err := c.rounds.SaveRound(ctx, &Summary{
		RoundID:  id,
		State:    StateCollecting,
		OpenedAt: now,
		Deadline: a.Deadline,
		Orders:   len(recs),
	}); err != nil {
		reset()
		return nil, fmt.Errorf("persist round %d: %w", id, err)
	}

	c.mu.Lock()
	c.lastID = id
	c.current = &round{
		auction: a,
		solvers: make(map[string]struct{}),
		quorum:  make(chan struct{}),
	}
	c.mu.Unlock()

	c.log.Infow("round_opened", "round", id, "orders", len(recs), "tokens", len(a.Prices),
		"pools", len(a.Liquidity), "deadline", a.Deadline)
	for _, o := range c.observers {
		o.RoundOpened(a)
	}
	return a, nil
}

func (c *Coordinator) referencePrices(ctx context.Context, recs []*order.Record) map[common.Address]*big.Rat {
	if c.prices == nil {
		return map[common.Address]*big.Rat{}
	}
	seen := make(map[common.Address]struct{})
	var tokens []common.Address
	for _, r := range recs {
		for _, tok := range []common.Address{r.SellToken, r.BuyToken} {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				tokens = append(tokens, tok)
			}
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
	prices := c.prices.NativePrices(ctx, c.cfg.NativeToken, tokens)
	if prices == nil {
		prices = map[common.Address]*big.Rat{}
	}
	return prices
}

func (c *Coordinator) collectingLocked(roundID uint64, solver string) (*round, error) {
	if c.current == nil || c.state != StateCollecting || c.current.auction.RoundID != roundID {
		return nil, fmt.Errorf("%w: round %d is not collecting", ErrRoundClosed, roundID)
	}
	if c.current.closed {
		return nil, fmt.Errorf("%w: round %d reached quorum", ErrRoundClosed, roundID)
	}
	if !c.clock.Now().Before(c.current.auction.Deadline) {
		return nil, fmt.Errorf("%w: round %d deadline passed", ErrRoundClosed, roundID)
	}
	if _, dup := c.current.solvers[solver]; dup {
		return nil, fmt.Errorf("%w: %s in round %d", ErrDuplicateProposal, solver, roundID)
	}
	return c.current, nil
}

// Propose validates and records a solver's settlement for the collecting round. The
// validator's rejection is returned unchanged; a rejected solver may propose again.
func (c *Coordinator) Propose(ctx context.Context, roundID uint64, solver string, s *settlement.Settlement) (*Proposal, error) {
	if s == nil {
		return nil, validator.ErrEmptySettlement
	}
	c.mu.Lock()
	rd, err := c.collectingLocked(roundID, solver)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sub := s.Clone()
	sub.Solver = solver
	receivedAt := c.clock.Now()
	obj, err := c.validator.Validate(ctx, rd.auction, sub)
	if err != nil {
		if validator.IsRejection(err) {
			c.mu.Lock()
			rd.rejected = append(rd.rejected, Entry{
				RoundID: roundID, ProposalID: uuid.New(), Solver: solver,
				Rejection: err.Error(), ReceivedAt: receivedAt,
			})
			c.mu.Unlock()
			c.log.Infow("proposal_rejected", "round", roundID, "solver", solver, "err", err)
		}
		return nil, err
	}

	p := &Proposal{
		ID:         uuid.New(),
		RoundID:    roundID,
		Solver:     solver,
		Settlement: sub,
		Objective:  obj,
		ReceivedAt: receivedAt,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.collectingLocked(roundID, solver); err != nil {
		return nil, err
	}
	rd.proposals = append(rd.proposals, p)
	rd.solvers[solver] = struct{}{}
	if c.cfg.Quorum > 0 && len(rd.proposals) >= c.cfg.Quorum {
		rd.closeLocked()
	}
	c.log.Infow("proposal_accepted", "round", roundID, "solver", solver, "id", p.ID.String(),
		"trades", len(sub.Trades), "objective", obj.FloatString(6))
	return p, nil
}

// AwaitClose blocks until the collecting round's deadline passes or quorum is reached.
func (c *Coordinator) AwaitClose(ctx context.Context) error {
	c.mu.Lock()
	rd := c.current
	c.mu.Unlock()
	if rd == nil {
		return nil
	}
	wait := rd.auction.Deadline.Sub(c.clock.Now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(wait):
	case <-rd.quorum:
		c.log.Debugw("round_quorum_reached", "round", rd.auction.RoundID)
	}
	return nil
}

// less orders proposals by objective (higher first), then receipt time, then solver id.
func less(a, b *Proposal) bool {
	if cmp := a.Objective.Cmp(b.Objective); cmp != 0 {
		return cmp > 0
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.Solver < b.Solver
}

func (c *Coordinator) baseSummary(rd *round) *Summary {
	return &Summary{
		RoundID:   rd.auction.RoundID,
		OpenedAt:  rd.auction.OpenedAt,
		Deadline:  rd.auction.Deadline,
		Orders:    len(rd.auction.Orders),
		Proposals: len(rd.proposals),
	}
}

// Decide closes the round, re-validates every proposal against the current order state
// and claims the orders of the best one. A claim conflict moves on to the next proposal.
// A nil proposal with a nil error means the round ended without a viable settlement.
func (c *Coordinator) Decide(ctx context.Context) (*Proposal, error) {
	c.mu.Lock()
	if c.state != StateCollecting || c.current == nil {
		c.mu.Unlock()
		return nil, ErrNoOpenRound
	}
	c.state = StateDeciding
	rd := c.current
	proposals := append([]*Proposal(nil), rd.proposals...)
	entries := append([]Entry(nil), rd.rejected...)
	c.mu.Unlock()

	a := rd.auction
	sum := c.baseSummary(rd)
	abandon := func(err error) (*Proposal, error) {
		sum.State = StateNoViableSettlement
		sum.Reason = err.Error()
		c.finish(ctx, sum, entries)
		return nil, err
	}

	var viable []*Proposal
	for _, p := range proposals {
		obj, err := c.validator.Validate(ctx, a, p.Settlement)
		if err != nil {
			if !validator.IsRejection(err) {
				return abandon(fmt.Errorf("revalidate: %w", err))
			}
			c.log.Infow("proposal_invalidated", "round", a.RoundID, "solver", p.Solver, "err", err)
			entries = append(entries, entryFor(p, 0, err.Error()))
			continue
		}
		p.Objective = obj
		viable = append(viable, p)
	}
	sort.SliceStable(viable, func(i, j int) bool { return less(viable[i], viable[j]) })

	var winner *Proposal
	rejection := make(map[uuid.UUID]string)
	for _, p := range viable {
		intent := *sum
		intent.State = StateDeciding
		intent.Winner = p.Solver
		intent.ProposalID = p.ID.String()
		intent.Settlement = p.Settlement
		if err := c.rounds.SaveRound(ctx, &intent); err != nil {
			return abandon(fmt.Errorf("persist decision: %w", err))
		}
		err := c.orders.Claim(ctx, a.RoundID, p.Settlement.Trades)
		if errors.Is(err, orderbook.ErrClaimConflict) {
			c.log.Infow("claim_conflict", "round", a.RoundID, "solver", p.Solver, "err", err)
			rejection[p.ID] = err.Error()
			continue
		}
		if err != nil {
			return abandon(fmt.Errorf("claim: %w", err))
		}
		winner = p
		break
	}
	for i, p := range viable {
		e := entryFor(p, i+1, rejection[p.ID])
		e.Winner = p == winner
		entries = append(entries, e)
	}

	if winner == nil {
		sum.State = StateNoViableSettlement
		sum.Reason = "no viable settlement"
		if len(proposals) == 0 {
			sum.Reason = "no proposals"
		}
		c.finish(ctx, sum, entries)
		return nil, nil
	}

	sum.State = StateExecuting
	sum.Winner = winner.Solver
	sum.ProposalID = winner.ID.String()
	sum.Objective = winner.Objective.FloatString(6)
	sum.Settlement = winner.Settlement
	if err := c.rounds.SaveRound(ctx, sum); err != nil {
		c.log.Errorw("round_persist_failed", "round", a.RoundID, "err", err)
	}
	if c.archive != nil {
		if err := c.archive.RecordCompetition(ctx, a.RoundID, entries); err != nil {
			c.log.Errorw("competition_archive_failed", "round", a.RoundID, "err", err)
		}
	}
	c.mu.Lock()
	c.state = StateExecuting
	c.mu.Unlock()
	c.log.Infow("winner_selected", "round", a.RoundID, "solver", winner.Solver, "objective", sum.Objective,
		"candidates", len(viable))
	return winner, nil
}

func entryFor(p *Proposal, rank int, rejection string) Entry {
	e := Entry{
		RoundID:    p.RoundID,
		ProposalID: p.ID,
		Solver:     p.Solver,
		Rank:       rank,
		Rejection:  rejection,
		ReceivedAt: p.ReceivedAt,
	}
	if p.Objective != nil {
		e.Objective = p.Objective.FloatString(6)
	}
	if rejection != "" {
		e.Rank = 0
	}
	return e
}

// submit runs the executor within ctx, retrying transient failures with exponential backoff.
func (c *Coordinator) submit(ctx context.Context, s *settlement.Settlement) (execution.Result, error) {
	var res execution.Result
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxElapsedTime = 0
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		r, err := c.executor.Execute(ctx, s)
		switch {
		case err == nil:
			res = r
			return nil
		case errors.Is(err, execution.ErrTransient):
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		c.log.Warnw("execution_retry", "round", s.RoundID, "attempt", attempt, "in", d, "err", err)
	})
	return res, err
}

// Execute submits the winner within the execution horizon and applies the outcome to
// its orders. An unknown result counts as reverted.
func (c *Coordinator) Execute(ctx context.Context, p *Proposal) (*Summary, error) {
	c.mu.Lock()
	rd := c.current
	if c.state != StateExecuting || rd == nil || rd.auction.RoundID != p.RoundID {
		c.mu.Unlock()
		return nil, fmt.Errorf("round %d is not executing", p.RoundID)
	}
	c.mu.Unlock()

	ectx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	res, err := c.submit(ectx, p.Settlement)
	overran := errors.Is(ectx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	sum := c.baseSummary(rd)
	sum.State = StateExecuting
	sum.Winner = p.Solver
	sum.ProposalID = p.ID.String()
	sum.Objective = p.Objective.FloatString(6)
	sum.Settlement = p.Settlement
	sum.TxHash = res.TxHash
	sum.Outcome = outcomeReverted
	switch {
	case err != nil && overran:
		sum.Reason = fmt.Sprintf("execution_horizon_exceeded: %v", err)
		c.log.Warnw("execution_horizon_exceeded", "round", p.RoundID, "horizon", c.cfg.ExecutionTimeout, "err", err)
	case err != nil:
		sum.Reason = fmt.Sprintf("execution failed: %v", err)
		c.log.Warnw("execution_failed", "round", p.RoundID, "err", err)
	case res.Status == execution.StatusConfirmed:
		sum.Outcome = outcomeExecuted
	case res.Status == execution.StatusReverted:
		sum.Reason = fmt.Sprintf("execution reverted: %s", res.Reason)
	default:
		sum.Reason = fmt.Sprintf("execution_unknown: %s", res.Reason)
		c.log.Warnw("execution_unknown", "round", p.RoundID, "tx", res.TxHash.Hex(), "reason", res.Reason)
	}
	if sum.Outcome != outcomeExecuted && len(res.Consumed) > 0 {
		sum.Consumed = res.Consumed
		c.log.Warnw("orders_consumed_after_revert", "round", p.RoundID, "orders", len(res.Consumed))
	}
	if err := c.rounds.SaveRound(ctx, sum); err != nil {
		c.log.Errorw("round_persist_failed", "round", p.RoundID, "err", err)
	}

	if sum.Outcome == outcomeExecuted {
		sum.State = StateSettled
	} else {
		sum.State = StateReverted
	}
	if err := c.apply(ctx, sum); errors.Is(err, orderbook.ErrOutcomeConflict) {
		c.log.Errorw("outcome_conflict", "round", p.RoundID, "err", err)
		sum.Reason = strings.TrimPrefix(sum.Reason+"; ", "; ") + err.Error()
		c.finish(ctx, sum, nil)
		return sum, err
	} else if err != nil {
		c.log.Errorw("outcome_apply_failed", "round", p.RoundID, "err", err)
		c.mu.Lock()
		c.pending = sum
		c.state = StateIdle
		c.current = nil
		c.mu.Unlock()
		return sum, fmt.Errorf("apply outcome round %d: %w", p.RoundID, err)
	}
	c.finish(ctx, sum, nil)
	return sum, nil
}

// RunRound runs one full round: open, collect, decide, execute.
func (c *Coordinator) RunRound(ctx context.Context) (*Summary, error) {
	a, err := c.OpenRound(ctx)
	if err != nil {
		return c.Last(), err
	}
	if err := c.AwaitClose(ctx); err != nil {
		c.mu.Lock()
		rd := c.current
		c.state = StateDeciding
		c.mu.Unlock()
		sum := c.baseSummary(rd)
		sum.State = StateNoViableSettlement
		sum.Reason = fmt.Sprintf("round %d interrupted: %v", a.RoundID, err)
		c.finish(context.WithoutCancel(ctx), sum, nil)
		return sum, err
	}
	p, err := c.Decide(ctx)
	if err != nil {
		return c.Last(), err
	}
	if p == nil {
		return c.Last(), nil
	}
	return c.Execute(ctx, p)
}

// Run starts a round every cadence until ctx is done. Round failures are logged.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		start := c.clock.Now()
		if _, err := c.RunRound(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Errorw("round_failed", "err", err)
		}
		wait := c.cfg.Cadence - c.clock.Now().Sub(start)
		if wait <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

// RunN runs n rounds back to back without waiting for the cadence.
func (c *Coordinator) RunN(ctx context.Context, n int) ([]*Summary, error) {
	out := make([]*Summary, 0, n)
	for i := 0; i < n; i++ {
		sum, err := c.RunRound(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, sum)
	}
	return out, nil
}
