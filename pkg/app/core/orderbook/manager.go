// Package orderbook admits orders, tracks their lifecycle, and is the only writer of
// order state.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/transaction"
	"github.com/uhyunpark/batchauction/pkg/util"
)

var (
	ErrDuplicateOrder   = errors.New("duplicate order")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("order expired")
	ErrMalformedOrder   = errors.New("malformed order")
	ErrNotFound         = order.ErrNotFound
	ErrUnauthorized     = errors.New("unauthorized")
	ErrAlreadyResolved  = errors.New("order already resolved")
	ErrForbidden        = errors.New("owner is banned")
	ErrUnsupportedToken = errors.New("unsupported token")
	// ErrInsufficientBalance and ErrInsufficientAllowance reject orders the owner cannot fund.
	ErrInsufficientBalance   = errors.New("insufficient sell token balance")
	ErrInsufficientAllowance = errors.New("insufficient sell token allowance")
	// ErrClaimConflict means an order could not be claimed for a round because its state moved on.
	ErrClaimConflict = errors.New("order claim conflict")
	// ErrOutcomeConflict means a round result references an order the round never claimed.
	ErrOutcomeConflict = errors.New("round outcome conflicts with order state")
)

// Authenticator checks client signatures. *transaction.Verifier implements it.
type Authenticator interface {
	DecodeOrder(tx *transaction.SignedTransaction) (order.Order, error)
	DecodeCancel(tx *transaction.SignedTransaction) (order.UID, common.Address, error)
}

// BalanceReader reports an owner's token balance and the allowance granted to the settlement
// contract. *execution.ERC20Balances implements it.
type BalanceReader interface {
	Funds(ctx context.Context, owner, token common.Address) (balance, allowance *big.Int, err error)
}

type Config struct {
	MinValidity       time.Duration
	MaxValidity       time.Duration // 0 = unbounded
	BannedOwners      []common.Address
	UnsupportedTokens []common.Address
}

// Outcome is the terminal result of a round as far as orders are concerned.
type Outcome uint8

const (
	OutcomeExecuted Outcome = iota + 1
	OutcomeReverted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExecuted:
		return "executed"
	case OutcomeReverted:
		return "reverted"
	}
	return "unknown"
}

// RoundResult is what ApplyOutcome applies. Consumed lists orders of a reverted round that
// were proven spent on-chain anyway; they settle instead of returning to Open.
type RoundResult struct {
	RoundID  uint64
	Outcome  Outcome
	Trades   []settlement.Trade
	Consumed []order.UID
	Reason   string
}

type Manager struct {
	store Store
	auth  Authenticator
	cfg   Config
	clock util.Clock
	log   *zap.SugaredLogger
	funds BalanceReader

	banned      map[common.Address]struct{}
	unsupported map[common.Address]struct{}

	// view is held exclusively by Snapshot and shared by every mutation, so a snapshot
	// never observes a half-applied write.
	view  sync.RWMutex
	locks stripedLocks

	observers []func(*order.Record)
}

type Option func(*Manager)

func WithClock(c util.Clock) Option { return func(m *Manager) { m.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Manager) { m.log = l } }
func WithObserver(f func(*order.Record)) Option { return func(m *Manager) { m.observers = append(m.observers, f) } }

// WithBalances makes admission check that the owner can fund the order's sell side.
func WithBalances(r BalanceReader) Option { return func(m *Manager) { m.funds = r } }

func NewManager(store Store, auth Authenticator, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		auth:        auth,
		cfg:         cfg,
		clock:       util.RealClock{},
		banned:      make(map[common.Address]struct{}),
		unsupported: make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = util.Sugar(m.log)
	for _, a := range cfg.BannedOwners {
		m.banned[a] = struct{}{}
	}
	for _, t := range cfg.UnsupportedTokens {
		m.unsupported[t] = struct{}{}
	}
	return m
}

func (m *Manager) notify(recs ...*order.Record) {
	for _, rec := range recs {
		for _, f := range m.observers {
			f(rec.Clone())
		}
	}
}

// Submit authenticates and admits a signed order, returning its uid.
func (m *Manager) Submit(ctx context.Context, tx *transaction.SignedTransaction) (order.UID, error) {
	o, err := m.decodeOrder(tx)
	if err != nil {
		return order.UID{}, err
	}
	now := m.clock.Now()
	if err := m.admit(&o, now); err != nil {
		return order.UID{}, err
	}
	if err := m.checkFunds(ctx, &o); err != nil {
		return order.UID{}, err
	}
	o.CreatedAt = now
	rec := order.NewRecord(o, now)

	m.view.RLock()
	defer m.view.RUnlock()
	unlock := m.locks.lock(o.UID)
	defer unlock()

	if err := m.store.CompareAndSwap(ctx, []Update{{Next: rec}}); err != nil {
		if errors.Is(err, ErrConflict) {
			return order.UID{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.UID)
		}
		return order.UID{}, fmt.Errorf("insert order: %w", err)
	}
	m.log.Infow("order_submitted", "uid", o.UID.String(), "owner", o.Owner.Hex(),
		"sell", o.SellAmount.String(), "buy", o.BuyAmount.String(), "partial", o.PartiallyFillable)
	m.notify(rec)
	return o.UID, nil
}

func (m *Manager) decodeOrder(tx *transaction.SignedTransaction) (order.Order, error) {
	o, err := m.auth.DecodeOrder(tx)
	switch {
	case errors.Is(err, transaction.ErrBadSignature):
		return o, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case err != nil:
		return o, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	return o, nil
}

// admit applies the business rules that do not depend on stored state.
func (m *Manager) admit(o *order.Order, now time.Time) error {
	if o.SellAmount == nil || o.BuyAmount == nil || o.SellAmount.Sign() <= 0 || o.BuyAmount.Sign() <= 0 {
		return fmt.Errorf("%w: amounts must be positive", ErrMalformedOrder)
	}
	if o.SellToken == o.BuyToken {
		return fmt.Errorf("%w: sell and buy token are the same", ErrMalformedOrder)
	}
	if o.SellToken == (common.Address{}) || o.BuyToken == (common.Address{}) {
		return fmt.Errorf("%w: zero token address", ErrMalformedOrder)
	}
	if _, ok := m.banned[o.Owner]; ok {
		return fmt.Errorf("%w: %s", ErrForbidden, o.Owner.Hex())
	}
	for _, t := range []common.Address{o.SellToken, o.BuyToken} {
		if _, ok := m.unsupported[t]; ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedToken, t.Hex())
		}
	}
	expires := o.ExpiresAt()
	if !expires.After(now) {
		return fmt.Errorf("%w: valid to %s", ErrExpired, expires.UTC().Format(time.RFC3339))
	}
	if expires.Before(now.Add(m.cfg.MinValidity)) {
		return fmt.Errorf("%w: validity shorter than %s", ErrExpired, m.cfg.MinValidity)
	}
	if m.cfg.MaxValidity > 0 && expires.After(now.Add(m.cfg.MaxValidity)) {
		return fmt.Errorf("%w: validity longer than %s", ErrMalformedOrder, m.cfg.MaxValidity)
	}
	return nil
}

// checkFunds requires the full sell amount for fill-or-kill orders and any positive amount for
// partially fillable ones. It runs outside the order locks since it may hit the network.
func (m *Manager) checkFunds(ctx context.Context, o *order.Order) error {
	if m.funds == nil {
		return nil
	}
	need := o.SellAmount
	if o.PartiallyFillable {
		need = big.NewInt(1)
	}
	balance, allowance, err := m.funds.Funds(ctx, o.Owner, o.SellToken)
	if err != nil {
		return fmt.Errorf("check balance: %w", err)
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, need)
	}
	if allowance.Cmp(need) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, need)
	}
	return nil
}

// Cancel moves an Open order to Cancelled when the signed cancellation comes from its owner.
func (m *Manager) Cancel(ctx context.Context, tx *transaction.SignedTransaction) error {
	uid, signer, err := m.auth.DecodeCancel(tx)
	if err != nil {
		if errors.Is(err, transaction.ErrBadSignature) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}

	m.view.RLock()
	defer m.view.RUnlock()
	unlock := m.locks.lock(uid)
	defer unlock()

	next, prev, err := m.cancelLocked(ctx, uid, signer)
	if err != nil {
		return err
	}
	if err := m.store.CompareAndSwap(ctx, []Update{{Prev: prev, Next: next}}); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	m.log.Infow("order_cancelled", "uid", uid.String(), "owner", signer.Hex())
	m.notify(next)
	return nil
}

func (m *Manager) cancelLocked(ctx context.Context, uid order.UID, signer common.Address) (next, prev *order.Record, err error) {
	prev, err = m.store.Get(ctx, uid)
	if err != nil {
		return nil, nil, err
	}
	if prev.Owner != signer {
		return nil, nil, fmt.Errorf("%w: %s does not own %s", ErrUnauthorized, signer.Hex(), uid.Short())
	}
	next, err = prev.Cancel(m.clock.Now(), "cancelled by owner")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAlreadyResolved, err)
	}
	return next, prev, nil
}

// Replace cancels an Open order and admits its replacement in one atomic step. Both must
// belong to the cancellation's signer.
func (m *Manager) Replace(ctx context.Context, cancelTx, orderTx *transaction.SignedTransaction) (order.UID, error) {
	oldUID, signer, err := m.auth.DecodeCancel(cancelTx)
	if err != nil {
		return order.UID{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	o, err := m.decodeOrder(orderTx)
	if err != nil {
		return order.UID{}, err
	}
	if o.Owner != signer {
		return order.UID{}, fmt.Errorf("%w: replacement owned by %s", ErrUnauthorized, o.Owner.Hex())
	}
	now := m.clock.Now()
	if err := m.admit(&o, now); err != nil {
		return order.UID{}, err
	}
	if err := m.checkFunds(ctx, &o); err != nil {
		return order.UID{}, err
	}
	o.CreatedAt = now

	m.view.RLock()
	defer m.view.RUnlock()
	unlock := m.locks.lock(oldUID, o.UID)
	defer unlock()

	next, prev, err := m.cancelLocked(ctx, oldUID, signer)
	if err != nil {
		return order.UID{}, err
	}
	rec := order.NewRecord(o, now)
	if err := m.store.CompareAndSwap(ctx, []Update{{Prev: prev, Next: next}, {Next: rec}}); err != nil {
		if errors.Is(err, ErrConflict) {
			return order.UID{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.UID)
		}
		return order.UID{}, fmt.Errorf("replace order: %w", err)
	}
	m.log.Infow("order_replaced", "old", oldUID.String(), "new", o.UID.String(), "owner", signer.Hex())
	m.notify(next, rec)
	return o.UID, nil
}

// Get returns the stored record; callers apply EffectiveStatus for the current view.
func (m *Manager) Get(ctx context.Context, uid order.UID) (*order.Record, error) {
	return m.store.Get(ctx, uid)
}

func (m *Manager) OwnerOrders(ctx context.Context, owner common.Address, offset, limit int) ([]*order.Record, error) {
	return m.store.OwnerOrders(ctx, owner, offset, limit)
}

// Snapshot returns every order that is Open and unexpired at t, ordered by creation time then uid.
// No mutation is in flight while it is taken.
func (m *Manager) Snapshot(ctx context.Context, at time.Time) ([]*order.Record, error) {
	m.view.Lock()
	defer m.view.Unlock()

	recs, err := m.store.OpenOrders(ctx, at)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Eligible(at) {
			out = append(out, rec)
		}
	}
	SortForSnapshot(out)
	return out, nil
}

// Claim matches the orders of a winning settlement to round, all or none.
func (m *Manager) Claim(ctx context.Context, round uint64, trades []settlement.Trade) error {
	uids := make([]order.UID, 0, len(trades))
	for _, t := range trades {
		uids = append(uids, t.OrderUID)
	}

	m.view.RLock()
	defer m.view.RUnlock()
	unlock := m.locks.lock(uids...)
	defer unlock()

	now := m.clock.Now()
	updates := make([]Update, 0, len(trades))
	for _, t := range trades {
		prev, err := m.store.Get(ctx, t.OrderUID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrClaimConflict, err)
			}
			return fmt.Errorf("claim: %w", err)
		}
		next, err := prev.Match(round, t.ExecutedSell, now)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrClaimConflict, t.OrderUID.Short(), err)
		}
		updates = append(updates, Update{Prev: prev, Next: next})
	}
	if err := m.store.CompareAndSwap(ctx, updates); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("%w: %v", ErrClaimConflict, err)
		}
		return fmt.Errorf("claim: %w", err)
	}
	m.log.Infow("orders_claimed", "round", round, "count", len(updates))
	for _, u := range updates {
		m.notify(u.Next)
	}
	return nil
}

// ApplyOutcome applies a round's terminal transitions to every referenced order at once.
// Replaying an already applied result is a no-op.
func (m *Manager) ApplyOutcome(ctx context.Context, res RoundResult) error {
	consumed := make(map[order.UID]struct{}, len(res.Consumed))
	for _, u := range res.Consumed {
		consumed[u] = struct{}{}
	}
	uids := make([]order.UID, 0, len(res.Trades))
	for _, t := range res.Trades {
		uids = append(uids, t.OrderUID)
	}

	m.view.RLock()
	defer m.view.RUnlock()
	unlock := m.locks.lock(uids...)
	defer unlock()

	now := m.clock.Now()
	var updates []Update
	for _, t := range res.Trades {
		prev, err := m.store.Get(ctx, t.OrderUID)
		if err != nil {
			return fmt.Errorf("apply outcome round %d: %w", res.RoundID, err)
		}
		next, err := m.transition(prev, t, res, consumed, now)
		if err != nil {
			return err
		}
		if next != nil {
			updates = append(updates, Update{Prev: prev, Next: next})
		}
	}
	if len(updates) == 0 {
		m.log.Debugw("outcome_already_applied", "round", res.RoundID, "outcome", res.Outcome.String())
		return nil
	}
	if err := m.store.CompareAndSwap(ctx, updates); err != nil {
		return fmt.Errorf("apply outcome round %d: %w", res.RoundID, err)
	}
	m.log.Infow("outcome_applied", "round", res.RoundID, "outcome", res.Outcome.String(),
		"orders", len(updates), "consumed", len(res.Consumed))
	for _, u := range updates {
		m.notify(u.Next)
	}
	return nil
}

// transition returns the next record for one order, or nil if the result is already reflected.
func (m *Manager) transition(rec *order.Record, t settlement.Trade, res RoundResult, consumed map[order.UID]struct{}, now time.Time) (*order.Record, error) {
	r := res.RoundID
	if rec.Round > r {
		// A later round has claimed the order since; this result is history.
		return nil, nil
	}
	if rec.Round == r {
		switch rec.Status {
		case order.StatusMatched:
			if res.Outcome == OutcomeExecuted {
				return rec.Settle(r, t.ExecutedSell, t.ExecutedBuy, now, fmt.Sprintf("settled in round %d", r))
			}
			if _, ok := consumed[rec.UID]; ok {
				return rec.Settle(r, t.ExecutedSell, t.ExecutedBuy, now, fmt.Sprintf("consumed on-chain after round %d reverted", r))
			}
			return rec.Release(r, now, fmt.Sprintf("round %d reverted", r))
		case order.StatusSettled:
			return nil, nil
		case order.StatusOpen:
			if res.Outcome == OutcomeReverted {
				return nil, nil
			}
		}
	}
	if res.Outcome == OutcomeReverted && rec.Status != order.StatusMatched {
		// The round never claimed this order; there is nothing to release.
		return nil, nil
	}
	return nil, fmt.Errorf("%w: order %s is %s/round %d, result is %s/round %d",
		ErrOutcomeConflict, rec.UID.Short(), rec.Status, rec.Round, res.Outcome, r)
}
