// Package solver computes candidate settlements for an auction.
//
// Engine is a greedy heuristic, not an optimiser. For every token pair it matches the
// two opposing sides directly (coincidence of wants), trimming the least generous orders
// until both sides can pay each other at their limit prices, and shares whatever is left
// over pro rata. Orders that found no counterparty are then routed one at a time through
// the auction's constant-product pools. Every settlement it returns is feasible against
// the snapshot it was given; nothing more is promised.
package solver

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/util"
)

// Solver proposes a settlement for an auction. A nil settlement with a nil error means
// the solver has nothing to offer this round.
type Solver interface {
	Solve(ctx context.Context, a *settlement.Auction) (*settlement.Settlement, error)
}

// Func adapts a function to Solver.
type Func func(ctx context.Context, a *settlement.Auction) (*settlement.Settlement, error)

func (f Func) Solve(ctx context.Context, a *settlement.Auction) (*settlement.Settlement, error) {
	return f(ctx, a)
}

type Engine struct {
	id         string
	routePools bool
	log        *zap.SugaredLogger
}

type Option func(*Engine)

// WithoutPools disables routing through external liquidity.
func WithoutPools() Option { return func(e *Engine) { e.routePools = false } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

func NewEngine(id string, opts ...Option) *Engine {
	e := &Engine{id: id, routePools: true}
	for _, opt := range opts {
		opt(e)
	}
	e.log = util.Sugar(e.log)
	return e
}

func (e *Engine) ID() string { return e.id }

// candidate is an order the engine may fill, with the sell amount it would execute.
type candidate struct {
	rec  *order.Record
	fill *big.Int
}

func (c *candidate) minBuy() *big.Int { return c.rec.MinBuyFor(c.fill) }

// fillable is the largest sell amount the order may execute in one settlement, or nil.
func fillable(r *order.Record) *big.Int {
	if r.Remaining == nil || r.SellAmount == nil || r.BuyAmount == nil {
		return nil
	}
	if r.SellAmount.Sign() <= 0 || r.BuyAmount.Sign() <= 0 || r.Remaining.Sign() <= 0 || r.SellToken == r.BuyToken {
		return nil
	}
	if !r.PartiallyFillable && r.Remaining.Cmp(r.SellAmount) != 0 {
		return nil
	}
	return new(big.Int).Set(r.Remaining)
}

type pairKey struct{ lo, hi common.Address }

func keyOf(r *order.Record) (pairKey, bool) {
	if r.SellToken.Cmp(r.BuyToken) < 0 {
		return pairKey{r.SellToken, r.BuyToken}, true
	}
	return pairKey{r.BuyToken, r.SellToken}, false
}

func (e *Engine) Solve(ctx context.Context, a *settlement.Auction) (*settlement.Settlement, error) {
	books := make(map[pairKey]*[2][]*candidate)
	for _, r := range a.Orders {
		fill := fillable(r)
		if fill == nil {
			continue
		}
		k, sellsLo := keyOf(r)
		b, ok := books[k]
		if !ok {
			b = new([2][]*candidate)
			books[k] = b
		}
		side := 1
		if sellsLo {
			side = 0
		}
		b[side] = append(b[side], &candidate{rec: r, fill: fill})
	}

	keys := make([]pairKey, 0, len(books))
	for k := range books {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].lo.Cmp(keys[j].lo); c != 0 {
			return c < 0
		}
		return keys[i].hi.Cmp(keys[j].hi) < 0
	})

	s := &settlement.Settlement{RoundID: a.RoundID, Solver: e.id}
	matched := make(map[order.UID]bool)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := books[k]
		trades := matchPair(b[0], b[1])
		for _, t := range trades {
			matched[t.OrderUID] = true
		}
		s.Trades = append(s.Trades, trades...)
	}

	if e.routePools && len(a.Liquidity) > 0 {
		var leftovers []*order.Record
		for _, r := range a.Orders {
			if !matched[r.UID] && fillable(r) != nil {
				leftovers = append(leftovers, r)
			}
		}
		trades, interactions := route(leftovers, a.Liquidity)
		s.Trades = append(s.Trades, trades...)
		s.Interactions = interactions
	}

	if len(s.Trades) == 0 {
		return nil, nil
	}
	lookup := make(map[order.UID]*order.Order, len(a.Orders))
	for _, r := range a.Orders {
		lookup[r.UID] = &r.Order
	}
	s.ClaimedObjective = settlement.Objective(s.Trades, func(u order.UID) *order.Order { return lookup[u] }, a.Prices)
	e.log.Infow("settlement_computed", "round", a.RoundID, "trades", len(s.Trades),
		"interactions", len(s.Interactions), "objective", s.ClaimedObjective.FloatString(6))
	return s, nil
}
