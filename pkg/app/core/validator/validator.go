// Package validator re-checks solver settlements against current order state before
// anything is executed. It never writes.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/util"
)

var (
	ErrStaleOrder         = errors.New("stale order")
	ErrLimitPriceViolated = errors.New("limit price violated")
	ErrOverfill           = errors.New("overfill")
	ErrUnbalancedFlows    = errors.New("unbalanced token flows")
	ErrPartialFill        = errors.New("partial fill of fill-or-kill order")
	ErrWrongRound         = errors.New("settlement targets another round")
	ErrEmptySettlement    = errors.New("settlement has no trades")
)

// OrderReader reads the authoritative current state of an order. Unknown ids yield an
// error wrapping order.ErrNotFound.
type OrderReader interface {
	Get(ctx context.Context, uid order.UID) (*order.Record, error)
}

type Validator struct {
	orders OrderReader
	clock  util.Clock
}

func New(orders OrderReader, clock util.Clock) *Validator {
	return &Validator{orders: orders, clock: util.OrDefault(clock)}
}

// IsRejection reports whether err is a settlement-integrity rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrStaleOrder, ErrLimitPriceViolated, ErrOverfill, ErrUnbalancedFlows,
		ErrPartialFill, ErrWrongRound, ErrEmptySettlement,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Validate checks s against the orders' current state and the auction it targets, and
// returns the objective recomputed from the settlement contents.
func (v *Validator) Validate(ctx context.Context, a *settlement.Auction, s *settlement.Settlement) (*big.Rat, error) {
	if s.RoundID != a.RoundID {
		return nil, fmt.Errorf("%w: %d != %d", ErrWrongRound, s.RoundID, a.RoundID)
	}
	if len(s.Trades) == 0 {
		return nil, ErrEmptySettlement
	}

	now := v.clock.Now()
	flows := make(map[common.Address]*big.Int)
	credit := func(token common.Address, amt *big.Int, sign int) {
		bal, ok := flows[token]
		if !ok {
			bal = new(big.Int)
			flows[token] = bal
		}
		if sign > 0 {
			bal.Add(bal, amt)
		} else {
			bal.Sub(bal, amt)
		}
	}

	seen := make(map[order.UID]*order.Order, len(s.Trades))
	for _, t := range s.Trades {
		if _, dup := seen[t.OrderUID]; dup {
			return nil, fmt.Errorf("%w: order %s traded twice", ErrOverfill, t.OrderUID.Short())
		}
		rec, err := v.orders.Get(ctx, t.OrderUID)
		if errors.Is(err, order.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s unknown", ErrStaleOrder, t.OrderUID.Short())
		}
		if err != nil {
			return nil, fmt.Errorf("read order %s: %w", t.OrderUID.Short(), err)
		}
		if err := checkTrade(rec, t, a.RoundID, now); err != nil {
			return nil, err
		}
		seen[t.OrderUID] = &rec.Order

		credit(rec.SellToken, t.ExecutedSell, +1)
		credit(rec.BuyToken, t.ExecutedBuy, -1)
	}

	pools := make(map[common.Address]settlement.Pool)
	for i, in := range s.Interactions {
		p, ok := pools[in.Pool]
		if !ok {
			if p, ok = a.Pool(in.Pool); !ok {
				return nil, fmt.Errorf("%w: interaction %d uses unlisted pool %s", ErrUnbalancedFlows, i, in.Pool.Hex())
			}
		}
		if in.AmountIn == nil || in.AmountOut == nil || in.AmountIn.Sign() <= 0 || in.AmountOut.Sign() < 0 {
			return nil, fmt.Errorf("%w: interaction %d has invalid amounts", ErrUnbalancedFlows, i)
		}
		out, err := p.AmountOut(in.TokenIn, in.TokenOut, in.AmountIn)
		if err != nil {
			return nil, fmt.Errorf("%w: interaction %d: %v", ErrUnbalancedFlows, i, err)
		}
		if in.AmountOut.Cmp(out) > 0 {
			return nil, fmt.Errorf("%w: interaction %d claims %s out, pool gives %s", ErrUnbalancedFlows, i, in.AmountOut, out)
		}
		if pools[in.Pool], err = p.Swap(in.TokenIn, in.TokenOut, in.AmountIn, in.AmountOut); err != nil {
			return nil, fmt.Errorf("%w: interaction %d: %v", ErrUnbalancedFlows, i, err)
		}
		credit(in.TokenIn, in.AmountIn, -1)
		credit(in.TokenOut, in.AmountOut, +1)
	}

	for token, bal := range flows {
		if bal.Sign() < 0 {
			return nil, fmt.Errorf("%w: token %s short by %s", ErrUnbalancedFlows, token.Hex(), new(big.Int).Neg(bal))
		}
	}

	lookup := func(uid order.UID) *order.Order { return seen[uid] }
	return settlement.Objective(s.Trades, lookup, a.Prices), nil
}

func checkTrade(rec *order.Record, t settlement.Trade, round uint64, now time.Time) error {
	switch rec.EffectiveStatus(now) {
	case order.StatusOpen:
	case order.StatusMatched:
		if rec.Round != round {
			return fmt.Errorf("%w: %s matched by round %d", ErrStaleOrder, t.OrderUID.Short(), rec.Round)
		}
		if rec.ExpiredAt(now) {
			return fmt.Errorf("%w: %s expired", ErrStaleOrder, t.OrderUID.Short())
		}
	default:
		return fmt.Errorf("%w: %s is %s", ErrStaleOrder, t.OrderUID.Short(), rec.EffectiveStatus(now))
	}

	if t.ExecutedSell == nil || t.ExecutedBuy == nil || t.ExecutedSell.Sign() <= 0 || t.ExecutedSell.Cmp(rec.Remaining) > 0 {
		return fmt.Errorf("%w: %s executes %v of remaining %s", ErrOverfill, t.OrderUID.Short(), t.ExecutedSell, rec.Remaining)
	}
	if !rec.PartiallyFillable && t.ExecutedSell.Cmp(rec.SellAmount) != 0 {
		return fmt.Errorf("%w: %s executes %s of %s", ErrPartialFill, t.OrderUID.Short(), t.ExecutedSell, rec.SellAmount)
	}
	if t.ExecutedBuy.Sign() < 0 || !rec.LimitRespected(t.ExecutedSell, t.ExecutedBuy) {
		return fmt.Errorf("%w: %s receives %s for %s", ErrLimitPriceViolated, t.OrderUID.Short(), t.ExecutedBuy, t.ExecutedSell)
	}
	return nil
}
