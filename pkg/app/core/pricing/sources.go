package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
)

// StaticEstimator prices from a fixed table of native prices, as loaded from configuration.
type StaticEstimator struct {
	prices map[common.Address]*big.Rat
}

func NewStaticEstimator(prices map[common.Address]*big.Rat) *StaticEstimator {
	cp := make(map[common.Address]*big.Rat, len(prices))
	for k, v := range prices {
		cp[k] = new(big.Rat).Set(v)
	}
	return &StaticEstimator{prices: cp}
}

func (s *StaticEstimator) Name() string { return "static" }

func (s *StaticEstimator) Estimate(_ context.Context, sell, buy common.Address, _ *big.Int) (*big.Rat, error) {
	ps, ok1 := s.prices[sell]
	pb, ok2 := s.prices[buy]
	if !ok1 || !ok2 || ps.Sign() <= 0 || pb.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no static price", ErrUnavailable)
	}
	return new(big.Rat).Quo(ps, pb), nil
}

// PoolEstimator quotes from constant-product pools. The pool set is replaced whenever the
// node refreshes its liquidity view.
type PoolEstimator struct {
	mu    sync.RWMutex
	pools []settlement.Pool
}

func NewPoolEstimator(pools []settlement.Pool) *PoolEstimator {
	e := &PoolEstimator{}
	e.SetPools(pools)
	return e
}

func (e *PoolEstimator) Name() string { return "pools" }

func (e *PoolEstimator) SetPools(pools []settlement.Pool) {
	e.mu.Lock()
	e.pools = append([]settlement.Pool(nil), pools...)
	e.mu.Unlock()
}

// Estimate uses the best-paying direct pool for the pair. With an amount it returns the
// effective rate after fees and slippage.
func (e *PoolEstimator) Estimate(_ context.Context, sell, buy common.Address, amount *big.Int) (*big.Rat, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *big.Rat
	for _, p := range e.pools {
		var rate *big.Rat
		if amount != nil && amount.Sign() > 0 {
			out, err := p.AmountOut(sell, buy, amount)
			if err != nil || out.Sign() == 0 {
				continue
			}
			rate = new(big.Rat).SetFrac(out, amount)
		} else {
			r, err := p.Rate(sell, buy)
			if err != nil {
				continue
			}
			rate = r
		}
		if best == nil || rate.Cmp(best) > 0 {
			best = rate
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no pool for %s/%s", ErrUnavailable, sell.Hex(), buy.Hex())
	}
	return best, nil
}
