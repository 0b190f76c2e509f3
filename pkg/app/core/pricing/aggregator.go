package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/batchauction/pkg/util"
)

const (
	defaultTimeout      = 2 * time.Second
	defaultMaxStaleness = 5 * time.Minute
)

type pairKey struct{ sell, buy common.Address }

type cachedRate struct {
	rate *big.Rat
	at   time.Time
}

// Aggregator fans a request out to every estimator, each bounded by its own timeout, and
// combines the answers with a Policy. When every source fails it serves the last good
// rate for the pair as long as it is no older than the staleness bound.
type Aggregator struct {
	estimators   []Estimator
	policy       Policy
	timeout      time.Duration
	maxStaleness time.Duration
	clock        util.Clock
	log          *zap.SugaredLogger

	mu    sync.Mutex
	cache map[pairKey]cachedRate
}

type Option func(*Aggregator)

func WithPolicy(p Policy) Option { return func(a *Aggregator) { a.policy = p } }
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}
func WithMaxStaleness(d time.Duration) Option {
	return func(a *Aggregator) { a.maxStaleness = d }
}
func WithClock(c util.Clock) Option { return func(a *Aggregator) { a.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(a *Aggregator) { a.log = l } }

func NewAggregator(estimators []Estimator, opts ...Option) *Aggregator {
	a := &Aggregator{
		estimators:   append([]Estimator(nil), estimators...),
		policy:       Median,
		timeout:      defaultTimeout,
		maxStaleness: defaultMaxStaleness,
		cache:        make(map[pairKey]cachedRate),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.policy == nil {
		a.policy = Median
	}
	if a.timeout <= 0 {
		a.timeout = defaultTimeout
	}
	a.clock = util.OrDefault(a.clock)
	a.log = util.Sugar(a.log)
	return a
}

type estimate struct {
	rate *big.Rat
	err  error
}

// query runs one estimator and gives up when the per-source timeout fires, even if the
// estimator ignores its context.
func (a *Aggregator) query(ctx context.Context, e Estimator, sell, buy common.Address, amount *big.Int) (*big.Rat, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	done := make(chan estimate, 1)
	go func() {
		r, err := e.Estimate(ctx, sell, buy, amount)
		done <- estimate{r, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.rate == nil || res.rate.Sign() <= 0 {
			return nil, fmt.Errorf("%w: non-positive rate", ErrUnavailable)
		}
		return res.rate, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

// Estimate returns the combined rate for selling amount of sell into buy.
func (a *Aggregator) Estimate(ctx context.Context, sell, buy common.Address, amount *big.Int) (*big.Rat, error) {
	if sell == buy {
		return big.NewRat(1, 1), nil
	}
	rates := make([]*big.Rat, len(a.estimators))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range a.estimators {
		i, e := i, e
		g.Go(func() error {
			r, err := a.query(gctx, e, sell, buy, amount)
			if err != nil {
				a.log.Debugw("estimator_failed", "source", e.Name(), "sell", sell.Hex(), "buy", buy.Hex(), "err", err)
				return nil
			}
			rates[i] = r
			return nil
		})
	}
	_ = g.Wait()

	answered := rates[:0]
	for _, r := range rates {
		if r != nil {
			answered = append(answered, r)
		}
	}

	key := pairKey{sell, buy}
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(answered) > 0 {
		rate := a.policy(answered)
		a.cache[key] = cachedRate{rate: new(big.Rat).Set(rate), at: now}
		return rate, nil
	}
	if c, ok := a.cache[key]; ok && now.Sub(c.at) <= a.maxStaleness {
		a.log.Infow("price_stale_fallback", "sell", sell.Hex(), "buy", buy.Hex(), "age", now.Sub(c.at))
		return new(big.Rat).Set(c.rate), nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnavailable, sell.Hex(), buy.Hex())
}

// NativePrices values each token in atoms of native per token atom. Tokens that cannot be
// priced are left out; the native token itself is always 1.
func (a *Aggregator) NativePrices(ctx context.Context, native common.Address, tokens []common.Address) map[common.Address]*big.Rat {
	out := make(map[common.Address]*big.Rat, len(tokens))
	var mu sync.Mutex
	var g errgroup.Group
	for _, tok := range tokens {
		tok := tok
		if tok == native {
			mu.Lock()
			out[tok] = big.NewRat(1, 1)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			r, err := a.Estimate(ctx, tok, native, nil)
			if err != nil {
				a.log.Warnw("token_unpriced", "token", tok.Hex(), "err", err)
				return nil
			}
			mu.Lock()
			out[tok] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
