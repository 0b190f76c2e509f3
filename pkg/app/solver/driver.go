package solver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/util"
)

// SubmitFunc delivers a settlement to the venue, in process or over the network.
type SubmitFunc func(ctx context.Context, s *settlement.Settlement) error

// Driver solves every round it is shown at most once and submits the result before the
// round's deadline.
type Driver struct {
	solver Solver
	submit SubmitFunc
	margin time.Duration
	clock  util.Clock
	log    *zap.SugaredLogger

	mu      sync.Mutex
	handled uint64
}

type DriverOption func(*Driver)

// WithMargin stops solving this long before the deadline to leave room for delivery.
func WithMargin(d time.Duration) DriverOption { return func(dr *Driver) { dr.margin = d } }
func WithDriverClock(c util.Clock) DriverOption { return func(dr *Driver) { dr.clock = c } }
func WithDriverLogger(l *zap.SugaredLogger) DriverOption { return func(dr *Driver) { dr.log = l } }

func NewDriver(s Solver, submit SubmitFunc, opts ...DriverOption) *Driver {
	d := &Driver{solver: s, submit: submit, margin: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(d)
	}
	d.clock = util.OrDefault(d.clock)
	d.log = util.Sugar(d.log)
	return d
}

// Handle solves a and submits the settlement. Rounds already handled and rounds whose
// deadline has passed are skipped. It reports whether a settlement was submitted.
func (d *Driver) Handle(ctx context.Context, a *settlement.Auction) (bool, error) {
	d.mu.Lock()
	if a.RoundID <= d.handled {
		d.mu.Unlock()
		return false, nil
	}
	d.handled = a.RoundID
	d.mu.Unlock()

	budget := a.Deadline.Sub(d.clock.Now()) - d.margin
	if !a.Deadline.IsZero() && budget <= 0 {
		d.log.Infow("solver_round_skipped", "round", a.RoundID, "reason", "deadline passed")
		return false, nil
	}
	solveCtx, cancel := ctx, context.CancelFunc(func() {})
	if !a.Deadline.IsZero() {
		solveCtx, cancel = context.WithTimeout(ctx, budget)
	}
	defer cancel()

	s, err := d.solver.Solve(solveCtx, a)
	if err != nil {
		return false, err
	}
	if s == nil || len(s.Trades) == 0 {
		d.log.Debugw("solver_nothing_to_offer", "round", a.RoundID, "orders", len(a.Orders))
		return false, nil
	}
	if err := d.submit(ctx, s); err != nil {
		return false, err
	}
	d.log.Infow("solver_submitted", "round", a.RoundID, "trades", len(s.Trades), "interactions", len(s.Interactions))
	return true, nil
}
