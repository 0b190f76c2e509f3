// Package execution submits winning settlements and reports what became of them.
package execution

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/util"
)

// ErrTransient marks a failure worth retrying. Nothing reached the chain.
var ErrTransient = errors.New("transient execution failure")

type Status uint8

const (
	StatusConfirmed Status = iota + 1
	StatusReverted
	// StatusUnknown means no receipt was seen before the horizon ran out.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	case StatusUnknown:
		return "unknown"
	}
	return "invalid"
}

type Result struct {
	Status   Status
	TxHash   common.Hash
	Reason   string
	// Consumed lists orders of a failed or unknown execution that the chain reports as
	// filled anyway.
	Consumed []order.UID
}

// Executor submits a settlement. It returns an error only when the settlement was not
// submitted; a submitted settlement always yields a Result.
type Executor interface {
	Execute(ctx context.Context, s *settlement.Settlement) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, s *settlement.Settlement) (Result, error)

func (f Func) Execute(ctx context.Context, s *settlement.Settlement) (Result, error) { return f(ctx, s) }

// DryRun confirms everything without touching a chain.
type DryRun struct {
	Log *zap.SugaredLogger
}

func (d DryRun) Execute(_ context.Context, s *settlement.Settlement) (Result, error) {
	h := s.Hash()
	util.Sugar(d.Log).Infow("dry_run_execute", "round", s.RoundID, "solver", s.Solver, "trades", len(s.Trades), "hash", h.Hex())
	return Result{Status: StatusConfirmed, TxHash: h}, nil
}
