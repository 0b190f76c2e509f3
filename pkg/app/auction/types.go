// Package auction runs the round protocol: it opens a round over a snapshot of the order
// book, collects solver proposals until a deadline, picks and executes one winner, and
// hands the result back to the order book.
package auction

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/crypto"
)

var (
	ErrRoundClosed       = errors.New("round closed")
	ErrDuplicateProposal = errors.New("solver already proposed for this round")
	ErrRoundInProgress   = errors.New("a round is already in progress")
	ErrNoOpenRound       = errors.New("no round is collecting proposals")
	ErrUnknownRound      = errors.New("unknown round")
)

type State uint8

const (
	StateIdle State = iota
	StateCollecting
	StateDeciding
	StateExecuting
	StateSettled
	StateReverted
	StateNoViableSettlement
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateCollecting:         "collecting",
	StateDeciding:           "deciding",
	StateExecuting:          "executing",
	StateSettled:            "settled",
	StateReverted:           "reverted",
	StateNoViableSettlement: "no_viable_settlement",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether a round in this state is finished.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateReverted || s == StateNoViableSettlement
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown round state %q", b)
}

type Config struct {
	Cadence          time.Duration // time between round starts
	Duration         time.Duration // proposal window
	Quorum           int           // accepted proposals that close the window early; 0 waits it out
	ExecutionTimeout time.Duration
	RetryInterval    time.Duration // first delay between execution retries
	NativeToken      common.Address
}

func (c Config) withDefaults() Config {
	if c.Duration <= 0 {
		c.Duration = 10 * time.Second
	}
	if c.Cadence < c.Duration {
		c.Cadence = c.Duration
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 250 * time.Millisecond
	}
	return c
}

// Proposal is an accepted solver settlement.
type Proposal struct {
	ID         uuid.UUID              `json:"id"`
	RoundID    uint64                 `json:"roundId"`
	Solver     string                 `json:"solver"`
	Settlement *settlement.Settlement `json:"settlement"`
	Objective  *big.Rat               `json:"objective"`
	ReceivedAt time.Time              `json:"receivedAt"`
}

// Entry is one line of a round's solver competition.
type Entry struct {
	RoundID    uint64    `json:"roundId"`
	ProposalID uuid.UUID `json:"proposalId"`
	Solver     string    `json:"solver"`
	Objective  string    `json:"objective,omitempty"`
	Rank       int       `json:"rank,omitempty"` // 1 is best; 0 when rejected
	Winner     bool      `json:"winner"`
	Rejection  string    `json:"rejection,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Summary is the persisted record of a round. While the round runs it is saved with a
// non-terminal State so a restart can reconcile it.
type Summary struct {
	RoundID    uint64                 `json:"roundId"`
	State      State                  `json:"state"`
	OpenedAt   time.Time              `json:"openedAt"`
	Deadline   time.Time              `json:"deadline"`
	ClosedAt   time.Time              `json:"closedAt,omitempty"`
	Orders     int                    `json:"orders"`
	Proposals  int                    `json:"proposals"`
	Winner     string                 `json:"winner,omitempty"`
	ProposalID string                 `json:"proposalId,omitempty"`
	Objective  string                 `json:"objective,omitempty"`
	Settlement *settlement.Settlement `json:"settlement,omitempty"`
	// Outcome is set once execution has reported, before orders are updated.
	Outcome     string        `json:"outcome,omitempty"`
	TxHash      common.Hash   `json:"txHash"`
	// Consumed lists orders of a failed execution that were spent on-chain anyway.
	Consumed    []order.UID   `json:"consumed,omitempty"`
	Settled     []order.UID   `json:"settled,omitempty"`
	Released    []order.UID   `json:"released,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Certificate hexutil.Bytes `json:"certificate,omitempty"`
}

// Digest is what the round certificate signs.
func (s *Summary) Digest() common.Hash {
	h := sha3.NewLegacyKeccak256()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.RoundID)
	h.Write(n[:])
	h.Write([]byte{byte(s.State)})
	var sh common.Hash
	if s.Settlement != nil {
		sh = s.Settlement.Hash()
	}
	h.Write(sh[:])
	h.Write(s.TxHash[:])
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// VerifyCertificate checks a round certificate against the venue's BLS key.
func VerifyCertificate(pk *crypto.BLSPubKey, s *Summary) bool {
	d := s.Digest()
	return len(s.Certificate) > 0 && crypto.VerifyBLS(pk, s.Certificate, d[:])
}

// OrderBook is the coordinator's view of the order manager. *orderbook.Manager implements it.
type OrderBook interface {
	Snapshot(ctx context.Context, at time.Time) ([]*order.Record, error)
	Claim(ctx context.Context, round uint64, trades []settlement.Trade) error
	ApplyOutcome(ctx context.Context, res orderbook.RoundResult) error
}

// Validator recomputes a settlement's objective or rejects it. *validator.Validator implements it.
type Validator interface {
	Validate(ctx context.Context, a *settlement.Auction, s *settlement.Settlement) (*big.Rat, error)
}

// PriceSource values tokens in the native token. *pricing.Aggregator implements it.
type PriceSource interface {
	NativePrices(ctx context.Context, native common.Address, tokens []common.Address) map[common.Address]*big.Rat
}

// Liquidity lists the pools offered to solvers.
type Liquidity interface {
	Pools(ctx context.Context) ([]settlement.Pool, error)
}

// StaticLiquidity is a fixed pool set.
type StaticLiquidity []settlement.Pool

func (l StaticLiquidity) Pools(context.Context) ([]settlement.Pool, error) {
	return append([]settlement.Pool(nil), l...), nil
}

// RoundStore persists round summaries. Unknown ids yield ErrUnknownRound.
type RoundStore interface {
	LastRoundID(ctx context.Context) (uint64, error)
	SaveRound(ctx context.Context, s *Summary) error
	Round(ctx context.Context, id uint64) (*Summary, error)
}

// Archive keeps the solver competition of decided rounds.
type Archive interface {
	RecordCompetition(ctx context.Context, roundID uint64, entries []Entry) error
}

// Observer is told about round boundaries. Calls are synchronous and must not block.
type Observer interface {
	RoundOpened(a *settlement.Auction)
	RoundFinished(s *Summary)
}
