package settlement

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
)

// Trade fills one order within a settlement.
type Trade struct {
	OrderUID     order.UID `json:"orderUid"`
	ExecutedSell *big.Int  `json:"executedSell"`
	ExecutedBuy  *big.Int  `json:"executedBuy"`
}

// Interaction swaps through an external liquidity pool listed in the auction.
// Interactions execute in slice order.
type Interaction struct {
	Pool      common.Address `json:"pool"`
	TokenIn   common.Address `json:"tokenIn"`
	TokenOut  common.Address `json:"tokenOut"`
	AmountIn  *big.Int       `json:"amountIn"`
	AmountOut *big.Int       `json:"amountOut"`
}

// Settlement is a solver's proposal for one round. It is not modified after submission.
type Settlement struct {
	RoundID      uint64        `json:"roundId"`
	Solver       string        `json:"solver"`
	Trades       []Trade       `json:"trades"`
	Interactions []Interaction `json:"interactions,omitempty"`
	// ClaimedObjective is informational only; selection uses the recomputed value.
	ClaimedObjective *big.Rat `json:"claimedObjective,omitempty"`
}

// Auction is the immutable input handed to solvers when a round opens.
type Auction struct {
	RoundID   uint64                      `json:"roundId"`
	OpenedAt  time.Time                   `json:"openedAt"`
	Deadline  time.Time                   `json:"deadline"`
	Orders    []*order.Record             `json:"orders"`
	Prices    map[common.Address]*big.Rat `json:"prices"`
	Liquidity []Pool                      `json:"liquidity,omitempty"`
}

// Pool looks up a listed pool by address.
func (a *Auction) Pool(addr common.Address) (Pool, bool) {
	for _, p := range a.Liquidity {
		if p.Address == addr {
			return p, true
		}
	}
	return Pool{}, false
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// Clone returns a deep copy that shares no slices or amounts with s.
func (s *Settlement) Clone() *Settlement {
	c := *s
	c.Trades = make([]Trade, len(s.Trades))
	for i, t := range s.Trades {
		c.Trades[i] = Trade{OrderUID: t.OrderUID, ExecutedSell: cloneInt(t.ExecutedSell), ExecutedBuy: cloneInt(t.ExecutedBuy)}
	}
	if s.Interactions != nil {
		c.Interactions = make([]Interaction, len(s.Interactions))
		for i, in := range s.Interactions {
			in.AmountIn, in.AmountOut = cloneInt(in.AmountIn), cloneInt(in.AmountOut)
			c.Interactions[i] = in
		}
	}
	if s.ClaimedObjective != nil {
		c.ClaimedObjective = new(big.Rat).Set(s.ClaimedObjective)
	}
	return &c
}

// OrderUIDs lists the orders a settlement touches, in trade order.
func (s *Settlement) OrderUIDs() []order.UID {
	out := make([]order.UID, 0, len(s.Trades))
	for _, t := range s.Trades {
		out = append(out, t.OrderUID)
	}
	return out
}

func writeInt(h interface{ Write([]byte) (int, error) }, x *big.Int) {
	var b []byte
	if x != nil {
		b = x.Bytes()
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	h.Write(l[:])
	h.Write(b)
}

// Hash is keccak256 over the settlement's execution-relevant content. The claimed
// objective is excluded.
func (s *Settlement) Hash() common.Hash {
	h := sha3.NewLegacyKeccak256()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.RoundID)
	h.Write(n[:])
	h.Write([]byte(s.Solver))
	for _, t := range s.Trades {
		h.Write(t.OrderUID[:])
		writeInt(h, t.ExecutedSell)
		writeInt(h, t.ExecutedBuy)
	}
	for _, in := range s.Interactions {
		h.Write(in.Pool.Bytes())
		h.Write(in.TokenIn.Bytes())
		h.Write(in.TokenOut.Bytes())
		writeInt(h, in.AmountIn)
		writeInt(h, in.AmountOut)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}
