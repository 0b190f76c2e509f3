package order

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrInvalidTransition is returned when a lifecycle transition is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrNotFound          = errors.New("order not found")
)

// Order is the immutable, signed part of an order.
type Order struct {
	UID               UID            `json:"uid"`
	Owner             common.Address `json:"owner"`
	SellToken         common.Address `json:"sellToken"`
	BuyToken          common.Address `json:"buyToken"`
	SellAmount        *big.Int       `json:"sellAmount"`
	BuyAmount         *big.Int       `json:"buyAmount"` // minimum for the full SellAmount
	ValidTo           uint32         `json:"validTo"`
	Nonce             *big.Int       `json:"nonce"`
	PartiallyFillable bool           `json:"partiallyFillable"`
	Signature         hexutil.Bytes  `json:"signature"`
	CreatedAt         time.Time      `json:"createdAt"`
}

func (o *Order) ExpiresAt() time.Time { return time.Unix(int64(o.ValidTo), 0) }

// ExpiredAt reports whether the order is past its validity window at t.
// An order is valid strictly before ValidTo.
func (o *Order) ExpiredAt(t time.Time) bool { return !t.Before(o.ExpiresAt()) }

// MinBuyFor is the smallest buy amount that honours the limit price for a fill
// of executedSell: ceil(BuyAmount * executedSell / SellAmount).
func (o *Order) MinBuyFor(executedSell *big.Int) *big.Int {
	num := new(big.Int).Mul(o.BuyAmount, executedSell)
	q, r := new(big.Int).QuoRem(num, o.SellAmount, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// LimitRespected reports executedBuy/executedSell >= BuyAmount/SellAmount.
func (o *Order) LimitRespected(executedSell, executedBuy *big.Int) bool {
	lhs := new(big.Int).Mul(executedBuy, o.SellAmount)
	rhs := new(big.Int).Mul(o.BuyAmount, executedSell)
	return lhs.Cmp(rhs) >= 0
}

// Record is an order plus its mutable lifecycle state as kept by the order store.
type Record struct {
	Order

	Status    Status   `json:"status"`
	Remaining *big.Int `json:"remaining"`
	// Claimed is the sell amount reserved by the round that matched the order.
	Claimed      *big.Int  `json:"claimed,omitempty"`
	ExecutedSell *big.Int  `json:"executedSell"`
	ExecutedBuy  *big.Int  `json:"executedBuy"`
	Round        uint64    `json:"round,omitempty"` // last round that claimed the order
	Reason       string    `json:"reason,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Version      uint64    `json:"version"`
}

func NewRecord(o Order, now time.Time) *Record {
	return &Record{
		Order:        o,
		Status:       StatusOpen,
		Remaining:    new(big.Int).Set(o.SellAmount),
		ExecutedSell: new(big.Int),
		ExecutedBuy:  new(big.Int),
		UpdatedAt:    now,
	}
}

// EffectiveStatus is the status as seen at t: an Open order past its expiry reads as Expired
// regardless of what was stored.
func (r *Record) EffectiveStatus(t time.Time) Status {
	if r.Status == StatusOpen && r.ExpiredAt(t) {
		return StatusExpired
	}
	return r.Status
}

// Eligible reports whether the order may be offered to a round opened at t.
func (r *Record) Eligible(t time.Time) bool {
	return r.EffectiveStatus(t) == StatusOpen && r.Remaining.Sign() > 0
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// Clone returns a deep copy; records handed out of the store are never shared.
func (r *Record) Clone() *Record {
	c := *r
	c.SellAmount = cloneInt(r.SellAmount)
	c.BuyAmount = cloneInt(r.BuyAmount)
	c.Nonce = cloneInt(r.Nonce)
	c.Signature = append(hexutil.Bytes(nil), r.Signature...)
	c.Remaining = cloneInt(r.Remaining)
	c.Claimed = cloneInt(r.Claimed)
	c.ExecutedSell = cloneInt(r.ExecutedSell)
	c.ExecutedBuy = cloneInt(r.ExecutedBuy)
	return &c
}

func (r *Record) next(now time.Time) *Record {
	c := r.Clone()
	c.UpdatedAt = now
	return c
}

// Cancel moves Open -> Cancelled.
func (r *Record) Cancel(now time.Time, reason string) (*Record, error) {
	if st := r.EffectiveStatus(now); st != StatusOpen {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, st)
	}
	c := r.next(now)
	c.Status = StatusCancelled
	c.Reason = reason
	return c, nil
}

// Match moves Open -> Matched, reserving executedSell for round.
func (r *Record) Match(round uint64, executedSell *big.Int, now time.Time) (*Record, error) {
	if st := r.EffectiveStatus(now); st != StatusOpen {
		return nil, fmt.Errorf("%w: match from %s", ErrInvalidTransition, st)
	}
	if executedSell.Sign() <= 0 || executedSell.Cmp(r.Remaining) > 0 {
		return nil, fmt.Errorf("%w: claim %s of remaining %s", ErrInvalidTransition, executedSell, r.Remaining)
	}
	c := r.next(now)
	c.Status = StatusMatched
	c.Claimed = cloneInt(executedSell)
	c.Round = round
	c.Reason = ""
	return c, nil
}

// Settle moves Matched -> Settled for the claiming round. Settled is terminal even when a
// partially fillable order keeps a positive remainder.
func (r *Record) Settle(round uint64, executedSell, executedBuy *big.Int, now time.Time, reason string) (*Record, error) {
	if r.Status != StatusMatched || r.Round != round {
		return nil, fmt.Errorf("%w: settle round %d from %s/round %d", ErrInvalidTransition, round, r.Status, r.Round)
	}
	if executedSell.Cmp(r.Remaining) > 0 {
		return nil, fmt.Errorf("%w: executed %s exceeds remaining %s", ErrInvalidTransition, executedSell, r.Remaining)
	}
	c := r.next(now)
	c.Status = StatusSettled
	c.Remaining.Sub(c.Remaining, executedSell)
	c.ExecutedSell.Add(c.ExecutedSell, executedSell)
	c.ExecutedBuy.Add(c.ExecutedBuy, executedBuy)
	c.Claimed = nil
	c.Reason = reason
	return c, nil
}

// Release moves Matched -> Open after the claiming round reverted.
func (r *Record) Release(round uint64, now time.Time, reason string) (*Record, error) {
	if r.Status != StatusMatched || r.Round != round {
		return nil, fmt.Errorf("%w: release round %d from %s/round %d", ErrInvalidTransition, round, r.Status, r.Round)
	}
	c := r.next(now)
	c.Status = StatusOpen
	c.Claimed = nil
	c.Reason = reason
	return c, nil
}
