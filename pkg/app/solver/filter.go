package solver

import (
	"context"
	"math/big"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
)

// MinVolumeFilter hides orders whose remaining sell amount is worth less than Min native
// atoms at the auction's reference prices. Unpriced orders count as worthless.
type MinVolumeFilter struct {
	Next Solver
	Min  *big.Rat
}

func (f MinVolumeFilter) Solve(ctx context.Context, a *settlement.Auction) (*settlement.Settlement, error) {
	if f.Min == nil || f.Min.Sign() <= 0 {
		return f.Next.Solve(ctx, a)
	}
	filtered := *a
	filtered.Orders = make([]*order.Record, 0, len(a.Orders))
	for _, r := range a.Orders {
		price, ok := a.Prices[r.SellToken]
		if !ok || price == nil || r.Remaining == nil {
			continue
		}
		value := new(big.Rat).Mul(new(big.Rat).SetInt(r.Remaining), price)
		if value.Cmp(f.Min) >= 0 {
			filtered.Orders = append(filtered.Orders, r)
		}
	}
	if len(filtered.Orders) == 0 {
		return nil, nil
	}
	return f.Next.Solve(ctx, &filtered)
}
