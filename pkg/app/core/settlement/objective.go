package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
)

// Surplus is the buy amount a trade delivers above the order's pro-rata limit.
func Surplus(o *order.Order, t Trade) *big.Int {
	return new(big.Int).Sub(t.ExecutedBuy, o.MinBuyFor(t.ExecutedSell))
}

// Objective values every trade's surplus at the reference price of the bought token
// (native atoms per token atom). Tokens without a reference price contribute nothing.
func Objective(trades []Trade, lookup func(order.UID) *order.Order, prices map[common.Address]*big.Rat) *big.Rat {
	total := new(big.Rat)
	for _, t := range trades {
		o := lookup(t.OrderUID)
		if o == nil {
			continue
		}
		price, ok := prices[o.BuyToken]
		if !ok || price == nil {
			continue
		}
		s := Surplus(o, t)
		if s.Sign() <= 0 {
			continue
		}
		total.Add(total, new(big.Rat).Mul(new(big.Rat).SetInt(s), price))
	}
	return total
}
