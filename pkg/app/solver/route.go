package solver

import (
	"math/big"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
)

// route swaps each order, in snapshot order, through the direct pool that pays it the
// most, as long as that meets its limit. Pools are updated after every swap so later
// orders see the moved reserves.
func route(orders []*order.Record, liquidity []settlement.Pool) ([]settlement.Trade, []settlement.Interaction) {
	pools := append([]settlement.Pool(nil), liquidity...)
	var (
		trades       []settlement.Trade
		interactions []settlement.Interaction
	)
	for _, r := range orders {
		fill := fillable(r)
		if fill == nil {
			continue
		}
		best, bestOut := -1, new(big.Int)
		for i, p := range pools {
			out, err := p.AmountOut(r.SellToken, r.BuyToken, fill)
			if err != nil {
				continue
			}
			if out.Cmp(bestOut) > 0 {
				best, bestOut = i, out
			}
		}
		if best < 0 || bestOut.Sign() == 0 || !r.LimitRespected(fill, bestOut) {
			continue
		}
		next, err := pools[best].Swap(r.SellToken, r.BuyToken, fill, bestOut)
		if err != nil {
			continue
		}
		interactions = append(interactions, settlement.Interaction{
			Pool:      pools[best].Address,
			TokenIn:   r.SellToken,
			TokenOut:  r.BuyToken,
			AmountIn:  new(big.Int).Set(fill),
			AmountOut: new(big.Int).Set(bestOut),
		})
		trades = append(trades, settlement.Trade{
			OrderUID:     r.UID,
			ExecutedSell: fill,
			ExecutedBuy:  bestOut,
		})
		pools[best] = next
	}
	return trades, interactions
}
