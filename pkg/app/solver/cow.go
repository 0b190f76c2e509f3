package solver

import (
	"math/big"
	"sort"

	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
)

// byGenerosity orders candidates by the limit price they ask, lowest first. The least
// generous order is last.
func byGenerosity(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].rec, cs[j].rec
		// a.buy/a.sell < b.buy/b.sell
		l := new(big.Int).Mul(a.BuyAmount, b.SellAmount)
		r := new(big.Int).Mul(b.BuyAmount, a.SellAmount)
		if c := l.Cmp(r); c != 0 {
			return c < 0
		}
		return a.UID.Less(b.UID)
	})
}

func totals(cs []*candidate) (sold, need *big.Int) {
	sold, need = new(big.Int), new(big.Int)
	for _, c := range cs {
		sold.Add(sold, c.fill)
		need.Add(need, c.minBuy())
	}
	return sold, need
}

// shrink lowers the least generous candidate on a side whose demand exceeds supply by
// deficit. Partially fillable orders are scaled down just enough, others are dropped.
func shrink(cs []*candidate, deficit *big.Int) []*candidate {
	last := cs[len(cs)-1]
	if last.rec.PartiallyFillable {
		m := last.minBuy()
		if m.Cmp(deficit) > 0 {
			target := new(big.Int).Sub(m, deficit)
			fill := target.Mul(target, last.rec.SellAmount)
			fill.Quo(fill, last.rec.BuyAmount)
			if fill.Sign() > 0 {
				last.fill = fill
				return cs
			}
		}
	}
	return cs[:len(cs)-1]
}

// matchPair settles two opposing sides of one token pair against each other. side0 sells
// the token side1 buys and vice versa.
func matchPair(side0, side1 []*candidate) []settlement.Trade {
	if len(side0) == 0 || len(side1) == 0 {
		return nil
	}
	byGenerosity(side0)
	byGenerosity(side1)

	for len(side0) > 0 && len(side1) > 0 {
		sold0, need0 := totals(side0)
		sold1, need1 := totals(side1)
		switch {
		case need0.Cmp(sold1) > 0:
			side0 = shrink(side0, new(big.Int).Sub(need0, sold1))
		case need1.Cmp(sold0) > 0:
			side1 = shrink(side1, new(big.Int).Sub(need1, sold0))
		default:
			trades := distribute(side0, sold1, need0)
			return append(trades, distribute(side1, sold0, need1)...)
		}
	}
	return nil
}

// distribute pays each candidate its limit amount plus a floor-rounded pro-rata share of
// the excess the other side supplied. The sum never exceeds supply.
func distribute(cs []*candidate, supply, need *big.Int) []settlement.Trade {
	excess := new(big.Int).Sub(supply, need)
	out := make([]settlement.Trade, 0, len(cs))
	for _, c := range cs {
		m := c.minBuy()
		bonus := new(big.Int).Mul(excess, m)
		bonus.Quo(bonus, need)
		out = append(out, settlement.Trade{
			OrderUID:     c.rec.UID,
			ExecutedSell: new(big.Int).Set(c.fill),
			ExecutedBuy:  m.Add(m, bonus),
		})
	}
	return out
}
