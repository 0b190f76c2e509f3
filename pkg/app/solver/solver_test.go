package solver

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/validator"
)

var (
	tokX    = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokY    = common.HexToAddress("0x000000000000000000000000000000000000000b")
	tokZ    = common.HexToAddress("0x000000000000000000000000000000000000000c")
	poolXY  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tokens  = []common.Address{tokX, tokY, tokZ}
	openAt  = time.Unix(1_000, 0)
	farAway = uint32(1_000_000)
)

func rec(id byte, sellTok, buyTok common.Address, sell, buy int64, partial bool) *order.Record {
	return order.NewRecord(order.Order{
		UID:               order.UID{id},
		SellToken:         sellTok,
		BuyToken:          buyTok,
		SellAmount:        big.NewInt(sell),
		BuyAmount:         big.NewInt(buy),
		ValidTo:           farAway,
		Nonce:             big.NewInt(int64(id)),
		PartiallyFillable: partial,
	}, openAt)
}

func auction(orders ...*order.Record) *settlement.Auction {
	return &settlement.Auction{
		RoundID: 1,
		Orders:  orders,
		Prices:  map[common.Address]*big.Rat{tokX: big.NewRat(1, 1), tokY: big.NewRat(1, 1), tokZ: big.NewRat(1, 1)},
	}
}

type reader map[order.UID]*order.Record

func (r reader) Get(_ context.Context, uid order.UID) (*order.Record, error) {
	if rec, ok := r[uid]; ok {
		return rec.Clone(), nil
	}
	return nil, order.ErrNotFound
}

func validate(t require.TestingT, a *settlement.Auction, s *settlement.Settlement) *big.Rat {
	orders := reader{}
	for _, r := range a.Orders {
		orders[r.UID] = r
	}
	clk := clock.NewMock()
	clk.Set(openAt)
	obj, err := validator.New(orders, clk).Validate(context.Background(), a, s)
	require.NoError(t, err)
	return obj
}

func tradeFor(s *settlement.Settlement, id byte) *settlement.Trade {
	for i := range s.Trades {
		if s.Trades[i].OrderUID == (order.UID{id}) {
			return &s.Trades[i]
		}
	}
	return nil
}

func TestEngineMatchesCoincidenceOfWants(t *testing.T) {
	a := auction(
		rec(1, tokX, tokY, 100, 90, false),
		rec(2, tokY, tokX, 100, 90, false),
	)
	s, err := NewEngine("greedy").Solve(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Len(t, s.Trades, 2)
	require.Empty(t, s.Interactions)
	require.Equal(t, "greedy", s.Solver)

	// Each side has 10 to spare; all of it goes back to the counterparty.
	require.Equal(t, "100", tradeFor(s, 1).ExecutedBuy.String())
	require.Equal(t, "100", tradeFor(s, 2).ExecutedBuy.String())

	obj := validate(t, a, s)
	require.Equal(t, 0, obj.Cmp(s.ClaimedObjective))
}

func TestEngineDropsLeastGenerousFillOrKill(t *testing.T) {
	a := auction(
		rec(1, tokX, tokY, 100, 90, false),
		rec(2, tokX, tokY, 100, 150, false), // asks too much
		rec(3, tokY, tokX, 100, 90, false),
	)
	s, err := NewEngine("greedy", WithoutPools()).Solve(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Nil(t, tradeFor(s, 2))
	require.NotNil(t, tradeFor(s, 1))
	require.NotNil(t, tradeFor(s, 3))
	validate(t, a, s)
}

func TestEngineScalesPartialOrder(t *testing.T) {
	a := auction(
		rec(1, tokX, tokY, 200, 180, true),
		rec(2, tokY, tokX, 100, 90, false),
	)
	s, err := NewEngine("greedy", WithoutPools()).Solve(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, s)

	t1 := tradeFor(s, 1)
	require.NotNil(t, t1)
	require.Equal(t, -1, t1.ExecutedSell.Cmp(big.NewInt(200)))
	require.Equal(t, 1, t1.ExecutedSell.Sign())
	validate(t, a, s)
}

func TestEngineNoMatch(t *testing.T) {
	a := auction(
		rec(1, tokX, tokY, 100, 200, false),
		rec(2, tokY, tokX, 100, 200, false),
	)
	s, err := NewEngine("greedy").Solve(context.Background(), a)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestEngineRoutesLeftoversThroughPools(t *testing.T) {
	a := auction(rec(1, tokX, tokY, 100, 90, false), rec(2, tokX, tokY, 100, 90, false))
	a.Liquidity = []settlement.Pool{{
		Address: poolXY, TokenA: tokX, TokenB: tokY,
		ReserveA: big.NewInt(10_000), ReserveB: big.NewInt(10_000), FeeBps: 30,
	}}
	s, err := NewEngine("greedy").Solve(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Len(t, s.Trades, 2)
	require.Len(t, s.Interactions, 2)
	// The second swap sees reserves moved by the first.
	require.Equal(t, 1, s.Interactions[0].AmountOut.Cmp(s.Interactions[1].AmountOut))
	validate(t, a, s)

	s, err = NewEngine("greedy", WithoutPools()).Solve(context.Background(), a)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestEngineStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine("greedy").Solve(ctx, auction(rec(1, tokX, tokY, 1, 1, false), rec(2, tokY, tokX, 1, 1, false)))
	require.ErrorIs(t, err, context.Canceled)
}

func TestMinVolumeFilter(t *testing.T) {
	a := auction(
		rec(1, tokX, tokY, 100, 90, false),
		rec(2, tokY, tokX, 100, 90, false),
		rec(3, tokX, tokY, 5, 1, false),
	)
	var seen []order.UID
	spy := Func(func(_ context.Context, a *settlement.Auction) (*settlement.Settlement, error) {
		for _, r := range a.Orders {
			seen = append(seen, r.UID)
		}
		return nil, nil
	})
	_, err := MinVolumeFilter{Next: spy, Min: big.NewRat(10, 1)}.Solve(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, []order.UID{{1}, {2}}, seen)
	require.Len(t, a.Orders, 3, "input auction untouched")

	seen = nil
	_, err = MinVolumeFilter{Next: spy}.Solve(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, seen, 3)
}

// Whatever the engine produces is accepted by the validator against the same snapshot.
func TestEngineOutputAlwaysValidates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "orders")
		var orders []*order.Record
		for i := 0; i < n; i++ {
			sellIdx := rapid.IntRange(0, len(tokens)-1).Draw(t, fmt.Sprintf("sellTok%d", i))
			buyIdx := (sellIdx + rapid.IntRange(1, len(tokens)-1).Draw(t, fmt.Sprintf("buyOff%d", i))) % len(tokens)
			orders = append(orders, rec(byte(i+1), tokens[sellIdx], tokens[buyIdx],
				rapid.Int64Range(1, 10_000).Draw(t, fmt.Sprintf("sell%d", i)),
				rapid.Int64Range(1, 10_000).Draw(t, fmt.Sprintf("buy%d", i)),
				rapid.Bool().Draw(t, fmt.Sprintf("partial%d", i))))
		}
		a := auction(orders...)
		if rapid.Bool().Draw(t, "pool") {
			a.Liquidity = []settlement.Pool{{
				Address: poolXY, TokenA: tokX, TokenB: tokY,
				ReserveA: big.NewInt(rapid.Int64Range(1, 1_000_000).Draw(t, "reserveA")),
				ReserveB: big.NewInt(rapid.Int64Range(1, 1_000_000).Draw(t, "reserveB")),
				FeeBps:   uint32(rapid.IntRange(0, 100).Draw(t, "fee")),
			}}
		}
		s, err := NewEngine("prop").Solve(context.Background(), a)
		if err != nil {
			t.Fatalf("solve: %v", err)
		}
		if s == nil {
			return
		}
		validate(t, a, s)
	})
}
