package storage

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
)

var (
	t0     = time.Unix(1_700_000_000, 0).UTC()
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	tokenX = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokenY = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

func newRecord(n byte, owner common.Address, created time.Time, validFor time.Duration) *order.Record {
	validTo := uint32(t0.Add(validFor).Unix())
	o := order.Order{
		UID:        order.ComputeUID(common.LeftPadBytes([]byte{n}, 32), owner, validTo),
		Owner:      owner,
		SellToken:  tokenX,
		BuyToken:   tokenY,
		SellAmount: big.NewInt(100),
		BuyAmount:  big.NewInt(90),
		ValidTo:    validTo,
		Nonce:      big.NewInt(int64(n)),
		CreatedAt:  created,
	}
	return order.NewRecord(o, created)
}

func newPebble(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewMemPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insert(t *testing.T, s orderbook.Store, recs ...*order.Record) {
	t.Helper()
	updates := make([]orderbook.Update, len(recs))
	for i, r := range recs {
		updates[i] = orderbook.Update{Next: r}
	}
	require.NoError(t, s.CompareAndSwap(context.Background(), updates))
}

func uids(recs []*order.Record) []order.UID {
	out := make([]order.UID, len(recs))
	for i, r := range recs {
		out[i] = r.UID
	}
	return out
}

// The in-memory and Pebble stores must be interchangeable behind the manager.
func TestStoreContract(t *testing.T) {
	stores := map[string]func(t *testing.T) orderbook.Store{
		"mem":    func(*testing.T) orderbook.Store { return orderbook.NewMemStore() },
		"pebble": func(t *testing.T) orderbook.Store { return newPebble(t) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)
			a1 := newRecord(1, alice, t0, time.Hour)
			a2 := newRecord(2, alice, t0.Add(time.Second), time.Minute)
			b1 := newRecord(3, bob, t0.Add(2*time.Second), time.Hour)
			insert(t, s, a1, a2, b1)
			require.Equal(t, uint64(1), a1.Version)

			err := s.CompareAndSwap(ctx, []orderbook.Update{{Next: newRecord(1, alice, t0, time.Hour)}})
			require.ErrorIs(t, err, orderbook.ErrConflict)

			got, err := s.Get(ctx, a2.UID)
			require.NoError(t, err)
			require.Equal(t, a2.UID, got.UID)
			require.Equal(t, order.StatusOpen, got.Status)
			require.Equal(t, "100", got.Remaining.String())
			require.True(t, got.CreatedAt.Equal(a2.CreatedAt))

			_, err = s.Get(ctx, order.UID{9})
			require.ErrorIs(t, err, order.ErrNotFound)

			open, err := s.OpenOrders(ctx, t0)
			require.NoError(t, err)
			require.Equal(t, []order.UID{a1.UID, a2.UID, b1.UID}, uids(open))

			// a2 expires after a minute.
			open, err = s.OpenOrders(ctx, t0.Add(time.Minute))
			require.NoError(t, err)
			require.Equal(t, []order.UID{a1.UID, b1.UID}, uids(open))

			matched, err := a1.Match(7, big.NewInt(100), t0)
			require.NoError(t, err)
			require.NoError(t, s.CompareAndSwap(ctx, []orderbook.Update{{Prev: a1, Next: matched}}))
			require.Equal(t, uint64(2), matched.Version)
			open, err = s.OpenOrders(ctx, t0)
			require.NoError(t, err)
			require.Equal(t, []order.UID{a2.UID, b1.UID}, uids(open))

			// One stale update fails the whole batch.
			cancelled, err := b1.Cancel(t0, "user")
			require.NoError(t, err)
			stale, err := a1.Match(8, big.NewInt(50), t0)
			require.NoError(t, err)
			err = s.CompareAndSwap(ctx, []orderbook.Update{{Prev: b1, Next: cancelled}, {Prev: a1, Next: stale}})
			require.ErrorIs(t, err, orderbook.ErrConflict)
			got, err = s.Get(ctx, b1.UID)
			require.NoError(t, err)
			require.Equal(t, order.StatusOpen, got.Status)
			require.Equal(t, uint64(1), got.Version)

			released, err := matched.Release(7, t0, "reverted")
			require.NoError(t, err)
			require.NoError(t, s.CompareAndSwap(ctx, []orderbook.Update{{Prev: matched, Next: released}}))
			open, err = s.OpenOrders(ctx, t0)
			require.NoError(t, err)
			require.Equal(t, []order.UID{a1.UID, a2.UID, b1.UID}, uids(open))

			own, err := s.OwnerOrders(ctx, alice, 0, 0)
			require.NoError(t, err)
			require.Equal(t, []order.UID{a2.UID, a1.UID}, uids(own))
			own, err = s.OwnerOrders(ctx, alice, 1, 1)
			require.NoError(t, err)
			require.Equal(t, []order.UID{a1.UID}, uids(own))
			own, err = s.OwnerOrders(ctx, alice, 5, 1)
			require.NoError(t, err)
			require.Empty(t, own)
		})
	}
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	s, err := open("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	rec := newRecord(1, alice, t0, time.Hour)
	insert(t, s, rec)
	require.NoError(t, s.SaveRound(ctx, &auction.Summary{RoundID: 4, State: auction.StateSettled}))
	require.NoError(t, s.Close())

	s, err = open("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, rec.UID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Version)
	last, err := s.LastRoundID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
}

func TestPebbleRoundStore(t *testing.T) {
	ctx := context.Background()
	s := newPebble(t)

	last, err := s.LastRoundID(ctx)
	require.NoError(t, err)
	require.Zero(t, last)

	uid := newRecord(1, alice, t0, time.Hour).UID
	sum := &auction.Summary{
		RoundID: 2,
		State:   auction.StateExecuting,
		Winner:  "solver-1",
		Settlement: &settlement.Settlement{
			RoundID: 2,
			Trades:  []settlement.Trade{{OrderUID: uid, ExecutedSell: big.NewInt(100), ExecutedBuy: big.NewInt(95)}},
		},
	}
	require.NoError(t, s.SaveRound(ctx, sum))
	require.NoError(t, s.SaveRound(ctx, &auction.Summary{RoundID: 1, State: auction.StateNoViableSettlement}))

	last, err = s.LastRoundID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	got, err := s.Round(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, auction.StateExecuting, got.State)
	require.Equal(t, "solver-1", got.Winner)
	require.Equal(t, uid, got.Settlement.Trades[0].OrderUID)
	require.Equal(t, "95", got.Settlement.Trades[0].ExecutedBuy.String())

	sum.State = auction.StateSettled
	require.NoError(t, s.SaveRound(ctx, sum))
	got, err = s.Round(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, auction.StateSettled, got.State)

	_, err = s.Round(ctx, 9)
	require.ErrorIs(t, err, auction.ErrUnknownRound)
}

func TestOpenLowerBound(t *testing.T) {
	require.Equal(t, "open:0000000101", string(openLowerBound(time.Unix(100, 0))))
	require.Equal(t, "open:0000000101", string(openLowerBound(time.Unix(100, 500))))
	require.Equal(t, "open:0000000000", string(openLowerBound(time.Unix(-50, 0))))
	require.Equal(t, []byte("ord;"), keyUpperBound([]byte("ord:")))
}
