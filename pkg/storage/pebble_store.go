package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
)

// PebbleStore keeps order records and round summaries in one Pebble database.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-check-write sequences
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return open(path, &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	})
}

// NewMemPebbleStore opens a store backed by an in-memory filesystem.
func NewMemPebbleStore() (*PebbleStore, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Get(_ context.Context, uid order.UID) (*order.Record, error) {
	var rec order.Record
	ok, err := getJSON(s.db, orderKey(uid), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, order.ErrNotFound
	}
	return &rec, nil
}

func (s *PebbleStore) OpenOrders(ctx context.Context, validAfter time.Time) ([]*order.Record, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: openLowerBound(validAfter),
		UpperBound: keyUpperBound([]byte(prefixOpen)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*order.Record
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uid, err := order.ParseUID(string(iter.Key()[len(iter.Key())-2*order.UIDLen-2:]))
		if err != nil {
			return nil, fmt.Errorf("open index %s: %w", iter.Key(), err)
		}
		var rec order.Record
		ok, err := getJSON(snap, orderKey(uid), &rec)
		if err != nil {
			return nil, err
		}
		if !ok || rec.Status != order.StatusOpen {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	orderbook.SortForSnapshot(out)
	return out, nil
}

func (s *PebbleStore) OwnerOrders(ctx context.Context, owner common.Address, offset, limit int) ([]*order.Record, error) {
	prefix := ownerPrefix(owner)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*order.Record
	skipped := 0
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		uid, err := order.ParseUID(string(iter.Key()[len(iter.Key())-2*order.UIDLen-2:]))
		if err != nil {
			return nil, fmt.Errorf("owner index %s: %w", iter.Key(), err)
		}
		rec, err := s.Get(ctx, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

func (s *PebbleStore) CompareAndSwap(_ context.Context, updates []orderbook.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	versions := make([]uint64, len(updates))
	for i, u := range updates {
		var cur order.Record
		exists, err := getJSON(s.db, orderKey(u.Next.UID), &cur)
		if err != nil {
			return err
		}
		switch {
		case u.Prev == nil && exists:
			return orderbook.ErrConflict
		case u.Prev != nil && (!exists || cur.Version != u.Prev.Version):
			return orderbook.ErrConflict
		}

		next := u.Next.Clone()
		next.Version = 1
		if exists {
			next.Version = cur.Version + 1
			if cur.Status == order.StatusOpen && next.Status != order.StatusOpen {
				if err := b.Delete(openKey(cur.ValidTo, cur.UID), nil); err != nil {
					return err
				}
			}
		} else if err := b.Set(ownerKey(next), nil, nil); err != nil {
			return err
		}
		if next.Status == order.StatusOpen {
			if err := b.Set(openKey(next.ValidTo, next.UID), nil, nil); err != nil {
				return err
			}
		}
		if err := setJSON(b, orderKey(next.UID), next); err != nil {
			return err
		}
		versions[i] = next.Version
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit orders: %w", err)
	}
	for i, u := range updates {
		u.Next.Version = versions[i]
	}
	return nil
}

func (s *PebbleStore) LastRoundID(context.Context) (uint64, error) {
	val, closer, err := s.db.Get(keyLastRound)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last round: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("last round: corrupt value of %d bytes", len(val))
	}
	return decodeUint64(val), nil
}

func (s *PebbleStore) SaveRound(ctx context.Context, sum *auction.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.LastRoundID(ctx)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, roundKey(sum.RoundID), sum); err != nil {
		return err
	}
	if sum.RoundID > last {
		if err := b.Set(keyLastRound, encodeUint64(sum.RoundID), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit round %d: %w", sum.RoundID, err)
	}
	return nil
}

func (s *PebbleStore) Round(_ context.Context, id uint64) (*auction.Summary, error) {
	var sum auction.Summary
	ok, err := getJSON(s.db, roundKey(id), &sum)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", auction.ErrUnknownRound, id)
	}
	return &sum, nil
}

var (
	_ orderbook.Store    = (*PebbleStore)(nil)
	_ auction.RoundStore = (*PebbleStore)(nil)
)
