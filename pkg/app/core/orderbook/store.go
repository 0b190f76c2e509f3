package orderbook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
)

// ErrConflict is returned by Store.CompareAndSwap when a record changed underneath the caller.
var ErrConflict = errors.New("order store conflict")

// Update replaces Prev with Next. A nil Prev inserts Next and requires the id to be unused.
// The store assigns Next.Version.
type Update struct {
	Prev *order.Record
	Next *order.Record
}

// Store is the durable order record mapping. Records returned are private copies.
type Store interface {
	Get(ctx context.Context, uid order.UID) (*order.Record, error)
	// OpenOrders returns records stored as Open whose ValidTo lies after validAfter.
	OpenOrders(ctx context.Context, validAfter time.Time) ([]*order.Record, error)
	// OwnerOrders lists an owner's orders, newest first.
	OwnerOrders(ctx context.Context, owner common.Address, offset, limit int) ([]*order.Record, error)
	// CompareAndSwap applies all updates or none.
	CompareAndSwap(ctx context.Context, updates []Update) error
}

// SortForSnapshot orders records by creation time, then uid.
func SortForSnapshot(recs []*order.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].UID.Less(recs[j].UID)
	})
}

// MemStore is an in-memory Store for tests and ephemeral nodes.
type MemStore struct {
	mu      sync.RWMutex
	records map[order.UID]*order.Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[order.UID]*order.Record)}
}

func (s *MemStore) Get(_ context.Context, uid order.UID) (*order.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[uid]
	if !ok {
		return nil, order.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemStore) OpenOrders(_ context.Context, validAfter time.Time) ([]*order.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*order.Record
	for _, rec := range s.records {
		if rec.Status == order.StatusOpen && !rec.ExpiredAt(validAfter) {
			out = append(out, rec.Clone())
		}
	}
	SortForSnapshot(out)
	return out, nil
}

func (s *MemStore) OwnerOrders(_ context.Context, owner common.Address, offset, limit int) ([]*order.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*order.Record
	for _, rec := range s.records {
		if rec.Owner == owner {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UID.Less(out[j].UID)
	})
	return page(out, offset, limit), nil
}

func page(recs []*order.Record, offset, limit int) []*order.Record {
	if offset >= len(recs) {
		return nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

func (s *MemStore) CompareAndSwap(_ context.Context, updates []Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		cur, exists := s.records[u.Next.UID]
		switch {
		case u.Prev == nil && exists:
			return ErrConflict
		case u.Prev != nil && (!exists || cur.Version != u.Prev.Version):
			return ErrConflict
		}
	}
	for _, u := range updates {
		next := u.Next.Clone()
		next.Version = 1
		if u.Prev != nil {
			next.Version = u.Prev.Version + 1
		}
		s.records[next.UID] = next
		u.Next.Version = next.Version
	}
	return nil
}
