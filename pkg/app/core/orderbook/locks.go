package orderbook

import (
	"sort"
	"sync"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
)

const lockStripes = 256

// stripedLocks serializes writers that touch the same order ids while letting disjoint
// sets proceed in parallel. Stripes are always taken in ascending order.
type stripedLocks struct {
	mu [lockStripes]sync.Mutex
}

func stripe(uid order.UID) int { return int(uid[0]) }

func (l *stripedLocks) lock(uids ...order.UID) (unlock func()) {
	set := make(map[int]struct{}, len(uids))
	for _, u := range uids {
		set[stripe(u)] = struct{}{}
	}
	idx := make([]int, 0, len(set))
	for i := range set {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.mu[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.mu[idx[j]].Unlock()
		}
	}
}
