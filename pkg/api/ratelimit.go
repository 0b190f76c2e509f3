package api

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// OwnerLimiter throttles order submissions per owner address.
type OwnerLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	visitors map[common.Address]*visitor
	swept    time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewOwnerLimiter allows perSecond submissions per owner with the given burst.
// A non-positive rate disables limiting.
func NewOwnerLimiter(perSecond float64, burst int) *OwnerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &OwnerLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     5 * time.Minute,
		now:      time.Now,
		visitors: make(map[common.Address]*visitor),
	}
}

// Allow reports whether owner may submit now. A nil limiter allows everything.
func (l *OwnerLimiter) Allow(owner common.Address) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.idle {
		for addr, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, addr)
			}
		}
		l.swept = now
	}
	v, ok := l.visitors[owner]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[owner] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
