package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemRoundStore keeps summaries in memory.
type MemRoundStore struct {
	mu     sync.RWMutex
	last   uint64
	rounds map[uint64][]byte
}

func NewMemRoundStore() *MemRoundStore {
	return &MemRoundStore{rounds: make(map[uint64][]byte)}
}

func (m *MemRoundStore) LastRoundID(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

func (m *MemRoundStore) SaveRound(_ context.Context, s *Summary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode round %d: %w", s.RoundID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[s.RoundID] = b
	if s.RoundID > m.last {
		m.last = s.RoundID
	}
	return nil
}

func (m *MemRoundStore) Round(_ context.Context, id uint64) (*Summary, error) {
	m.mu.RLock()
	b, ok := m.rounds[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRound, id)
	}
	var s Summary
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode round %d: %w", id, err)
	}
	return &s, nil
}
