package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Persistence, used by tests and by tooling that
// verifies exported chain segments without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Sequence != uint64(len(m.events))+1 {
		return fmt.Errorf("%w: sequence %d already written or out of order", ErrConflict, ev.Sequence)
	}
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ReadTip(ctx context.Context) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	cp := *m.events[len(m.events)-1]
	return &cp, nil
}

func (m *MemoryStore) ReadRange(ctx context.Context, from, to uint64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, 0)
	for _, ev := range m.events {
		if ev.Sequence >= from && ev.Sequence <= to {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Corrupt overwrites a stored event in place. Test hook for tamper-detection
// scenarios; panics if the sequence does not exist.
func (m *MemoryStore) Corrupt(seq uint64, mutate func(*Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Sequence == seq {
			mutate(ev)
			return
		}
	}
	panic(fmt.Sprintf("memorystore: no event with sequence %d", seq))
}
