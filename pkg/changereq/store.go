package changereq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store persists change requests with optimistic versioning. Save must
// reject a request whose Version does not match the stored one and return
// ErrConflict; on success it stores the record with Version incremented.
type Store interface {
	Save(ctx context.Context, cr *ChangeRequest) error
	Load(ctx context.Context, id string) (*ChangeRequest, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string][]byte
	vers map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]byte), vers: make(map[string]int64)}
}

func (m *MemoryStore) Save(_ context.Context, cr *ChangeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.vers[cr.ID]
	if exists && cr.Version != current {
		return fmt.Errorf("%w: request %s at version %d, caller has %d", ErrConflict, cr.ID, current, cr.Version)
	}
	cr.Version++
	raw, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("changereq: encode request: %w", err)
	}
	m.byID[cr.ID] = raw
	m.vers[cr.ID] = cr.Version
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*ChangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var cr ChangeRequest
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("changereq: decode request: %w", err)
	}
	return &cr, nil
}
