package gate

import (
	"context"
	"sync"
)

// MemoryExecutions is an in-memory ExecutionSink.
type MemoryExecutions struct {
	mu    sync.Mutex
	execs []*Execution
}

func NewMemoryExecutions() *MemoryExecutions {
	return &MemoryExecutions{}
}

func (m *MemoryExecutions) SaveExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.execs = append(m.execs, &cp)
	return nil
}

// All returns the stored executions in save order.
func (m *MemoryExecutions) All() []*Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Execution, len(m.execs))
	copy(out, m.execs)
	return out
}
