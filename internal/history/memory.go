package history

import (
	"context"
	"sync"

	"github.com/fractal-lba/creditscore/internal/api"
)

// MemoryStore keeps records in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []api.HistoryRecord // newest first
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec api.HistoryRecord, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]api.HistoryRecord, 0, min(len(m.records)+1, limit))
	next = append(next, rec)
	for _, r := range m.records {
		if len(next) == limit {
			break
		}
		next = append(next, r)
	}
	m.records = next
	return nil
}

func (m *MemoryStore) Load(_ context.Context, limit int) ([]api.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := min(len(m.records), limit)
	return append([]api.HistoryRecord(nil), m.records[:n]...), nil
}

func (m *MemoryStore) Name() string { return BackendMemory }

func (m *MemoryStore) Close() error { return nil }
