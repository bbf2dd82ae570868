package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It is safe for concurrent use and
// purges expired entries every purgeEvery writes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	writes  uint64
	purgeN  uint64
	now     func() time.Time
}

type memoryEntry struct {
	kind    Kind
	data    []byte
	expires time.Time
}

func NewMemoryStore(purgeEvery int) *MemoryStore {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		purgeN:  uint64(purgeEvery),
		now:     time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, kind Kind, value any, ttl time.Duration) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	id := uuid.NewString()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.writes%m.purgeN == 0 {
		m.purgeLocked(now)
	}
	m.entries[id] = memoryEntry{kind: kind, data: data, expires: now.Add(ttl)}
	return id, nil
}

func (m *MemoryStore) Take(_ context.Context, kind Kind, id string, dst any) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	ok = ok && e.kind == kind
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if !ok || !m.now().Before(e.expires) {
		return ErrNotFound
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return fmt.Errorf("session: decode: %w", err)
	}
	return nil
}

func (m *MemoryStore) Purge(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(m.now()), nil
}

func (m *MemoryStore) purgeLocked(now time.Time) int64 {
	var n int64
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
