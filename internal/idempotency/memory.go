package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps entries in-process. Suitable for a single-node
// deployment; state is lost on restart, which is acceptable because the
// task store remains the source of truth.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	order    []string // insertion order, for capacity eviction
	capacity int
	closed   bool
}

// NewMemoryBackend creates a backend holding at most capacity live
// entries. capacity <= 0 defaults to 10000.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryBackend{
		entries:  make(map[string]*Entry),
		capacity: capacity,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if e.Expired(time.Now().UTC()) {
		delete(m.entries, key)
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryBackend) PutIfAbsent(_ context.Context, entry *Entry) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.entries[entry.Key]; ok && !existing.Expired(now) {
		cp := *existing
		return &cp, false, nil
	}

	m.evictLocked(now)

	cp := *entry
	m.entries[entry.Key] = &cp
	m.order = append(m.order, entry.Key)
	out := cp
	return &out, true, nil
}

func (m *MemoryBackend) Finalize(_ context.Context, key string, state State, response, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.Expired(time.Now().UTC()) {
		return ErrUnknownKey
	}
	if e.State != StateProcessing {
		return ErrFinalized
	}
	e.State = state
	e.Response = response
	e.Error = errMsg
	return nil
}

// Close is idempotent and drops all entries.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.entries = make(map[string]*Entry)
	m.order = nil
	return nil
}

// evictLocked removes expired entries first, then the oldest live ones
// until a slot is free. Caller holds mu.
func (m *MemoryBackend) evictLocked(now time.Time) {
	if len(m.entries) < m.capacity {
		return
	}

	kept := m.order[:0]
	for _, k := range m.order {
		e, ok := m.entries[k]
		if !ok {
			continue
		}
		if e.Expired(now) {
			delete(m.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	m.order = kept

	for len(m.entries) >= m.capacity && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
}
