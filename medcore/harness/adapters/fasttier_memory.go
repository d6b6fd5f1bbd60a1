package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
)

// MemoryFastTier keeps hot sessions in process memory with a per-key deadline.
type MemoryFastTier struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	session   *ports.Session
	expiresAt time.Time
}

// NewMemoryFastTier creates an empty tier. now defaults to time.Now.
func NewMemoryFastTier(now func() time.Time) *MemoryFastTier {
	if now == nil {
		now = time.Now
	}
	return &MemoryFastTier{now: now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryFastTier) Load(ctx context.Context, sessionID string) (*ports.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return nil, ports.ErrSessionNotFound
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, sessionID)
		return nil, ports.ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

func (m *MemoryFastTier) Save(ctx context.Context, s *ports.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.ID] = memoryEntry{session: s.Clone(), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryFastTier) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	now := m.now()
	if !ok || !now.Before(e.expiresAt) {
		delete(m.entries, sessionID)
		return ports.ErrSessionNotFound
	}
	e.expiresAt = now.Add(ttl)
	e.session.LastAccessedAt = now
	m.entries[sessionID] = e
	return nil
}

func (m *MemoryFastTier) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

var _ ports.FastTier = (*MemoryFastTier)(nil)
