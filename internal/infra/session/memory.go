package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/image-analyst/internal/application"
	domain "github.com/bryanwahyu/image-analyst/internal/domain/session"
	"github.com/bryanwahyu/image-analyst/internal/metrics"
)

// MemoryStore keeps sessions in process memory and forgets idle ones.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[domain.ID]*domain.Session
	ttl      time.Duration
	clock    application.Clock
}

func NewMemoryStore(ttl time.Duration, clock application.Clock) *MemoryStore {
	if clock == nil {
		clock = application.SystemClock{}
	}
	return &MemoryStore{
		sessions: make(map[domain.ID]*domain.Session),
		ttl:      ttl,
		clock:    clock,
	}
}

// Get returns a live session and counts the lookup as activity, so the TTL
// runs from the last request that used it.
func (m *MemoryStore) Get(_ context.Context, id domain.ID) (*domain.Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	now := m.clock.Now()
	if m.ttl > 0 && s.IdleSince(now.Add(-m.ttl)) {
		return nil, false
	}
	s.Touch(now)
	return s, true
}

func (m *MemoryStore) Create(_ context.Context) *domain.Session {
	s := domain.New(domain.ID(uuid.NewString()), m.clock.Now())
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	return s
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions idle for longer than the TTL and returns how many went.
func (m *MemoryStore) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.clock.Now().Add(-m.ttl)
	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if s.IdleSince(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
