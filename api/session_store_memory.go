package api

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu          sync.RWMutex
	data        map[string]BrowserSession
	idleTimeout time.Duration
	now         func() time.Time
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemorySessionStore(idleTimeout time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		data:        make(map[string]BrowserSession),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (BrowserSession, bool) {
	s.mu.RLock()
	session, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return BrowserSession{}, false
	}
	if !session.usable(s.now(), s.idleTimeout) {
		_ = s.Delete(ctx, id)
		return BrowserSession{}, false
	}
	return session, true
}

func (s *MemorySessionStore) Put(_ context.Context, id string, session BrowserSession) error {
	s.mu.Lock()
	s.data[id] = session
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}
