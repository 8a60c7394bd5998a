package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/incitrack/incitrack/storage"
)

const (
	sessionKeyPrefix = "browser_session:"
	cleanupInterval  = 5 * time.Minute
)

// PersistentSessionStore stores sessions in a storage.Store (bbolt, redis or
// postgres) so that they survive server restarts. Records carry the session
// expiry as their TTL.
type PersistentSessionStore struct {
	store       storage.Store
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore creates a session store backed by store.
// idleTimeout of 0 disables idle timeout checking. When store implements
// storage.Sweeper, expired records are purged periodically until Close.
func NewPersistentSessionStore(store storage.Store, idleTimeout time.Duration, logger *slog.Logger) *PersistentSessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PersistentSessionStore{
		store:       store,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "sessions"),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	if sweeper, ok := store.(storage.Sweeper); ok {
		go s.cleanupLoop(sweeper)
	}
	return s
}

// Close stops the background cleanup goroutine.
func (s *PersistentSessionStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *PersistentSessionStore) Get(ctx context.Context, id string) (BrowserSession, bool) {
	raw, err := s.store.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		return BrowserSession{}, false
	}
	var session BrowserSession
	if err := json.Unmarshal(raw, &session); err != nil {
		// Corrupt entry; drop it.
		_ = s.Delete(ctx, id)
		return BrowserSession{}, false
	}
	if !session.usable(s.now(), s.idleTimeout) {
		_ = s.Delete(ctx, id)
		return BrowserSession{}, false
	}
	return session, true
}

func (s *PersistentSessionStore) Put(ctx context.Context, id string, session BrowserSession) error {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, id)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return s.store.Put(ctx, sessionKeyPrefix+id, data, ttl)
}

func (s *PersistentSessionStore) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, sessionKeyPrefix+id)
}

// cleanupLoop periodically removes expired records from storage.
func (s *PersistentSessionStore) cleanupLoop(sweeper storage.Sweeper) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := sweeper.Sweep(context.Background())
			if err != nil {
				s.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}
