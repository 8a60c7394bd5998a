// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/incitrack/incitrack/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string]storage.Record
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a new empty in-memory Store.
func New() *Store {
	return &Store{
		data: make(map[string]storage.Record),
		now:  time.Now,
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if now := s.now(); rec.Expired(now) {
		s.mu.Lock()
		if cur, ok := s.data[key]; ok && cur.Expired(now) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), rec.Value...), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	rec := storage.NewRecord(value, ttl, s.now())
	s.mu.Lock()
	s.data[key] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, rec := range s.data {
		if strings.HasPrefix(k, prefix) && !rec.Expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Sweep removes expired keys and returns how many were deleted.
func (s *Store) Sweep(_ context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.data {
		if rec.Expired(now) {
			delete(s.data, k)
			removed++
		}
	}
	return removed, nil
}
