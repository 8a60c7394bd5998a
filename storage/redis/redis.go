// Package redis provides a Redis-backed storage.Store using native key expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/incitrack/incitrack/storage"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "incitrack:"

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. When nil, Addr is dialled.
	Client redis.UniversalClient
	// Addr like "localhost:6379".
	Addr string
	// KeyPrefix is prepended to all keys. Default: "incitrack:".
	KeyPrefix string
}

// Store implements storage.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

var _ storage.Store = (*Store)(nil)

// New creates a Redis-backed store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}
	if s.client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("redis client or address is required")
		}
		s.client = redis.NewClient(&redis.Options{Addr: cfg.Addr})
		s.owned = true
	}
	if s.keyPrefix == "" {
		s.keyPrefix = DefaultKeyPrefix
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.owned {
			s.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.keyPrefix + escapeGlob(prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
