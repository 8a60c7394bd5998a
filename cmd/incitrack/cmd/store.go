package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/incitrack/incitrack/internal/config"
	"github.com/incitrack/incitrack/storage"
	bboltstorage "github.com/incitrack/incitrack/storage/bbolt"
	"github.com/incitrack/incitrack/storage/memory"
	pgstorage "github.com/incitrack/incitrack/storage/postgres"
	redisstorage "github.com/incitrack/incitrack/storage/redis"
)

// openStore opens the backend selected by session.backend. The returned
// close function releases it.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	switch cfg.Session.Backend {
	case config.BackendMemory:
		return memory.New(), func() {}, nil

	case config.BackendBolt:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := bboltstorage.Open(filepath.Join(cfg.Storage.DataDir, "incitrack.db"), bboltstorage.DefaultBucket, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return store, func() { store.Close() }, nil

	case config.BackendRedis:
		store, err := redisstorage.New(ctx, redisstorage.Config{Addr: cfg.Storage.RedisAddr})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, func() { store.Close() }, nil

	case config.BackendPostgres:
		store, err := pgstorage.NewFromDSN(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
}

// openStateStore opens the bbolt file holding the CLI session.
func openStateStore(cfg config.Config) (*bboltstorage.Store, error) {
	path := cfg.Client.StateFile
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locating config directory: %w", err)
		}
		path = filepath.Join(dir, "incitrack", "session.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := bboltstorage.Open(path, "session", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session state: %w", err)
	}
	return store, nil
}
