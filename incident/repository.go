package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/incitrack/incitrack/storage"
)

// Repository persists incidents and their history.
type Repository interface {
	Get(ctx context.Context, id string) (Incident, error)
	Put(ctx context.Context, inc Incident) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Incident, error)
	AppendHistory(ctx context.Context, id string, entry HistoryEntry) error
	History(ctx context.Context, id string) ([]HistoryEntry, error)
}

const (
	incidentPrefix = "incident:"
	historyPrefix  = "incident_history:"
)

// StoreRepository implements Repository on top of a storage.Store.
type StoreRepository struct {
	store storage.Store
	// mu serialises history read-modify-write cycles.
	mu sync.Mutex
}

var _ Repository = (*StoreRepository)(nil)

// NewStoreRepository creates a repository persisting to store.
func NewStoreRepository(store storage.Store) *StoreRepository {
	return &StoreRepository{store: store}
}

func (r *StoreRepository) Get(ctx context.Context, id string) (Incident, error) {
	raw, err := r.store.Get(ctx, incidentPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return Incident{}, ErrNotFound
	}
	if err != nil {
		return Incident{}, err
	}
	var inc Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return Incident{}, fmt.Errorf("decoding incident %s: %w", id, err)
	}
	return inc, nil
}

func (r *StoreRepository) Put(ctx context.Context, inc Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encoding incident: %w", err)
	}
	return r.store.Put(ctx, incidentPrefix+inc.ID, data, 0)
}

func (r *StoreRepository) Delete(ctx context.Context, id string) error {
	return errors.Join(
		r.store.Delete(ctx, incidentPrefix+id),
		r.store.Delete(ctx, historyPrefix+id),
	)
}

// List returns every incident ordered by creation time, newest first.
func (r *StoreRepository) List(ctx context.Context) ([]Incident, error) {
	keys, err := r.store.Keys(ctx, incidentPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Incident, 0, len(keys))
	for _, key := range keys {
		inc, err := r.Get(ctx, strings.TrimPrefix(key, incidentPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *StoreRepository) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.History(ctx, id)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	return r.store.Put(ctx, historyPrefix+id, data, 0)
}

func (r *StoreRepository) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	raw, err := r.store.Get(ctx, historyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding history for %s: %w", id, err)
	}
	return entries, nil
}
