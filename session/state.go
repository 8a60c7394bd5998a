// Package session holds the client's authenticated working state: the current
// bearer token and the user snapshot, mirrored into session-scoped storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/storage"
)

// Storage keys of the two persisted entries. They are always written and
// erased together.
const (
	TokenKey = "incitrack:token"
	UserKey  = "incitrack:current_user"
)

// Snapshot is an immutable copy of the session state handed to subscribers.
type Snapshot struct {
	Token         string
	User          *identity.User
	Authenticated bool
}

// State is the Token Store. Construct one per process with New and pass it
// by reference; it is safe for concurrent use.
type State struct {
	mu            sync.RWMutex
	token         string
	user          *identity.User
	authenticated bool

	store  storage.Store
	logger *slog.Logger

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the structured logger. Defaults to a JSON logger on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(s *State) { s.logger = logger }
}

// New creates an empty, unauthenticated State persisting to store.
func New(store storage.Store, opts ...Option) *State {
	s := &State{
		store: store,
		subs:  make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// Token returns the current bearer token, or "" when absent.
func (s *State) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// CurrentUser returns the current user snapshot.
func (s *State) CurrentUser() (identity.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return identity.User{}, false
	}
	return *s.user, true
}

// Authenticated reports whether the session has been marked authenticated.
func (s *State) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Snapshot returns a copy of the whole state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// SetToken replaces the token, marks the session authenticated and persists
// the token. The in-memory value is updated even if persistence fails.
func (s *State) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.authenticated = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	if err := s.store.Put(ctx, TokenKey, []byte(token), 0); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}
	return nil
}

// SetUser replaces the user snapshot, marks the session authenticated and
// persists it as JSON.
func (s *State) SetUser(ctx context.Context, user identity.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	s.mu.Lock()
	u := user
	s.user = &u
	s.authenticated = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	if err := s.store.Put(ctx, UserKey, data, 0); err != nil {
		return fmt.Errorf("persisting user: %w", err)
	}
	return nil
}

// Rotate replaces the token with next, and the user when user is non-nil,
// only while the session still holds expected. It reports whether the
// session was updated. The entries are persisted before a concurrent Clear
// can run, so a cleared session is never resurrected in storage.
func (s *State) Rotate(ctx context.Context, expected, next string, user *identity.User) (bool, error) {
	var data []byte
	if user != nil {
		var err error
		if data, err = json.Marshal(user); err != nil {
			return false, fmt.Errorf("encoding user: %w", err)
		}
	}

	s.mu.Lock()
	if expected == "" || s.token != expected {
		s.mu.Unlock()
		return false, nil
	}
	changed := next != s.token || !s.authenticated || user != nil
	s.token = next
	s.authenticated = true
	if user != nil {
		u := *user
		s.user = &u
	}
	snap := s.snapshotLocked()

	var errs []error
	if next != expected {
		if err := s.store.Put(ctx, TokenKey, []byte(next), 0); err != nil {
			errs = append(errs, fmt.Errorf("persisting token: %w", err))
		}
	}
	if data != nil {
		if err := s.store.Put(ctx, UserKey, data, 0); err != nil {
			errs = append(errs, fmt.Errorf("persisting user: %w", err))
		}
	}
	s.mu.Unlock()

	if changed {
		s.publish(snap)
	}
	return true, errors.Join(errs...)
}

// Clear removes token and user, marks the session unauthenticated and erases
// both persisted entries. Calling it repeatedly is harmless.
func (s *State) Clear(ctx context.Context) error {
	s.mu.Lock()
	changed := s.token != "" || s.user != nil || s.authenticated
	s.token = ""
	s.user = nil
	s.authenticated = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.publish(snap)
	}
	return errors.Join(
		s.store.Delete(ctx, TokenKey),
		s.store.Delete(ctx, UserKey),
	)
}

// LoadFromStorage rehydrates the state from storage. A malformed user entry
// is logged and ignored while the token is kept. When a token is found the
// session is marked authenticated without contacting the server.
func (s *State) LoadFromStorage(ctx context.Context) error {
	var token string
	raw, err := s.store.Get(ctx, TokenKey)
	switch {
	case err == nil:
		token = string(raw)
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("loading token: %w", err)
	}

	var user *identity.User
	raw, err = s.store.Get(ctx, UserKey)
	switch {
	case err == nil:
		var u identity.User
		if jerr := json.Unmarshal(raw, &u); jerr != nil {
			s.logger.WarnContext(ctx, "stored user is malformed; ignoring it", "error", jerr)
		} else {
			user = &u
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("loading user: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.user = user
	s.authenticated = token != ""
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// Subscribe registers fn to be called after every mutation. The returned
// function removes the subscription.
func (s *State) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *State) publish(snap Snapshot) {
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{Token: s.token, Authenticated: s.authenticated}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}
