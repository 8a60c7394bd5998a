package api

import (
	"context"
	"time"

	"github.com/incitrack/incitrack/identity"
)

// SessionStore abstracts browser session CRUD so that sessions can be stored
// in-memory (default) or in a persistent storage backend.
type SessionStore interface {
	// Get retrieves a session by ID. Returns false if the session does not
	// exist, has expired, or has exceeded the idle timeout.
	Get(ctx context.Context, id string) (BrowserSession, bool)
	// Put creates or updates a session.
	Put(ctx context.Context, id string, session BrowserSession) error
	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
}

// BrowserSession is the server-side state behind the session cookie. Token
// is empty until the SSO callback completes; CSRF and ReturnTo are only set
// while a login round-trip is pending.
type BrowserSession struct {
	Token          string         `json:"token,omitempty"`
	User           *identity.User `json:"user,omitempty"`
	RawUser        map[string]any `json:"raw_user,omitempty"`
	CSRF           string         `json:"csrf,omitempty"`
	ReturnTo       string         `json:"return_to,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

func (s BrowserSession) usable(now time.Time, idleTimeout time.Duration) bool {
	if now.After(s.ExpiresAt) {
		return false
	}
	return idleTimeout <= 0 || now.Sub(s.LastAccessedAt) <= idleTimeout
}
