// Package client is the consumer side of the token protocol: it attaches the
// session's bearer token to API calls, follows token rotations, and turns a
// 401 into either one silent refresh-and-retry or a forced logout.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/incitrack/incitrack/activity"
	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/session"
)

const (
	// DefaultRefreshPath is the token refresh endpoint.
	DefaultRefreshPath = "/auth/verify-token"
	// DefaultMePath is the cookie-authenticated "who am I" endpoint.
	DefaultMePath = "/auth/me"
	// NewTokenHeader carries a rotated token on API responses.
	NewTokenHeader = "X-New-Token"
)

// DefaultAPIPrefixes are the paths that receive the bearer token.
var DefaultAPIPrefixes = []string{"/api/", "/auth/"}

// Client talks to the incident API on behalf of one session.
type Client struct {
	base        *url.URL
	state       *session.State
	tracker     *activity.Tracker
	notifier    Notifier
	navigator   Navigator
	logger      *slog.Logger
	apiPrefixes []string
	refreshPath string
	mePath      string

	// raw sends requests without token handling; the refresh call and
	// retries go through it.
	raw       *http.Client
	http      *http.Client
	refreshes singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to a JSON logger on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTracker sets the activity tracker consulted on 401 responses.
func WithTracker(t *activity.Tracker) Option {
	return func(c *Client) { c.tracker = t }
}

// WithNotifier sets where session notices go. Defaults to the logger.
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithNavigator sets the navigation collaborator. Defaults to a no-op.
func WithNavigator(n Navigator) Option {
	return func(c *Client) { c.navigator = n }
}

// WithHTTPClient sets the underlying client. Its Transport and Jar are used
// for every request; its CheckRedirect and Timeout are kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.raw = hc }
}

// WithAPIPrefixes replaces DefaultAPIPrefixes.
func WithAPIPrefixes(prefixes ...string) Option {
	return func(c *Client) { c.apiPrefixes = prefixes }
}

// New creates a Client for the API at baseURL.
func New(baseURL string, state *session.State, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	c := &Client{
		base:        base,
		state:       state,
		apiPrefixes: DefaultAPIPrefixes,
		refreshPath: DefaultRefreshPath,
		mePath:      DefaultMePath,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "client")
	if c.tracker == nil {
		c.tracker = activity.New()
	}
	if c.notifier == nil {
		c.notifier = logNotifier{logger: c.logger}
	}
	if c.navigator == nil {
		c.navigator = noopNavigator{}
	}
	if c.raw == nil {
		c.raw = &http.Client{}
	}

	rt := c.raw.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	hc := *c.raw
	hc.Transport = &transport{c: c, base: rt}
	c.http = &hc
	return c, nil
}

// HTTPClient returns an *http.Client whose transport applies the token
// protocol. It can be handed to code that knows nothing about sessions.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Tracker returns the activity tracker.
func (c *Client) Tracker() *activity.Tracker {
	return c.tracker
}

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

// Do sends req through the token-aware transport.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Call builds and sends a request to path. A non-nil body is sent as JSON.
func (c *Client) Call(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.Do(req)
}

// Bootstrap restores the session persisted by a previous run.
func (c *Client) Bootstrap(ctx context.Context) error {
	return c.state.LoadFromStorage(ctx)
}

// SessionStatus is the outcome of ValidateSession.
type SessionStatus struct {
	Authenticated bool
	User          *identity.User
}

type meResponse struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user"`
	Token         string         `json:"token"`
}

// ValidateSession asks the identity provider, using cookies only, whether
// the browser session is live. A positive answer replaces the stored user
// and token. Failures are reported as unauthenticated, never as errors.
func (c *Client) ValidateSession(ctx context.Context) SessionStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(c.mePath), nil)
	if err != nil {
		return SessionStatus{}
	}
	resp, err := c.raw.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "session check failed", "error", err)
		return SessionStatus{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.WarnContext(ctx, "session check failed", "status", resp.StatusCode)
		return SessionStatus{}
	}

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		c.logger.WarnContext(ctx, "session check returned malformed body", "error", err)
		return SessionStatus{}
	}
	if !me.Authenticated || me.User == nil {
		return SessionStatus{}
	}

	user := identity.Normalize(me.User)
	if me.Token != "" {
		if err := c.state.SetToken(ctx, me.Token); err != nil {
			c.logger.WarnContext(ctx, "persisting token failed", "error", err)
		}
	} else {
		c.logger.WarnContext(ctx, "session is authenticated but no token was issued")
	}
	if err := c.state.SetUser(ctx, user); err != nil {
		c.logger.WarnContext(ctx, "persisting user failed", "error", err)
	}
	c.navigator.ResumePending(ctx)
	return SessionStatus{Authenticated: true, User: &user}
}

// Login adopts token as the session token and confirms it against the
// refresh endpoint, which also fetches the user. A rejected token leaves
// the session cleared.
func (c *Client) Login(ctx context.Context, token string) error {
	if err := c.state.SetToken(ctx, token); err != nil {
		c.logger.WarnContext(ctx, "persisting token failed", "error", err)
	}
	if _, err := c.RefreshToken(ctx); err != nil {
		if cerr := c.state.Clear(ctx); cerr != nil {
			c.logger.WarnContext(ctx, "clearing session failed", "error", cerr)
		}
		return err
	}
	return nil
}

// Logout clears the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.state.Clear(ctx)
}
