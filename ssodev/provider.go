// Package ssodev is a development identity provider. It issues HS256 tokens
// on a login page, answers the token verification contract used by the API,
// and rotates tokens that are close to expiry. It is not meant for
// production use.
package ssodev

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/incitrack/incitrack/internal/uuid"
	"github.com/incitrack/incitrack/verify"
)

const (
	// Issuer is the iss claim of every token.
	Issuer = "incitrack-devsso"

	DefaultTokenTTL     = 15 * time.Minute
	DefaultRotateWithin = 5 * time.Minute
)

var errUnknownUser = errors.New("unknown user")

// Provider is the development identity provider.
type Provider struct {
	secret       []byte
	apiKey       string
	ttl          time.Duration
	rotateWithin time.Duration
	users        map[string]map[string]any
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the structured logger. Defaults to a JSON logger on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(p *Provider) { p.ttl = d }
}

// WithRotateWithin sets how close to expiry a verified token must be for a
// replacement to be issued. Zero disables rotation.
func WithRotateWithin(d time.Duration) Option {
	return func(p *Provider) { p.rotateWithin = d }
}

// WithUsers replaces DefaultUsers. Keys are login handles.
func WithUsers(users map[string]map[string]any) Option {
	return func(p *Provider) { p.users = users }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a Provider signing with secret. Verification requests must
// present apiKey in the X-API-KEY header.
func New(secret []byte, apiKey string, opts ...Option) (*Provider, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("signing secret must be at least 32 bytes, got %d", len(secret))
	}
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	p := &Provider{
		secret:       secret,
		apiKey:       apiKey,
		ttl:          DefaultTokenTTL,
		rotateWithin: DefaultRotateWithin,
		users:        DefaultUsers(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	p.logger = p.logger.With("component", "devsso")
	return p, nil
}

// Router returns the provider's routes:
//
//	GET  /login?login=&return_url=&csrf=  issue a token and redirect back
//	POST /token                           issue a token as JSON (CLI login)
//	POST /verify                          token verification contract
func (p *Provider) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/login", p.Login)
	r.Post("/token", p.Token)
	r.Post("/verify", p.Verify)
	return r
}

// Issue signs a token for login.
func (p *Provider) Issue(login string) (string, error) {
	if _, ok := p.users[login]; !ok {
		return "", fmt.Errorf("%w %q", errUnknownUser, login)
	}
	now := p.now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   login,
		ID:        uuid.New(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func (p *Provider) parse(token string) (*jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(p.now),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}); err != nil {
		return nil, err
	}
	if _, ok := p.users[claims.Subject]; !ok {
		return nil, errUnknownUser
	}
	return &claims, nil
}

// Login handles GET /login. The user is chosen with the login query
// parameter; the browser is sent to return_url with token and csrf appended.
func (p *Provider) Login(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := url.Parse(q.Get("return_url"))
	if err != nil || !target.IsAbs() {
		http.Error(w, "return_url must be an absolute URL", http.StatusBadRequest)
		return
	}
	login := q.Get("login")
	if login == "" {
		login = "u1001"
	}
	token, err := p.Issue(login)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	tq := target.Query()
	tq.Set("token", token)
	tq.Set("csrf", q.Get("csrf"))
	target.RawQuery = tq.Encode()
	p.logger.InfoContext(r.Context(), "issued token", "login", login, "via", "login")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type tokenRequest struct {
	Login string `json:"login"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token handles POST /token {"login": ...}.
func (p *Provider) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, verify.Response{Status: verify.StatusError, Message: "invalid JSON body"})
		return
	}
	token, err := p.Issue(req.Login)
	if err != nil {
		writeJSON(w, http.StatusNotFound, verify.Response{Status: verify.StatusError, Message: err.Error()})
		return
	}
	p.logger.InfoContext(r.Context(), "issued token", "login", req.Login, "via", "token")
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: p.now().Add(p.ttl).UTC()})
}

// Verify handles POST /verify. A valid token yields the user payload, plus
// a replacement token when the presented one expires within the rotation
// window.
func (p *Provider) Verify(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-KEY")), []byte(p.apiKey)) != 1 {
		writeJSON(w, http.StatusForbidden, verify.Response{Status: verify.StatusError, Message: "invalid api key"})
		return
	}
	var req verify.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, verify.Response{Status: verify.StatusError, Message: "token is required"})
		return
	}

	claims, err := p.parse(req.Token)
	if err != nil {
		p.logger.InfoContext(r.Context(), "rejected token", "error", err)
		writeJSON(w, http.StatusUnauthorized, verify.Response{Status: verify.StatusError, Message: verify.DefaultInvalidMessage})
		return
	}

	resp := verify.Response{
		Status: verify.StatusSuccess,
		Data:   &verify.ResponseData{User: p.users[claims.Subject]},
	}
	if p.rotateWithin > 0 && claims.ExpiresAt.Sub(p.now()) < p.rotateWithin {
		next, err := p.Issue(claims.Subject)
		if err != nil {
			p.logger.ErrorContext(r.Context(), "rotating token failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, verify.Response{Status: verify.StatusError, Message: "internal error"})
			return
		}
		resp.NewToken = next
		p.logger.InfoContext(r.Context(), "rotated token", "login", claims.Subject)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
