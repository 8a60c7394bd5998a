// Package api exposes the incident-tracking HTTP API and the gates that
// verify bearer tokens and browser sessions against the SSO validator.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/incident"
	"github.com/incitrack/incitrack/storage"
	"github.com/incitrack/incitrack/verify"
)

// DefaultBypassPrefixes are the path prefixes the browser session gate never
// intercepts. /api/ carries its own bearer gate.
var DefaultBypassPrefixes = []string{"/health", "/auth/", "/api/", "/openapi.yaml", "/docs", "/redoc"}

const defaultSessionTTL = 8 * time.Hour

// API holds the dependencies needed by the REST handlers.
type API struct {
	validator verify.Validator
	incidents *incident.Service
	lists     *incident.DistributionLists
	sessions  SessionStore

	logger         *slog.Logger
	audit          *auditLogger
	webhook        *auditWebhook
	webhookURL     string
	webhookAuth    string
	alertFn        AlertFunc
	ipLimiter      *ipRateLimiter
	globalLimiter  *globalRateLimiter
	trustedProxies []netip.Prefix

	loginURL       string
	publicURL      string
	bypassPrefixes []string
	sessionTTL     time.Duration
	app            http.Handler
	now            func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and internal
// errors. If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithSessionStore sets the server-side browser session store. Defaults to
// an in-memory store.
func WithSessionStore(store SessionStore) Option {
	return func(a *API) { a.sessions = store }
}

// WithLoginURL sets the external SSO login page the session gate redirects to.
func WithLoginURL(url string) Option {
	return func(a *API) { a.loginURL = url }
}

// WithPublicURL sets the externally visible base URL of this server, used to
// build the SSO return URL.
func WithPublicURL(url string) Option {
	return func(a *API) { a.publicURL = url }
}

// WithBypassPrefixes replaces DefaultBypassPrefixes.
func WithBypassPrefixes(prefixes []string) Option {
	return func(a *API) { a.bypassPrefixes = prefixes }
}

// WithSessionTTL sets the lifetime of a browser session.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *API) { a.sessionTTL = ttl }
}

// WithAlertFunc registers a callback invoked when an anomaly is detected.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards audit events and alerts to an external HTTP
// endpoint. authHeader uses the "Header: Value" form and may be empty.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) { a.webhookURL, a.webhookAuth = url, authHeader }
}

// WithTrustedProxies lists the CIDR ranges whose forwarding headers are
// honoured when deriving the client IP for rate limiting. A bare address is
// treated as a single-host prefix.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithAppHandler mounts the browser application behind the session gate.
func WithAppHandler(h http.Handler) Option {
	return func(a *API) { a.app = h }
}

// New creates a new API instance. Incidents and distribution lists are
// persisted in store.
func New(validator verify.Validator, store storage.Store, opts ...Option) *API {
	a := &API{
		validator:      validator,
		incidents:      incident.NewService(incident.NewStoreRepository(store)),
		lists:          incident.NewDistributionLists(store),
		ipLimiter:      newIPRateLimiter(),
		globalLimiter:  newGlobalRateLimiter(),
		bypassPrefixes: DefaultBypassPrefixes,
		sessionTTL:     defaultSessionTTL,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.sessions == nil {
		a.sessions = NewMemorySessionStore(0)
	}
	if a.webhookURL != "" {
		a.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.webhook = a.webhook
	a.audit.metrics = newMetricsCollector(a.dispatchAlert)
	a.logger = a.logger.With("component", "api")
	go a.janitor()
	return a
}

// Close stops background workers, draining queued webhook events.
func (a *API) Close() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		if a.webhook != nil {
			a.webhook.close()
		}
	})
}

// janitor periodically drops stale rate-limit records.
func (a *API) janitor() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.ipLimiter.sweep()
		}
	}
}

func (a *API) dispatchAlert(e AlertEvent) {
	a.logger.Warn("anomaly detected", "type", e.Type, "count", e.Count, "threshold", e.Threshold)
	if a.alertFn != nil {
		a.alertFn(e)
	}
	if a.webhook != nil {
		a.webhook.enqueue(webhookEvent{
			Event:     "alert." + string(e.Type),
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Attrs:     map[string]string{"message": e.Message},
		})
	}
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.SessionMiddleware)

	r.Get("/health", a.Health)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Post("/auth/verify-token", a.VerifyToken)
	r.Get("/auth/me", a.Me)
	r.Get("/auth/login", a.Login)
	r.Get("/auth/callback", a.Callback)
	r.With(a.CSRFMiddleware).Post("/auth/logout", a.Logout)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RotatedTokenRelay, a.AuthMiddleware)

		r.Get("/me", a.CurrentUserInfo)

		r.Get("/incidents", a.ListIncidents)
		r.With(RequirePermission(identity.PermCreate)).Post("/incidents", a.CreateIncident)
		r.With(RequirePermission(identity.PermExport)).Get("/incidents/export", a.ExportIncidents)
		r.With(RequirePermission(identity.PermViewDashboard)).Get("/incidents/stats", a.IncidentStats)

		r.Route("/incidents/{incidentID}", func(r chi.Router) {
			r.Get("/", a.GetIncident)
			r.With(RequirePermission(identity.PermEdit)).Put("/", a.UpdateIncident)
			r.With(RequirePermission(identity.PermSoftDelete)).Delete("/", a.SoftDeleteIncident)
			r.With(RequirePermission(identity.PermValidate)).Post("/validate", a.ValidateIncident)
			r.With(RequirePermission(identity.PermArchive)).Post("/archive", a.ArchiveIncident)
			r.With(RequirePermission(identity.PermUnarchive)).Post("/unarchive", a.UnarchiveIncident)
			r.With(RequirePermission(identity.PermRestore)).Post("/restore", a.RestoreIncident)
			r.With(RequirePermission(identity.PermForceDelete)).Delete("/force", a.ForceDeleteIncident)
			r.With(RequirePermission(identity.PermViewHistory)).Get("/history", a.IncidentHistory)
		})

		r.Route("/distribution-lists", func(r chi.Router) {
			r.Use(RequirePermission(identity.PermManageEmails))
			r.Get("/", a.ListDistributionLists)
			r.Get("/{name}", a.GetDistributionList)
			r.Put("/{name}", a.PutDistributionList)
			r.Delete("/{name}", a.DeleteDistributionList)
		})
	})

	if a.app != nil {
		r.Handle("/*", a.app)
	}
	return r
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}
