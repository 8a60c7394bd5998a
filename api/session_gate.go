package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/incitrack/incitrack/internal/uuid"
	"github.com/incitrack/incitrack/verify"
)

// SessionMiddleware is the cookie variant of AuthMiddleware for routes
// reached by browser navigation. The token lives in the server-side session
// rather than a header, rotations are written back to the session, and a
// missing or rejected token redirects to the SSO login page. Paths under one
// of the bypass prefixes are passed through untouched.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.bypassed(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		id, sess, ok := a.browserSession(r)
		if !ok || sess.Token == "" {
			a.audit.logFailure(AuditTokenMissing, r, "no session token")
			a.redirectToLogin(w, r, id, sess, returnTarget(r))
			return
		}

		out, err := a.refreshBrowserSession(r.Context(), id, &sess)
		if err != nil {
			a.audit.logFailure(AuditValidatorUnreachable, r, err.Error())
			a.writeInternalError(w, r, "session token verification failed", err)
			return
		}
		if !out.Valid {
			a.audit.logFailure(AuditTokenInvalid, r, out.Message)
			a.redirectToLogin(w, r, id, sess, returnTarget(r))
			return
		}

		ctx := withOutcome(r.Context(), sess.Token, out)
		if out.RotatedToken != "" {
			a.audit.log(AuditTokenRotated, r.WithContext(ctx))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) bypassed(path string) bool {
	for _, prefix := range a.bypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// browserSession loads the session named by the request cookie. The ID is
// returned even when the session is gone so that callers can reuse it.
func (a *API) browserSession(r *http.Request) (string, BrowserSession, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", BrowserSession{}, false
	}
	sess, ok := a.sessions.Get(r.Context(), cookie.Value)
	return cookie.Value, sess, ok
}

// refreshBrowserSession verifies the session token and persists the result:
// a rotated token and fresh user on success, a cleared token on rejection.
// The returned outcome carries the token the session now holds.
func (a *API) refreshBrowserSession(ctx context.Context, id string, sess *BrowserSession) (*verify.Outcome, error) {
	out, err := a.validator.Verify(ctx, sess.Token)
	if err != nil {
		return nil, err
	}
	if out.Valid {
		if out.RotatedToken != "" {
			sess.Token = out.RotatedToken
		}
		if u, ok := out.Identity(); ok {
			sess.User = &u
			sess.RawUser = out.User
		}
	} else {
		sess.Token = ""
		sess.User = nil
		sess.RawUser = nil
	}
	sess.LastAccessedAt = a.now()
	if err := a.sessions.Put(ctx, id, *sess); err != nil {
		a.logger.WarnContext(ctx, "persisting session failed", "error", err)
	}
	return out, nil
}

// redirectToLogin starts an SSO round-trip: the session records a fresh CSRF
// value and the page to return to, and the browser is sent to the login page
// with the callback URL and the CSRF value as query parameters.
func (a *API) redirectToLogin(w http.ResponseWriter, r *http.Request, id string, sess BrowserSession, returnTo string) {
	if a.loginURL == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	now := a.now()
	if id == "" || sess.ExpiresAt.IsZero() {
		id = uuid.New()
		sess = BrowserSession{ExpiresAt: now.Add(a.sessionTTL)}
	}
	sess.CSRF = uuid.New()
	sess.ReturnTo = returnTo
	sess.LastAccessedAt = now
	if err := a.sessions.Put(r.Context(), id, sess); err != nil {
		a.writeInternalError(w, r, "persisting pending login failed", err)
		return
	}
	writeSessionCookie(w, r, id, sess.ExpiresAt)

	target, err := url.Parse(a.loginURL)
	if err != nil {
		a.writeInternalError(w, r, "invalid SSO login URL", err)
		return
	}
	q := target.Query()
	q.Set("return_url", a.callbackURL(r))
	q.Set("csrf", sess.CSRF)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (a *API) callbackURL(r *http.Request) string {
	base := strings.TrimRight(a.publicURL, "/")
	if base == "" {
		scheme := "http"
		if requestIsSecure(r) {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/auth/callback"
}

func returnTarget(r *http.Request) string {
	if r.Method != http.MethodGet {
		return "/"
	}
	return safeReturnPath(r.URL.RequestURI())
}

// safeReturnPath only accepts local absolute paths so the callback can never
// redirect off-site.
func safeReturnPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}
