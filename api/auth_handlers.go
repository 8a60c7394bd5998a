package api

import (
	"log/slog"
	"net/http"

	"github.com/incitrack/incitrack/internal/uuid"
	"github.com/incitrack/incitrack/verify"
)

// VerifyToken handles POST /auth/verify-token. It relays the token to the
// validator and answers with the validator's response shape: 200 when the
// token is accepted, 401 when rejected, 500 when the validator is down.
func (a *API) VerifyToken(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditRefreshRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditRefreshRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[verify.Request](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Token == "" {
		a.audit.logFailure(AuditTokenMissing, r, "empty token in body")
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	out, err := a.validator.Verify(r.Context(), req.Token)
	if err != nil {
		a.audit.logFailure(AuditValidatorUnreachable, r, err.Error())
		a.writeInternalError(w, r, "token verification failed", err)
		return
	}
	if !out.Valid {
		a.ipLimiter.recordFailure(clientIP)
		a.globalLimiter.recordFailure()
		a.audit.logFailure(AuditTokenInvalid, r, out.Message)
		writeJSON(w, http.StatusUnauthorized, out.Response())
		return
	}

	a.ipLimiter.recordSuccess(clientIP)
	if out.RotatedToken != "" {
		a.audit.log(AuditTokenRotated, r.WithContext(withOutcome(r.Context(), req.Token, out)))
	}
	writeJSON(w, http.StatusOK, out.Response())
}

// Me handles GET /auth/me. It reports whether the browser session holds a
// live token and, if so, returns the token and the upstream user payload.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := a.browserSession(r)
	if !ok || sess.Token == "" {
		writeJSON(w, http.StatusOK, MeResponse{Authenticated: false})
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
		writeJSON(w, http.StatusOK, MeResponse{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		Authenticated: sess.RawUser != nil,
		User:          sess.RawUser,
		Token:         sess.Token,
	})
}

// Login handles GET /auth/login. It starts an SSO round-trip and comes back
// to the path given in the return_to query parameter.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	id, sess, _ := a.browserSession(r)
	a.redirectToLogin(w, r, id, sess, safeReturnPath(r.URL.Query().Get("return_to")))
}

// Callback handles GET /auth/callback, where the SSO sends the browser back
// with a token and the CSRF value issued by the login redirect.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, sess, ok := a.browserSession(r)
	if !ok || !constantTimeEqual(sess.CSRF, q.Get("csrf")) {
		a.audit.logFailure(AuditCSRFMismatch, r, "login callback state mismatch")
		writeError(w, http.StatusForbidden, "invalid login state")
		return
	}
	token := q.Get("token")
	if token == "" {
		a.audit.logFailure(AuditTokenMissing, r, "callback without token")
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	out, err := a.validator.Verify(r.Context(), token)
	if err != nil {
		a.audit.logFailure(AuditValidatorUnreachable, r, err.Error())
		a.writeInternalError(w, r, "token verification failed", err)
		return
	}
	if !out.Valid {
		a.audit.logFailure(AuditTokenInvalid, r, out.Message)
		writeError(w, http.StatusUnauthorized, messageOr(out.Message, verify.DefaultInvalidMessage))
		return
	}

	returnTo := safeReturnPath(sess.ReturnTo)
	now := a.now()
	next := BrowserSession{
		Token:          token,
		ExpiresAt:      now.Add(a.sessionTTL),
		LastAccessedAt: now,
	}
	if out.RotatedToken != "" {
		next.Token = out.RotatedToken
	}
	if u, ok := out.Identity(); ok {
		next.User = &u
		next.RawUser = out.User
	}

	// A fresh ID prevents fixation of the pre-login cookie.
	newID := uuid.New()
	if err := a.sessions.Put(r.Context(), newID, next); err != nil {
		a.writeInternalError(w, r, "persisting session failed", err)
		return
	}
	if err := a.sessions.Delete(r.Context(), id); err != nil {
		a.logger.WarnContext(r.Context(), "dropping pre-login session failed", "error", err)
	}
	writeSessionCookie(w, r, newID, next.ExpiresAt)
	writeCSRFCookie(w, r)

	ctx := withOutcome(r.Context(), next.Token, out)
	a.audit.log(AuditSessionLogin, r.WithContext(ctx))
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// Logout handles POST /auth/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := a.browserSession(r)
	if id != "" {
		if err := a.sessions.Delete(r.Context(), id); err != nil {
			a.writeInternalError(w, r, "deleting session failed", err)
			return
		}
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)

	var attrs []slog.Attr
	if ok && sess.User != nil {
		attrs = append(attrs, slog.String("login", sess.User.Login))
	}
	a.audit.log(AuditSessionLogout, r, attrs...)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

