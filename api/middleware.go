package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/verify"
)

type contextKey int

const (
	userKey contextKey = iota
	rawUserKey
	tokenKey
	rotationKey
)

// NewTokenHeader carries a rotated bearer token back to the client.
const NewTokenHeader = "X-New-Token"

// AuthMiddleware verifies the bearer token of every request against the
// remote validator before the protected handler runs.
//
//   - no bearer token: 401, the validator is not called
//   - validator unreachable: 500, never 401
//   - token rejected: 401 with the validator's message
//   - token accepted: the normalised user, the raw user payload, the token
//     and any rotated token are stored on the request context
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			a.audit.logFailure(AuditTokenMissing, r, "no bearer token")
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

		ctx := withOutcome(r.Context(), token, out)
		if out.RotatedToken != "" {
			a.audit.log(AuditTokenRotated, r.WithContext(ctx))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RotatedTokenRelay exposes a rotated token recorded by an inner gate as the
// X-New-Token response header. It must wrap the gate. The header is set as
// soon as the gate records the rotation, so the response writer is passed on
// untouched.
func RotatedTokenRelay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), rotationKey, &rotationSlot{header: w.Header()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type rotationSlot struct {
	header http.Header
	token  string
}

func (s *rotationSlot) publish(token string) {
	s.token = token
	s.header.Set(NewTokenHeader, token)
	s.header.Add("Access-Control-Expose-Headers", NewTokenHeader)
}

// RequirePermission rejects requests whose verified user lacks p.
func RequirePermission(p identity.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := CurrentUser(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !u.Can(p) {
				writeError(w, http.StatusForbidden, "missing permission "+string(p))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withOutcome(ctx context.Context, token string, out *verify.Outcome) context.Context {
	ctx = context.WithValue(ctx, tokenKey, token)
	if out.User != nil {
		ctx = context.WithValue(ctx, rawUserKey, out.User)
		ctx = context.WithValue(ctx, userKey, identity.Normalize(out.User))
	}
	if out.RotatedToken != "" {
		if slot, ok := ctx.Value(rotationKey).(*rotationSlot); ok {
			slot.publish(out.RotatedToken)
		}
	}
	return ctx
}

// CurrentUser returns the verified user of the request.
func CurrentUser(ctx context.Context) (identity.User, bool) {
	u, ok := ctx.Value(userKey).(identity.User)
	return u, ok
}

// RawUser returns the upstream user payload as the validator sent it.
func RawUser(ctx context.Context) map[string]any {
	raw, _ := ctx.Value(rawUserKey).(map[string]any)
	return raw
}

// BearerToken returns the verified token of the request.
func BearerToken(ctx context.Context) string {
	tok, _ := ctx.Value(tokenKey).(string)
	return tok
}

// RotatedToken returns the token issued in replacement of the request's one,
// if the validator rotated it.
func RotatedToken(ctx context.Context) string {
	if slot, ok := ctx.Value(rotationKey).(*rotationSlot); ok {
		return slot.token
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

func userAttr(ctx context.Context) slog.Attr {
	if u, ok := CurrentUser(ctx); ok {
		return slog.String("user", u.Login)
	}
	return slog.String("user", "")
}

const sessionCookieName = "incitrack_session"

func writeSessionCookie(w http.ResponseWriter, r *http.Request, id string, expiresAt time.Time) {
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
