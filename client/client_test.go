package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incitrack/incitrack/activity"
	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/session"
	"github.com/incitrack/incitrack/storage/memory"
	"github.com/incitrack/incitrack/verify"
)

// fakeAPI accepts the bearer token "fresh" on /api/ routes and answers the
// refresh endpoint with refreshStatus/refreshBody.
type fakeAPI struct {
	apiHits     atomic.Int32
	refreshHits atomic.Int32

	mu            sync.Mutex
	refreshStatus int
	refreshBody   verify.Response
	refreshHold   chan struct{}
	lastAuth      string
	lastBody      string
	plainAuth     string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == DefaultRefreshPath:
		f.refreshHits.Add(1)
		f.mu.Lock()
		status, body, hold := f.refreshStatus, f.refreshBody, f.refreshHold
		f.mu.Unlock()
		if hold != nil {
			<-hold
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	case strings.HasPrefix(r.URL.Path, "/api/"):
		f.apiHits.Add(1)
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		f.lastBody = string(data)
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"status":"error","message":"invalid or expired token"}`)
			return
		}
		io.WriteString(w, "ok:"+string(data))
	default:
		f.mu.Lock()
		f.plainAuth = r.Header.Get("Authorization")
		f.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
	home    int
	resumed int
}

func (r *recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) NavigateHome(context.Context) {
	r.mu.Lock()
	r.home++
	r.mu.Unlock()
}

func (r *recorder) ResumePending(context.Context) {
	r.mu.Lock()
	r.resumed++
	r.mu.Unlock()
}

type fixture struct {
	api   *fakeAPI
	srv   *httptest.Server
	state *session.State
	clock *time.Time
	rec   *recorder
	c     *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{api: &fakeAPI{refreshStatus: http.StatusOK}, rec: &recorder{}}
	f.srv = httptest.NewServer(f.api)
	t.Cleanup(f.srv.Close)

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.state = session.New(memory.New(), session.WithLogger(discard))
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	f.clock = &now
	tracker := activity.New(activity.WithClock(func() time.Time { return *f.clock }))

	c, err := New(f.srv.URL, f.state,
		WithLogger(discard),
		WithTracker(tracker),
		WithNotifier(f.rec),
		WithNavigator(f.rec),
	)
	require.NoError(t, err)
	f.c = c
	return f
}

func (f *fixture) login(t *testing.T, token string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.state.SetToken(ctx, token))
	require.NoError(t, f.state.SetUser(ctx, identity.Normalize(map[string]any{"login": "u5"})))
}

// holdRefresh makes the refresh endpoint block until release is called.
func (f *fixture) holdRefresh(t *testing.T) (release func()) {
	t.Helper()
	hold := make(chan struct{})
	f.api.mu.Lock()
	f.api.refreshHold = hold
	f.api.mu.Unlock()
	var once sync.Once
	release = func() { once.Do(func() { close(hold) }) }
	t.Cleanup(release)
	return release
}

func (r *recorder) counts() (notices, home int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices), r.home
}

func (f *fixture) setRefresh(status int, body verify.Response) {
	f.api.mu.Lock()
	f.api.refreshStatus, f.api.refreshBody = status, body
	f.api.mu.Unlock()
}

func TestRetriesOnceAfterSuccessfulRefresh(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	f.setRefresh(http.StatusOK, verify.Response{
		Status:   verify.StatusSuccess,
		NewToken: "fresh",
		Data:     &verify.ResponseData{User: map[string]any{"login": "u77", "nom_complet": "Renewed"}},
	})

	resp, err := f.c.Call(context.Background(), http.MethodPost, "/api/v1/incidents", strings.NewReader(`{"title":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `ok:{"title":"x"}`, string(body), "the retried response reaches the caller with the body replayed")
	assert.Equal(t, int32(2), f.api.apiHits.Load())
	assert.Equal(t, int32(1), f.api.refreshHits.Load())
	assert.Equal(t, "fresh", f.state.Token())
	u, ok := f.state.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, int64(77), u.ID)
	assert.Empty(t, f.rec.notices)
}

func TestRefreshFailureEndsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	f.setRefresh(http.StatusForbidden, verify.Response{Status: verify.StatusError, Message: "token revoked"})

	_, err := f.c.Call(context.Background(), http.MethodGet, "/api/v1/me", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionEnded))

	var ended *SessionEndedError
	require.ErrorAs(t, err, &ended)
	assert.Equal(t, ReasonRefreshFailed, ended.Reason)
	var refused *RefreshError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, "token revoked", refused.Message)

	snap := f.state.Snapshot()
	assert.Empty(t, snap.Token)
	assert.Nil(t, snap.User)
	assert.False(t, snap.Authenticated)
	assert.Equal(t, int32(1), f.api.apiHits.Load(), "no retry after a failed refresh")
	assert.Equal(t, 1, f.rec.home)
	require.Len(t, f.rec.notices, 1)
	assert.NotEmpty(t, f.rec.notices[0].Title)
	assert.NotEmpty(t, f.rec.notices[0].Message)
}

func TestRefreshRejectedAsUnauthorizedIsUnrecoverable(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	f.setRefresh(http.StatusUnauthorized, verify.Response{Status: verify.StatusError, Message: "token expired"})

	_, err := f.c.Call(context.Background(), http.MethodGet, "/api/v1/me", nil)
	var ended *SessionEndedError
	require.ErrorAs(t, err, &ended)
	assert.Equal(t, ReasonUnrecoverable, ended.Reason)
	assert.Equal(t, notices[ReasonUnrecoverable], ended.Notice)
	assert.False(t, f.state.Authenticated())
}

func TestServerErrorDuringRefreshIsRefreshFailure(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	f.setRefresh(http.StatusInternalServerError, verify.Response{Status: verify.StatusError})

	_, err := f.c.Call(context.Background(), http.MethodGet, "/api/v1/me", nil)
	var ended *SessionEndedError
	require.ErrorAs(t, err, &ended)
	assert.Equal(t, ReasonRefreshFailed, ended.Reason)
}

func TestCallerTimeoutDuringRefreshKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	f.setRefresh(http.StatusOK, verify.Response{Status: verify.StatusSuccess, NewToken: "fresh"})
	release := f.holdRefresh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.c.Call(ctx, http.MethodGet, "/api/v1/me", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrSessionEnded)

	notified, home := f.rec.counts()
	assert.Zero(t, notified)
	assert.Zero(t, home)
	snap := f.state.Snapshot()
	assert.Equal(t, "stale", snap.Token, "giving up on a request is not a logout")
	assert.True(t, snap.Authenticated)
	assert.NotNil(t, snap.User)

	// The shared refresh outlives the caller and still lands.
	release()
	require.Eventually(t, func() bool { return f.state.Token() == "fresh" }, time.Second, 5*time.Millisecond)
	snap = f.state.Snapshot()
	assert.True(t, snap.Authenticated)
	require.NotNil(t, snap.User)
	assert.Equal(t, int64(5), snap.User.ID)
}

func TestLogoutDuringRefreshStaysLoggedOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.login(t, "stale")
	f.setRefresh(http.StatusOK, verify.Response{
		Status:   verify.StatusSuccess,
		NewToken: "fresh",
		Data:     &verify.ResponseData{User: map[string]any{"login": "u77"}},
	})
	release := f.holdRefresh(t)

	errc := make(chan error, 1)
	go func() {
		_, err := f.c.Call(ctx, http.MethodGet, "/api/v1/me", nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.api.refreshHits.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.c.Logout(ctx))
	release()

	var err error
	select {
	case err = <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
	assert.ErrorIs(t, err, ErrSessionCleared)
	assert.Equal(t, int32(1), f.api.apiHits.Load(), "no retry once the session is gone")

	snap := f.state.Snapshot()
	assert.Empty(t, snap.Token)
	assert.Nil(t, snap.User)
	assert.False(t, snap.Authenticated)
	notified, _ := f.rec.counts()
	assert.Zero(t, notified, "an explicit logout is not reported as an expiry")
}

func TestInactiveUserIsLoggedOutWithoutRefresh(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	*f.clock = f.clock.Add(activity.InactivityThreshold + time.Minute)

	_, err := f.c.Call(context.Background(), http.MethodGet, "/api/v1/me", nil)
	var ended *SessionEndedError
	require.ErrorAs(t, err, &ended)
	assert.Equal(t, ReasonInactive, ended.Reason)
	assert.Contains(t, ended.Notice.Message, "inactivity")

	assert.Zero(t, f.api.refreshHits.Load())
	assert.Empty(t, f.state.Token())
	_, ok := f.state.CurrentUser()
	assert.False(t, ok)
}

func TestUnauthorizedRefreshEndpointIsUnrecoverable(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	f.setRefresh(http.StatusUnauthorized, verify.Response{Status: verify.StatusError})

	_, err := f.c.Call(context.Background(), http.MethodPost, DefaultRefreshPath, strings.NewReader(`{"token":"stale"}`))
	var ended *SessionEndedError
	require.ErrorAs(t, err, &ended)
	assert.Equal(t, ReasonUnrecoverable, ended.Reason)
	assert.Equal(t, int32(1), f.api.refreshHits.Load(), "the handler never refreshes to recover a refresh")
	assert.False(t, f.state.Authenticated())
}

func TestRetryIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")
	// The refresh hands out a token the API still rejects.
	f.setRefresh(http.StatusOK, verify.Response{Status: verify.StatusSuccess, NewToken: "also-stale"})

	resp, err := f.c.Call(context.Background(), http.MethodGet, "/api/v1/me", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), f.api.apiHits.Load())
	assert.Equal(t, int32(1), f.api.refreshHits.Load())
}

func TestNonAPIRequestsPassThrough(t *testing.T) {
	f := newFixture(t)
	f.login(t, "stale")

	resp, err := f.c.Call(context.Background(), http.MethodGet, "/assets/logo.svg", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "401s outside the API are not handled")
	assert.Empty(t, f.api.plainAuth)
	assert.Equal(t, "stale", f.state.Token())
	assert.Zero(t, f.api.refreshHits.Load())
}

func TestBearerIsAttachedWithoutMutatingRequest(t *testing.T) {
	f := newFixture(t)
	f.login(t, "fresh")

	req, err := http.NewRequest(http.MethodGet, f.c.URL("/api/v1/me"), nil)
	require.NoError(t, err)
	resp, err := f.c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer fresh", f.api.lastAuth)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestRotatedHeaderUpdatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(NewTokenHeader, "rotated")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	state := session.New(memory.New())
	require.NoError(t, state.SetToken(context.Background(), "old"))
	c, err := New(srv.URL, state, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), http.MethodGet, "/api/v1/me", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "rotated", state.Token())
}

func TestRefreshToken(t *testing.T) {
	ctx := context.Background()

	t.Run("no token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.c.RefreshToken(ctx)
		assert.ErrorIs(t, err, ErrNoToken)
		assert.Zero(t, f.api.refreshHits.Load())
	})

	t.Run("still valid", func(t *testing.T) {
		f := newFixture(t)
		f.login(t, "current")
		f.setRefresh(http.StatusOK, verify.Response{Status: verify.StatusSuccess})
		tok, err := f.c.RefreshToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "current", tok)
		assert.Equal(t, "current", f.state.Token())
	})

	t.Run("default message", func(t *testing.T) {
		f := newFixture(t)
		f.login(t, "current")
		f.setRefresh(http.StatusUnauthorized, verify.Response{Status: verify.StatusError})
		_, err := f.c.RefreshToken(ctx)
		var refused *RefreshError
		require.ErrorAs(t, err, &refused)
		assert.Equal(t, "invalid token", refused.Message)
		assert.Equal(t, http.StatusUnauthorized, refused.StatusCode)
		assert.Equal(t, "current", f.state.Token(), "RefreshToken alone does not clear the session")
	})
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode(verify.Response{Status: verify.StatusSuccess, NewToken: "next"})
	}))
	defer srv.Close()

	state := session.New(memory.New())
	require.NoError(t, state.SetToken(context.Background(), "current"))
	c, err := New(srv.URL, state, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	const n = 5
	var started, done sync.WaitGroup
	tokens := make([]string, n)
	for i := range n {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			tokens[i], _ = c.RefreshToken(context.Background())
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, tok := range tokens {
		assert.Equal(t, "next", tok)
	}
}

func TestValidateSession(t *testing.T) {
	ctx := context.Background()
	serve := func(status int, body string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"), "the handshake relies on cookies only")
			w.WriteHeader(status)
			io.WriteString(w, body)
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	newClient := func(t *testing.T, url string) (*Client, *session.State, *recorder) {
		state := session.New(memory.New(), session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, state.SetToken(ctx, "previous"))
		rec := &recorder{}
		c, err := New(url, state, WithNavigator(rec), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, err)
		return c, state, rec
	}

	t.Run("authenticated with token", func(t *testing.T) {
		srv := serve(http.StatusOK, `{"authenticated":true,"token":"issued","user":{"login":"u12","prenom":"Ana","nom":"Lopez","role":{"code":"rssi"}}}`)
		c, state, rec := newClient(t, srv.URL)
		st := c.ValidateSession(ctx)
		require.True(t, st.Authenticated)
		assert.Equal(t, "Ana Lopez", st.User.Name)
		assert.Equal(t, "rssi", st.User.RoleCode)
		assert.Equal(t, "issued", state.Token())
		assert.Equal(t, 1, rec.resumed)
	})

	t.Run("authenticated without token", func(t *testing.T) {
		srv := serve(http.StatusOK, `{"authenticated":true,"user":{"login":"u12"}}`)
		c, state, _ := newClient(t, srv.URL)
		st := c.ValidateSession(ctx)
		require.True(t, st.Authenticated)
		assert.Equal(t, "previous", state.Token())
		u, ok := state.CurrentUser()
		require.True(t, ok)
		assert.Equal(t, identity.RoleNone, u.RoleCode)
	})

	for name, tc := range map[string]struct {
		status int
		body   string
	}{
		"not authenticated": {http.StatusOK, `{"authenticated":false}`},
		"no user":           {http.StatusOK, `{"authenticated":true}`},
		"server error":      {http.StatusInternalServerError, `{"status":"error"}`},
		"malformed":         {http.StatusOK, `<html>`},
	} {
		t.Run(name, func(t *testing.T) {
			srv := serve(tc.status, tc.body)
			c, _, rec := newClient(t, srv.URL)
			assert.False(t, c.ValidateSession(ctx).Authenticated)
			assert.Zero(t, rec.resumed)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := serve(http.StatusOK, "")
		url := srv.URL
		srv.Close()
		c, _, _ := newClient(t, url)
		assert.False(t, c.ValidateSession(ctx).Authenticated)
	})
}

func TestBootstrapRestoresPersistedSession(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, session.New(store).SetToken(ctx, "persisted"))

	state := session.New(store)
	c, err := New("http://incitrack.test", state)
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap(ctx))
	assert.True(t, state.Authenticated())
	assert.Equal(t, "persisted", state.Token())
}

func TestLoginRejectedTokenClearsSession(t *testing.T) {
	f := newFixture(t)
	f.setRefresh(http.StatusUnauthorized, verify.Response{Status: verify.StatusError, Message: "bad"})
	err := f.c.Login(context.Background(), "forged")
	require.Error(t, err)
	assert.False(t, f.state.Authenticated())
	assert.Empty(t, f.state.Token())
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	_, err := New("/api", session.New(memory.New()))
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	got, ok := TokenExpiry(signed)
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = TokenExpiry("opaque-token")
	assert.False(t, ok)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, ok = TokenExpiry(noExp)
	assert.False(t, ok)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "pass", Pass.String())
	assert.Equal(t, "refresh_attempt", RefreshAttempt.String())
	assert.Equal(t, "force_logout", ForceLogout.String())
}
