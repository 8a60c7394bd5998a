package api_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incitrack/incitrack/api"
	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/incident"
	"github.com/incitrack/incitrack/storage/memory"
	"github.com/incitrack/incitrack/verify"
)

// fakeValidator accepts "admin", "reader" and "rotate", rejects "expired"
// and fails with ErrUnreachable on "down".
type fakeValidator struct {
	calls atomic.Int32
}

func adminPayload() map[string]any {
	perms := make(map[string]any)
	for _, p := range identity.AllPermissions() {
		perms[string(p)] = true
	}
	return map[string]any{
		"login":       "u1",
		"nom_complet": "Alice Admin",
		"role":        map[string]any{"code": "admin", "libelle": "Administrateur"},
		"permissions": perms,
	}
}

func readerPayload() map[string]any {
	return map[string]any{"login": "u2", "nom_complet": "Rita Reader", "permissions": map[string]any{}}
}

func (f *fakeValidator) Verify(_ context.Context, token string) (*verify.Outcome, error) {
	f.calls.Add(1)
	switch token {
	case "admin":
		return &verify.Outcome{Valid: true, User: adminPayload()}, nil
	case "reader":
		return &verify.Outcome{Valid: true, User: readerPayload()}, nil
	case "rotate":
		return &verify.Outcome{Valid: true, RotatedToken: "admin", User: adminPayload()}, nil
	case "down":
		return nil, fmt.Errorf("%w: dial tcp 10.0.0.1:443: connection refused", verify.ErrUnreachable)
	default:
		return &verify.Outcome{Valid: false, Message: "token expired"}, nil
	}
}

type testEnv struct {
	srv       *httptest.Server
	validator *fakeValidator
}

func setup(t *testing.T, opts ...api.Option) *testEnv {
	t.Helper()
	v := &fakeValidator{}
	opts = append([]api.Option{api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	a := api.New(v, memory.New(), opts...)
	t.Cleanup(a.Close)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, validator: v}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[api.StatusResponse](t, resp).Status)
}

func TestMissingTokenNeverReachesValidator(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodGet, "/api/v1/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, "missing token", body.Message)
	assert.Zero(t, env.validator.calls.Load())
}

func TestValidatorUnreachableIs500(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodGet, "/api/v1/me", "down", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, "internal server error", body.Message)
	assert.NotContains(t, body.Message, "10.0.0.1")
}

func TestRejectedTokenIs401WithValidatorMessage(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodGet, "/api/v1/me", "expired", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "token expired", decode[api.ErrorResponse](t, resp).Message)
}

func TestCurrentUserInfo(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodGet, "/api/v1/me", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(api.NewTokenHeader))

	body := decode[api.CurrentUserResponse](t, resp)
	assert.Equal(t, "u1", body.User.Login)
	assert.Equal(t, int64(1), body.User.ID)
	assert.Equal(t, "admin", body.User.RoleCode)
	assert.Len(t, body.Permissions, len(identity.AllPermissions()))
	assert.True(t, body.Permissions[identity.PermForceDelete])
}

func TestRotatedTokenIsRelayed(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodGet, "/api/v1/me", "rotate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "admin", resp.Header.Get(api.NewTokenHeader))
	assert.Contains(t, resp.Header.Values("Access-Control-Expose-Headers"), api.NewTokenHeader)
}

func TestPermissionGate(t *testing.T) {
	env := setup(t)
	draft := incident.Draft{Title: "Phishing wave", Severity: incident.SeverityHigh}

	resp := env.do(t, http.MethodPost, "/api/v1/incidents", "reader", draft)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "missing permission can_create", decode[api.ErrorResponse](t, resp).Message)

	resp = env.do(t, http.MethodGet, "/api/v1/incidents?view=trash", "reader", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/distribution-lists", "reader", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIncidentLifecycle(t *testing.T) {
	env := setup(t)

	resp := env.do(t, http.MethodPost, "/api/v1/incidents", "admin", incident.Draft{
		Title:    "Ransomware on file server",
		Category: "malware",
		Severity: incident.SeverityCritical,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[incident.Incident](t, resp)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "u1", created.CreatedBy)
	base := "/api/v1/incidents/" + created.ID

	resp = env.do(t, http.MethodPost, base+"/archive", "admin", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "unvalidated incidents cannot be archived")

	resp = env.do(t, http.MethodPost, base+"/validate", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[incident.Incident](t, resp).Validated)

	resp = env.do(t, http.MethodPost, base+"/archive", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/incidents", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[api.ListIncidentsResponse](t, resp).Incidents)

	resp = env.do(t, http.MethodGet, "/api/v1/incidents?view=archived", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	archived := decode[api.ListIncidentsResponse](t, resp)
	require.Len(t, archived.Incidents, 1)
	assert.Equal(t, 1, archived.TotalCount)

	resp = env.do(t, http.MethodDelete, base+"/force", "admin", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "only trashed incidents can be purged")

	resp = env.do(t, http.MethodDelete, base, "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, base+"/force", "admin", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, base, "admin", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIncidentHistoryAndStats(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodPost, "/api/v1/incidents", "admin", incident.Draft{Title: "Lost laptop", Severity: incident.SeverityLow})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[incident.Incident](t, resp)

	resp = env.do(t, http.MethodPut, "/api/v1/incidents/"+created.ID, "admin", incident.Draft{Title: "Lost laptop", Severity: incident.SeverityMedium})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/incidents/"+created.ID+"/history", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[api.IncidentHistoryResponse](t, resp)
	require.Len(t, history.Entries, 2)
	assert.Equal(t, incident.ActionCreated, history.Entries[0].Action)
	assert.Equal(t, incident.ActionUpdated, history.Entries[1].Action)

	resp = env.do(t, http.MethodGet, "/api/v1/incidents/stats", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[incident.Stats](t, resp)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.BySeverity[incident.SeverityMedium])
}

func TestInvalidDraftIs400(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodPost, "/api/v1/incidents", "admin", incident.Draft{Title: "x", Severity: "apocalyptic"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/incidents?view=everything", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportIncidentsCSV(t *testing.T) {
	env := setup(t)
	for _, title := range []string{"Phishing", "DDoS"} {
		resp := env.do(t, http.MethodPost, "/api/v1/incidents", "admin", incident.Draft{Title: title, Severity: incident.SeverityHigh})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/incidents/export", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "incidents-active.csv")

	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "id", rows[0][0])

	resp = env.do(t, http.MethodGet, "/api/v1/incidents/export", "reader", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDistributionLists(t *testing.T) {
	env := setup(t)

	resp := env.do(t, http.MethodPut, "/api/v1/distribution-lists/soc", "admin", api.PutDistributionListRequest{
		Emails: []string{"Zoe@example.org", "bob@example.org", "zoe@example.org"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[incident.DistributionList](t, resp)
	assert.Equal(t, []string{"bob@example.org", "zoe@example.org"}, list.Emails)
	assert.Equal(t, "u1", list.UpdatedBy)

	resp = env.do(t, http.MethodPut, "/api/v1/distribution-lists/soc", "admin", api.PutDistributionListRequest{
		Emails: []string{"not an address"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/distribution-lists", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[api.ListDistributionListsResponse](t, resp).Lists, 1)

	resp = env.do(t, http.MethodDelete, "/api/v1/distribution-lists/soc", "admin", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/v1/distribution-lists/soc", "admin", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerifyTokenEndpoint(t *testing.T) {
	env := setup(t)

	resp := env.do(t, http.MethodPost, "/auth/verify-token", "", verify.Request{Token: "rotate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ok := decode[verify.Response](t, resp)
	assert.Equal(t, verify.StatusSuccess, ok.Status)
	assert.Equal(t, "admin", ok.NewToken)
	assert.Equal(t, "u1", ok.UserPayload()["login"])

	resp = env.do(t, http.MethodPost, "/auth/verify-token", "", verify.Request{Token: "expired"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	rejected := decode[verify.Response](t, resp)
	assert.Equal(t, verify.StatusError, rejected.Status)
	assert.Equal(t, "token expired", rejected.Message)

	resp = env.do(t, http.MethodPost, "/auth/verify-token", "", verify.Request{Token: "down"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/auth/verify-token", "", verify.Request{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVerifyTokenRateLimit(t *testing.T) {
	env := setup(t)
	for i := 0; i < 10; i++ {
		resp := env.do(t, http.MethodPost, "/auth/verify-token", "", verify.Request{Token: "expired"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}
	resp := env.do(t, http.MethodPost, "/auth/verify-token", "", verify.Request{Token: "admin"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

// browser is a cookie-keeping client that does not follow redirects.
func browser(t *testing.T) (*http.Client, *cookiejar.Jar) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, jar
}

func get(t *testing.T, c *http.Client, rawURL string) *http.Response {
	t.Helper()
	resp, err := c.Get(rawURL)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func appHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, _ := api.CurrentUser(r.Context())
		fmt.Fprintf(w, "hello %s", u.Login)
	})
}

func TestSessionLoginFlow(t *testing.T) {
	env := setup(t, api.WithLoginURL("https://sso.example.org/login"), api.WithAppHandler(appHandler()))
	c, jar := browser(t)

	// An anonymous page view is sent to the SSO.
	resp := get(t, c, env.srv.URL+"/reports?week=3")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "sso.example.org", loc.Host)
	assert.Equal(t, env.srv.URL+"/auth/callback", loc.Query().Get("return_url"))
	csrf := loc.Query().Get("csrf")
	require.NotEmpty(t, csrf)

	resp = get(t, c, env.srv.URL+"/auth/callback?token=admin&csrf=forged")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = get(t, c, env.srv.URL+"/auth/callback?token=admin&csrf="+url.QueryEscape(csrf))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/reports?week=3", resp.Header.Get("Location"))

	resp = get(t, c, env.srv.URL+"/reports?week=3")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello u1", string(page))

	resp = get(t, c, env.srv.URL+"/auth/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[api.MeResponse](t, resp)
	assert.True(t, me.Authenticated)
	assert.Equal(t, "admin", me.Token)
	assert.Equal(t, "u1", me.User["login"])
	assert.Equal(t, "admin", me.User["role"].(map[string]any)["code"])

	// Logout needs the double-submit header.
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/auth/logout", nil)
	require.NoError(t, err)
	resp, err = c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	srvURL, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	var csrfCookie string
	for _, ck := range jar.Cookies(srvURL) {
		if ck.Name == "incitrack_csrf" {
			csrfCookie = ck.Value
		}
	}
	require.NotEmpty(t, csrfCookie)
	req, err = http.NewRequest(http.MethodPost, env.srv.URL+"/auth/logout", nil)
	require.NoError(t, err)
	req.Header.Set("X-CSRF-Token", csrfCookie)
	resp, err = c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, c, env.srv.URL+"/auth/me")
	assert.False(t, decode[api.MeResponse](t, resp).Authenticated)
}

func TestSessionGateWithoutLoginURL(t *testing.T) {
	env := setup(t, api.WithAppHandler(appHandler()))
	c, _ := browser(t)
	resp := get(t, c, env.srv.URL+"/dashboard")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionGateBypassesAllowList(t *testing.T) {
	env := setup(t, api.WithLoginURL("https://sso.example.org/login"), api.WithAppHandler(appHandler()))
	c, _ := browser(t)
	for _, path := range []string{"/health", "/openapi.yaml", "/auth/me"} {
		resp := get(t, c, env.srv.URL+path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	assert.Zero(t, env.validator.calls.Load())
}

func TestLoginRejectsOffsiteReturn(t *testing.T) {
	env := setup(t, api.WithLoginURL("https://sso.example.org/login"))
	c, _ := browser(t)

	resp := get(t, c, env.srv.URL+"/auth/login?return_to="+url.QueryEscape("//evil.example/"))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	resp = get(t, c, env.srv.URL+"/auth/callback?token=reader&csrf="+url.QueryEscape(loc.Query().Get("csrf")))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}
