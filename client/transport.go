package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Decision is what the 401 handler does with a response.
type Decision int

const (
	// Pass hands the response to the caller unchanged.
	Pass Decision = iota
	// RefreshAttempt renews the token and retries the request once.
	RefreshAttempt
	// ForceLogout ends the session.
	ForceLogout
)

func (d Decision) String() string {
	switch d {
	case Pass:
		return "pass"
	case RefreshAttempt:
		return "refresh_attempt"
	case ForceLogout:
		return "force_logout"
	default:
		return "unknown"
	}
}

// Decide classifies a response to req. Only 401s on API requests leave the
// Pass state; a 401 from the refresh endpoint itself is never refreshed.
func (c *Client) Decide(req *http.Request, status int) (Decision, Reason) {
	if status != http.StatusUnauthorized || !c.isAPI(req) {
		return Pass, ""
	}
	if req.URL.Path == c.refreshPath {
		return ForceLogout, ReasonUnrecoverable
	}
	if !c.tracker.IsUserActive() {
		return ForceLogout, ReasonInactive
	}
	return RefreshAttempt, ""
}

func (c *Client) isAPI(req *http.Request) bool {
	if req.URL.Host != c.base.Host {
		return false
	}
	p := req.URL.Path
	if p == c.mePath {
		return false
	}
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// transport augments API requests with the bearer token and runs the 401
// handler on their responses.
type transport struct {
	c    *Client
	base http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := t.c
	if !c.isAPI(req) {
		return t.base.RoundTrip(req)
	}

	r, err := replayable(req)
	if err != nil {
		return nil, err
	}
	sent := c.state.Token()
	resp, err := t.base.RoundTrip(c.authorize(r, sent))
	if err != nil {
		return nil, err
	}
	c.rotate(r.Context(), resp, sent)

	decision, reason := c.Decide(r, resp.StatusCode)
	switch decision {
	case RefreshAttempt:
		discard(resp)
		token, rerr := c.RefreshToken(r.Context())
		if rerr != nil {
			return nil, c.refreshFailed(r.Context(), rerr)
		}
		retry, err := rewind(r)
		if err != nil {
			return nil, err
		}
		// The retry goes straight to the base transport so it can never
		// trigger another refresh.
		resp, err = t.base.RoundTrip(c.authorize(retry, token))
		if err != nil {
			return nil, err
		}
		c.rotate(r.Context(), resp, token)
		return resp, nil
	case ForceLogout:
		discard(resp)
		return nil, c.forceLogout(r.Context(), reason, nil)
	default:
		return resp, nil
	}
}

// authorize returns a copy of req carrying token. The caller's request is
// never mutated.
func (c *Client) authorize(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

// rotate adopts a token announced in the X-New-Token header, provided the
// session still holds the token the request was sent with.
func (c *Client) rotate(ctx context.Context, resp *http.Response, sent string) {
	tok := resp.Header.Get(NewTokenHeader)
	if tok == "" || tok == sent {
		return
	}
	ok, err := c.state.Rotate(ctx, sent, tok, nil)
	if err != nil {
		c.logger.WarnContext(ctx, "persisting rotated token failed", "error", err)
	}
	if ok {
		c.logger.DebugContext(ctx, "token rotated by server")
	}
}

// refreshFailed turns a failed refresh into the caller's error. A caller that
// gave up and a session already cleared elsewhere leave the session alone.
func (c *Client) refreshFailed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if errors.Is(err, ErrSessionCleared) {
		return err
	}
	reason := ReasonRefreshFailed
	var refused *RefreshError
	if errors.As(err, &refused) && refused.StatusCode == http.StatusUnauthorized {
		reason = ReasonUnrecoverable
	}
	return c.forceLogout(ctx, reason, err)
}

// forceLogout clears the session, returns the user home and tells them why.
func (c *Client) forceLogout(ctx context.Context, reason Reason, cause error) error {
	if err := c.state.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "clearing session failed", "error", err)
	}
	notice := notices[reason]
	c.navigator.NavigateHome(ctx)
	c.notifier.Notify(ctx, notice)
	c.logger.InfoContext(ctx, "session ended", "reason", string(reason))
	return &SessionEndedError{Reason: reason, Notice: notice, Err: cause}
}

// replayable makes sure the body of req can be sent twice. Bodies without
// GetBody are buffered into memory on a shallow copy of req.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return r, nil
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
