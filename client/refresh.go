package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/verify"
)

var (
	// ErrNoToken is returned by RefreshToken when the session holds no token.
	ErrNoToken = errors.New("no token to refresh")
	// ErrSessionCleared is returned when the session was logged out while
	// the refresh was in flight.
	ErrSessionCleared = errors.New("session was cleared during refresh")
)

const defaultRefreshMessage = "invalid token"

// RefreshError reports a refresh the server answered but refused.
type RefreshError struct {
	StatusCode int
	Message    string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh refused (HTTP %d): %s", e.StatusCode, e.Message)
}

// RefreshToken exchanges the current token at the refresh endpoint and
// returns the token to use from now on. A rotated token, and the user sent
// with it, are stored in the session. Concurrent calls share one request.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	token := c.state.Token()
	if token == "" {
		return "", ErrNoToken
	}

	// The shared call must not die with whichever caller started it.
	ch := c.refreshes.DoChan(token, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), token)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) refresh(ctx context.Context, token string) (string, error) {
	body, err := json.Marshal(verify.Request{Token: token})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(c.refreshPath), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.raw.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling refresh endpoint: %w", err)
	}
	defer resp.Body.Close()

	var out verify.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &RefreshError{StatusCode: resp.StatusCode, Message: defaultRefreshMessage}
	}
	if out.Status != verify.StatusSuccess {
		msg := out.Message
		if msg == "" {
			msg = defaultRefreshMessage
		}
		return "", &RefreshError{StatusCode: resp.StatusCode, Message: msg}
	}

	next := out.NewToken
	if next == "" {
		next = token
	}
	var user *identity.User
	if raw := out.UserPayload(); raw != nil {
		u := identity.Normalize(raw)
		user = &u
	}

	// A logout or another rotation may have landed while the request was
	// in flight; only the session still holding token is updated.
	ok, err := c.state.Rotate(ctx, token, next, user)
	if err != nil {
		c.logger.WarnContext(ctx, "persisting refreshed session failed", "error", err)
	}
	if !ok {
		if current := c.state.Token(); current != "" {
			return current, nil
		}
		return "", ErrSessionCleared
	}
	if next != token {
		c.logger.InfoContext(ctx, "token refreshed")
	}
	return next, nil
}
