package verify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

const (
	// DefaultTimeout bounds a single verification call.
	DefaultTimeout = 10 * time.Second

	apiKeyHeader    = "X-API-KEY"
	maxResponseSize = 1 << 20
)

// HTTPValidator calls the remote verification endpoint over HTTP.
type HTTPValidator struct {
	url    string
	apiKey *memguard.Enclave
	client *http.Client
}

var _ Validator = (*HTTPValidator)(nil)

// HTTPOption configures an HTTPValidator.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	timeout            time.Duration
	insecureSkipVerify bool
	transport          http.RoundTripper
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) { c.timeout = d }
}

// WithInsecureSkipVerify toggles TLS certificate verification. The SSO
// service is reached with verification disabled unless this is set to false.
func WithInsecureSkipVerify(skip bool) HTTPOption {
	return func(c *httpConfig) { c.insecureSkipVerify = skip }
}

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(c *httpConfig) { c.transport = rt }
}

// NewHTTPValidator creates a validator for the given endpoint. The API key is
// moved into an encrypted enclave and the caller's slice is wiped.
func NewHTTPValidator(url string, apiKey []byte, opts ...HTTPOption) *HTTPValidator {
	cfg := httpConfig{timeout: DefaultTimeout, insecureSkipVerify: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	transport := cfg.transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.insecureSkipVerify} //nolint:gosec
		transport = t
	}
	v := &HTTPValidator{
		url:    url,
		client: &http.Client{Timeout: cfg.timeout, Transport: transport},
	}
	if len(apiKey) > 0 {
		v.apiKey = memguard.NewEnclave(apiKey)
	}
	return v
}

// Verify posts the token and interprets the response.
func (v *HTTPValidator) Verify(ctx context.Context, token string) (*Outcome, error) {
	body, err := json.Marshal(Request{Token: token})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrUnreachable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := v.setAPIKey(req); err != nil {
		return nil, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}
	return interpret(resp.StatusCode, raw)
}

func (v *HTTPValidator) setAPIKey(req *http.Request) error {
	if v.apiKey == nil {
		return nil
	}
	buf, err := v.apiKey.Open()
	if err != nil {
		return fmt.Errorf("%w: opening api key: %v", ErrUnreachable, err)
	}
	// buf.String aliases the locked pages that Destroy unmaps.
	key := strings.Clone(buf.String())
	buf.Destroy()
	req.Header.Set(apiKeyHeader, key)
	return nil
}

// interpret maps an HTTP status and body to an Outcome. Non-2xx statuses and
// "error" bodies are rejections; an undecodable 2xx body means the validator
// could not be understood.
func interpret(status int, raw []byte) (*Outcome, error) {
	var body Response
	decodeErr := json.Unmarshal(raw, &body)

	if status < 200 || status > 299 {
		msg := DefaultInvalidMessage
		if decodeErr == nil && body.Message != "" {
			msg = body.Message
		}
		return &Outcome{Valid: false, Message: msg}, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnreachable, decodeErr)
	}
	if body.Status != StatusSuccess {
		msg := body.Message
		if msg == "" {
			msg = DefaultInvalidMessage
		}
		return &Outcome{Valid: false, Message: msg}, nil
	}
	return &Outcome{
		Valid:        true,
		RotatedToken: body.NewToken,
		User:         body.UserPayload(),
		Message:      body.Message,
	}, nil
}
