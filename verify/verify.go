// Package verify checks bearer tokens against the remote SSO verification
// service.
package verify

import (
	"context"
	"errors"

	"github.com/incitrack/incitrack/identity"
)

// ErrUnreachable indicates the validator could not give an answer: transport
// failure, timeout or a malformed response. It never means the token is bad.
var ErrUnreachable = errors.New("token validator unreachable")

// DefaultInvalidMessage is used when the validator rejects a token without
// saying why.
const DefaultInvalidMessage = "invalid or expired token"

// Outcome is the result of a single remote token check.
type Outcome struct {
	Valid        bool
	RotatedToken string
	User         map[string]any
	Message      string
}

// Identity returns the normalised user carried by the outcome.
func (o *Outcome) Identity() (identity.User, bool) {
	if o == nil || o.User == nil {
		return identity.User{}, false
	}
	return identity.Normalize(o.User), true
}

// Response renders the outcome in wire form.
func (o *Outcome) Response() Response {
	if !o.Valid {
		msg := o.Message
		if msg == "" {
			msg = DefaultInvalidMessage
		}
		return Response{Status: StatusError, Message: msg}
	}
	resp := Response{Status: StatusSuccess, Message: o.Message, NewToken: o.RotatedToken}
	if o.User != nil {
		resp.Data = &ResponseData{User: o.User}
	}
	return resp
}

// Validator checks a bearer token. It returns an error wrapping
// ErrUnreachable when no verdict could be obtained; a rejected token is a
// non-error Outcome with Valid == false.
type Validator interface {
	Verify(ctx context.Context, token string) (*Outcome, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, token string) (*Outcome, error)

// Verify calls f.
func (f ValidatorFunc) Verify(ctx context.Context, token string) (*Outcome, error) {
	return f(ctx, token)
}
