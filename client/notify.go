package client

import (
	"context"
	"errors"
	"log/slog"
)

// ErrSessionEnded is wrapped by every SessionEndedError.
var ErrSessionEnded = errors.New("session ended")

// Reason says why a session was terminated.
type Reason string

const (
	ReasonUnrecoverable Reason = "unrecoverable"
	ReasonRefreshFailed Reason = "refresh_failed"
	ReasonInactive      Reason = "inactive"
)

// Notice is a user-visible message. Title and Message are always both set.
type Notice struct {
	Title   string
	Message string
}

var notices = map[Reason]Notice{
	ReasonUnrecoverable: {
		Title:   "Session expirée",
		Message: "Your session can no longer be renewed. Please sign in again.",
	},
	ReasonRefreshFailed: {
		Title:   "Session expirée",
		Message: "We could not renew your session. Please sign in again.",
	},
	ReasonInactive: {
		Title:   "Session expirée",
		Message: "Your session expired due to inactivity. Please sign in again.",
	},
}

// SessionEndedError is returned in place of a response when a 401 led to a
// forced logout.
type SessionEndedError struct {
	Reason Reason
	Notice Notice
	// Err is the refresh failure, if any.
	Err error
}

func (e *SessionEndedError) Error() string {
	if e.Err != nil {
		return "session ended (" + string(e.Reason) + "): " + e.Err.Error()
	}
	return "session ended (" + string(e.Reason) + ")"
}

func (e *SessionEndedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSessionEnded, e.Err}
	}
	return []error{ErrSessionEnded}
}

// Notifier shows notices to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Navigator moves the user between application screens.
type Navigator interface {
	// NavigateHome returns to the application root.
	NavigateHome(ctx context.Context)
	// ResumePending performs a navigation deferred until after login.
	ResumePending(ctx context.Context)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

type logNotifier struct {
	logger *slog.Logger
}

func (l logNotifier) Notify(ctx context.Context, n Notice) {
	l.logger.WarnContext(ctx, n.Message, "title", n.Title)
}

type noopNavigator struct{}

func (noopNavigator) NavigateHome(context.Context)  {}
func (noopNavigator) ResumePending(context.Context) {}
