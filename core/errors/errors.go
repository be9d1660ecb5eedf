// Package errors defines the structured failure taxonomy surfaced by the
// file access coordinator. Every failure crossing the coordinator boundary
// is classified into one of four kinds with defined retry behavior.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a coordinator failure.
type Kind int

const (
	// KindLockTimeout indicates the per-path lock was not granted within
	// the caller's budget. Retryable by the caller.
	KindLockTimeout Kind = iota

	// KindConflict indicates a hash mismatch under fail-fast resolution.
	// Recoverable by choosing a different resolution and retrying.
	KindConflict

	// KindIO indicates an underlying read/write/digest failure. Fatal for
	// that call, never retried automatically.
	KindIO

	// KindPathEscape indicates the requested path resolves outside the
	// permitted workspace root. Always rejected, never retried.
	KindPathEscape
)

var kindNames = map[Kind]string{
	KindLockTimeout: "lock_timeout",
	KindConflict:    "conflict",
	KindIO:          "io",
	KindPathEscape:  "path_escape",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindBehavior defines the handling contract for an error kind.
type KindBehavior struct {
	// Retryable indicates whether the caller may retry the same request.
	Retryable bool

	// Recoverable indicates whether a different resolution policy could
	// make the request succeed.
	Recoverable bool

	// StatusCode is the HTTP status the transport boundary maps this kind to.
	StatusCode int
}

// DefaultBehaviors returns the behavior contract for each error kind.
func DefaultBehaviors() map[Kind]KindBehavior {
	return map[Kind]KindBehavior{
		KindLockTimeout: {
			Retryable:  true,
			StatusCode: http.StatusGatewayTimeout,
		},
		KindConflict: {
			Recoverable: true,
			StatusCode:  http.StatusConflict,
		},
		KindIO: {
			StatusCode: http.StatusInternalServerError,
		},
		KindPathEscape: {
			StatusCode: http.StatusForbidden,
		},
	}
}

// Error wraps a failure with its kind classification and request context.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Path       string
	SessionID  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	var ce *Error
	if errors.As(target, &ce) {
		return e.Kind == ce.Kind
	}
	return false
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string, underlying error) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		Underlying: underlying,
	}
}

// WithPath attaches the request path to the error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithSession attaches the requesting session id to the error.
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
	return e
}

// GetKind extracts the Kind from an error, defaulting to KindIO.
func GetKind(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindIO
}

// GetBehavior returns the behavior contract for an error's kind.
func GetBehavior(err error) KindBehavior {
	return DefaultBehaviors()[GetKind(err)]
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return GetBehavior(err).Retryable
}

// StatusCode returns the HTTP status the transport maps this error to.
func StatusCode(err error) int {
	return GetBehavior(err).StatusCode
}

// Sentinel errors for each kind.
var (
	ErrLockTimeout = New(KindLockTimeout, "lock not granted within budget", nil)
	ErrConflict    = New(KindConflict, "file modified since expected version", nil)
	ErrIO          = New(KindIO, "filesystem operation failed", nil)
	ErrPathEscape  = New(KindPathEscape, "path outside workspace root", nil)
)

// Wrap classifies err under the given kind unless it already carries one.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return &Error{
			Kind:       ce.Kind,
			Message:    message,
			Underlying: err,
			Path:       ce.Path,
			SessionID:  ce.SessionID,
		}
	}

	return New(kind, message, err)
}
