// Package apperror defines the error taxonomy shared by the group lifecycle,
// messaging and real-time layers. Transports map a Kind to their own status
// representation in one place instead of building errors at each call site.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindConflict
	KindNotFound
	KindBadRequest
	KindCorruptData
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not found"
	case KindBadRequest:
		return "bad request"
	case KindCorruptData:
		return "corrupt data"
	default:
		return "internal"
	}
}

// Error is a tagged domain error. RetryAt is only set for temporary
// lockouts.
type Error struct {
	Kind    Kind
	Message string
	RetryAt *time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so callers can
// write errors.Is(err, apperror.Forbidden("")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	if msg == "" {
		msg = kind.String()
	}
	return &Error{Kind: kind, Message: msg}
}

func Unauthorized(msg string) *Error { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error    { return New(KindForbidden, msg) }
func Conflict(msg string) *Error     { return New(KindConflict, msg) }
func NotFound(msg string) *Error     { return New(KindNotFound, msg) }
func BadRequest(msg string) *Error   { return New(KindBadRequest, msg) }

func CorruptData(err error) *Error {
	return &Error{Kind: KindCorruptData, Message: "invalid or corrupt encrypted data", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// Lockout is a Forbidden error carrying the instant at which the caller may
// retry.
func Lockout(msg string, retryAt time.Time) *Error {
	return &Error{Kind: KindForbidden, Message: msg, RetryAt: &retryAt}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// From returns err as an *Error, wrapping anything untyped as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// StatusCode maps the kind of err onto an HTTP status code.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindCorruptData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
