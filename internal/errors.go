package bodhi

import (
	"errors"
	"net/http"
)

// Kind is the closed error taxonomy from the external error envelope. Every
// Error carries exactly one Kind, and Kind maps 1:1 to an HTTP status and a
// stable "type" string rendered in the error envelope.
type Kind int

const (
	KindBadRequest Kind = iota
	KindAuthentication
	KindNotFound
	KindConflict
	KindUnprocessableEntity
	KindInvalidAppState
	KindServiceUnavailable
	KindInternal
)

// HTTPStatus returns the status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case KindInvalidAppState:
		// Surfaced distinctly from KindAuthentication per the Open Question in
		// spec.md 9: setup-required is not an auth failure, so clients can
		// route the user to the setup flow instead of a login screen.
		return http.StatusServiceUnavailable
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// TypeString is the envelope's "type" field.
func (k Kind) TypeString() string {
	switch k {
	case KindBadRequest:
		return "invalid_request_error"
	case KindAuthentication:
		return "authentication_error"
	case KindNotFound:
		return "not_found_error"
	case KindConflict:
		return "conflict_error"
	case KindUnprocessableEntity:
		return "unprocessable_entity"
	case KindInvalidAppState:
		return "invalid_app_state"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_server_error"
	}
}

// Error is the single error type used across service boundaries. Code is a
// stable machine-readable string (e.g. "token_error-expired"), distinct
// from Kind's coarser TypeString, matching spec.md 7's "structured code()"
// requirement: callers switch on Code, never on dynamic message text.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Param   map[string]any
	Err     error
}

func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func WrapError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is a convenience passthrough to Kind.HTTPStatus.
func (e *Error) HTTPStatus() int { return e.Kind.HTTPStatus() }

// AsError unwraps err into a *Error if possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Sentinel errors used for errors.Is comparisons in tests and in
// single-flight/cache short-circuit paths that don't need a message.
var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrKeyExpired         = errors.New("token expired")
	ErrKeyBlocked         = errors.New("token blocked")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrAppNotReady        = errors.New("application not ready")
	ErrSupervisorNotLoaded = errors.New("no model loaded")
)
