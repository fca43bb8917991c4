package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	// ErrorKindTransientFetch indicates a network or filesystem failure during I/O.
	// Fetch paths absorb it; it only surfaces from write paths.
	ErrorKindTransientFetch ErrorKind = "transient_fetch_failure"
	// ErrorKindMalformedData indicates a payload that failed structural parsing.
	ErrorKindMalformedData ErrorKind = "malformed_data"
	// ErrorKindUnsupported indicates a capability-gated operation was called without support.
	ErrorKindUnsupported ErrorKind = "unsupported_operation"
	// ErrorKindConfiguration indicates invalid or missing construction-time configuration.
	ErrorKindConfiguration ErrorKind = "configuration_error"
	// ErrorKindNotFound indicates a write named a model or file that does not exist.
	ErrorKindNotFound ErrorKind = "not_found"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrTransientFetch = &Error{Kind: ErrorKindTransientFetch}
	ErrMalformedData  = &Error{Kind: ErrorKindMalformedData}
	ErrUnsupported    = &Error{Kind: ErrorKindUnsupported}
	ErrConfiguration  = &Error{Kind: ErrorKindConfiguration}
	ErrNotFound       = &Error{Kind: ErrorKindNotFound}
)

// Error is the error type returned by backends and their configuration.
type Error struct {
	Kind     ErrorKind `json:"type"`
	Message  string    `json:"message"`
	Backend  string    `json:"backend,omitempty"`
	Op       string    `json:"op,omitempty"`
	Category Category  `json:"category,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Backend != "" {
		msg = fmt.Sprintf("[%s] %s", e.Backend, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatusCode maps the error kind to a response status.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindUnsupported:
		return http.StatusNotImplemented
	case ErrorKindMalformedData:
		return http.StatusUnprocessableEntity
	case ErrorKindTransientFetch:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *Error) ToJSON() map[string]any {
	body := map[string]any{
		"type":    e.Kind,
		"message": e.Message,
	}
	if e.Category != "" {
		body["category"] = e.Category
	}
	return map[string]any{"error": body}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// NewUnsupportedError reports a gated operation invoked on a backend without the capability.
func NewUnsupportedError(backend, op string) *Error {
	return &Error{
		Kind:    ErrorKindUnsupported,
		Backend: backend,
		Op:      op,
		Message: "operation not supported by this backend",
	}
}

// NewConfigurationError reports invalid configuration detected at construction.
func NewConfigurationError(message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewTransientError wraps an I/O failure.
func NewTransientError(backend string, category Category, err error) *Error {
	return &Error{
		Kind:     ErrorKindTransientFetch,
		Backend:  backend,
		Category: category,
		Message:  "i/o failure",
		Err:      err,
	}
}

// NewMalformedDataError wraps a parse failure.
func NewMalformedDataError(backend string, category Category, err error) *Error {
	return &Error{
		Kind:     ErrorKindMalformedData,
		Backend:  backend,
		Category: category,
		Message:  "payload could not be parsed",
		Err:      err,
	}
}

// NewNotFoundError reports a missing model or reference file.
func NewNotFoundError(category Category, message string) *Error {
	return &Error{
		Kind:     ErrorKindNotFound,
		Category: category,
		Message:  message,
	}
}
