package netkit

import (
	"fmt"
	"net/http"
)

// How an error should be presented to a user.
type ErrorStyle int

const (
	// present as a separate alert
	StyleAlert ErrorStyle = iota
	// present inside the current view
	StyleInline
)

func (s ErrorStyle) String() string {
	switch s {
	case StyleAlert:
		return "alert"
	case StyleInline:
		return "inline"
	}
	return fmt.Sprintf("ErrorStyle(%d)", int(s))
}

type errorKind int

const (
	kindCustom errorKind = iota
	kindUnknown
	kindServer
	kindNetwork
)

// Every failure of a request is delivered as a NetworkError: a user-facing title and message, and
// a presentation style.
//
// StatusCode is only set when the error was built from an HTTP response. Err holds the underlying
// cause, if any, and is available through [errors.Unwrap].
type NetworkError struct {
	Title      string
	Message    string
	Style      ErrorStyle
	StatusCode int
	Err        error

	kind errorKind
}

// NewNetworkError creates a custom error, eg from a [NetworkErrorFactory].
func NewNetworkError(title, message string, style ErrorStyle) *NetworkError {
	return &NetworkError{Title: title, Message: message, Style: style}
}

func (e *NetworkError) Error() string {
	msg := e.Title
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Title, e.Message)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Matches the built-in error kinds, so that `errors.Is(err, ErrServer)` works on any server error,
// whatever its cause.
func (e *NetworkError) Is(target error) bool {
	t, ok := target.(*NetworkError)
	if !ok || t.kind == kindCustom {
		return false
	}
	return t.kind == e.kind
}

// Sentinels for use with [errors.Is]. Don't deliver these directly; use [Unknown], [Server] and
// [Network] which return fresh copies.
var (
	ErrUnknown = &NetworkError{
		Title:   "Error",
		Message: "An unexpected error occurred, please try again.",
		Style:   StyleInline,
		kind:    kindUnknown,
	}
	ErrServer = &NetworkError{
		Title:   "Server error",
		Message: "A server error occurred, please try again later.",
		Style:   StyleInline,
		kind:    kindServer,
	}
	ErrNetwork = &NetworkError{
		Title:   "Network error",
		Message: "A network error occurred, please check your connection.",
		Style:   StyleInline,
		kind:    kindNetwork,
	}
)

func fromSentinel(s *NetworkError, cause error) *NetworkError {
	e := *s
	e.Err = cause
	return &e
}

// Unknown failure: unclassified transport errors, decode failures, and similar.
func Unknown(cause error) *NetworkError { return fromSentinel(ErrUnknown, cause) }

// Server failure: the exchange completed but its metadata could not be read.
func Server(cause error) *NetworkError { return fromSentinel(ErrServer, cause) }

// Network failure: connectivity problems.
func Network(cause error) *NetworkError { return fromSentinel(ErrNetwork, cause) }

// Builds the error for a response whose status code is not accepted by the endpoint.
type NetworkErrorFactory interface {
	Build(statusCode int, ep *Endpoint) *NetworkError
}

// Adapts a plain function to [NetworkErrorFactory].
type ErrorFactoryFunc func(statusCode int, ep *Endpoint) *NetworkError

func (f ErrorFactoryFunc) Build(statusCode int, ep *Endpoint) *NetworkError {
	return f(statusCode, ep)
}

// Used when no factory is configured. 5xx statuses produce the server error text, anything else
// the unknown error text; the style follows the endpoint's inline status codes.
type DefaultErrorFactory struct{}

func (DefaultErrorFactory) Build(statusCode int, ep *Endpoint) *NetworkError {
	var e *NetworkError
	if statusCode >= http.StatusInternalServerError {
		e = Server(nil)
	} else {
		e = Unknown(nil)
	}
	e.StatusCode = statusCode
	e.Style = ep.ErrorStyle(statusCode)
	return e
}
