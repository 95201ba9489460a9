package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrHeadersReadOnly is returned by request header mutations once the
	// pipeline has begun.
	ErrHeadersReadOnly = errors.New("request headers are read-only")

	// ErrResponseCommitted is returned by status or header mutations after the
	// first response byte has been written.
	ErrResponseCommitted = errors.New("response already committed")

	// ErrAsyncUnsupported is returned by processors that cannot suspend requests.
	ErrAsyncUnsupported = errors.New("async processing not supported by this protocol")
)

// Error kinds used as metric labels.
const (
	KindMalformed   = "malformed"
	KindTooLarge    = "too_large"
	KindViolation   = "violation"
	KindIO          = "io"
	KindApplication = "application"
	KindTimeout     = "timeout"
)

// MalformedRequestError is a syntax error in the request. The client gets a
// terse Status response and the connection closes.
type MalformedRequestError struct {
	Status int
	Reason string
	State  string
	Offset int
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request (%d %s) in %s after %d bytes", e.Status, e.Reason, e.State, e.Offset)
}

// RequestTooLargeError is a request line (414) or head (431) over its limit.
// The client gets the status and the connection closes.
type RequestTooLargeError struct {
	Status int
	What   string
	Limit  int
	State  string
	Offset int
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("%s exceeds %d bytes (%d) in %s after %d bytes", e.What, e.Limit, e.Status, e.State, e.Offset)
}

// ProtocolViolationError is ambiguous framing (conflicting lengths). Answering
// could desynchronize an intermediary, so the connection is dropped silently.
type ProtocolViolationError struct {
	Reason string
	State  string
	Offset int
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s in %s after %d bytes", e.Reason, e.State, e.Offset)
}

// IOError is a socket failure. The connection is torn down without a response.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("i/o error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ApplicationError is an error or panic escaping the pipeline.
type ApplicationError struct {
	Err   error
	Panic any
	Stack []byte
}

func (e *ApplicationError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("application panic: %v", e.Panic)
	}
	return fmt.Sprintf("application error: %v", e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// ListenerError reports async listeners that failed while a suspended
// request was completed or timed out. Err is the completion error itself and
// is nil when the exchange finished normally; only Err decides whether the
// connection must be aborted.
type ListenerError struct {
	Err      error
	Failures []error
}

func (e *ListenerError) Error() string {
	msg := fmt.Sprintf("%d async listener(s) failed: %v", len(e.Failures), errors.Join(e.Failures...))
	if e.Err != nil {
		return e.Err.Error() + "; " + msg
	}
	return msg
}

func (e *ListenerError) Unwrap() []error {
	if e.Err == nil {
		return e.Failures
	}
	return append([]error{e.Err}, e.Failures...)
}

// SplitListenerError separates listener failures from the completion error.
// err is returned unchanged when it carries no listener failures.
func SplitListenerError(err error) (completion error, failures []error) {
	var lerr *ListenerError
	if !errors.As(err, &lerr) {
		return err, nil
	}
	return lerr.Err, lerr.Failures
}

// TimeoutError is an idle, keep-alive, body read or async deadline expiry.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout", e.Phase)
}

// StatusFor maps an error to the status of the best-effort response.
//
// Returns:
//   - status, true when a response may still be sent
//   - 0, false when the connection must be dropped without a response
func StatusFor(err error) (int, bool) {
	var (
		malformed *MalformedRequestError
		tooLarge  *RequestTooLargeError
		appErr    *ApplicationError
		timeout   *TimeoutError
	)
	switch {
	case errors.As(err, &malformed):
		return malformed.Status, true
	case errors.As(err, &tooLarge):
		return tooLarge.Status, true
	case errors.As(err, &appErr):
		return 500, true
	case errors.As(err, &timeout) && timeout.Phase == "async":
		return 500, true
	default:
		return 0, false
	}
}

// KindOf returns the metric label for err.
func KindOf(err error) string {
	var (
		malformed *MalformedRequestError
		tooLarge  *RequestTooLargeError
		violation *ProtocolViolationError
		appErr    *ApplicationError
		timeout   *TimeoutError
	)
	switch {
	case errors.As(err, &malformed):
		return KindMalformed
	case errors.As(err, &tooLarge):
		return KindTooLarge
	case errors.As(err, &violation):
		return KindViolation
	case errors.As(err, &appErr):
		return KindApplication
	case errors.As(err, &timeout):
		return KindTimeout
	default:
		return KindIO
	}
}

// StatusText returns the reason phrase for the statuses this package emits.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Status " + fmt.Sprint(code)
}

var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Content Too Large",
	414: "URI Too Long",
	417: "Expectation Failed",
	426: "Upgrade Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}
