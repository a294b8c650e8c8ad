// Package errors provides the structured error type shared by every
// MosaicFS subsystem: a small, closed set of kinds, an HTTP-status
// mapping, a retryability default, and context attached via WithX
// builder methods.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind is the closed set of error kinds surfaced to callers across the
// document store, replication engine, tiered resolver, and FUSE layer.
type Kind string

const (
	NotFound      Kind = "NOT_FOUND"
	Conflict      Kind = "CONFLICT"
	Transport     Kind = "TRANSPORT"
	BackendError  Kind = "BACKEND_ERROR"
	InvalidInput  Kind = "INVALID_INPUT"
	Unauthorized  Kind = "UNAUTHORIZED"
	Internal      Kind = "INTERNAL"
)

var httpStatus = map[Kind]int{
	NotFound:     404,
	Conflict:     409,
	Unauthorized: 401,
	InvalidInput: 400,
	Internal:     500,
	Transport:    502,
	BackendError: 502,
}

var retryableByDefault = map[Kind]bool{
	Transport:    true,
	BackendError: false,
	Internal:     false,
}

// Error is the structured error value passed between subsystems.
type Error struct {
	Kind      Kind                   `json:"kind"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
	Stack     string                 `json:"stack,omitempty"`
}

// New creates an Error of the given kind with default retryability.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableByDefault[kind],
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality, so errors.Is(err, errors.New(NotFound, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus returns the status code an HTTP handler should answer with.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

func (e *Error) WithComponent(c string) *Error { e.Component = c; return e }
func (e *Error) WithOperation(op string) *Error { e.Operation = op; return e }
func (e *Error) WithPath(p string) *Error       { e.Path = p; return e }
func (e *Error) WithCause(cause error) *Error   { e.Cause = cause; return e }

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStack captures the current call stack for diagnostics.
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// CaptureStack renders up to 10 frames above skip, excluding this file.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// JSON renders the error as a JSON string, omitting the unserializable cause.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// IsTransportMessage classifies a raw error message the way the
// replication engine distinguishes "target unreachable" failures from
// generic backend errors: substring match on connect/dns/timeout.
func IsTransportMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"connect", "dns", "timeout"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
