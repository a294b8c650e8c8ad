package errors

import (
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates error with defaults", func(t *testing.T) {
		err := New(InvalidInput, "bad path")
		if err == nil {
			t.Fatal("New returned nil")
		}
		if err.Kind != InvalidInput {
			t.Errorf("Kind = %v, want %v", err.Kind, InvalidInput)
		}
		if err.Message != "bad path" {
			t.Errorf("Message = %q, want %q", err.Message, "bad path")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("transport is retryable by default, backend error is not", func(t *testing.T) {
		if !New(Transport, "dial failed").Retryable {
			t.Error("Transport should be retryable by default")
		}
		if New(BackendError, "403 forbidden").Retryable {
			t.Error("BackendError should not be retryable by default")
		}
	})
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		NotFound:     404,
		Conflict:     409,
		Unauthorized: 401,
		InvalidInput: 400,
		Internal:     500,
		Transport:    502,
	}
	for kind, want := range cases {
		if got := New(kind, "x").HTTPStatus(); got != want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", kind, got, want)
		}
	}
}

func TestWithBuilders(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(Transport, "upload failed").
		WithComponent("replication").
		WithOperation("upload").
		WithPath("/data/report.pdf").
		WithDetail("target", "offsite-backup").
		WithCause(cause)

	if err.Component != "replication" || err.Operation != "upload" {
		t.Errorf("builder fields not applied: %+v", err)
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the wrapped cause")
	}
	if err.Details["target"] != "offsite-backup" {
		t.Error("WithDetail did not set the detail")
	}

	want := "[replication:upload] TRANSPORT: upload failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIs(t *testing.T) {
	a := New(NotFound, "file::abc not found")
	b := New(NotFound, "a different message")
	c := New(Conflict, "rev mismatch")

	if !errors.Is(a, b) {
		t.Error("errors of the same kind should satisfy errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors of different kinds should not satisfy errors.Is")
	}
}

func TestIsTransportMessage(t *testing.T) {
	cases := map[string]bool{
		"dial tcp: connect: connection refused": true,
		"lookup s3.amazonaws.com: no such host":  false,
		"context deadline exceeded (Client.Timeout exceeded)": true,
		"dns lookup failed":                                   true,
		"403 Forbidden":                                       false,
	}
	for msg, want := range cases {
		if got := IsTransportMessage(msg); got != want {
			t.Errorf("IsTransportMessage(%q) = %v, want %v", msg, got, want)
		}
	}
}
