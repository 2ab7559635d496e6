package bridgeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesSentinel(t *testing.T) {
	err := New(CodeVersionConflict, "state moved on", map[string]any{"expected": 3, "current": 4})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected errors.Is to match ErrVersionConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected match against ErrNotFound")
	}
	wrapped := fmt.Errorf("update: %w", err)
	if !errors.Is(wrapped, ErrVersionConflict) {
		t.Fatalf("expected wrapped error to match")
	}
	if !errors.Is(wrapped, Newf(CodeVersionConflict, "other text")) {
		t.Fatalf("expected code-equal errors to match")
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Fatalf("From(nil) should be nil")
	}

	orig := Newf(CodeNotFound, "session %q not found", "s1")
	if got := From(fmt.Errorf("ctx: %w", orig)); got != orig {
		t.Fatalf("expected the original *Error back, got %#v", got)
	}

	got := From(fmt.Errorf("lookup: %w", ErrCapacityExceeded))
	if got.Code != CodeCapacityExceeded {
		t.Fatalf("sentinel mapping: got %s", got.Code)
	}

	got = From(context.DeadlineExceeded)
	if got.Code != CodeInternal {
		t.Fatalf("unknown error: got %s, want %s", got.Code, CodeInternal)
	}
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestWithDetailCopies(t *testing.T) {
	base := New(CodeInvalidPayload, "bad", map[string]any{"a": 1})
	ext := base.WithDetail("b", 2)
	if _, ok := base.Details["b"]; ok {
		t.Fatalf("WithDetail mutated the original")
	}
	if ext.Details["a"] != 1 || ext.Details["b"] != 2 {
		t.Fatalf("unexpected details: %#v", ext.Details)
	}
	if CodeOf(ext) != CodeInvalidPayload {
		t.Fatalf("CodeOf: got %s", CodeOf(ext))
	}
}
