package assembler

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendInOrder(t *testing.T) {
	a := New(0)
	if err := a.Append(1, []byte("ab")); err != nil {
		t.Fatalf("Append(1) error = %v", err)
	}
	if err := a.Append(2, []byte("cd")); err != nil {
		t.Fatalf("Append(2) error = %v", err)
	}
	if got := a.NextSequence(); got != 3 {
		t.Fatalf("NextSequence() = %d, want 3", got)
	}
	if got := a.Finalize(); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("Finalize() = %q, want %q", got, "abcd")
	}
}

func TestAppendRejectsStaleAndDuplicate(t *testing.T) {
	a := New(0)
	if err := a.Append(1, []byte("x")); err != nil {
		t.Fatalf("Append(1) error = %v", err)
	}
	if err := a.Append(1, []byte("x")); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("duplicate Append error = %v, want ErrStaleSequence", err)
	}
	if got := a.NextSequence(); got != 2 {
		t.Fatalf("NextSequence() after rejection = %d, want 2", got)
	}
}

func TestAppendRejectsGap(t *testing.T) {
	a := New(0)
	if err := a.Append(1, []byte("x")); err != nil {
		t.Fatalf("Append(1) error = %v", err)
	}
	if err := a.Append(3, []byte("z")); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("gap Append error = %v, want ErrSequenceGap", err)
	}
}

func TestAppendEnforcesSizeLimit(t *testing.T) {
	a := New(5)
	if err := a.Append(1, []byte("abc")); err != nil {
		t.Fatalf("Append(1) error = %v", err)
	}
	if err := a.Append(2, []byte("def")); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized Append error = %v, want ErrPayloadTooLarge", err)
	}
	// The rejected fragment must not be partially retained.
	if got := a.Size(); got != 3 {
		t.Fatalf("Size() = %d, want 3", got)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	a := New(0)
	if err := a.Append(1, []byte("hello ")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := a.Append(2, []byte("world")); err != nil {
		t.Fatalf("Append error = %v", err)
	}

	first := a.Finalize()
	second := a.Finalize()
	if !bytes.Equal(first, second) {
		t.Fatalf("Finalize() not idempotent: %q vs %q", first, second)
	}
	if &first[0] != &second[0] {
		t.Fatalf("second Finalize() reprocessed the buffer")
	}
}

func TestAppendAfterFinalize(t *testing.T) {
	a := New(0)
	if err := a.Append(1, []byte("x")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	a.Finalize()
	if err := a.Append(2, []byte("y")); !errors.Is(err, ErrFinalized) {
		t.Fatalf("Append after Finalize error = %v, want ErrFinalized", err)
	}
}

func TestAppendCopiesPayload(t *testing.T) {
	a := New(0)
	buf := []byte("orig")
	if err := a.Append(1, buf); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	buf[0] = 'X'
	if got := a.Finalize(); !bytes.Equal(got, []byte("orig")) {
		t.Fatalf("assembler aliased caller buffer: %q", got)
	}
}
