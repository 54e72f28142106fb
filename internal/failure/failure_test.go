package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesReasonSentinel(t *testing.T) {
	err := New(NotFound, "vault %d not found", 42)
	wrapped := fmt.Errorf("resolving recipient: %w", err)

	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("expected wrapped error to match ErrNotFound")
	}
	if errors.Is(wrapped, ErrBanned) {
		t.Errorf("did not expect wrapped error to match ErrBanned")
	}
	if !errors.Is(wrapped, err) {
		t.Errorf("expected wrapped error to match itself by identity")
	}
}

func TestSpecificSentinelsDoNotCollide(t *testing.T) {
	a := New(NotFound, "wallet not found")
	b := New(NotFound, "vault not found")

	if errors.Is(a, b) {
		t.Errorf("two distinct NotFound errors must not match each other")
	}
	if !errors.Is(a, ErrNotFound) || !errors.Is(b, ErrNotFound) {
		t.Errorf("both must match the bare sentinel")
	}
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), Internal},
		{"direct", New(InsufficientFunds, "short"), InsufficientFunds},
		{"wrapped", fmt.Errorf("outer: %w", New(Banned, "sender")), Banned},
		{"wrap keeps cause", Wrap(ExternalServiceFailure, errors.New("timeout"), "submit"), ExternalServiceFailure},
	}
	for _, tt := range tests {
		if got := ReasonOf(tt.err); got != tt.want {
			t.Errorf("%s: ReasonOf = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ExternalServiceFailure, cause, "payment submit")

	if !errors.Is(err, cause) {
		t.Errorf("expected Wrap to keep the cause in the chain")
	}
	if err.Error() != "ExternalServiceFailure: payment submit: connection reset" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Message(err) != "payment submit" {
		t.Errorf("unexpected Message %q", Message(err))
	}
}
