package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		err   *AgentError
		check func(error) bool
	}{
		{"transient", NewTransientError("dial failed", nil), IsTransient},
		{"protocol", NewProtocolError("bad frame", nil), IsProtocol},
		{"integrity", NewIntegrityError("hash mismatch", nil), IsIntegrity},
		{"resource", NewResourceError("locked", nil), IsResource},
		{"invariant", NewInvariantError("bad revision", nil), IsInvariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("classifier rejected its own class")
			}
			for _, other := range tests {
				if other.name != tt.name && other.check(tt.err) {
					t.Errorf("%s error matched %s classifier", tt.name, other.name)
				}
			}
		})
	}
}

func TestClassifiersSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("cycle failed: %w", NewTransientError("dial failed", nil))
	if !IsTransient(err) {
		t.Error("IsTransient() lost the class through wrapping")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for a transient error")
	}
}

func TestOnlyTransientIsRetryable(t *testing.T) {
	if IsRetryable(NewIntegrityError("hash mismatch", nil)) {
		t.Error("integrity errors must not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors must not be retryable")
	}
}

func TestIsMatchesClassAndCode(t *testing.T) {
	sentinel := &AgentError{Class: ClassTransient, Code: ErrCodeTimeout, Message: "deadline"}
	got := NewTransientError("renderer did not answer", nil).WithCode(ErrCodeTimeout)
	if !errors.Is(got, sentinel) {
		t.Error("errors.Is() rejected matching class and code")
	}

	otherCode := NewTransientError("closed", nil).WithCode(ErrCodeClosed)
	if errors.Is(otherCode, sentinel) {
		t.Error("errors.Is() matched across different codes")
	}
	otherClass := NewResourceError("deadline", nil).WithCode(ErrCodeTimeout)
	if errors.Is(otherClass, sentinel) {
		t.Error("errors.Is() matched across different classes")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := NewIntegrityError("object corrupt", errors.New("sha256 differs")).
		WithSubsystem("store").
		WithOperation("put-object")
	msg := err.Error()
	for _, want := range []string{"integrity", "object corrupt", "put-object", "sha256 differs"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := NewProtocolError("bad payload", inner)
	if !errors.Is(err, inner) {
		t.Error("errors.Is() cannot reach the wrapped error")
	}
}
