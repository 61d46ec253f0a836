package fcerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify_WalksWrapChain(t *testing.T) {
	inner := New(KindTransient, "connection reset")
	wrapped := fmt.Errorf("execute phase: %w", inner)

	if got := Classify(wrapped); got != KindTransient {
		t.Fatalf("expected transient, got %s", got)
	}
	if !IsTransient(wrapped) {
		t.Fatal("expected IsTransient = true")
	}
}

func TestClassify_UnclassifiedIsUnknown(t *testing.T) {
	if got := Classify(errors.New("plain")); got != KindUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
	if Classify(nil) != KindUnknown {
		t.Fatal("nil classifies as unknown")
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(KindFatal, "load task", nil) != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
}

func TestKindPredicates(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{New(KindFatal, "missing credential"), KindFatal},
		{New(KindValidation, "overlapping files"), KindValidation},
		{New(KindStagnation, "idle stall"), KindStagnation},
		{New(KindBudget, "ceiling exceeded"), KindBudget},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestError_UnwrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindTransient, "agent call", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
}
