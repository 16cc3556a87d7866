package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"unclassified", base, Transient},
		{"rejected", Wrap(Rejected, base), Rejected},
		{"wrapped again", fmt.Errorf("submit: %w", Wrap(Security, base)), Security},
		{"newf", Newf(Precondition, "balance %d too low", 5), Precondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Rejected, nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Is(nil, Transient) {
		t.Fatal("nil error should not match any kind")
	}
}

func TestUnwrapKeepsSentinel(t *testing.T) {
	sentinel := errors.New("slippage exceeded")
	err := fmt.Errorf("confirm: %w", Wrap(Rejected, sentinel))
	if !errors.Is(err, sentinel) {
		t.Fatal("expected sentinel to survive wrapping")
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{Rejected, Precondition, Security, Partial} {
		if k.Retryable() {
			t.Errorf("%v should not be retryable", k)
		}
	}
	if !Transient.Retryable() {
		t.Error("transient should be retryable")
	}
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !Cancelled(ctx, fmt.Errorf("wait: %w", ctx.Err())) {
		t.Fatal("expected cancellation to be detected")
	}
	if Cancelled(context.Background(), context.DeadlineExceeded) {
		t.Fatal("live context should not report cancellation")
	}
}
