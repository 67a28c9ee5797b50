package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"io timeout text", errors.New("read tcp 10.0.0.1:443: i/o timeout"), KindTimeout},
		{"conn reset", syscall.ECONNRESET, KindConnection},
		{"conn refused", syscall.ECONNREFUSED, KindConnection},
		{"refused text", errors.New("dial tcp: connection refused"), KindConnection},
		{"no such host", errors.New("lookup api.local: no such host"), KindConnection},
		{"transient wrapper", NewTransientError(errors.New("http 503"), 503), KindConnection},
		{"validation wrapper", NewValidationError(errors.New("http 422"), 422, "{}"), KindValidation},
		{"plain error", errors.New("something odd"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyValidationWinsOverTransient(t *testing.T) {
	t.Parallel()

	// A validation error wrapped in a transient marker still escalates: a
	// malformed payload never becomes retryable by packaging.
	err := NewTransientError(NewValidationError(errors.New("bad"), 400, ""), 400)
	if got := Classify(err); got != KindValidation {
		t.Errorf("Classify = %v, want validation", got)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !IsTransient(NewTransientError(errors.New("boom"), 500)) {
		t.Error("transient error should be retryable")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("timeouts should be retryable")
	}
	if IsTransient(NewValidationError(errors.New("bad"), 422, "")) {
		t.Error("validation errors must not be retried")
	}
	if IsTransient(nil) {
		t.Error("nil is not retryable")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	if !errors.Is(NewTransientError(inner, 0), inner) {
		t.Error("TransientError should unwrap to inner")
	}
	if !errors.Is(NewValidationError(inner, 400, ""), inner) {
		t.Error("ValidationError should unwrap to inner")
	}
}
