// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrSyncNetwork, Message: "push failed", Err: errors.New("connection reset")},
			want:     "[SYNC_NETWORK] push failed: connection reset",
		},
		{
			name:     "retry exhausted",
			appError: &AppError{Code: ErrSyncRetryExhausted, Message: "gave up on weight"},
			want:     "[SYNC_RETRY_EXHAUSTED] gave up on weight",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlyingErr := errors.New("underlying error")

	err := Wrap(ErrStore, "write failed", underlyingErr)
	if err.Unwrap() != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlyingErr)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("errors.Is should see through AppError")
	}
	if New(ErrStore, "x").Unwrap() != nil {
		t.Error("New() should not wrap an error")
	}
}

// TestIs verifies error code checking through wrapping layers.
func TestIs(t *testing.T) {
	inner := New(ErrSyncTimeout, "push timed out")

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", inner, ErrSyncTimeout, true},
		{"non-matching AppError", inner, ErrSyncNetwork, false},
		{"nested AppError", Wrap(ErrSyncNetwork, "push failed", inner), ErrSyncTimeout, true},
		{"fmt wrapped", fmt.Errorf("outer: %w", inner), ErrSyncTimeout, true},
		{"standard error", errors.New("plain"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCode verifies the outermost code is reported.
func TestCode(t *testing.T) {
	if got := Code(Wrap(ErrStore, "x", New(ErrNotFound, "y"))); got != ErrStore {
		t.Errorf("Code() = %q, want %q", got, ErrStore)
	}
	if got := Code(errors.New("plain")); got != ErrInternal {
		t.Errorf("Code() = %q, want %q", got, ErrInternal)
	}
}

// TestIsTransient verifies which failures are absorbed by retries.
func TestIsTransient(t *testing.T) {
	if !IsTransient(New(ErrSyncNetwork, "down")) {
		t.Error("network errors should be transient")
	}
	if !IsTransient(Wrap(ErrSyncNetwork, "push", New(ErrSyncTimeout, "slow"))) {
		t.Error("timeouts should be transient")
	}
	if IsTransient(New(ErrStore, "disk full")) {
		t.Error("store errors should not be transient")
	}
}
