// Package errors provides error codes for the sync engine and its UI boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Configuration errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Local persistence errors
	ErrStore     ErrorCode = "STORE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed           ErrorCode = "SYNC_FAILED"
	ErrSyncNetwork          ErrorCode = "SYNC_NETWORK"
	ErrSyncTimeout          ErrorCode = "SYNC_TIMEOUT"
	ErrSyncRetryExhausted   ErrorCode = "SYNC_RETRY_EXHAUSTED"
	ErrSyncConflict         ErrorCode = "SYNC_CONFLICT"
	ErrSyncProtocolConflict ErrorCode = "SYNC_PROTOCOL_CONFLICT"
	ErrSyncDisposed         ErrorCode = "SYNC_DISPOSED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error (or any error it wraps) carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// Code returns the outermost error code, or ErrInternal for foreign errors.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether the error is a network or timeout failure that
// the retry scheduler should absorb.
func IsTransient(err error) bool {
	return Is(err, ErrSyncNetwork) || Is(err, ErrSyncTimeout)
}
