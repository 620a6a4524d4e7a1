// Package apperrors defines the error taxonomy shared by the security and telemetry packages.
//
// Configuration and caller-contract errors are returned immediately. Recoverable
// conditions (missing session, missing step, dangling overflow pointer) are logged by the
// component and never surface as errors. Authorization failures are results, not errors.
// Persistence failures propagate wrapped in ErrPersistence, or ErrTimeout / ErrCanceled
// when the caller's context ended first.
package apperrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when startup configuration is invalid. Fatal.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrInvalidArgument marks a caller-contract violation (empty ids, nil inputs).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned by lookups that have nothing to return.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when an operation needs an authenticated principal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPersistence wraps failures of the durable record store or blob store.
	ErrPersistence = errors.New("persistence failure")
	// ErrTimeout is returned when an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrCanceled is returned when the caller canceled the operation.
	ErrCanceled = errors.New("operation canceled")
)

// InvalidArgument returns an ErrInvalidArgument naming the offending argument.
func InvalidArgument(name, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidArgument, name, reason)
}

// Configuration returns an ErrConfiguration with the given message.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// FromContext maps context errors onto ErrTimeout and ErrCanceled so callers can tell a
// deadline from an explicit cancellation. Other errors are returned unchanged; nil stays nil.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCanceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	default:
		return err
	}
}

// Persistence wraps err as a persistence failure for op, unless err is already a
// timeout/cancellation, which keeps its own classification.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if c := FromContext(err); c != err {
		return fmt.Errorf("%s: %w", op, c)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCanceled) || errors.Is(err, ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
