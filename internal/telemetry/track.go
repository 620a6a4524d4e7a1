package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"healthdata-platform/backend/internal/apperrors"
	"healthdata-platform/backend/internal/telemetry/domain"
)

// completeTimeout bounds persistence of a tracked session after its work has ended.
const completeTimeout = 10 * time.Second

type sessionIDKey struct{}

// WithSessionID returns a context carrying the active telemetry session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFrom returns the telemetry session id on ctx, if any.
func SessionIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok && id != ""
}

// Track runs fn inside a new session for resourceType/resourceID and completes the session
// with fn's outcome. fn receives a context carrying the session id (see SessionIDFrom) and
// bounded by timeout when timeout > 0.
//
// A deadline hit is reported as apperrors.ErrTimeout with failure reason "timeout"; a
// cancellation by the caller as apperrors.ErrCanceled with reason "canceled". The session is
// completed and persisted even when ctx was canceled. Persistence errors are joined with
// fn's error.
func (r *Registry) Track(ctx context.Context, resourceType, resourceID string, timeout time.Duration, fn func(ctx context.Context, session *domain.Session) error) (*domain.Result, error) {
	session, err := r.CreateContext(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}

	runCtx := WithSessionID(ctx, session.ID)
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	}
	fnErr := fn(runCtx, session)
	runErr := runCtx.Err()
	cancel()

	success, reason := true, ""
	switch {
	case fnErr == nil:
	case errors.Is(ctx.Err(), context.Canceled):
		reason = "canceled"
		fnErr = classify(fnErr, apperrors.ErrCanceled)
	case errors.Is(runErr, context.DeadlineExceeded):
		reason = "timeout"
		fnErr = classify(fnErr, apperrors.ErrTimeout)
	default:
		reason = fnErr.Error()
	}
	if fnErr != nil {
		success = false
	}

	completeCtx, cancelComplete := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancelComplete()
	res, perr := r.CompleteContext(completeCtx, session.ID, success, reason)
	return res, errors.Join(fnErr, perr)
}

// classify tags err with kind unless it already carries a timeout or cancellation.
func classify(err, kind error) error {
	if errors.Is(err, apperrors.ErrTimeout) || errors.Is(err, apperrors.ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
