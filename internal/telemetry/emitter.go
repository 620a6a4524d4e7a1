package telemetry

import (
	"context"

	"healthdata-platform/backend/internal/telemetry/domain"
)

// EventEmitter publishes session completion events (e.g. to OTel Logs). Best-effort;
// callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, result *domain.Result) error
}
