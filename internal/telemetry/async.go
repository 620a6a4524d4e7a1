package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"healthdata-platform/backend/internal/telemetry/domain"
)

// emitTimeout is the max time allowed for a single async emit. Used by EmitAsync and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the registry drains before shutting down OTel providers,
// so in-flight async completion events have time to complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// Errors are logged at warn level.
//
// emitter and result may be nil; EmitAsync then returns without starting a goroutine.
// The goroutine detaches from ctx cancellation but keeps its values, so a finished request
// does not abort an in-flight emit.
func EmitAsync(ctx context.Context, emitter EventEmitter, result *domain.Result, logger *zap.Logger) {
	if emitter == nil || result == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := context.WithoutCancel(ctx)
	go func() {
		emitCtx, cancel := context.WithTimeout(base, emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, result); err != nil {
			logger.Warn("telemetry: async emit failed",
				zap.String("session_id", result.SessionID), zap.Error(err))
		}
	}()
}
