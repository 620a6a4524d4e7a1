package interceptors

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"healthdata-platform/backend/internal/apperrors"
	"healthdata-platform/backend/internal/audit"
	"healthdata-platform/backend/internal/security"
	"healthdata-platform/backend/internal/telemetry"
	"healthdata-platform/backend/internal/telemetry/domain"
)

// handleStep is the name of the step wrapping the handler call.
const handleStep = "handle"

// TelemetryUnary returns a unary server interceptor that runs each authenticated RPC inside
// a telemetry session (resource type from the service name, resource id the full method)
// with one step around the handler. Handlers can add steps through telemetry.SessionIDFrom.
// Telemetry failures are logged and never change the RPC outcome. A nil registry no-ops.
// skipMethods is the set of full method names to not track (e.g. health checks).
func TelemetryUnary(registry *telemetry.Registry, skipMethods map[string]bool, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if registry == nil || skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		if p, ok := security.PrincipalFrom(ctx); !ok || !p.IsAuthenticated() {
			return handler(ctx, req)
		}

		var (
			resp       any
			handlerErr error
			called     bool
		)
		ar := audit.ParseFullMethod(info.FullMethod)
		_, trackErr := registry.Track(ctx, ar.Resource, info.FullMethod, 0, func(ctx context.Context, s *domain.Session) error {
			called = true
			seq, err := registry.StartStep(s.ID, handleStep, info.FullMethod)
			start := time.Now()
			resp, handlerErr = handler(ctx, req)
			if err == nil {
				code := status.Code(handlerErr)
				msg := ""
				if handlerErr != nil {
					msg = status.Convert(handlerErr).Message()
				}
				registry.CompleteStepSeq(s.ID, seq, handlerErr == nil, msg, map[string]any{
					"status_code": code.String(),
					"duration_ms": time.Since(start).Milliseconds(),
				})
			}
			return handlerErr
		})
		if !called {
			logger.Warn("telemetry: session not opened", zap.String("method", info.FullMethod), zap.Error(trackErr))
			return handler(ctx, req)
		}
		if trackErr != nil && (handlerErr == nil || errors.Is(trackErr, apperrors.ErrPersistence)) {
			logger.Warn("telemetry: session not persisted", zap.String("method", info.FullMethod), zap.Error(trackErr))
		}
		return resp, handlerErr
	}
}
