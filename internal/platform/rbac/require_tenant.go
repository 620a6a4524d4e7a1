package rbac

import (
	"context"

	"healthdata-platform/backend/internal/security"
)

// RequireTenant ensures the caller may access data owned by tenantID.
// Returns the caller on success; returns a gRPC error (Unauthenticated or PermissionDenied) on failure.
func RequireTenant(ctx context.Context, ev Evaluator, tenantID string) (*security.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := toStatus(ev.EvaluateTenant(ctx, p, tenantID)); err != nil {
		return nil, err
	}
	return p, nil
}
