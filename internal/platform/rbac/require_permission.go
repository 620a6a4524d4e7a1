// Package rbac turns access decisions into gRPC status errors for handlers.
package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"healthdata-platform/backend/internal/access"
	"healthdata-platform/backend/internal/security"
)

// Evaluator is the part of access.Evaluator the helpers need.
type Evaluator interface {
	Evaluate(ctx context.Context, p *security.Principal, resourceType, resourceID, operation string) access.Result
	EvaluateTenant(ctx context.Context, p *security.Principal, dataTenantID string) access.Result
	EvaluateQuery(ctx context.Context, p *security.Principal, queryType string) access.Result
}

// RequirePermission ensures the caller may perform operation on resourceType/resourceID.
// Returns the caller on success; returns a gRPC error (Unauthenticated or PermissionDenied) on failure.
func RequirePermission(ctx context.Context, ev Evaluator, resourceType, resourceID, operation string) (*security.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := toStatus(ev.Evaluate(ctx, p, resourceType, resourceID, operation)); err != nil {
		return nil, err
	}
	return p, nil
}

// RequireQuery ensures the caller may run queries of queryType.
func RequireQuery(ctx context.Context, ev Evaluator, queryType string) (*security.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := toStatus(ev.EvaluateQuery(ctx, p, queryType)); err != nil {
		return nil, err
	}
	return p, nil
}

func principal(ctx context.Context) (*security.Principal, error) {
	p, ok := security.PrincipalFrom(ctx)
	if !ok || !p.IsAuthenticated() {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	return p, nil
}

// toStatus maps a denial onto a status error: Unauthenticated for missing or expired
// credentials, PermissionDenied with the denial reason otherwise.
func toStatus(res access.Result) error {
	if res.Allowed {
		return nil
	}
	switch res.Code() {
	case access.CodeUnauthenticated, access.CodeExpired:
		return status.Error(codes.Unauthenticated, res.Reason)
	default:
		return status.Error(codes.PermissionDenied, res.Reason)
	}
}
