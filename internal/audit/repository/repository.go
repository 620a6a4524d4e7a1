package repository

import (
	"context"

	"healthdata-platform/backend/internal/audit/domain"
	"healthdata-platform/backend/internal/security"
)

// Repository defines persistence for audit logs.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	// List returns entries passing filter, newest first.
	List(ctx context.Context, filter security.TenantFilter, limit, offset int32) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}
