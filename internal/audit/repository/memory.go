package repository

import (
	"context"
	"sort"
	"sync"

	"healthdata-platform/backend/internal/audit/domain"
	"healthdata-platform/backend/internal/security"
)

// MemoryRepository keeps audit logs in process memory. Used when no database is configured.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []*domain.AuditLog
	byID    map[string]*domain.AuditLog
}

// NewMemoryRepository returns an empty in-memory audit repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.AuditLog)}
}

// GetByID returns a copy of the audit log for id, or nil if not found.
func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// List returns copies of the entries passing filter, newest first.
func (r *MemoryRepository) List(_ context.Context, filter security.TenantFilter, limit, offset int32) ([]*domain.AuditLog, error) {
	r.mu.RLock()
	matched := security.ApplyTenantFilter(filter, r.entries)
	out := make([]*domain.AuditLog, len(matched))
	for i, a := range matched {
		cp := *a
		out[i] = &cp
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if int(offset) >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Create stores a copy of a.
func (r *MemoryRepository) Create(_ context.Context, a *domain.AuditLog) error {
	cp := *a
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &cp)
	r.byID[cp.ID] = &cp
	return nil
}
