// Package repository persists telemetry entries in a durable record store keyed by
// (partition key, sort key).
package repository

import (
	"context"
	"time"

	"healthdata-platform/backend/internal/telemetry/domain"
)

// Repository is the durable record store used by the telemetry recorder.
type Repository interface {
	// Put inserts or replaces the entry at (e.PartitionKey, e.SortKey).
	Put(ctx context.Context, e *domain.Entry) error
	// Get returns the entry, or nil if it does not exist or has expired.
	// It returns an error only for store failures, not for missing entries.
	Get(ctx context.Context, pk, sk string) (*domain.Entry, error)
	// Query returns the live entries of pk whose sort key starts with skPrefix, ascending by sort key.
	Query(ctx context.Context, pk, skPrefix string) ([]*domain.Entry, error)
	// DeleteExpired removes entries whose ExpiresAt is not after now and reports how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

func expired(e *domain.Entry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

func cloneEntry(e *domain.Entry) *domain.Entry {
	cp := *e
	if e.Data != nil {
		cp.Data = append([]byte(nil), e.Data...)
	}
	return &cp
}
