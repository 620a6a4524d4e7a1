package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"healthdata-platform/backend/internal/telemetry/domain"
)

// MemoryRepository keeps entries in process memory. Expired entries are hidden from reads
// and removed by DeleteExpired.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]map[string]*domain.Entry
	now     func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]map[string]*domain.Entry), now: time.Now}
}

// WithClock replaces the clock used to hide expired entries.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.now = now
	return r
}

func (r *MemoryRepository) Put(ctx context.Context, e *domain.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	part, ok := r.entries[e.PartitionKey]
	if !ok {
		part = make(map[string]*domain.Entry)
		r.entries[e.PartitionKey] = part
	}
	part[e.SortKey] = cloneEntry(e)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, pk, sk string) (*domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pk][sk]
	if !ok || expired(e, r.now()) {
		return nil, nil
	}
	return cloneEntry(e), nil
}

func (r *MemoryRepository) Query(ctx context.Context, pk, skPrefix string) ([]*domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.now()
	r.mu.RLock()
	var out []*domain.Entry
	for sk, e := range r.entries[pk] {
		if strings.HasPrefix(sk, skPrefix) && !expired(e, now) {
			out = append(out, cloneEntry(e))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	return out, nil
}

func (r *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for pk, part := range r.entries {
		for sk, e := range part {
			if expired(e, now) {
				delete(part, sk)
				n++
			}
		}
		if len(part) == 0 {
			delete(r.entries, pk)
		}
	}
	return n, nil
}
