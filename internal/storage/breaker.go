package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerSettings configures a BreakerStore.
type BreakerSettings struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// DefaultBreakerSettings returns the settings used by the server.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{Name: "blob-store", FailureThreshold: 5, Timeout: 30 * time.Second, MaxRequests: 1}
}

// BreakerStore guards an inner store with a circuit breaker so a failing backend is not
// hammered. ErrNotFound, invalid input and caller cancellation do not count as failures.
// While open, calls fail with gobreaker.ErrOpenState.
type BreakerStore struct {
	inner BlobStore
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner.
func NewBreakerStore(inner BlobStore, st BreakerSettings, logger *zap.Logger) *BreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if st.FailureThreshold == 0 {
		st.FailureThreshold = 5
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	threshold := st.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: st.MaxRequests,
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrInvalidKey) ||
				errors.Is(err, ErrEmptyData) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerStore{inner: inner, cb: cb}
}

// State returns the breaker state.
func (s *BreakerStore) State() gobreaker.State { return s.cb.State() }

func (s *BreakerStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.inner.Put(ctx, key, data, meta)
	})
	return err
}

func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *BreakerStore) Exists(ctx context.Context, key string) (bool, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *BreakerStore) Delete(ctx context.Context, key string) (bool, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.Delete(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *BreakerStore) List(ctx context.Context, prefix string) ([]string, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.List(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}
