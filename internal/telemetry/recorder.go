package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/apperrors"
	"healthdata-platform/backend/internal/security"
	"healthdata-platform/backend/internal/storage"
	"healthdata-platform/backend/internal/telemetry/domain"
	"healthdata-platform/backend/internal/telemetry/repository"
)

const tracerName = "healthdata-platform/backend/internal/telemetry"

// blobCleanupTimeout bounds the removal of an overflow blob after its entry failed to write.
const blobCleanupTimeout = 5 * time.Second

// RecorderConfig controls overflow, retention and write retries.
type RecorderConfig struct {
	// OverflowEnabled moves payloads larger than OverflowThreshold bytes to the blob store.
	OverflowEnabled   bool
	OverflowThreshold int
	// TelemetryRetention is the TTL of step and result entries.
	TelemetryRetention time.Duration
	// FeedbackRetention is the TTL of feedback entries.
	FeedbackRetention time.Duration
	// WriteAttempts is the number of tries per store write, including the first.
	WriteAttempts uint
	// RetryDelay is the base backoff between write attempts.
	RetryDelay time.Duration
}

// DefaultRecorderConfig returns overflow above 100 000 bytes, 90/365 day retention and
// three write attempts.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		OverflowEnabled:    true,
		OverflowThreshold:  100000,
		TelemetryRetention: 90 * 24 * time.Hour,
		FeedbackRetention:  365 * 24 * time.Hour,
		WriteAttempts:      3,
		RetryDelay:         50 * time.Millisecond,
	}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the zap logger.
func WithRecorderLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorderMetrics counts writes and overflows in m.
func WithRecorderMetrics(m *Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) RecorderOption {
	return func(r *Recorder) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithRecorderClock overrides the clock used for TTLs and entry timestamps.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder persists steps, results and feedback into a Repository, moving oversized
// payloads to a BlobStore. It is safe for concurrent use.
type Recorder struct {
	repo    repository.Repository
	blobs   storage.BlobStore
	cfg     RecorderConfig
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRecorder returns a Recorder. blobs may be nil only when overflow is disabled.
func NewRecorder(repo repository.Repository, blobs storage.BlobStore, cfg RecorderConfig, opts ...RecorderOption) (*Recorder, error) {
	if repo == nil {
		return nil, apperrors.Configuration("telemetry recorder needs a record store")
	}
	if cfg.OverflowEnabled {
		if blobs == nil {
			return nil, apperrors.Configuration("telemetry overflow is enabled without a blob store")
		}
		if cfg.OverflowThreshold <= 0 {
			return nil, apperrors.Configuration("telemetry overflow threshold must be positive, got %d", cfg.OverflowThreshold)
		}
	}
	if cfg.TelemetryRetention <= 0 || cfg.FeedbackRetention <= 0 {
		return nil, apperrors.Configuration("telemetry retention windows must be positive")
	}
	if cfg.WriteAttempts == 0 {
		cfg.WriteAttempts = 1
	}
	r := &Recorder{
		repo:   repo,
		blobs:  blobs,
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecordStep persists one step of sessionID. The step's start time orders it among the
// session's steps.
func (r *Recorder) RecordStep(ctx context.Context, sessionID string, step domain.Step, tenantID, userID string) (err error) {
	ctx, span := r.start(ctx, "telemetry.RecordStep", domain.EntryStep, tenantID, sessionID)
	defer func() { endSpan(span, err) }()

	if err := validateIDs(sessionID, tenantID); err != nil {
		return err
	}
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	ts := step.StartedAt
	if ts.IsZero() {
		ts = r.now()
	}
	return r.write(ctx, span, domain.EntryStep, tenantID, sessionID, userID, ts, payload, r.cfg.TelemetryRetention)
}

// RecordResult persists the outcome of a session.
func (r *Recorder) RecordResult(ctx context.Context, res *domain.Result) (err error) {
	if res == nil {
		return apperrors.InvalidArgument("result", "must not be nil")
	}
	ctx, span := r.start(ctx, "telemetry.RecordResult", domain.EntryResult, res.TenantID, res.SessionID)
	defer func() { endSpan(span, err) }()

	if err := validateIDs(res.SessionID, res.TenantID); err != nil {
		return err
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	ts := res.CompletedAt
	if ts.IsZero() {
		ts = r.now()
	}
	return r.write(ctx, span, domain.EntryResult, res.TenantID, res.SessionID, res.UserID, ts, payload, r.cfg.TelemetryRetention)
}

// RecordFeedback persists free-text feedback on a session under the feedback retention window.
func (r *Recorder) RecordFeedback(ctx context.Context, sessionID, userID, text, tenantID string) (err error) {
	ctx, span := r.start(ctx, "telemetry.RecordFeedback", domain.EntryFeedback, tenantID, sessionID)
	defer func() { endSpan(span, err) }()

	if err := validateIDs(sessionID, tenantID); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return apperrors.InvalidArgument("feedback text", "must not be empty")
	}
	now := r.now().UTC()
	payload, err := json.Marshal(domain.Feedback{
		SessionID: sessionID,
		TenantID:  tenantID,
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	return r.write(ctx, span, domain.EntryFeedback, tenantID, sessionID, userID, now, payload, r.cfg.FeedbackRetention)
}

func (r *Recorder) write(ctx context.Context, span trace.Span, t domain.EntryType, tenantID, sessionID, userID string, ts time.Time, payload []byte, ttl time.Duration) (err error) {
	defer func() { r.metrics.entryWritten(t, err) }()

	suffix := domain.NewSuffix()
	e := &domain.Entry{
		PartitionKey: domain.PartitionKey(t, tenantID, sessionID),
		SortKey:      domain.SortKey(t, ts, suffix),
		TenantID:     tenantID,
		SessionID:    sessionID,
		EntryType:    t,
		Timestamp:    ts.UTC(),
		ExpiresAt:    r.now().Add(ttl).UTC(),
		UserID:       userID,
		PayloadSize:  len(payload),
	}

	if r.cfg.OverflowEnabled && len(payload) > r.cfg.OverflowThreshold {
		key := domain.OverflowKey(tenantID, t, ts, sessionID, suffix)
		meta := map[string]string{
			"tenant_id":    tenantID,
			"session_id":   sessionID,
			"entry_type":   string(t),
			"content_type": "application/json",
		}
		if err := r.retry(ctx, func() error { return r.blobs.Put(ctx, key, payload, meta) }); err != nil {
			return apperrors.Persistence("write overflow blob", err)
		}
		e.OverflowKey = key
		r.metrics.overflowed(t)
		span.SetAttributes(attribute.Bool("telemetry.overflow", true))
		r.logger.Debug("telemetry payload overflowed to blob store",
			zap.String("key", key), zap.Int("size", len(payload)))
	} else {
		e.Data = payload
	}
	span.SetAttributes(attribute.Int("telemetry.payload_size", len(payload)))

	if err := r.retry(ctx, func() error { return r.repo.Put(ctx, e) }); err != nil {
		if e.OverflowKey != "" {
			r.discardBlob(ctx, e.OverflowKey)
		}
		return apperrors.Persistence("write telemetry entry", err)
	}
	return nil
}

// discardBlob removes an overflow blob whose entry could not be written. Failures are logged.
func (r *Recorder) discardBlob(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), blobCleanupTimeout)
	defer cancel()
	if _, err := r.blobs.Delete(ctx, key); err != nil {
		r.logger.Warn("telemetry overflow blob left behind", zap.String("key", key), zap.Error(err))
	}
}

func (r *Recorder) retry(ctx context.Context, fn func() error) error {
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(r.cfg.WriteAttempts),
		retry.Delay(r.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("telemetry write failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(fn)
}

// retryable excludes caller errors and context expiry, which a retry cannot fix.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, apperrors.ErrInvalidArgument),
		errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrEmptyData):
		return false
	}
	return true
}

// GetSteps returns the persisted steps of a session ordered by start time. Steps whose
// overflow blob is missing are skipped.
func (r *Recorder) GetSteps(ctx context.Context, tenantID, sessionID string) (steps []domain.Step, err error) {
	ctx, span := r.start(ctx, "telemetry.GetSteps", domain.EntryStep, tenantID, sessionID)
	defer func() { endSpan(span, err) }()

	if err := validateIDs(sessionID, tenantID); err != nil {
		return nil, err
	}
	err = r.each(ctx, domain.EntryStep, tenantID, sessionID, func(payload []byte) error {
		var s domain.Step
		if err := json.Unmarshal(payload, &s); err != nil {
			return fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if !steps[i].StartedAt.Equal(steps[j].StartedAt) {
			return steps[i].StartedAt.Before(steps[j].StartedAt)
		}
		return steps[i].Sequence < steps[j].Sequence
	})
	return steps, nil
}

// GetResult returns the most recent result of a session, or nil when none is stored or its
// overflow blob is missing.
func (r *Recorder) GetResult(ctx context.Context, tenantID, sessionID string) (res *domain.Result, err error) {
	ctx, span := r.start(ctx, "telemetry.GetResult", domain.EntryResult, tenantID, sessionID)
	defer func() { endSpan(span, err) }()

	if err := validateIDs(sessionID, tenantID); err != nil {
		return nil, err
	}
	err = r.each(ctx, domain.EntryResult, tenantID, sessionID, func(payload []byte) error {
		var out domain.Result
		if err := json.Unmarshal(payload, &out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		res = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetFeedback returns a session's feedback, oldest first.
func (r *Recorder) GetFeedback(ctx context.Context, tenantID, sessionID string) (out []domain.Feedback, err error) {
	ctx, span := r.start(ctx, "telemetry.GetFeedback", domain.EntryFeedback, tenantID, sessionID)
	defer func() { endSpan(span, err) }()

	if err := validateIDs(sessionID, tenantID); err != nil {
		return nil, err
	}
	err = r.each(ctx, domain.EntryFeedback, tenantID, sessionID, func(payload []byte) error {
		var f domain.Feedback
		if err := json.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("decode feedback: %w", err)
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// each resolves the payload of every entry of type t in sort key order and passes it to fn.
func (r *Recorder) each(ctx context.Context, t domain.EntryType, tenantID, sessionID string, fn func([]byte) error) error {
	entries, err := r.repo.Query(ctx, domain.PartitionKey(t, tenantID, sessionID), domain.SortKeyPrefix(t))
	if err != nil {
		return apperrors.Persistence("query telemetry entries", err)
	}
	for _, e := range entries {
		payload, ok, err := r.resolve(ctx, e)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	return nil
}

// resolve returns the entry's payload, fetching it from the blob store when it overflowed.
// ok is false when the overflow blob is missing.
func (r *Recorder) resolve(ctx context.Context, e *domain.Entry) (payload []byte, ok bool, err error) {
	if !e.Overflowed() {
		return e.Data, true, nil
	}
	if r.blobs == nil {
		r.logger.Warn("telemetry entry points to overflow storage but no blob store is configured",
			zap.String("sort_key", e.SortKey), zap.String("overflow_key", e.OverflowKey))
		r.metrics.danglingOverflow()
		return nil, false, nil
	}
	data, err := r.blobs.Get(ctx, e.OverflowKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("telemetry overflow blob missing",
				zap.String("session_id", e.SessionID),
				zap.String("overflow_key", e.OverflowKey),
				zap.Int("payload_size", e.PayloadSize))
			r.metrics.danglingOverflow()
			return nil, false, nil
		}
		return nil, false, apperrors.Persistence("read overflow blob", err)
	}
	return data, true, nil
}

func (r *Recorder) start(ctx context.Context, name string, t domain.EntryType, tenantID, sessionID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("telemetry.entry_type", string(t)),
		attribute.String("tenant.id", tenantID),
		attribute.String("telemetry.session_id", sessionID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// validateIDs rejects ids that are empty or would break the key scheme.
func validateIDs(sessionID, tenantID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apperrors.InvalidArgument("session id", "must not be empty")
	}
	if strings.ContainsAny(sessionID, "#/") {
		return apperrors.InvalidArgument("session id", "must not contain '#' or '/'")
	}
	if strings.TrimSpace(tenantID) == "" {
		return apperrors.InvalidArgument("tenant id", "must not be empty")
	}
	if err := security.ValidateTenantID(tenantID); err != nil {
		return apperrors.InvalidArgument("tenant id", err.Error())
	}
	return nil
}
