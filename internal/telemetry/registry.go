// Package telemetry tracks processing sessions in memory and persists their steps, results
// and feedback through the Recorder.
//
// A Registry owns every active session. Sessions are created from the principal on the
// request context, accumulate steps, and are removed exactly once by CompleteContext, the
// expiry sweep, or Shutdown. The registry map is guarded by one mutex; each session
// carries its own mutex so that step updates on different sessions do not contend.
// Interleaving step operations on one session from several goroutines is still the
// caller's responsibility: the lock keeps the data consistent, not the ordering.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/apperrors"
	"healthdata-platform/backend/internal/security"
	"healthdata-platform/backend/internal/telemetry/domain"
)

var (
	// ErrNoSecurityContext is returned by CreateContext when ctx carries no authenticated principal.
	ErrNoSecurityContext = fmt.Errorf("%w: no security context", apperrors.ErrUnauthorized)
	// ErrSessionNotFound is returned by StartStep for an unknown or completed session.
	ErrSessionNotFound = fmt.Errorf("%w: telemetry session", apperrors.ErrNotFound)
	// ErrRegistryClosed is returned by CreateContext after Shutdown.
	ErrRegistryClosed = errors.New("telemetry registry is shut down")
)

// Failure reasons recorded by the registry itself.
const (
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Completion triggers used as a metrics label.
const (
	triggerCaller   = "caller"
	triggerExpired  = "expired"
	triggerShutdown = "shutdown"
)

// Persister is the write side of the Recorder.
type Persister interface {
	RecordStep(ctx context.Context, sessionID string, step domain.Step, tenantID, userID string) error
	RecordResult(ctx context.Context, result *domain.Result) error
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records session and step metrics in m.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithEmitter publishes completion events through e.
func WithEmitter(e EventEmitter) RegistryOption {
	return func(r *Registry) { r.emitter = e }
}

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides session id generation (uuid v4 by default).
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

type tracked struct {
	mu        sync.Mutex
	session   *domain.Session
	startedAt time.Time
}

// Registry holds active telemetry sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*tracked
	closed   bool

	persister Persister
	emitter   EventEmitter
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time
	newID     func() string
}

// NewRegistry returns an empty Registry. A nil persister computes results without
// persisting them.
func NewRegistry(persister Persister, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:  make(map[string]*tracked),
		persister: persister,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateContext registers a new session for resourceType/resourceID owned by the principal
// on ctx and returns a snapshot of it.
func (r *Registry) CreateContext(ctx context.Context, resourceType, resourceID string) (*domain.Session, error) {
	p, ok := security.PrincipalFrom(ctx)
	if !ok || !p.IsAuthenticated() {
		return nil, ErrNoSecurityContext
	}
	if err := security.ValidateTenantID(p.TenantID()); err != nil {
		return nil, apperrors.InvalidArgument("tenant id", err.Error())
	}
	if strings.TrimSpace(resourceType) == "" {
		return nil, apperrors.InvalidArgument("resource type", "must not be empty")
	}

	now := r.now().UTC()
	s := &domain.Session{
		ID:           r.newID(),
		TenantID:     p.TenantID(),
		UserID:       p.UserID(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		StartedAt:    now,
		Metadata:     map[string]string{},
	}
	if sid := p.SessionID(); sid != "" {
		s.Metadata["auth_session_id"] = sid
	}
	if p.IsSystemUser() {
		s.Metadata["system_user"] = "true"
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, dup := r.sessions[s.ID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("telemetry session %s already registered", s.ID)
	}
	r.sessions[s.ID] = &tracked{session: s, startedAt: now}
	r.mu.Unlock()

	r.metrics.sessionOpened()
	r.logger.Debug("telemetry session created",
		zap.String("session_id", s.ID),
		zap.String("tenant_id", s.TenantID),
		zap.String("resource_type", resourceType),
		zap.String("resource_id", resourceID))
	return s.Clone(), nil
}

func (r *Registry) lookup(sessionID string) *tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// GetContext returns a snapshot of an active session.
func (r *Registry) GetContext(sessionID string) (*domain.Session, bool) {
	t := r.lookup(sessionID)
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Clone(), true
}

// StartStep appends an in-progress step and returns its sequence. Several in-progress steps
// may share a name; each is an independent entry.
func (r *Registry) StartStep(sessionID, name, description string) (int, error) {
	if strings.TrimSpace(name) == "" {
		return 0, apperrors.InvalidArgument("step name", "must not be empty")
	}
	t := r.lookup(sessionID)
	if t == nil {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	t.mu.Lock()
	seq := t.session.StartStep(name, description, r.now().UTC())
	t.mu.Unlock()
	return seq, nil
}

// CompleteStep completes the oldest in-progress step named name. It reports false, with a
// warning, when the session or a matching step does not exist.
func (r *Registry) CompleteStep(sessionID, name string, success bool, errMsg string, data map[string]any) bool {
	t := r.lookup(sessionID)
	if t == nil {
		r.logger.Warn("complete step: telemetry session not found",
			zap.String("session_id", sessionID), zap.String("step", name))
		return false
	}
	t.mu.Lock()
	seq, ok := t.session.OldestInProgress(name)
	if ok {
		ok = t.session.CompleteStep(seq, success, errMsg, data, r.now().UTC())
	}
	var status domain.StepStatus
	if ok {
		status = t.session.Steps[seq].Status
	}
	t.mu.Unlock()

	if !ok {
		r.logger.Warn("complete step: no in-progress step with that name",
			zap.String("session_id", sessionID), zap.String("step", name))
		return false
	}
	r.metrics.stepCompleted(status)
	return true
}

// CompleteStepSeq completes the step with sequence seq. It reports false, with a warning,
// when the session or an in-progress step with that sequence does not exist.
func (r *Registry) CompleteStepSeq(sessionID string, seq int, success bool, errMsg string, data map[string]any) bool {
	t := r.lookup(sessionID)
	if t == nil {
		r.logger.Warn("complete step: telemetry session not found",
			zap.String("session_id", sessionID), zap.Int("sequence", seq))
		return false
	}
	t.mu.Lock()
	ok := t.session.CompleteStep(seq, success, errMsg, data, r.now().UTC())
	var status domain.StepStatus
	if ok {
		status = t.session.Steps[seq].Status
	}
	t.mu.Unlock()

	if !ok {
		r.logger.Warn("complete step: no in-progress step with that sequence",
			zap.String("session_id", sessionID), zap.Int("sequence", seq))
		return false
	}
	r.metrics.stepCompleted(status)
	return true
}

// CompleteContext removes the session, force-completes its in-progress steps with the same
// success and error, and persists every step followed by the result.
//
// An already-canceled ctx returns ErrCanceled or ErrTimeout and leaves the session
// registered. Once removal happens it is final: a persistence failure returns the computed
// result together with the error. Completing an unknown or already completed session
// logs a warning and returns (nil, nil).
func (r *Registry) CompleteContext(ctx context.Context, sessionID string, success bool, errMsg string) (*domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext(err)
	}
	r.mu.Lock()
	t := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if t == nil {
		r.logger.Warn("complete context: telemetry session not found or already completed",
			zap.String("session_id", sessionID))
		return nil, nil
	}
	return r.finish(ctx, t, success, errMsg, triggerCaller)
}

func (r *Registry) finish(ctx context.Context, t *tracked, success bool, errMsg, trigger string) (*domain.Result, error) {
	now := r.now().UTC()
	t.mu.Lock()
	forced := t.session.CompleteInProgress(success, errMsg, now)
	res := domain.NewResult(t.session.Clone(), success, errMsg, now)
	t.mu.Unlock()

	if forced > 0 {
		status := domain.StepCompleted
		if !success {
			status = domain.StepFailed
		}
		for range forced {
			r.metrics.stepCompleted(status)
		}
	}
	r.metrics.sessionClosed(res, trigger)

	fields := []zap.Field{
		zap.String("session_id", res.SessionID),
		zap.String("tenant_id", res.TenantID),
		zap.String("status", string(res.Status)),
		zap.String("trigger", trigger),
		zap.Int("steps", res.Metrics.TotalSteps),
		zap.Int("forced_steps", forced),
		zap.Int("performance_rating", res.Metrics.PerformanceRating),
	}
	if err := r.persist(ctx, res); err != nil {
		r.logger.Error("telemetry session completed but not persisted", append(fields, zap.Error(err))...)
		return res, err
	}
	r.logger.Info("telemetry session completed", fields...)
	EmitAsync(ctx, r.emitter, res, r.logger)
	return res, nil
}

// persist writes steps in order, then the result. The first failure stops the sequence.
func (r *Registry) persist(ctx context.Context, res *domain.Result) error {
	if r.persister == nil {
		return nil
	}
	for _, step := range res.Steps {
		if err := r.persister.RecordStep(ctx, res.SessionID, step, res.TenantID, res.UserID); err != nil {
			return apperrors.Persistence(fmt.Sprintf("persist step %d of session %s", step.Sequence, res.SessionID), err)
		}
	}
	if err := r.persister.RecordResult(ctx, res); err != nil {
		return apperrors.Persistence("persist result of session "+res.SessionID, err)
	}
	return nil
}

// CleanupExpiredContexts completes, as failed with reason "expired", every session that
// started more than maxAge ago. It returns how many sessions were completed; persistence
// errors of individual sessions are joined.
func (r *Registry) CleanupExpiredContexts(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, apperrors.FromContext(err)
	}
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	var expired []*tracked
	for id, t := range r.sessions {
		if t.startedAt.Before(cutoff) {
			expired = append(expired, t)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0, nil
	}
	r.logger.Info("expiring telemetry sessions", zap.Int("count", len(expired)), zap.Duration("max_age", maxAge))
	return len(expired), r.finishAll(ctx, expired, ReasonExpired, triggerExpired)
}

// Shutdown completes every active session as failed with reason "shutdown" and rejects new
// sessions afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*tracked, 0, len(r.sessions))
	for id, t := range r.sessions {
		all = append(all, t)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if len(all) > 0 {
		r.logger.Info("draining telemetry sessions", zap.Int("count", len(all)))
	}
	return r.finishAll(ctx, all, ReasonShutdown, triggerShutdown)
}

func (r *Registry) finishAll(ctx context.Context, ts []*tracked, reason, trigger string) error {
	sort.Slice(ts, func(i, j int) bool { return ts[i].startedAt.Before(ts[j].startedAt) })
	var errs []error
	for _, t := range ts {
		if _, err := r.finish(ctx, t, false, reason, trigger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunSweeper calls CleanupExpiredContexts every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.CleanupExpiredContexts(ctx, maxAge); err != nil && ctx.Err() == nil {
				r.logger.Error("telemetry sweep failed", zap.Error(err))
			}
		}
	}
}

// GetActiveMetrics returns the metrics of an active session so far.
func (r *Registry) GetActiveMetrics(sessionID string) (domain.Metrics, bool) {
	t := r.lookup(sessionID)
	if t == nil {
		return domain.Metrics{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Metrics(), true
}

// ActiveSessions returns the ids of all active sessions, sorted.
func (r *Registry) ActiveSessions() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
