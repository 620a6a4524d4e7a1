package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/audit/domain"
	auditrepo "healthdata-platform/backend/internal/audit/repository"
)

// SentinelTenantID is the tenant_id used for audit events that have no tenant (e.g. rejected credentials).
const SentinelTenantID = "_system"

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata or peer).
type IPExtractor func(context.Context) string

// Event is one auditable action.
type Event struct {
	TenantID string
	UserID   string
	Action   string
	Resource string
	Outcome  string
	Metadata string
}

// AuditLogger writes a single audit event. Used by the access evaluator and the gRPC audit interceptor.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, e Event)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	logger      *zap.Logger
}

// NewLogger returns an AuditLogger that persists to repo and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown". logger may be nil.
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, ipExtractor: ipExtractor, logger: logger}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, e Event) {
	if l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	if e.TenantID == "" {
		e.TenantID = SentinelTenantID
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		TenantID:  e.TenantID,
		UserID:    e.UserID,
		Action:    e.Action,
		Resource:  e.Resource,
		Outcome:   e.Outcome,
		IP:        ip,
		Metadata:  e.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	// The entry outlives a canceled request.
	if err := l.repo.Create(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Warn("audit: failed to log event",
			zap.String("action", e.Action),
			zap.String("resource", e.Resource),
			zap.Error(err),
		)
	}
}
