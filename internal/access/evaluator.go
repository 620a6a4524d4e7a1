// Package access decides whether a principal may perform an operation on a resource.
//
// Evaluation fails closed and never returns an error: every outcome is a Result. The
// evaluator keeps no state of its own; decisions are logged, counted, and optionally
// written to the audit log.
package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"healthdata-platform/backend/internal/audit"
	auditdomain "healthdata-platform/backend/internal/audit/domain"
	"healthdata-platform/backend/internal/security"
)

// DefaultDomain prefixes resource permissions when no domain is configured.
const DefaultDomain = security.CatalogDomain

// Query types accepted by EvaluateQuery.
const (
	QueryStandard = "standard"
	QueryAdmin    = "admin"
)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithDomain sets the permission domain.
func WithDomain(domain string) Option {
	return func(e *Evaluator) {
		if domain != "" {
			e.domain = domain
		}
	}
}

// WithRule registers rule for resourceType (case-insensitive), replacing any earlier rule.
func WithRule(resourceType string, rule ResourceRule) Option {
	return func(e *Evaluator) { e.rules[strings.ToLower(resourceType)] = rule }
}

// WithDefaultRule sets the rule used for resource types without a registered rule.
func WithDefaultRule(rule ResourceRule) Option {
	return func(e *Evaluator) { e.fallback = rule }
}

// WithAuditLogger writes every decision to l.
func WithAuditLogger(l audit.AuditLogger) Option {
	return func(e *Evaluator) { e.audit = l }
}

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics counts decisions in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithClockSkew sets the tolerance applied to principal expiry. It should match the
// token service's skew so a token that validates is not then denied as expired.
func WithClockSkew(skew time.Duration) Option {
	return func(e *Evaluator) {
		if skew >= 0 {
			e.skew = skew
		}
	}
}

// Evaluator makes access decisions. It is safe for concurrent use once constructed.
type Evaluator struct {
	domain   string
	rules    map[string]ResourceRule
	fallback ResourceRule
	audit    audit.AuditLogger
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	skew     time.Duration
}

// NewEvaluator returns an Evaluator. Resource types without a rule use AllowAll unless
// WithDefaultRule says otherwise.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		domain:   DefaultDomain,
		rules:    make(map[string]ResourceRule),
		fallback: AllowAll{},
		logger:   zap.NewNop(),
		now:      time.Now,
		skew:     security.DefaultClockSkew,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Domain returns the permission domain.
func (e *Evaluator) Domain() string { return e.domain }

// Evaluate decides whether p may perform operation on resourceType/resourceID.
// Order: authentication, expiry, system bypass, tenant validity, permission, resource rule.
func (e *Evaluator) Evaluate(ctx context.Context, p *security.Principal, resourceType, resourceID, operation string) Result {
	res := e.evaluate(ctx, p, resourceType, resourceID, operation)
	e.record(ctx, "resource", p, operation, resourceLabel(resourceType, resourceID), res)
	return res
}

func (e *Evaluator) evaluate(ctx context.Context, p *security.Principal, resourceType, resourceID, operation string) Result {
	if res, done := e.precheck(p); done {
		return res
	}
	if resourceType == "" || operation == "" {
		return denyWithCode(CodeInvalidRequest, "resource type and operation are required")
	}
	perm := security.ResourcePermission(e.domain, resourceType, operation)
	if !p.HasPermission(perm) {
		res := denyWithCode(CodeMissingPermission, "missing permission "+perm)
		res.Context["permission"] = perm
		return res
	}

	rule, ok := e.rules[strings.ToLower(resourceType)]
	if !ok {
		rule = e.fallback
	}
	ruleRes := rule.Evaluate(ctx, p, resourceType, resourceID, operation)
	if !ruleRes.Allowed {
		if ruleRes.Reason == "" || ruleRes.Context == nil {
			ruleRes = Deny(ruleRes.Reason)
		}
		if ruleRes.Context["code"] == "" {
			ruleRes.Context["code"] = CodeRuleDenied
		}
		ruleRes.Context["permission"] = perm
		return ruleRes
	}
	ctxOut := map[string]string{"permission": perm, "tenant_id": p.TenantID()}
	for k, v := range ruleRes.Context {
		ctxOut[k] = v
	}
	return Allow(ctxOut)
}

// precheck applies the checks shared by every evaluator. done is true when res is final.
func (e *Evaluator) precheck(p *security.Principal) (res Result, done bool) {
	if !p.IsAuthenticated() {
		return denyWithCode(CodeUnauthenticated, "unauthenticated"), true
	}
	if p.IsExpired(e.now().Add(-e.skew)) {
		return denyWithCode(CodeExpired, "credentials expired"), true
	}
	switch {
	case p.IsSystemUser():
		return Allow(map[string]string{"bypass": "system_user"}), true
	case p.IsSystemAdmin():
		return Allow(map[string]string{"bypass": "system_admin"}), true
	}
	if err := security.ValidateTenantID(p.TenantID()); err != nil {
		return denyWithCode(CodeInvalidTenant, err.Error()), true
	}
	return Result{}, false
}

// EvaluateTenant decides whether p may act on data belonging to dataTenantID.
func (e *Evaluator) EvaluateTenant(ctx context.Context, p *security.Principal, dataTenantID string) Result {
	res := e.evaluateTenant(p, dataTenantID)
	e.record(ctx, "tenant", p, "access", "tenant/"+dataTenantID, res)
	return res
}

func (e *Evaluator) evaluateTenant(p *security.Principal, dataTenantID string) Result {
	if res, done := e.precheck(p); done {
		return res
	}
	if dataTenantID != p.TenantID() {
		res := denyWithCode(CodeTenantMismatch, fmt.Sprintf("tenant %s may not access data of another tenant", p.TenantID()))
		res.Context["tenant_id"] = p.TenantID()
		return res
	}
	return Allow(map[string]string{"tenant_id": p.TenantID()})
}

// EvaluateResource checks both the operation on resourceType and that res belongs to the
// principal's tenant.
func (e *Evaluator) EvaluateResource(ctx context.Context, p *security.Principal, resourceType, resourceID string, res security.TenantScoped, operation string) Result {
	out := e.evaluate(ctx, p, resourceType, resourceID, operation)
	if out.Allowed && out.Context["bypass"] == "" {
		if res == nil {
			out = denyWithCode(CodeInvalidRequest, "resource is required")
		} else if t := e.evaluateTenant(p, res.GetTenantID()); !t.Allowed {
			out = t
		}
	}
	e.record(ctx, "resource", p, operation, resourceLabel(resourceType, resourceID), out)
	return out
}

// EvaluateQuery decides whether p may run a query of queryType. Every query needs
// query:execute; admin queries also need query:admin.
func (e *Evaluator) EvaluateQuery(ctx context.Context, p *security.Principal, queryType string) Result {
	res := e.evaluateQuery(p, queryType)
	e.record(ctx, "query", p, "execute", "query/"+queryType, res)
	return res
}

func (e *Evaluator) evaluateQuery(p *security.Principal, queryType string) Result {
	if res, done := e.precheck(p); done {
		return res
	}
	if !p.HasPermission(security.PermQueryExecute) {
		res := denyWithCode(CodeMissingPermission, "missing permission "+security.PermQueryExecute)
		res.Context["permission"] = security.PermQueryExecute
		return res
	}
	if strings.EqualFold(queryType, QueryAdmin) && !p.HasPermission(security.PermQueryAdmin) {
		res := denyWithCode(CodeMissingPermission, "missing permission "+security.PermQueryAdmin)
		res.Context["permission"] = security.PermQueryAdmin
		return res
	}
	return Allow(map[string]string{"query_type": strings.ToLower(queryType), "tenant_id": p.TenantID()})
}

func (e *Evaluator) record(ctx context.Context, kind string, p *security.Principal, action, resource string, res Result) {
	e.metrics.observe(kind, res)

	var userID, tenantID string
	if p != nil {
		userID, tenantID = p.UserID(), p.TenantID()
	}
	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("user_id", userID),
		zap.String("tenant_id", tenantID),
		zap.String("action", action),
		zap.String("resource", resource),
	}
	outcome := auditdomain.OutcomeAllow
	if res.Allowed {
		if b := res.Context["bypass"]; b != "" {
			fields = append(fields, zap.String("bypass", b))
		}
		e.logger.Debug("access allowed", fields...)
	} else {
		outcome = auditdomain.OutcomeDeny
		e.logger.Info("access denied", append(fields, zap.String("code", res.Code()), zap.String("reason", res.Reason))...)
	}

	if e.audit == nil {
		return
	}
	meta := res.Reason
	if b := res.Context["bypass"]; b != "" {
		meta = "bypass=" + b
	}
	e.audit.LogEvent(ctx, audit.Event{
		TenantID: tenantID,
		UserID:   userID,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		Metadata: meta,
	})
}

func resourceLabel(resourceType, resourceID string) string {
	if resourceID == "" {
		return strings.ToLower(resourceType)
	}
	return strings.ToLower(resourceType) + "/" + resourceID
}
