package access

import (
	"context"

	"healthdata-platform/backend/internal/security"
)

// ResourceRule runs after the generic permission check for one resource type and may
// further deny. The principal is authenticated and already holds the required permission.
type ResourceRule interface {
	Evaluate(ctx context.Context, p *security.Principal, resourceType, resourceID, operation string) Result
}

// RuleFunc adapts a function to ResourceRule.
type RuleFunc func(ctx context.Context, p *security.Principal, resourceType, resourceID, operation string) Result

// Evaluate calls f.
func (f RuleFunc) Evaluate(ctx context.Context, p *security.Principal, resourceType, resourceID, operation string) Result {
	return f(ctx, p, resourceType, resourceID, operation)
}

// AllowAll is the default rule: it allows everything.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, *security.Principal, string, string, string) Result {
	return Allow(nil)
}

// PatientIDClaim names the claim that links a user to their own patient record.
const PatientIDClaim = "patient_id"

// SelfRecordRule lets clinical roles access any patient record and everyone else only
// their own: the record id must equal the principal's patient_id claim, or its user id
// when the claim is absent.
type SelfRecordRule struct{}

// Evaluate applies the self-record restriction.
func (SelfRecordRule) Evaluate(_ context.Context, p *security.Principal, _ string, resourceID, _ string) Result {
	for _, r := range p.Roles() {
		if security.IsClinicalRole(r) {
			return Allow(map[string]string{"rule": "self_record", "basis": "clinical_role"})
		}
	}
	own := p.UserID()
	if v, ok := p.Claim(PatientIDClaim); ok && v != "" {
		own = v
	}
	if resourceID != "" && resourceID == own {
		return Allow(map[string]string{"rule": "self_record", "basis": "own_record"})
	}
	return denyWithCode(CodeRuleDenied, "non-clinical users may only access their own patient record")
}
