package access

import "maps"

// Reason codes carried in Result.Context["code"] on denial.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodeExpired           = "expired"
	CodeInvalidTenant     = "invalid_tenant"
	CodeTenantMismatch    = "tenant_mismatch"
	CodeMissingPermission = "missing_permission"
	CodeRuleDenied        = "rule_denied"
	CodeInvalidRequest    = "invalid_request"
)

// Result is an access decision. Reason is non-empty iff Allowed is false.
type Result struct {
	Allowed bool
	Reason  string
	Context map[string]string
}

// Allow returns an allowing result carrying a copy of ctx.
func Allow(ctx map[string]string) Result {
	c := maps.Clone(ctx)
	if c == nil {
		c = map[string]string{}
	}
	return Result{Allowed: true, Context: c}
}

// Deny returns a denying result. An empty reason is replaced with "access denied".
func Deny(reason string) Result {
	if reason == "" {
		reason = "access denied"
	}
	return Result{Reason: reason, Context: map[string]string{}}
}

func denyWithCode(code, reason string) Result {
	r := Deny(reason)
	r.Context["code"] = code
	return r
}

// Code returns the machine-checkable reason code of a denial, or "" when allowed.
func (r Result) Code() string {
	if r.Allowed {
		return ""
	}
	if c := r.Context["code"]; c != "" {
		return c
	}
	return CodeRuleDenied
}
