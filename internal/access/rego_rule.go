package access

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"healthdata-platform/backend/internal/security"
)

// DefaultRegoQuery is the decision evaluated by RegoRule when none is given.
const DefaultRegoQuery = "data.hdp.access.allow"

// RegoRule evaluates a Rego policy as a resource rule. The decision must be a boolean;
// anything else, including an undefined result or an evaluation error, denies.
//
// Input document:
//
//	{"principal": {"user_id", "tenant_id", "roles", "permissions", "claims", "system_user"},
//	 "resource": {"type", "id"}, "operation"}
type RegoRule struct {
	name  string
	query rego.PreparedEvalQuery
}

// NewRegoRule compiles module and prepares query. query defaults to DefaultRegoQuery.
func NewRegoRule(ctx context.Context, name, module, query string) (*RegoRule, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	compiler, err := ast.CompileModules(map[string]string{name + ".rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	pq, err := rego.New(
		rego.Query(query),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy %s: %w", name, err)
	}
	return &RegoRule{name: name, query: pq}, nil
}

// LoadRegoRule reads a Rego module from path and prepares it with DefaultRegoQuery.
func LoadRegoRule(ctx context.Context, path string) (*RegoRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewRegoRule(ctx, path, string(b), "")
}

// Evaluate runs the prepared query against the request.
func (r *RegoRule) Evaluate(ctx context.Context, p *security.Principal, resourceType, resourceID, operation string) Result {
	input := map[string]any{
		"principal": map[string]any{
			"user_id":     p.UserID(),
			"tenant_id":   p.TenantID(),
			"roles":       p.Roles(),
			"permissions": p.Permissions(),
			"claims":      p.Claims(),
			"system_user": p.IsSystemUser(),
		},
		"resource": map[string]any{
			"type": resourceType,
			"id":   resourceID,
		},
		"operation": operation,
	}
	rs, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return denyWithCode(CodeRuleDenied, fmt.Sprintf("policy %s evaluation failed", r.name))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return denyWithCode(CodeRuleDenied, fmt.Sprintf("policy %s returned no decision", r.name))
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok || !allowed {
		return denyWithCode(CodeRuleDenied, fmt.Sprintf("denied by policy %s", r.name))
	}
	return Allow(map[string]string{"rule": "rego", "policy": r.name})
}
