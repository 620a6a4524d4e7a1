package rbac

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"healthdata-platform/backend/internal/access"
	"healthdata-platform/backend/internal/security"
)

func ctxWith(p *security.Principal) context.Context {
	return security.WithPrincipal(context.Background(), p)
}

func TestRequirePermission_Allowed(t *testing.T) {
	ev := access.NewEvaluator()
	ctx := ctxWith(security.NewTestPrincipal("user-1", "tenant-a", security.RoleNurse))

	p, err := RequirePermission(ctx, ev, "Observation", "o-1", "write")
	if err != nil {
		t.Fatalf("RequirePermission: %v", err)
	}
	if p.UserID() != "user-1" {
		t.Errorf("user_id = %q, want %q", p.UserID(), "user-1")
	}
}

func TestRequirePermission_MissingPermission(t *testing.T) {
	ev := access.NewEvaluator()
	ctx := ctxWith(security.NewTestPrincipal("user-1", "tenant-a", security.RoleNurse))

	p, err := RequirePermission(ctx, ev, "Patient", "p-1", "delete")
	if p != nil {
		t.Error("expected no principal on denial")
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("error is not a gRPC status: %v", err)
	}
	if st.Code() != codes.PermissionDenied {
		t.Errorf("status code = %v, want %v", st.Code(), codes.PermissionDenied)
	}
	if st.Message() != "missing permission fhir:patient:delete" {
		t.Errorf("message = %q", st.Message())
	}
}

func TestRequirePermission_NoPrincipal(t *testing.T) {
	_, err := RequirePermission(context.Background(), access.NewEvaluator(), "Patient", "p-1", "read")
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
}

func TestRequirePermission_ExpiredPrincipal(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	p := security.NewPrincipal(security.PrincipalParams{
		UserID:    "user-1",
		TenantID:  "tenant-a",
		Roles:     []string{security.RoleClinician},
		ExpiresAt: &past,
	})
	_, err := RequirePermission(ctxWith(p), access.NewEvaluator(), "Patient", "p-1", "read")
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
}

func TestRequireQuery(t *testing.T) {
	ev := access.NewEvaluator()
	tests := []struct {
		name      string
		role      string
		queryType string
		want      codes.Code
	}{
		{"analyst standard", security.RoleAnalyst, "cohort", codes.OK},
		{"analyst admin", security.RoleAnalyst, access.QueryAdmin, codes.PermissionDenied},
		{"tenant admin admin", security.RoleTenantAdmin, access.QueryAdmin, codes.OK},
		{"patient standard", security.RolePatient, "cohort", codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ctxWith(security.NewTestPrincipal("user-1", "tenant-a", tt.role))
			_, err := RequireQuery(ctx, ev, tt.queryType)
			if got := status.Code(err); got != tt.want {
				t.Errorf("status code = %v, want %v", got, tt.want)
			}
		})
	}
}
