package interceptors

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"healthdata-platform/backend/internal/audit"
	auditdomain "healthdata-platform/backend/internal/audit/domain"
	"healthdata-platform/backend/internal/security"
)

// rpcAuditMetadata is the JSON shape stored in AuditLog.Metadata for RPC events.
type rpcAuditMetadata struct {
	FullMethod string `json:"full_method"`
	StatusCode string `json:"status_code"`
}

// AuditUnary returns a unary server interceptor that records an audit event after each RPC.
// skipMethods is the set of full method names to not audit (e.g. health checks).
// Only authenticated calls are audited; LogEvent is best-effort and never fails the RPC.
func AuditUnary(auditLogger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if auditLogger == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		p, ok := security.PrincipalFrom(ctx)
		if !ok || !p.IsAuthenticated() {
			return resp, err
		}
		code := status.Code(err)
		meta, _ := json.Marshal(rpcAuditMetadata{FullMethod: info.FullMethod, StatusCode: code.String()})
		ar := audit.ParseFullMethod(info.FullMethod)
		auditLogger.LogEvent(ctx, audit.Event{
			TenantID: p.TenantID(),
			UserID:   p.UserID(),
			Action:   ar.Action,
			Resource: ar.Resource,
			Outcome:  outcomeFor(code),
			Metadata: string(meta),
		})
		return resp, err
	}
}

// outcomeFor maps a status code onto an audit outcome. Anything but OK or an
// authorization failure is "error".
func outcomeFor(code codes.Code) string {
	switch code {
	case codes.OK:
		return auditdomain.OutcomeAllow
	case codes.PermissionDenied, codes.Unauthenticated:
		return auditdomain.OutcomeDeny
	default:
		return "error"
	}
}
