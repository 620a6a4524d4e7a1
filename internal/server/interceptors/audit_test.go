package interceptors

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"healthdata-platform/backend/internal/audit"
	auditdomain "healthdata-platform/backend/internal/audit/domain"
	auditrepo "healthdata-platform/backend/internal/audit/repository"
	"healthdata-platform/backend/internal/security"
)

// mockAuditLogger implements audit.AuditLogger for interceptor tests.
type mockAuditLogger struct {
	events []audit.Event
}

func (m *mockAuditLogger) LogEvent(_ context.Context, e audit.Event) {
	m.events = append(m.events, e)
}

func withTestPrincipal(ctx context.Context) context.Context {
	return security.WithPrincipal(ctx, security.NewTestPrincipal("user-1", "tenant-a", security.RoleNurse))
}

func okHandler(ctx context.Context, req any) (any, error) { return "success", nil }

func TestAuditUnary_SkipMethod(t *testing.T) {
	logger := &mockAuditLogger{}
	interceptor := AuditUnary(logger, map[string]bool{"/grpc.health.v1.Health/Check": true})

	resp, err := interceptor(withTestPrincipal(context.Background()), "request", &grpc.UnaryServerInfo{
		FullMethod: "/grpc.health.v1.Health/Check",
	}, okHandler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "success" {
		t.Errorf("response = %v, want %q", resp, "success")
	}
	if len(logger.events) != 0 {
		t.Errorf("expected 0 events for skipped method, got %d", len(logger.events))
	}
}

func TestAuditUnary_NoPrincipal(t *testing.T) {
	logger := &mockAuditLogger{}
	interceptor := AuditUnary(logger, nil)

	if _, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/hdp.fhir.v1.PatientService/GetPatient",
	}, okHandler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if len(logger.events) != 0 {
		t.Errorf("expected no audit for unauthenticated call, got %d", len(logger.events))
	}
}

func TestAuditUnary_RecordsEvent(t *testing.T) {
	logger := &mockAuditLogger{}
	interceptor := AuditUnary(logger, nil)

	if _, err := interceptor(withTestPrincipal(context.Background()), "request", &grpc.UnaryServerInfo{
		FullMethod: "/hdp.fhir.v1.PatientService/GetPatient",
	}, okHandler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if len(logger.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(logger.events))
	}
	e := logger.events[0]
	if e.TenantID != "tenant-a" || e.UserID != "user-1" {
		t.Errorf("tenant/user = %q/%q, want tenant-a/user-1", e.TenantID, e.UserID)
	}
	if e.Action != "get" || e.Resource != "patient" {
		t.Errorf("action/resource = %q/%q, want get/patient", e.Action, e.Resource)
	}
	if e.Outcome != auditdomain.OutcomeAllow {
		t.Errorf("outcome = %q, want %q", e.Outcome, auditdomain.OutcomeAllow)
	}
	var meta rpcAuditMetadata
	if err := json.Unmarshal([]byte(e.Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.FullMethod != "/hdp.fhir.v1.PatientService/GetPatient" || meta.StatusCode != "OK" {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestAuditUnary_HandlerErrorPreserved(t *testing.T) {
	tests := []struct {
		code    codes.Code
		outcome string
	}{
		{codes.PermissionDenied, auditdomain.OutcomeDeny},
		{codes.Unauthenticated, auditdomain.OutcomeDeny},
		{codes.Internal, "error"},
		{codes.NotFound, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			logger := &mockAuditLogger{}
			interceptor := AuditUnary(logger, nil)
			handlerErr := status.Error(tt.code, "nope")

			_, err := interceptor(withTestPrincipal(context.Background()), "request", &grpc.UnaryServerInfo{
				FullMethod: "/hdp.fhir.v1.ObservationService/CreateObservation",
			}, func(context.Context, any) (any, error) { return nil, handlerErr })
			if err != handlerErr {
				t.Errorf("err = %v, want handler error", err)
			}
			if len(logger.events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(logger.events))
			}
			if logger.events[0].Outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", logger.events[0].Outcome, tt.outcome)
			}
		})
	}
}

func TestAuditUnary_NilLogger(t *testing.T) {
	interceptor := AuditUnary(nil, nil)
	resp, err := interceptor(withTestPrincipal(context.Background()), "request", &grpc.UnaryServerInfo{
		FullMethod: "/hdp.fhir.v1.PatientService/GetPatient",
	}, okHandler)
	if err != nil || resp != "success" {
		t.Errorf("resp, err = %v, %v", resp, err)
	}
}

func TestAuditUnary_PersistsThroughAuditLogger(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	interceptor := AuditUnary(audit.NewLogger(repo, ClientIP, nil), nil)

	ctx := peer.NewContext(withTestPrincipal(context.Background()), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.44"), Port: 443},
	})
	if _, err := interceptor(ctx, "request", &grpc.UnaryServerInfo{
		FullMethod: "/hdp.fhir.v1.PatientService/ListPatients",
	}, okHandler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}

	filter := security.TenantFilterFor(security.NewTestPrincipal("auditor", "tenant-a"))
	logs, err := repo.List(context.Background(), filter, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 audit log, got %d", len(logs))
	}
	if logs[0].IP != "192.0.2.44" {
		t.Errorf("ip = %q, want %q", logs[0].IP, "192.0.2.44")
	}
	if logs[0].Action != "list" {
		t.Errorf("action = %q, want %q", logs[0].Action, "list")
	}
}
