package server

import (
	"context"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"healthdata-platform/backend/internal/audit"
	"healthdata-platform/backend/internal/security"
	"healthdata-platform/backend/internal/telemetry"
	"healthdata-platform/backend/internal/telemetry/domain"
)

const getPatientMethod = "/hdp.fhir.v1.PatientService/GetPatient"

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl any) {
	m.services = append(m.services, desc.ServiceName)
}

type recordingAuditLogger struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *recordingAuditLogger) LogEvent(_ context.Context, e audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

type resultCollector struct {
	mu      sync.Mutex
	results []*domain.Result
}

func (c *resultCollector) RecordStep(context.Context, string, domain.Step, string, string) error {
	return nil
}

func (c *resultCollector) RecordResult(_ context.Context, r *domain.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

// patientServiceDesc is a hand-written service reusing the health messages so the
// interceptor chain can be exercised without generated code.
var patientServiceDesc = grpc.ServiceDesc{
	ServiceName: "hdp.fhir.v1.PatientService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "GetPatient",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(healthpb.HealthCheckRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				if _, ok := security.PrincipalFrom(ctx); !ok {
					return nil, status.Error(codes.Internal, "no principal")
				}
				return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: getPatientMethod}, handler)
		},
	}},
}

func TestRegisterServices_HealthRegistered(t *testing.T) {
	mockReg := &mockServiceRegistrar{}
	s, hs := NewGRPCServer(Deps{})
	defer s.Stop()

	RegisterServices(mockReg, hs)
	if len(mockReg.services) != 1 || mockReg.services[0] != healthpb.Health_ServiceDesc.ServiceName {
		t.Errorf("services = %v, want [%s]", mockReg.services, healthpb.Health_ServiceDesc.ServiceName)
	}
}

type testServer struct {
	conn      *grpc.ClientConn
	tokens    *security.TokenService
	audit     *recordingAuditLogger
	collector *resultCollector
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	tokens, err := security.NewTestTokenService()
	if err != nil {
		t.Fatalf("NewTestTokenService: %v", err)
	}
	ts := &testServer{tokens: tokens, audit: &recordingAuditLogger{}, collector: &resultCollector{}}

	s, _ := NewGRPCServer(Deps{
		Tokens:      tokens,
		AuditLogger: ts.audit,
		Registry:    telemetry.NewRegistry(ts.collector),
	})
	s.RegisterService(&patientServiceDesc, struct{}{})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ts.conn = conn
	return ts
}

func TestGRPCServer_HealthCheckIsPublic(t *testing.T) {
	ts := startServer(t)
	resp, err := healthpb.NewHealthClient(ts.conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
	if len(ts.audit.events) != 0 {
		t.Errorf("health check was audited: %v", ts.audit.events)
	}
}

func TestGRPCServer_ProtectedMethodRequiresToken(t *testing.T) {
	ts := startServer(t)
	err := ts.conn.Invoke(context.Background(), getPatientMethod, &healthpb.HealthCheckRequest{}, new(healthpb.HealthCheckResponse))
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
}

func TestGRPCServer_InterceptorChain(t *testing.T) {
	ts := startServer(t)
	token, err := ts.tokens.Issue(security.NewTestPrincipal("user-1", "tenant-a", security.RoleClinician), nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(),
		"authorization", "Bearer "+token,
		"x-tenant-id", "tenant-a")

	out := new(healthpb.HealthCheckResponse)
	if err := ts.conn.Invoke(ctx, getPatientMethod, &healthpb.HealthCheckRequest{}, out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("response status = %v", out.GetStatus())
	}

	ts.audit.mu.Lock()
	events := append([]audit.Event(nil), ts.audit.events...)
	ts.audit.mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	if events[0].TenantID != "tenant-a" || events[0].Action != "get" || events[0].Resource != "patient" {
		t.Errorf("audit event = %+v", events[0])
	}

	ts.collector.mu.Lock()
	defer ts.collector.mu.Unlock()
	if len(ts.collector.results) != 1 {
		t.Fatalf("telemetry results = %d, want 1", len(ts.collector.results))
	}
	r := ts.collector.results[0]
	if r.TenantID != "tenant-a" || r.ResourceID != getPatientMethod || r.Status != domain.ResultCompleted {
		t.Errorf("telemetry result = %+v", r)
	}
}
