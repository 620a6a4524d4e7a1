package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"healthdata-platform/backend/internal/audit"
	"healthdata-platform/backend/internal/security"
	"healthdata-platform/backend/internal/server/interceptors"
	"healthdata-platform/backend/internal/telemetry"
)

// Health check methods. They need no credentials and are neither audited nor tracked.
const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthListMethod  = "/grpc.health.v1.Health/List"
)

// Deps holds the dependencies of the gRPC server.
type Deps struct {
	// Tokens validates Bearer tokens. Required.
	Tokens *security.TokenService
	// AuditLogger receives one event per authenticated RPC. If nil, no RPCs are audited.
	AuditLogger audit.AuditLogger
	// Registry opens a telemetry session per authenticated RPC. If nil, RPCs are not tracked.
	Registry *telemetry.Registry
	// Logger may be nil.
	Logger *zap.Logger
	// PublicMethods are full method names callable without a Bearer token, in addition to health checks.
	PublicMethods []string
}

// NewGRPCServer returns a gRPC server with the otelgrpc stats handler and the
// auth → audit → telemetry interceptor chain, and the health server registered on it.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	public := map[string]bool{healthCheckMethod: true, healthListMethod: true}
	for _, m := range deps.PublicMethods {
		public[m] = true
	}
	skip := map[string]bool{healthCheckMethod: true, healthListMethod: true}

	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(deps.Tokens, public, logger),
			interceptors.AuditUnary(deps.AuditLogger, skip),
			interceptors.TelemetryUnary(deps.Registry, skip, logger),
		),
	}, opts...)
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	RegisterServices(s, hs)
	return s, hs
}

// RegisterServices registers the gRPC services with the given server and marks them serving.
//
// Service → implementation:
//   - grpc.health.v1.Health → google.golang.org/grpc/health
func RegisterServices(s grpc.ServiceRegistrar, hs *health.Server) {
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}
