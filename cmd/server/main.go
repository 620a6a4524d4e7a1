package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/config"
	"healthdata-platform/backend/internal/logger"
	"healthdata-platform/backend/internal/server"
	"healthdata-platform/backend/internal/telemetry"
	telemetryotel "healthdata-platform/backend/internal/telemetry/otel"
)

const serviceName = "hdp-backend"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
	}, zl)
	if err != nil {
		return err
	}
	providers.SetGlobal()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := openStores(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := newBlobStore(cfg, zl)
	if err != nil {
		return err
	}
	tokens, err := newTokenService(cfg, zl)
	if err != nil {
		return err
	}
	auditLogger := newAuditLogger(st.audit, zl)
	evaluator, err := newEvaluator(ctx, cfg, auditLogger, reg, zl)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics(reg)
	recorder, err := telemetry.NewRecorder(st.records, blobs, telemetry.RecorderConfig{
		OverflowEnabled:    cfg.TelemetryOverflowEnabled,
		OverflowThreshold:  cfg.TelemetryOverflowThresholdBytes,
		TelemetryRetention: cfg.TelemetryRetention(),
		FeedbackRetention:  cfg.FeedbackRetention(),
		WriteAttempts:      3,
		RetryDelay:         50 * time.Millisecond,
	},
		telemetry.WithRecorderLogger(zl),
		telemetry.WithRecorderMetrics(metrics),
		telemetry.WithTracerProvider(providers.TracerProvider))
	if err != nil {
		return err
	}
	registry := telemetry.NewRegistry(recorder,
		telemetry.WithLogger(zl),
		telemetry.WithMetrics(metrics),
		telemetry.WithEmitter(telemetryotel.NewEventEmitter(providers.LoggerProvider)))

	grpcServer, healthServer := server.NewGRPCServer(server.Deps{
		Tokens:      tokens,
		AuditLogger: auditLogger,
		Registry:    registry,
		Logger:      zl,
	})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 2)
	go func() {
		zl.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		serveErr <- grpcServer.Serve(lis)
	}()

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		var pinger server.Pinger
		if st.db != nil {
			pinger = st.db
		}
		httpServer = &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: server.NewHTTPHandler(server.HTTPDeps{
				Registry:  registry,
				Store:     recorder,
				Tokens:    tokens,
				Evaluator: evaluator,
				Pinger:    pinger,
				Gatherer:  reg,
				Logger:    zl,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			zl.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	go registry.RunSweeper(ctx, cfg.SweepEvery(), cfg.MaxSessionAge())

	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case err := <-serveErr:
		zl.Error("server failed", zap.Error(err))
	}

	healthServer.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zl.Warn("HTTP shutdown", zap.Error(err))
		}
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		zl.Error("telemetry drain incomplete", zap.Error(err))
	}
	// Completion events are emitted asynchronously; give them time before the exporters close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		zl.Warn("otel shutdown", zap.Error(err))
	}
	zl.Info("server stopped")
	return nil
}
