package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/access"
	"healthdata-platform/backend/internal/audit"
	auditrepo "healthdata-platform/backend/internal/audit/repository"
	"healthdata-platform/backend/internal/config"
	"healthdata-platform/backend/internal/db"
	"healthdata-platform/backend/internal/security"
	"healthdata-platform/backend/internal/server/interceptors"
	"healthdata-platform/backend/internal/storage"
	"healthdata-platform/backend/internal/telemetry/repository"
)

// stores holds the opened backing stores and how to close them.
type stores struct {
	db      *sql.DB
	records repository.Repository
	audit   auditrepo.Repository
	closers []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openStores connects the record store selected by RECORD_STORE. Audit logs go to
// Postgres whenever DATABASE_URL is set and stay in memory otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = conn
		s.closers = append(s.closers, conn.Close)
		s.audit = auditrepo.NewPostgresRepository(conn)
	} else {
		s.audit = auditrepo.NewMemoryRepository()
	}

	switch cfg.RecordStore {
	case config.RecordStorePostgres:
		s.records = repository.NewPostgresRepository(s.db)
	case config.RecordStoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.RedisAddr, err)
		}
		s.records = repository.NewRedisRepository(client, repository.DefaultRedisPrefix)
	default:
		logger.Warn("telemetry records kept in memory; they do not survive a restart")
		s.records = repository.NewMemoryRepository()
	}
	logger.Info("record store ready", zap.String("backend", cfg.RecordStore))
	return s, nil
}

// newBlobStore builds the overflow store: filesystem or memory, optionally encrypted,
// always behind a circuit breaker.
func newBlobStore(cfg *config.Config, logger *zap.Logger) (storage.BlobStore, error) {
	var blobs storage.BlobStore
	if cfg.BlobDir != "" {
		fs, err := storage.NewFileStore(cfg.BlobDir)
		if err != nil {
			return nil, err
		}
		blobs = fs
	} else {
		blobs = storage.NewMemoryStore()
	}
	if cfg.BlobEncryptionKey != "" {
		key, err := storage.ParseKey(cfg.BlobEncryptionKey)
		if err != nil {
			return nil, err
		}
		enc, err := storage.NewEncryptedStore(blobs, key)
		if err != nil {
			return nil, err
		}
		blobs = enc
	}
	return storage.NewBreakerStore(blobs, storage.DefaultBreakerSettings(), logger), nil
}

func newTokenService(cfg *config.Config, logger *zap.Logger) (*security.TokenService, error) {
	secret, err := security.LoadSecret(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return security.NewTokenService(security.TokenConfig{
		Secret:    secret,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		AccessTTL: cfg.AccessTTL(),
		ClockSkew: cfg.ClockSkew(),
		Logger:    logger,
	})
}

// newEvaluator builds the access evaluator. ACCESS_POLICY_FILE, when set, becomes the rule
// for resource types without a dedicated rule; Patient reads keep the self-record rule.
func newEvaluator(ctx context.Context, cfg *config.Config, auditLogger audit.AuditLogger, reg prometheus.Registerer, logger *zap.Logger) (*access.Evaluator, error) {
	opts := []access.Option{
		access.WithDomain(cfg.PermissionDomain),
		access.WithClockSkew(cfg.ClockSkew()),
		access.WithRule("Patient", access.SelfRecordRule{}),
		access.WithAuditLogger(auditLogger),
		access.WithLogger(logger),
		access.WithMetrics(access.NewMetrics(reg)),
	}
	if cfg.AccessPolicyFile != "" {
		rule, err := access.LoadRegoRule(ctx, cfg.AccessPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("access policy: %w", err)
		}
		opts = append(opts, access.WithDefaultRule(rule))
		logger.Info("access policy loaded", zap.String("file", cfg.AccessPolicyFile))
	}
	return access.NewEvaluator(opts...), nil
}

func newAuditLogger(repo auditrepo.Repository, logger *zap.Logger) *audit.Logger {
	return audit.NewLogger(repo, interceptors.ClientIP, logger)
}
