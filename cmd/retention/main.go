// retention deletes expired telemetry records from Postgres. Redis expires keys natively
// and the memory store is per process, so both are skipped.
// Run once (e.g. from cron) or with -interval to loop until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"healthdata-platform/backend/internal/config"
	"healthdata-platform/backend/internal/db"
	"healthdata-platform/backend/internal/logger"
	"healthdata-platform/backend/internal/telemetry/repository"
)

func main() {
	interval := flag.Duration("interval", 0, "Repeat every interval; 0 runs once")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = zl.Sync() }()

	if cfg.RecordStore != config.RecordStorePostgres {
		zl.Info("retention: record store expires entries itself; nothing to do", zap.String("backend", cfg.RecordStore))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		zl.Fatal("retention: open database", zap.Error(err))
	}
	defer conn.Close()
	repo := repository.NewPostgresRepository(conn)

	sweep := func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		n, err := repo.DeleteExpired(runCtx, time.Now())
		if err != nil {
			zl.Error("retention: delete expired", zap.Error(err))
			return
		}
		zl.Info("retention: deleted expired telemetry records", zap.Int64("count", n))
	}

	sweep()
	if *interval <= 0 {
		return
	}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zl.Info("retention: stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
