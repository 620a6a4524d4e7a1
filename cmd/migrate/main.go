// migrate runs DB migrations from embedded SQL; use with go run ./cmd/migrate [-direction down].
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"healthdata-platform/backend/internal/config"
	"healthdata-platform/backend/internal/db/migrate"
	"healthdata-platform/backend/internal/logger"
)

func main() {
	direction := flag.String("direction", migrate.Up, "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	zl := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = zl.Sync() }()

	if err := migrate.Run(cfg.DatabaseURL, *direction, zl); err != nil {
		zl.Error("migrate failed", zap.String("direction", *direction), zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}
