// Package db opens the Postgres connection pool shared by the telemetry record store and
// the audit log repository.
package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"healthdata-platform/backend/internal/apperrors"
)

const pingTimeout = 5 * time.Second

// Open opens a Postgres pool through the pgx stdlib driver and verifies it with a ping.
// Caller must call Close when done.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, apperrors.Configuration("DATABASE_URL is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, apperrors.Persistence("open postgres", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, apperrors.Persistence("ping postgres", err)
	}
	return db, nil
}
