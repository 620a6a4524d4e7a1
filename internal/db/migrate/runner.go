// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/db"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Directions accepted by Run.
const (
	Up   = "up"
	Down = "down"
)

// Run applies migrations in the given direction using the provided DSN and logs the
// resulting schema version. Already being at the target version is not an error.
func Run(dsn, direction string, logger *zap.Logger) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if direction != Up && direction != Down {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sourceDriver, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	m.Log = zapLogger{l: logger.Sugar()}

	if direction == Up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, verr := m.Version()
	switch {
	case errors.Is(verr, migrate.ErrNilVersion):
		logger.Info("migrations applied", zap.String("direction", direction), zap.String("version", "none"))
	case verr != nil:
		return fmt.Errorf("migrate version: %w", verr)
	default:
		logger.Info("migrations applied",
			zap.String("direction", direction), zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

// zapLogger adapts zap to migrate.Logger.
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) Printf(format string, v ...any) {
	z.l.Debugf(strings.TrimRight(format, "\n"), v...)
}

func (z zapLogger) Verbose() bool { return false }
