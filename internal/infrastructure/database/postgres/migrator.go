package postgres

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema to the latest embedded version. It opens its own
// short-lived connection so it can run before the pool (and the pgvector
// type registration the pool depends on) exists. Applying an already-current
// schema is a no-op.
func Migrate(dsn string, logger logging.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBMigration, "load embedded migrations failed")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBMigration, "open migration connection failed")
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		db.Close() //nolint:errcheck
		return apperrors.Wrap(err, apperrors.ErrCodeDBMigration, "create migration driver failed")
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		db.Close() //nolint:errcheck
		return apperrors.Wrap(err, apperrors.ErrCodeDBMigration, "create migrator failed")
	}
	defer m.Close() //nolint:errcheck

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.Wrap(err, apperrors.ErrCodeDBMigration, "apply migrations failed")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Warn("read migration version failed", logging.Err(err))
		return nil
	}
	logger.Info("schema migrations applied",
		logging.Int64("version", int64(version)),
		logging.Bool("dirty", dirty))
	return nil
}
