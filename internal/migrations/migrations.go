// Package migrations embeds and applies the database schema.
//
// Up, Down and Version own the *sql.DB they are given and close it before
// returning.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed *.sql
var Files embed.FS

// Status describes the schema version.
type Status struct {
	Version uint
	Dirty   bool
}

// Open returns a database/sql handle over pgx for the migration driver.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	return stdlib.OpenDB(*connConfig), nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(Files, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// Up applies every pending migration. A dirty schema is forced back to its
// recorded version first.
func Up(db *sql.DB, logger zerolog.Logger) (Status, error) {
	log := logger.With().Str("component", "migrations").Logger()

	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	defer closeMigrate(m, log)

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		log.Warn().Uint("version", version).Msg("schema is dirty, forcing recorded version")
		if err := m.Force(int(version)); err != nil {
			return Status{}, fmt.Errorf("recover dirty version %d: %w", version, err)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint("version", version).Msg("schema is up to date")
			return Status{Version: version}, nil
		}
		return Status{}, fmt.Errorf("apply migrations: %w", err)
	}

	newVersion, newDirty, err := m.Version()
	if err != nil {
		return Status{}, fmt.Errorf("read migration version: %w", err)
	}
	log.Info().Uint("from_version", version).Uint("to_version", newVersion).Msg("migrations applied")
	return Status{Version: newVersion, Dirty: newDirty}, nil
}

// Down rolls back steps migrations.
func Down(db *sql.DB, steps int, logger zerolog.Logger) (Status, error) {
	if steps <= 0 {
		steps = 1
	}
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	defer closeMigrate(m, logger)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Status{}, fmt.Errorf("roll back %d migrations: %w", steps, err)
	}
	return current(m, logger)
}

// Version reports the applied schema version without changing it.
func Version(db *sql.DB, logger zerolog.Logger) (Status, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	defer closeMigrate(m, logger)
	return current(m, logger)
}

func current(m *migrate.Migrate, logger zerolog.Logger) (Status, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read migration version: %w", err)
	}
	logger.Debug().Str("component", "migrations").Uint("version", version).Bool("dirty", dirty).Msg("schema version")
	return Status{Version: version, Dirty: dirty}, nil
}

func closeMigrate(m *migrate.Migrate, logger zerolog.Logger) {
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		logger.Warn().AnErr("source_error", srcErr).AnErr("database_error", dbErr).Msg("close migrate")
	}
}
