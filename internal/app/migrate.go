package app

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"price-tracker/internal/migrations"
)

// Migrate applies ("up") or rolls back ("down") schema migrations, or
// prints the current version.
func (a *App) Migrate(direction string, steps int) error {
	var (
		status migrations.Status
		err    error
	)
	switch direction {
	case "up":
		status, err = a.migrateUp()
	case "down":
		status, err = a.withMigrationDB(func(db *sql.DB) (migrations.Status, error) {
			return migrations.Down(db, steps, a.Logger)
		})
	case "version":
		status, err = a.withMigrationDB(func(db *sql.DB) (migrations.Status, error) {
			return migrations.Version(db, a.Logger)
		})
	default:
		return fmt.Errorf("unknown migrate direction %q (want up, down or version)", direction)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "schema version: %d dirty: %t\n", status.Version, status.Dirty)
	return nil
}

func (a *App) migrateUp() (migrations.Status, error) {
	return a.withMigrationDB(func(db *sql.DB) (migrations.Status, error) {
		return migrations.Up(db, a.Logger)
	})
}

// withMigrationDB opens a database/sql handle for the migrator, which closes
// it when done.
func (a *App) withMigrationDB(fn func(db *sql.DB) (migrations.Status, error)) (migrations.Status, error) {
	if a.Config.Database.DSN == "" {
		return migrations.Status{}, errors.New("database.dsn 未配置，无法迁移")
	}
	db, err := migrations.Open(a.Config.Database.DSN)
	if err != nil {
		return migrations.Status{}, err
	}
	return fn(db)
}
