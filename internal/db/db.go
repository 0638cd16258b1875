// Package db bootstraps the SQL connection and schema for the two
// supported backends (PostgreSQL primary, MySQL alternate), grounded
// on cmd/catalog-server/main.go's setupDatabase(dbType, dsn) in the
// teacher repo.
package db

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	gmysql "gorm.io/driver/mysql"
	gpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Driver selects the backing SQL engine.
type Driver string

const (
	Postgres Driver = "postgres"
	MySQL    Driver = "mysql"
)

// Config names the engine and connection string. DSN is never logged.
type Config struct {
	Driver Driver
	DSN    string
}

// Open connects to the database and returns a *gorm.DB. It does not
// run migrations — call Migrate separately so callers can choose when
// schema changes apply (e.g. the server waits for the worker to
// migrate first in a rolling deploy).
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case Postgres, "":
		dialector = gpostgres.Open(cfg.DSN)
	case MySQL:
		dialector = gmysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("db: unknown driver %q (expected postgres or mysql)", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	return gdb, nil
}

// Migrate applies every pending migration in internal/db/migrations
// using golang-migrate, selecting the database driver that matches
// cfg.Driver.
func Migrate(cfg Config) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: migration source: %w", err)
	}

	var m *migrate.Migrate
	switch cfg.Driver {
	case Postgres, "":
		m, err = migrate.NewWithSourceInstance("iofs", src, addScheme("postgres", cfg.DSN))
	case MySQL:
		m, err = migrate.NewWithSourceInstance("iofs", src, addScheme("mysql", cfg.DSN))
	default:
		return fmt.Errorf("db: unknown driver %q (expected postgres or mysql)", cfg.Driver)
	}
	if err != nil {
		return fmt.Errorf("db: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("db: migrate up: %w", err)
	}
	return nil
}

// addScheme prefixes a raw DSN with the scheme golang-migrate expects
// when the caller configured gorm with a bare DSN (common for
// postgres "host=... user=..." key/value strings).
func addScheme(scheme, dsn string) string {
	if len(dsn) >= len(scheme) && dsn[:len(scheme)] == scheme {
		return dsn
	}
	return scheme + "://" + dsn
}
