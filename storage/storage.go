// Package storage owns the engine's durable schema and database handles.
// Production deployments run against Postgres; SQLite backs local development
// and the package tests.
package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrDSNRequired = errors.New("storage: dsn must be configured")

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

// MemoryDSN builds a shared in-memory SQLite DSN. Each distinct name is an
// independent database for the lifetime of the process.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.TrimSpace(name))
}
