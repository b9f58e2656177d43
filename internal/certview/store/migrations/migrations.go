// Package migrations embeds the goose migration sets for both Store
// backends and applies them against a *sql.DB.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// Run applies all pending migrations for the given dialect ("postgres" or
// "sqlite3") against db.
func Run(db *sql.DB, dialect string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var fsys embed.FS
	var dir string
	switch dialect {
	case "postgres":
		fsys, dir = postgresFS, "postgres"
	case "sqlite3":
		fsys, dir = sqliteFS, "sqlite"
	default:
		return fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}

	logger.Info("applying migrations", "dialect", dialect)
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
