// Package migrations applies the embedded Postgres schema with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	driverName    = "pgx"
	dialect       = "postgres"
	migrationsDir = "sql"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// Up applies every pending migration to db.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Run executes a goose command (up, down, status, version, redo) against db.
func Run(ctx context.Context, db *sql.DB, command string, arguments ...string) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrations: dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, migrationsDir, arguments...); err != nil {
		return fmt.Errorf("migrations: %s: %w", command, err)
	}
	return nil
}

// Open connects database/sql to databaseURL through the pgx driver.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open(driverName, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: ping: %w", err)
	}
	return db, nil
}
