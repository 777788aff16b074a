package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/timebank/internal/config"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func noCleanup() error { return nil }

// openStore picks the store implementation for cfg.DatabaseURL. Postgres
// databases are migrated with goose first; SQLite uses AutoMigrate.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (timebank.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	switch driver {
	case driverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		return memstore.New(), noCleanup, nil
	case driverPostgres:
		if err := migratePostgres(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		if cfg.StoreDriver == config.StoreDriverPgx {
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, nil, fmt.Errorf("pgx pool: %w", err)
			}
			logger.Info("store ready", zap.String("driver", "pgx"))
			return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
		}
	}

	gormDB, cleanup, err := openDatabase(ctx, driver, cfg.DatabaseURL, sqlitePath)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	logger.Info("store ready", zap.String("driver", "gorm"), zap.String("dialect", driver))
	return gormstore.New(gormDB), cleanup, nil
}

func migratePostgres(ctx context.Context, databaseURL string) error {
	db, err := migrations.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Up(ctx, db)
}

func openDatabase(ctx context.Context, driver string, dsn string, sqlitePath string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, memoryScheme) {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteDB
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
