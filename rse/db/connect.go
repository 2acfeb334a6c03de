// Package db manages the embedded libsql database: connection, pragmas, and
// goose-driven schema migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nzcbass/refsession/rse/config"

	_ "github.com/tursodatabase/go-libsql"
)

// Connect opens the embedded libsql database described by cfg, applies pragma
// and pool settings, and runs any pending migrations.
func Connect(cfg *config.DatabaseConfig) (*sql.DB, error) {
	// Ensure the database directory and file exist for embedded mode
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		file, err := os.Create(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("could not create db at path %s: %w", cfg.Path, err)
		}
		file.Close()
	}

	dsn := fmt.Sprintf("file:%s", cfg.Path)
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if err := verifyConnection(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := configurePragmas(db, cfg); err != nil {
		db.Close()
		return nil, err
	}

	configurePool(db, cfg)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// verifyConnection performs a basic connectivity probe.
func verifyConnection(db *sql.DB) error {
	ctx := context.Background()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}

// configurePragmas applies PRAGMA settings to the database.
func configurePragmas(db *sql.DB, cfg *config.DatabaseConfig) error {
	if cfg.JournalMode != "" {
		// journal_mode returns a result row; the libsql driver rejects Exec
		// for row-returning statements, so read and discard it via Query.
		rows, err := db.Query(fmt.Sprintf("PRAGMA journal_mode = %s", cfg.JournalMode))
		if err != nil {
			return fmt.Errorf("failed to set journal_mode: %w", err)
		}
		rows.Close()
	}
	if cfg.SyncMode != "" {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA synchronous = %s", cfg.SyncMode)); err != nil {
			return fmt.Errorf("failed to set synchronous: %w", err)
		}
	}
	if cfg.BusyTimeoutMs > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeoutMs)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to set foreign_keys: %w", err)
	}
	return nil
}

// configurePool sets up connection pooling parameters.
func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 25
	}
	db.SetMaxIdleConns(maxIdle)

	idleTime := time.Duration(cfg.ConnMaxIdleSec) * time.Second
	if idleTime <= 0 {
		idleTime = 5 * time.Minute
	}
	db.SetConnMaxIdleTime(idleTime)

	lifeTime := time.Duration(cfg.ConnMaxLifeSec) * time.Second
	if lifeTime <= 0 {
		lifeTime = time.Hour
	}
	db.SetConnMaxLifetime(lifeTime)
}

// WithTx executes fn within a database transaction, rolling back on error.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("transaction failed and rollback failed: %v (original error: %w)", rollbackErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
