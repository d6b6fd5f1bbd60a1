// Package db opens and migrates the durable session database.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Galdaer/portfolio-sub000/medcore/config"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

const (
	DialectLibSQL   = "libsql"
	DialectPostgres = "postgres"
)

// Open connects to the configured durable database, tunes its pool and, when
// enabled, runs migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Type {
	case DialectLibSQL:
		db, err = ConnectLibSQL(ctx, cfg.DSN, logger)
	case DialectPostgres:
		db, err = ConnectPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	configureConnectionPooling(db, cfg)

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db, cfg.Type); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// ConnectLibSQL opens an embedded libsql database at path, creating the file
// and its directory when missing. A path already starting with "file:" is
// used verbatim.
func ConnectLibSQL(ctx context.Context, path string, logger zerolog.Logger) (*sqlx.DB, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Info().Str("path", path).Msg("database not found, creating a new one")
			f, err := os.Create(path)
			if err != nil {
				return nil, fmt.Errorf("could not create db at path %s: %w", path, err)
			}
			f.Close()
		}
		dsn = "file:" + path
	}

	db, err := sqlx.Open(DialectLibSQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	if err := verify(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := configurePragmaSettings(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ConnectPostgres opens a Postgres database through lib/pq.
func ConnectPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(DialectPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := verify(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func verify(ctx context.Context, db *sqlx.DB) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}

// configurePragmaSettings applies the sqlite PRAGMAs the session tables rely on.
func configurePragmaSettings(ctx context.Context, db *sqlx.DB) error {
	pragmas := []struct {
		name  string
		value string
	}{
		{"busy_timeout", "5000"},
		{"foreign_keys", "ON"},
	}
	for _, p := range pragmas {
		query := fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)
		// some PRAGMA statements return rows, which Exec rejects
		if _, err := db.ExecContext(ctx, query); err != nil {
			if !strings.Contains(err.Error(), "returned rows") {
				return fmt.Errorf("failed to set %s: %w", p.name, err)
			}
			rows, qerr := db.QueryContext(ctx, query)
			if qerr != nil {
				return fmt.Errorf("failed to set %s: %w", p.name, qerr)
			}
			rows.Close()
		}
	}
	return nil
}

func configureConnectionPooling(db *sqlx.DB, cfg config.DatabaseConfig) {
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
