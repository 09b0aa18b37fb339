package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"portal-relay/src/logger"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

// PostgresCache shares cached responses through a Postgres table, one schema
// per executable name.
type PostgresCache struct {
	DSN    string
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
	now    func() time.Time
}

// -----------------------------------------------------------------------------

func NewPostgresCache(dsn string, log *logger.Logger) (*PostgresCache, error) {
	// Schema named after the executable
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable name: %w", err)
	}
	name := filepath.Base(exe)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	return &PostgresCache{
		DSN:    dsn,
		Schema: name,
		Logger: log,
		now:    time.Now,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresCache) Initialize() error {
	db, err := sql.Open("postgres", d.DSN)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	d.DB = db

	// Create Schema
	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", d.Schema, err)
	}

	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("Postgres cache initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresCache) table() string {
	return fmt.Sprintf(`"%s"."cache_entries"`, d.Schema)
}

// -----------------------------------------------------------------------------

func (d *PostgresCache) createTables() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at BIGINT NOT NULL
		);
	`, d.table())
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create cache_entries: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := d.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND expires_at > $2`, d.table()),
		key, d.now().UnixMilli(),
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
	`, d.table())
	_, err := d.DB.ExecContext(ctx, query, key, value, d.now().Add(ttl).UnixMilli())
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresCache) Invalidate(ctx context.Context, prefix string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key LIKE $1 ESCAPE '\'`, d.table())
	_, err := d.DB.ExecContext(ctx, query, escapeLike(prefix)+"%")
	return err
}

// -----------------------------------------------------------------------------

// CleanupExpired deletes expired rows and returns how many were removed.
func (d *PostgresCache) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := d.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, d.table()),
		d.now().UnixMilli(),
	)
	if err != nil {
		d.Logger.Error("Cleanup cache_entries error: %v", err)
		return 0, err
	}
	return res.RowsAffected()
}

// -----------------------------------------------------------------------------

func (d *PostgresCache) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
