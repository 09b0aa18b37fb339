package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"portal-relay/src/logger"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

// SQLiteCache persists cached responses in a local SQLite file so that a
// restarted relay keeps its contract metadata warm.
type SQLiteCache struct {
	Path   string
	DB     *sql.DB
	Logger *logger.Logger
	now    func() time.Time
}

// -----------------------------------------------------------------------------

func NewSQLiteCache(path string, log *logger.Logger) *SQLiteCache {
	return &SQLiteCache{
		Path:   path,
		Logger: log,
		now:    time.Now,
	}
}

// -----------------------------------------------------------------------------

func (d *SQLiteCache) Initialize() error {
	// Open DB
	db, err := sql.Open("sqlite", d.Path)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		d.Logger.Warning("Failed to set busy timeout: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *SQLiteCache) createTables() error {
	// SQLite types: BLOB for the payload, INTEGER for unix millis
	query := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create cache_entries: %w", err)
	}
	if _, err := d.DB.Exec(`CREATE INDEX IF NOT EXISTS cache_entries_expires ON cache_entries (expires_at)`); err != nil {
		return fmt.Errorf("failed to index cache_entries: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := d.DB.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND expires_at > ?`,
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

func (d *SQLiteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, d.now().Add(ttl).UnixMilli())
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteCache) Invalidate(ctx context.Context, prefix string) error {
	_, err := d.DB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%",
	)
	return err
}

// -----------------------------------------------------------------------------

// CleanupExpired deletes expired rows and returns how many were removed.
func (d *SQLiteCache) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, d.now().UnixMilli())
	if err != nil {
		d.Logger.Error("Cleanup cache_entries error: %v", err)
		return 0, err
	}
	return res.RowsAffected()
}

// -----------------------------------------------------------------------------

func (d *SQLiteCache) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
