package tiered

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists tiers in a single key/value table.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteBackend opens (or creates) the database and runs migrations.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; keeps multi-key transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	b := &SQLiteBackend{db: db, now: time.Now}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

// SQLiteOpener opens path on every connect.
func SQLiteOpener(path string) Opener {
	return func(context.Context) (Backend, error) {
		return NewSQLiteBackend(path)
	}
}

var _ Backend = (*SQLiteBackend)(nil)

func (b *SQLiteBackend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_state_kv_expires ON state_kv(expires_at)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:30], err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, keys ...string) ([][]byte, error) {
	now := b.now().UnixMilli()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		var v []byte
		err := b.db.QueryRowContext(ctx,
			`SELECT value FROM state_kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
			k, now,
		).Scan(&v)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return nil, fmt.Errorf("get %s: %w", k, err)
		default:
			out[i] = present(v)
		}
	}
	return out, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, ttl time.Duration, entries ...Entry) error {
	var expires int64
	if ttl > 0 {
		expires = b.now().Add(ttl).UnixMilli()
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state_kv (key, value, expires_at) VALUES (?,?,?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			e.Key, present(e.Value), expires,
		); err != nil {
			return fmt.Errorf("set %s: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Delete(ctx context.Context, keys ...string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_kv WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	now := b.now().UnixMilli()
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM state_kv WHERE expires_at != 0 AND expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("purge expired: %w", err)
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM state_kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
