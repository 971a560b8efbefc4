package recorder

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists events and metrics to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log *zap.SugaredLogger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, log *zap.SugaredLogger) (*SQLiteRecorder, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read performance (dashboards read while bot writes).
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Infof("sqlite recorder opened: %s", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			name      TEXT NOT NULL,
			fields    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_name_ts ON events(name, timestamp)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			name      TEXT NOT NULL,
			value     REAL,
			kind      TEXT,
			tags      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics(name, timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordEvent(name string, fields Fields) error {
	data, err := sonnet.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.Exec(`INSERT INTO events (timestamp, name, fields) VALUES (?,?,?)`,
		time.Now().UnixMilli(), name, string(data),
	)
	return err
}

func (r *SQLiteRecorder) RecordMetric(name string, value float64, kind MetricKind, tags map[string]string) error {
	data, err := sonnet.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode metric %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.Exec(`INSERT INTO metrics (timestamp, name, value, kind, tags) VALUES (?,?,?,?,?)`,
		time.Now().UnixMilli(), name, value, string(kind), string(data),
	)
	return err
}

// Events returns the latest events named name, newest first. An empty name
// matches every event.
func (r *SQLiteRecorder) Events(name string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT timestamp, name, fields FROM events
		WHERE ? = '' OR name = ? ORDER BY id DESC LIMIT ?`, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ts     int64
			ev     Event
			fields sql.NullString
		)
		if err := rows.Scan(&ts, &ev.Name, &fields); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(ts)
		if fields.Valid && fields.String != "" && fields.String != "null" {
			if err := sonnet.Unmarshal([]byte(fields.String), &ev.Fields); err != nil {
				return nil, fmt.Errorf("decode event fields: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MetricSum adds up every sample of name.
func (r *SQLiteRecorder) MetricSum(name string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum sql.NullFloat64
	if err := r.db.QueryRow(`SELECT SUM(value) FROM metrics WHERE name = ?`, name).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum %s: %w", name, err)
	}
	return sum.Float64, nil
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info("closing sqlite recorder")
	return r.db.Close()
}
