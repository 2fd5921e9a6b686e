// Package catalog indexes finished runs in SQLite: one row per worker output
// file and one row per sanity check, so detection files and model validations
// can be found without scanning the output directory.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 2 * time.Second

// Output describes one worker's detection file after FlushFinal.
type Output struct {
	WorkerID     int
	UniqueID     int64
	Path         string
	Recorded     int64
	Flushes      int
	LinesWritten int64
	BytesWritten int64
	StartedAt    time.Time
	FinishedAt   time.Time
	Error        string
}

// SanityRun is the outcome of one reference comparison.
type SanityRun struct {
	Model       string
	DecimalYear float64
	Samples     int
	MaxDiffNT   float64
	MinValueNT  float64
	Elapsed     time.Duration
	Passed      bool
	Detail      string
	CheckedAt   time.Time
}

// Catalog wraps the SQLite database. A nil *Catalog is valid and records nothing.
type Catalog struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Purpose: Open (or create) the catalog database and ensure the schema exists.
// Key aspects: A database that fails its integrity preflight is quarantined
// and replaced with a fresh file.
// Upstream: main run/check commands.
// Downstream: preflight, sql.Open, initSchema.
func Open(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("catalog: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: ensure dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := preflight(path, defaultBusyTimeout); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}
	return &Catalog{db: db, path: path}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS outputs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_id INTEGER,
    unique_id INTEGER,
    path TEXT,
    recorded INTEGER,
    flushes INTEGER,
    lines_written INTEGER,
    bytes_written INTEGER,
    started_at INTEGER,
    finished_at INTEGER,
    error TEXT
);
CREATE INDEX IF NOT EXISTS outputs_unique_id ON outputs(unique_id);
CREATE TABLE IF NOT EXISTS sanity_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT,
    decimal_year REAL,
    samples INTEGER,
    max_diff_nt REAL,
    min_value_nt REAL,
    elapsed_ms INTEGER,
    passed INTEGER,
    detail TEXT,
    checked_at INTEGER
);`
	_, err := db.Exec(schema)
	return err
}

// Path returns the database file path.
func (c *Catalog) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// RecordOutput inserts one worker output row.
func (c *Catalog) RecordOutput(ctx context.Context, o Output) error {
	if c == nil || c.db == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
INSERT INTO outputs (
    worker_id, unique_id, path, recorded, flushes, lines_written, bytes_written,
    started_at, finished_at, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.WorkerID,
		o.UniqueID,
		o.Path,
		o.Recorded,
		o.Flushes,
		o.LinesWritten,
		o.BytesWritten,
		unixOrZero(o.StartedAt),
		unixOrZero(o.FinishedAt),
		o.Error,
	)
	if err != nil {
		return fmt.Errorf("catalog: insert output: %w", err)
	}
	return nil
}

// RecordSanity inserts one sanity check row.
func (c *Catalog) RecordSanity(ctx context.Context, r SanityRun) error {
	if c == nil || c.db == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
INSERT INTO sanity_runs (
    model, decimal_year, samples, max_diff_nt, min_value_nt, elapsed_ms, passed, detail, checked_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Model,
		r.DecimalYear,
		r.Samples,
		finiteOrNull(r.MaxDiffNT),
		finiteOrNull(r.MinValueNT),
		r.Elapsed.Milliseconds(),
		boolToInt(r.Passed),
		r.Detail,
		unixOrZero(r.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("catalog: insert sanity run: %w", err)
	}
	return nil
}

// Outputs lists output rows, newest first. uniqueID filters when non-zero.
func (c *Catalog) Outputs(ctx context.Context, uniqueID int64) ([]Output, error) {
	if c == nil || c.db == nil {
		return nil, nil
	}
	query := `SELECT worker_id, unique_id, path, recorded, flushes, lines_written, bytes_written,
    started_at, finished_at, error FROM outputs`
	var args []any
	if uniqueID != 0 {
		query += ` WHERE unique_id = ?`
		args = append(args, uniqueID)
	}
	query += ` ORDER BY id DESC`
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query outputs: %w", err)
	}
	defer rows.Close()
	var out []Output
	for rows.Next() {
		var o Output
		var started, finished int64
		if err := rows.Scan(&o.WorkerID, &o.UniqueID, &o.Path, &o.Recorded, &o.Flushes,
			&o.LinesWritten, &o.BytesWritten, &started, &finished, &o.Error); err != nil {
			return nil, fmt.Errorf("catalog: scan output: %w", err)
		}
		o.StartedAt = fromUnix(started)
		o.FinishedAt = fromUnix(finished)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate outputs: %w", err)
	}
	return out, nil
}

// SanityRuns lists up to limit sanity rows, newest first. limit <= 0 returns all.
func (c *Catalog) SanityRuns(ctx context.Context, limit int) ([]SanityRun, error) {
	if c == nil || c.db == nil {
		return nil, nil
	}
	query := `SELECT model, decimal_year, samples, max_diff_nt, min_value_nt, elapsed_ms, passed, detail, checked_at
    FROM sanity_runs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query sanity runs: %w", err)
	}
	defer rows.Close()
	var out []SanityRun
	for rows.Next() {
		var r SanityRun
		var maxDiff, minValue sql.NullFloat64
		var elapsedMS, checked int64
		var passed int
		if err := rows.Scan(&r.Model, &r.DecimalYear, &r.Samples, &maxDiff, &minValue,
			&elapsedMS, &passed, &r.Detail, &checked); err != nil {
			return nil, fmt.Errorf("catalog: scan sanity run: %w", err)
		}
		r.MaxDiffNT = math.NaN()
		if maxDiff.Valid {
			r.MaxDiffNT = maxDiff.Float64
		}
		r.MinValueNT = math.Inf(1)
		if minValue.Valid {
			r.MinValueNT = minValue.Float64
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		r.Passed = passed != 0
		r.CheckedAt = fromUnix(checked)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate sanity runs: %w", err)
	}
	return out, nil
}

// Logf records a best-effort write failure without interrupting the caller.
func Logf(err error) {
	if err != nil {
		log.Printf("Catalog: %v", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// finiteOrNull keeps +Inf (no samples compared) and NaN (non-finite model
// output) out of the REAL columns. They read back as +Inf and NaN.
func finiteOrNull(v float64) sql.NullFloat64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
