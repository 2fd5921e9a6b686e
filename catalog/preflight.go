package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// preflightResult reports the outcome of the integrity check run before open.
type preflightResult struct {
	Healthy        bool
	Quarantined    bool
	QuarantinePath string
	Elapsed        time.Duration
}

var sidecarSuffixes = []string{"", "-wal", "-shm", "-journal"}

// Purpose: Check an existing catalog before the main open path.
// Key aspects: Bounded WAL checkpoint plus quick_check. A failing file and its
// sidecars are renamed to <path>.bad-<timestamp> so the run continues on a
// fresh catalog instead of stalling.
// Upstream: Open.
// Downstream: pragma wal_checkpoint, pragma quick_check, os.Rename.
func preflight(path string, timeout time.Duration) (preflightResult, error) {
	res := preflightResult{}
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("catalog: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		db.Close()
		return res, fmt.Errorf("catalog: preflight busy_timeout: %w", err)
	}
	_, checkpointErr := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	checkErr := quickCheck(ctx, db)
	db.Close()
	res.Elapsed = time.Since(start)

	if checkpointErr == nil && checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("catalog: preflight timed out after %s", timeout)
	}
	dest, err := quarantine(path, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("catalog: quarantine failed: %w (checkpoint=%v, quick_check=%v)", err, checkpointErr, checkErr)
	}
	res.Quarantined = true
	res.QuarantinePath = dest
	log.Printf("Catalog: preflight failed for %s (checkpoint=%v, quick_check=%v); quarantined to %s", path, checkpointErr, checkErr, dest)
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func quarantine(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, s := range sidecarSuffixes {
		src := path + s
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", err
		}
	}
	return path + suffix, nil
}
