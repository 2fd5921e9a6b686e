package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tgfsim/config"
	"tgfsim/internal/ratelimit"
)

const (
	logStampLayout = "2006/01/02 15:04:05"
	logFilePrefix  = "tgfsim-"
	logFileDay     = "2006-01-02"
	logFileExt     = ".log"
	// maxPendingLog bounds an unterminated line before it is emitted as is.
	maxPendingLog = 16 * 1024
)

// consoleLog writes routed lines to stderr. A non-nil keep drops every line
// it rejects, which is how --quiet leaves only failures on the terminal.
type consoleLog struct {
	w     io.Writer
	stamp bool
	keep  func(line string) bool
}

func (c *consoleLog) emit(line string, now time.Time) {
	if c == nil || c.w == nil {
		return
	}
	if c.keep != nil && !c.keep(line) {
		return
	}
	if c.stamp {
		line = now.UTC().Format(logStampLayout) + " " + line
	}
	_, _ = io.WriteString(c.w, line+"\n")
}

// failureLine reports whether a log line describes a failure: the command
// error printed by main, or any subsystem line reporting that something failed.
func failureLine(line string) bool {
	return strings.HasPrefix(line, "Error:") || strings.Contains(line, " failed")
}

// dailyLog appends stamped lines to logging.dir/tgfsim-YYYY-MM-DD.log, opening
// a new file when the UTC day changes and pruning files older than keepDays.
type dailyLog struct {
	mu       sync.Mutex
	dir      string
	keepDays int
	day      string
	f        *os.File
	errs     *ratelimit.Counter
	report   io.Writer
}

func openDailyLog(dir string, keepDays int, report io.Writer) (*dailyLog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("logging.dir is empty")
	}
	if keepDays <= 0 {
		keepDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	d := &dailyLog{
		dir:      dir,
		keepDays: keepDays,
		errs:     ratelimit.NewCounter(time.Minute),
		report:   report,
	}
	if err := pruneLogs(dir, time.Now(), keepDays); err != nil {
		d.fail(time.Now(), fmt.Errorf("prune failed: %w", err))
	}
	return d, nil
}

func (d *dailyLog) emit(line string, now time.Time) {
	if d == nil {
		return
	}
	now = now.UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	if day := now.Format(logFileDay); d.f == nil || d.day != day {
		d.switchDay(day, now)
	}
	if d.f == nil {
		return
	}
	if _, err := d.f.WriteString(now.Format(logStampLayout) + " " + line + "\n"); err != nil {
		d.fail(now, fmt.Errorf("write failed: %w", err))
	}
}

// switchDay must be called with mu held.
func (d *dailyLog) switchDay(day string, now time.Time) {
	if d.f != nil {
		_ = d.f.Close()
		d.f, d.day = nil, ""
	}
	path := filepath.Join(d.dir, logFileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.fail(now, fmt.Errorf("open failed for %s: %w", path, err))
		return
	}
	d.f, d.day = f, day
	if err := pruneLogs(d.dir, now, d.keepDays); err != nil {
		d.fail(now, fmt.Errorf("prune failed: %w", err))
	}
}

// fail reports file problems on the console at most once a minute; the
// router must not log through itself here.
func (d *dailyLog) fail(now time.Time, err error) {
	total, suppressed, ok := d.errs.Inc(now)
	if !ok || d.report == nil {
		return
	}
	if suppressed > 0 {
		fmt.Fprintf(d.report, "Logging: %v (%d errors, %d not shown)\n", err, total, suppressed)
		return
	}
	fmt.Fprintf(d.report, "Logging: %v\n", err)
}

func (d *dailyLog) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f, d.day = nil, ""
	return err
}

// logRouter is the standard logger's output. It splits the byte stream into
// lines and hands each complete line to the console and the daily file.
type logRouter struct {
	mu      sync.Mutex
	pending []byte
	console *consoleLog
	daily   *dailyLog
	now     func() time.Time
}

// Purpose: Build the router for a command run.
// Key aspects: A file problem is returned but the console route still works,
// so a read-only log directory never blocks field evaluation. stamp is false
// when stderr is collected by something that stamps lines itself.
// Upstream: root command PersistentPreRunE.
// Downstream: openDailyLog.
func setupLogging(cfg config.LoggingConfig, console io.Writer, stamp, quiet bool) (*logRouter, error) {
	r := &logRouter{
		console: &consoleLog{w: console, stamp: stamp},
		now:     time.Now,
	}
	if quiet {
		r.console.keep = failureLine
	}
	if !cfg.Enabled {
		return r, nil
	}
	daily, err := openDailyLog(cfg.Dir, cfg.RetentionDays, console)
	if err != nil {
		return r, err
	}
	r.daily = daily
	return r, nil
}

func (r *logRouter) Write(p []byte) (int, error) {
	if r == nil {
		return len(p), nil
	}
	r.mu.Lock()
	r.pending = append(r.pending, p...)
	var lines []string
	for {
		i := bytes.IndexByte(r.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(r.pending[:i], "\r")))
		r.pending = r.pending[i+1:]
	}
	if len(r.pending) > maxPendingLog {
		lines = append(lines, string(r.pending))
		r.pending = nil
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
	r.mu.Unlock()

	now := r.now()
	for _, line := range lines {
		r.console.emit(line, now)
		r.daily.emit(line, now)
	}
	return len(p), nil
}

// Close flushes a trailing unterminated line and closes the daily file.
func (r *logRouter) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	rest := string(r.pending)
	r.pending = nil
	r.mu.Unlock()
	if rest != "" {
		now := r.now()
		r.console.emit(rest, now)
		r.daily.emit(rest, now)
	}
	return r.daily.Close()
}

func logFileName(now time.Time) string {
	return logFilePrefix + now.UTC().Format(logFileDay) + logFileExt
}

// parseLogDay returns the day encoded in a tgfsim log file name. Files the
// router did not create are never matched, so pruning leaves them alone.
func parseLogDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileExt) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileExt)
	day, err := time.ParseInLocation(logFileDay, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// pruneLogs removes tgfsim log files outside the last keepDays days,
// counting today.
func pruneLogs(dir string, now time.Time, keepDays int) error {
	if keepDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	oldest := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1-keepDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if day, ok := parseLogDay(e.Name()); ok && day.Before(oldest) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
