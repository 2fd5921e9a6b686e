package detection

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"tgfsim/internal/ratelimit"
)

const (
	// DefaultBufferLines is the flush threshold when Options leaves it unset.
	DefaultBufferLines = 100
	// DefaultOutputDir is relative to the process working directory.
	DefaultOutputDir = "./output_ascii"
)

var errNilRecorder = errors.New("detection: recorder is nil")

// Options configures a Recorder. It mirrors the output section of the
// settings file.
type Options struct {
	OutputDir        string
	RecordAltitudeKm float64
	BufferLines      int
	ASCII            bool
	PhotonsOnly      bool
	Window           Window
	Source           Source
	// UniqueID overrides the random run identifier when non-zero.
	UniqueID int64
}

// Stats summarizes a Recorder's I/O.
type Stats struct {
	Recorded     int64
	Dropped      int64
	Flushes      int
	LinesWritten int64
	BytesWritten int64
	FlushErrors  int
}

// Recorder filters, formats and buffers detections for one worker.
type Recorder struct {
	opts  Options
	id    int64
	path  string
	lines []string
	buf   []byte
	stats Stats
	// flushLog rate-limits flush failure logging from Record.
	flushLog *ratelimit.Counter
	open     func(path string) (outputFile, error)
}

type outputFile interface {
	io.StringWriter
	io.Closer
}

func openAppend(path string) (outputFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewUniqueID returns a positive identifier drawn from a random UUID.
func NewUniqueID() int64 {
	u := uuid.New()
	id := int64(xxh3.Hash(u[:]) >> 1)
	if id == 0 {
		id = 1
	}
	return id
}

// FileName builds the output file name for a run identifier.
func FileName(id int64, recordAltKm float64, src Source) string {
	return fmt.Sprintf("detParticles_%d_%d_%d_%d_%s_%d.out",
		id,
		int(recordAltKm),
		int(src.AltitudeKm),
		int(src.OpeningAngleDeg),
		src.Beaming,
		int(src.SigmaTime))
}

// Purpose: Create a recorder and truncate its output file.
// Key aspects: The output directory is created on demand. With ASCII output
// disabled no file is touched.
// Upstream: worker.Pool per goroutine.
// Downstream: os.MkdirAll, os.Create.
func New(opts Options) (*Recorder, error) {
	if opts.BufferLines <= 0 {
		opts.BufferLines = DefaultBufferLines
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		opts.OutputDir = DefaultOutputDir
	}
	id := opts.UniqueID
	if id == 0 {
		id = NewUniqueID()
	}
	r := &Recorder{
		opts:     opts,
		id:       id,
		path:     filepath.Join(opts.OutputDir, FileName(id, opts.RecordAltitudeKm, opts.Source)),
		lines:    make([]string, 0, opts.BufferLines+1),
		flushLog: ratelimit.NewCounter(time.Minute),
		open:     openAppend,
	}
	if !opts.ASCII {
		return r, nil
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("detection: ensure output dir: %w", err)
	}
	f, err := os.Create(r.path)
	if err != nil {
		return nil, fmt.Errorf("detection: create %s: %w", r.path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("detection: close %s: %w", r.path, err)
	}
	return r, nil
}

// ID returns the run identifier written in the first column.
func (r *Recorder) ID() int64 {
	if r == nil {
		return 0
	}
	return r.id
}

// Path returns the output file path.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Recorded returns how many detections passed the filters.
func (r *Recorder) Recorded() int64 {
	if r == nil {
		return 0
	}
	return r.stats.Recorded
}

// Pending returns the number of buffered, unwritten lines.
func (r *Recorder) Pending() int {
	if r == nil {
		return 0
	}
	return len(r.lines)
}

// Stats returns a snapshot of the counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return r.stats
}

// Accepts reports whether d passes the photon and window filters.
func (r *Recorder) Accepts(d Detection) bool {
	if r.opts.PhotonsOnly && d.IsLepton() {
		return false
	}
	return r.opts.Window.Contains(d.Lat, d.Lon)
}

// Purpose: Accept one detection from the transport engine.
// Key aspects: Filtered records are not counted. Every accepted record tries
// a threshold flush; a failure keeps the buffer and is logged, never returned.
// Upstream: worker sink.
// Downstream: appendLine, Flush.
func (r *Recorder) Record(d Detection) {
	if r == nil || !r.opts.ASCII {
		return
	}
	if !r.Accepts(d) {
		r.stats.Dropped++
		return
	}
	r.buf = appendLine(r.buf[:0], r.id, r.opts.Source, d)
	r.lines = append(r.lines, string(r.buf))
	r.stats.Recorded++
	if err := r.Flush(); err != nil {
		if _, suppressed, ok := r.flushLog.Inc(time.Now()); ok {
			log.Printf("Detection: flush failed, keeping %s buffered lines (%d similar failures suppressed): %v",
				humanize.Comma(int64(len(r.lines))), suppressed, err)
		}
	}
}

// Flush writes the buffer once it holds more than the configured number of
// lines. Below the threshold it does nothing.
func (r *Recorder) Flush() error {
	if r == nil {
		return errNilRecorder
	}
	if len(r.lines) <= r.opts.BufferLines {
		return nil
	}
	return r.write()
}

// FlushFinal drains whatever is buffered. Call it once at end of run.
func (r *Recorder) FlushFinal() error {
	if r == nil {
		return errNilRecorder
	}
	if len(r.lines) == 0 {
		return nil
	}
	return r.write()
}

// write appends the buffer to the output file. On a write error the lines
// already written leave the buffer so a retry does not duplicate them.
func (r *Recorder) write() error {
	f, err := r.open(r.path)
	if err != nil {
		r.stats.FlushErrors++
		return fmt.Errorf("detection: open %s: %w", r.path, err)
	}
	var n int64
	for i, line := range r.lines {
		written, err := f.WriteString(line)
		n += int64(written)
		if err != nil {
			_ = f.Close()
			r.stats.FlushErrors++
			r.commit(i, n)
			return fmt.Errorf("detection: write %s: %w", r.path, err)
		}
	}
	if err := f.Close(); err != nil {
		r.stats.FlushErrors++
		return fmt.Errorf("detection: close %s: %w", r.path, err)
	}
	r.stats.Flushes++
	r.commit(len(r.lines), n)
	return nil
}

// commit drops the first count lines from the buffer as written.
func (r *Recorder) commit(count int, bytes int64) {
	r.stats.LinesWritten += int64(count)
	r.stats.BytesWritten += bytes
	r.lines = append(r.lines[:0], r.lines[count:]...)
}

// Summary is a one-line human readable report for logs.
func (r *Recorder) Summary() string {
	s := r.Stats()
	return fmt.Sprintf("%s recorded, %s dropped, %s lines (%s) in %d flushes to %s",
		humanize.Comma(s.Recorded),
		humanize.Comma(s.Dropped),
		humanize.Comma(s.LinesWritten),
		humanize.Bytes(uint64(s.BytesWritten)),
		s.Flushes,
		r.Path())
}
