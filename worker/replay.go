package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"tgfsim/detection"
	"tgfsim/geodesy"
	"tgfsim/magfield"
)

// Replay is a Transport that re-emits detections read from earlier output
// files, one pool event per recorded event number. It queries the field at
// every detection position, so evaluator aborts surface exactly as they would
// from a live transport, and counts the samples that fell under the altitude
// gate. Run may be called from several workers at once.
type Replay struct {
	events [][]detection.Detection

	evaluated atomic.Int64
	gated     atomic.Int64
}

// LoadReplay reads detection lines from path.
func LoadReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("worker: open replay: %w", err)
	}
	defer f.Close()
	return ReadReplay(f)
}

// ReadReplay groups detection lines by event number, ordered by event.
// Blank lines and '#' comments are skipped.
func ReadReplay(r io.Reader) (*Replay, error) {
	byEvent := make(map[int][]detection.Detection)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parsed, err := detection.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("worker: replay line %d: %w", lineNo, err)
		}
		d := parsed.Detection
		byEvent[d.Event] = append(byEvent[d.Event], d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("worker: read replay: %w", err)
	}
	keys := make([]int, 0, len(byEvent))
	for k := range byEvent {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	rp := &Replay{events: make([][]detection.Detection, 0, len(keys))}
	for _, k := range keys {
		rp.events = append(rp.events, byEvent[k])
	}
	return rp, nil
}

// Events returns the number of distinct events available.
func (r *Replay) Events() int {
	return len(r.events)
}

// Detections returns the total number of detections loaded.
func (r *Replay) Detections() int {
	n := 0
	for _, ev := range r.events {
		n += len(ev)
	}
	return n
}

// FieldSamples returns how many field evaluations Run made and how many of
// them returned the zero vector.
func (r *Replay) FieldSamples() (evaluated, zero int64) {
	return r.evaluated.Load(), r.gated.Load()
}

// Run emits every detection of the event after evaluating the field at its
// position. The context is checked between detections.
func (r *Replay) Run(ctx context.Context, event int, field magfield.Field, sink Sink) error {
	if event < 0 || event >= len(r.events) {
		return fmt.Errorf("worker: replay event %d out of range", event)
	}
	for _, d := range r.events[event] {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos := d.ECEF
		if pos == (geodesy.Vec3{}) {
			pos = geodesy.GeodeticToECEF(d.Lat, d.Lon, d.Alt)
		}
		r.evaluated.Add(1)
		if field.Evaluate(pos) == (geodesy.Vec3{}) {
			r.gated.Add(1)
		}
		sink.Record(d)
	}
	return nil
}
