// Package worker runs events across a fixed set of goroutines. Each worker
// owns its detection recorder and, when enabled, its field cache; only the
// uncached evaluator is shared.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"tgfsim/catalog"
	"tgfsim/detection"
	"tgfsim/magfield"
)

// Sink receives detections from the transport engine.
type Sink interface {
	Record(d detection.Detection)
}

// Transport is the particle transport engine boundary: it simulates one event,
// querying field and reporting detections to sink.
type Transport interface {
	Run(ctx context.Context, event int, field magfield.Field, sink Sink) error
}

// Options configures a Pool.
type Options struct {
	Workers      int
	Events       int
	Recorder     detection.Options
	CacheEnabled bool
	CacheRadiusM float64
	Catalog      *catalog.Catalog
}

// WorkerResult summarizes one worker after its final flush.
type WorkerResult struct {
	ID          int
	UniqueID    int64
	Path        string
	Events      int
	Stats       detection.Stats
	CacheHits   uint64
	CacheMisses uint64
	FlushErr    error
}

// Result summarizes a pool run.
type Result struct {
	Workers  []WorkerResult
	Events   int
	Recorded int64
	Elapsed  time.Duration
}

// Pool distributes event numbers to workers.
type Pool struct {
	ev        *magfield.Evaluator
	transport Transport
	opts      Options
}

type workerState struct {
	id     int
	rec    *detection.Recorder
	cached *magfield.Cached
	field  magfield.Field
	events int
	start  time.Time
}

// New builds a pool around a shared evaluator.
func New(ev *magfield.Evaluator, transport Transport, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Pool{ev: ev, transport: transport, opts: opts}
}

// Purpose: Run every event and flush all recorders exactly once.
// Key aspects: A fatal evaluator panic or transport error stops remaining
// workers between events; every recorder is still drained with FlushFinal
// before the first fatal error is returned.
// Upstream: replay command.
// Downstream: Transport.Run, detection.Recorder.FlushFinal, catalog.
func (p *Pool) Run(ctx context.Context) (Result, error) {
	if p.ev == nil || p.transport == nil {
		return Result{}, errors.New("worker: evaluator and transport are required")
	}
	start := time.Now()
	workers := make([]*workerState, 0, p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		recOpts := p.opts.Recorder
		recOpts.UniqueID = 0
		rec, err := detection.New(recOpts)
		if err != nil {
			return Result{}, fmt.Errorf("worker %d: %w", i, err)
		}
		w := &workerState{id: i, rec: rec, field: p.ev, start: time.Now()}
		if p.opts.CacheEnabled {
			w.cached = magfield.NewCached(p.ev, p.opts.CacheRadiusM)
			w.field = w.cached
		}
		workers = append(workers, w)
	}

	g, gctx := errgroup.WithContext(ctx)
	events := make(chan int)
	g.Go(func() error {
		defer close(events)
		for i := 0; i < p.opts.Events; i++ {
			select {
			case events <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for _, w := range workers {
		w := w
		g.Go(func() error {
			for ev := range events {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := p.runEvent(gctx, w, ev); err != nil {
					return err
				}
				w.events++
			}
			return nil
		})
	}
	runErr := g.Wait()

	res := Result{Elapsed: time.Since(start)}
	var flushErrs []error
	for _, w := range workers {
		wr := p.finish(ctx, w)
		if wr.FlushErr != nil {
			flushErrs = append(flushErrs, wr.FlushErr)
		}
		res.Workers = append(res.Workers, wr)
		res.Events += wr.Events
		res.Recorded += wr.Stats.Recorded
	}
	if runErr != nil {
		log.Printf("Worker: run stopped after %s events: %v", humanize.Comma(int64(res.Events)), runErr)
		return res, runErr
	}
	log.Printf("Worker: %s events, %s detections recorded by %d workers in %s",
		humanize.Comma(int64(res.Events)), humanize.Comma(res.Recorded), len(workers), res.Elapsed.Round(time.Millisecond))
	return res, errors.Join(flushErrs...)
}

// runEvent converts an evaluator abort into an error so the pool can drain.
func (p *Pool) runEvent(ctx context.Context, w *workerState, ev int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("worker %d: event %d: %w", w.id, ev, e)
				return
			}
			err = fmt.Errorf("worker %d: event %d: panic: %v", w.id, ev, r)
		}
	}()
	if err := p.transport.Run(ctx, ev, w.field, w.rec); err != nil {
		return fmt.Errorf("worker %d: event %d: %w", w.id, ev, err)
	}
	return nil
}

func (p *Pool) finish(ctx context.Context, w *workerState) WorkerResult {
	wr := WorkerResult{
		ID:       w.id,
		UniqueID: w.rec.ID(),
		Path:     w.rec.Path(),
		Events:   w.events,
	}
	if err := w.rec.FlushFinal(); err != nil {
		wr.FlushErr = fmt.Errorf("worker %d: %w", w.id, err)
		log.Printf("Worker %d: final flush failed: %v", w.id, err)
	}
	wr.Stats = w.rec.Stats()
	if w.cached != nil {
		wr.CacheHits, wr.CacheMisses = w.cached.Stats()
	}
	log.Printf("Worker %d: %s", w.id, w.rec.Summary())

	out := catalog.Output{
		WorkerID:     w.id,
		UniqueID:     wr.UniqueID,
		Path:         wr.Path,
		Recorded:     wr.Stats.Recorded,
		Flushes:      wr.Stats.Flushes,
		LinesWritten: wr.Stats.LinesWritten,
		BytesWritten: wr.Stats.BytesWritten,
		StartedAt:    w.start,
		FinishedAt:   time.Now(),
	}
	if wr.FlushErr != nil {
		out.Error = wr.FlushErr.Error()
	}
	catalog.Logf(p.opts.Catalog.RecordOutput(context.WithoutCancel(ctx), out))
	return wr
}
