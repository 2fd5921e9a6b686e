package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tgfsim/worker"
)

type replayOptions struct {
	*rootOptions
	Workers    int
	OutputDir  string
	SkipSanity bool
}

type replayWorkerJSON struct {
	ID          int    `json:"id"`
	UniqueID    int64  `json:"unique_id"`
	Path        string `json:"path"`
	Events      int    `json:"events"`
	Recorded    int64  `json:"recorded"`
	Dropped     int64  `json:"dropped"`
	Flushes     int    `json:"flushes"`
	Bytes       int64  `json:"bytes_written"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
	Error       string `json:"error,omitempty"`
}

type replayResult struct {
	Input        string             `json:"input"`
	Events       int                `json:"events"`
	Recorded     int64              `json:"recorded"`
	FieldSamples int64              `json:"field_samples"`
	BelowCutoff  int64              `json:"below_cutoff"`
	ElapsedMs    int64              `json:"elapsed_ms"`
	Workers      []replayWorkerJSON `json:"workers"`
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	opts := &replayOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "replay <detections-file>",
		Short: "Re-record detections from an earlier output file through the worker pool",
		Long: `Replay reads a detParticles output file, groups its lines by event and
runs each event through the worker pool. Every detection is passed through
the field evaluator and the per-worker recorders, which apply the current
record filters and write fresh output files.

A field evaluation failure stops the run; every recorder is still flushed
before the command exits with status 1.

Examples:
  tgfsim replay output_ascii/detParticles_123_400_15_30_Uniform_20.out
  tgfsim replay --workers 4 --output-dir /tmp/replayed run.out`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd, args[0])
		},
	}
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "worker count (default from config)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "output directory (default from config)")
	cmd.Flags().BoolVar(&opts.SkipSanity, "skip-sanity", false, "skip the reference comparison at start-up")
	return cmd
}

func runReplay(ctx context.Context, opts *replayOptions, cmd *cobra.Command, path string) error {
	rp, err := worker.LoadReplay(path)
	if err != nil {
		return err
	}
	ev, err := opts.evaluator(ctx, opts.SkipSanity)
	if err != nil {
		return err
	}
	workers := opts.cfg.Run.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	recOpts := opts.cfg.RecorderOptions()
	if opts.OutputDir != "" {
		recOpts.OutputDir = opts.OutputDir
	}
	pool := worker.New(ev, rp, worker.Options{
		Workers:      workers,
		Events:       rp.Events(),
		Recorder:     recOpts,
		CacheEnabled: opts.cfg.Field.Cache.Enabled,
		CacheRadiusM: opts.cfg.Field.Cache.RadiusM,
		Catalog:      opts.catalog,
	})
	res, runErr := pool.Run(ctx)

	evaluated, zero := rp.FieldSamples()
	out := replayResult{
		Input:        path,
		Events:       res.Events,
		Recorded:     res.Recorded,
		FieldSamples: evaluated,
		BelowCutoff:  zero,
		ElapsedMs:    res.Elapsed.Milliseconds(),
	}
	for _, w := range res.Workers {
		wj := replayWorkerJSON{
			ID:          w.ID,
			UniqueID:    w.UniqueID,
			Path:        w.Path,
			Events:      w.Events,
			Recorded:    w.Stats.Recorded,
			Dropped:     w.Stats.Dropped,
			Flushes:     w.Stats.Flushes,
			Bytes:       w.Stats.BytesWritten,
			CacheHits:   w.CacheHits,
			CacheMisses: w.CacheMisses,
		}
		if w.FlushErr != nil {
			wj.Error = w.FlushErr.Error()
		}
		out.Workers = append(out.Workers, wj)
	}
	if opts.jsonOutput() {
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
		return runErr
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Replayed %d of %d events from %s: %d detections recorded in %s\n",
		out.Events, rp.Events(), path, out.Recorded, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Field evaluated %d times, %d below the altitude cutoff\n", out.FieldSamples, out.BelowCutoff)
	for _, wj := range out.Workers {
		fmt.Fprintf(w, "  worker %d: %d events, %d recorded, %d dropped -> %s\n",
			wj.ID, wj.Events, wj.Recorded, wj.Dropped, wj.Path)
	}
	return runErr
}
