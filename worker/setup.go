package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"tgfsim/catalog"
	"tgfsim/config"
	"tgfsim/magfield"
	"tgfsim/magmodel"
	"tgfsim/sanity"
)

// Purpose: Build the shared evaluator for a run.
// Key aspects: Loads the configured model, then runs the sanity comparison
// (IGRF only) before any event starts. A failed comparison is returned as
// *sanity.DeviationError or sanity.ErrEmptyDataset and must stop the run.
// Upstream: main field/check/grid/replay commands.
// Downstream: magmodel.Open, sanity.Check, catalog.RecordSanity.
func NewEvaluator(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) (*magfield.Evaluator, error) {
	kind, err := magmodel.ParseKind(cfg.Field.Model)
	if err != nil {
		return nil, err
	}
	model, err := magmodel.Open(kind, cfg.Field.DataDir)
	if err != nil {
		return nil, err
	}
	ev := magfield.New(model, cfg.DecimalYear(), magfield.WithNumericChecks(cfg.NumericChecksEnabled()))
	log.Printf("Field: %s (epoch %.1f, degree %d) at decimal year %.4f", model.Name(), model.Epoch(), model.MaxDegree(), ev.DecYear())

	if !cfg.SanityEnabled() {
		return ev, nil
	}
	if !sanity.Applies(kind) {
		log.Printf("Sanity: no reference data for %s, skipping", kind)
		return ev, nil
	}
	if _, err := RunSanity(ctx, cfg, ev, cat); err != nil {
		return nil, err
	}
	return ev, nil
}

// RunSanity compares ev against the configured reference file and records
// the outcome in the catalog.
func RunSanity(ctx context.Context, cfg *config.Config, ev *magfield.Evaluator, cat *catalog.Catalog) (sanity.Report, error) {
	rep, err := sanity.Check(ev.Components, cfg.Sanity.Path, sanity.ToleranceNT)
	run := catalog.SanityRun{
		Model:       cfg.Field.Model,
		DecimalYear: ev.DecYear(),
		Samples:     rep.Samples,
		MaxDiffNT:   rep.MaxDiffNT,
		MinValueNT:  rep.MinValueNT,
		Elapsed:     rep.Elapsed,
		Passed:      err == nil,
		CheckedAt:   time.Now(),
	}
	if err != nil {
		run.Detail = err.Error()
	}
	catalog.Logf(cat.RecordSanity(ctx, run))
	if err != nil {
		return rep, fmt.Errorf("worker: magnetic field sanity check: %w", err)
	}
	return rep, nil
}
