package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tgfsim/fieldstore"
	"tgfsim/geodesy"
)

type gridOptions struct {
	*rootOptions
	Grid       fieldstore.GridSpec
	NoStore    bool
	SkipSanity bool
}

type gridPointJSON struct {
	LatDeg  float64    `json:"lat_deg"`
	LonDeg  float64    `json:"lon_deg"`
	FieldT  [3]float64 `json:"field_t"`
	NorthNT float64    `json:"north_nt"`
	EastNT  float64    `json:"east_nt"`
	DownNT  float64    `json:"down_nt"`
	TotalNT float64    `json:"total_nt"`
	Stored  bool       `json:"stored"`
}

type gridResult struct {
	Model       string          `json:"model"`
	DecimalYear float64         `json:"decimal_year"`
	AltM        float64         `json:"alt_m"`
	StepDeg     float64         `json:"step_deg"`
	Points      []gridPointJSON `json:"points"`
}

func newGridCommand(root *rootOptions) *cobra.Command {
	opts := &gridOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "grid",
		Short: "Tabulate the field over a latitude/longitude grid",
		Long: `Evaluate the field on a regular grid at one altitude.

Samples are kept in the field store (field_store.path) keyed by the loaded
coefficient set, date and position, so repeated tabulations only evaluate new
nodes and a replaced coefficient file never serves stale samples.

Examples:
  tgfsim grid --alt 400000 --step 5
  tgfsim grid --min-lat -30 --max-lat 30 --min-lon -90 --max-lon 0 --step 2.5 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrid(cmd.Context(), opts, cmd)
		},
	}
	f := cmd.Flags()
	f.Float64Var(&opts.Grid.AltM, "alt", 100000, "altitude above the WGS-84 ellipsoid in meters")
	f.Float64Var(&opts.Grid.StepDeg, "step", 10, "grid step in degrees")
	f.Float64Var(&opts.Grid.MinLat, "min-lat", -90, "southern bound in degrees")
	f.Float64Var(&opts.Grid.MaxLat, "max-lat", 90, "northern bound in degrees")
	f.Float64Var(&opts.Grid.MinLon, "min-lon", -180, "western bound in degrees")
	f.Float64Var(&opts.Grid.MaxLon, "max-lon", 180, "eastern bound in degrees")
	f.BoolVar(&opts.NoStore, "no-store", false, "evaluate every node without the field store")
	f.BoolVar(&opts.SkipSanity, "skip-sanity", false, "skip the reference comparison at start-up")
	return cmd
}

func runGrid(ctx context.Context, opts *gridOptions, cmd *cobra.Command) error {
	if opts.Grid.StepDeg <= 0 {
		return fmt.Errorf("--step must be > 0, got %g", opts.Grid.StepDeg)
	}
	if opts.Grid.MinLat > opts.Grid.MaxLat || opts.Grid.MinLon > opts.Grid.MaxLon {
		return fmt.Errorf("grid bounds are inverted")
	}
	ev, err := opts.evaluator(ctx, opts.SkipSanity)
	if err != nil {
		return err
	}

	var store *fieldstore.Store
	if !opts.NoStore && opts.cfg.FieldStore.Path != "" {
		store, err = fieldstore.Open(opts.cfg.FieldStore.Path, fieldstore.Options{
			CacheSizeBytes: int64(opts.cfg.FieldStore.CacheSizeMB) << 20,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("Field store: close: %v", err)
			}
		}()
	}

	start := time.Now()
	points, err := fieldstore.Tabulate(store, ev.ModelID(), ev.DecYear(), ev, opts.Grid)
	if err != nil {
		return err
	}
	if store != nil {
		hits, misses := store.Stats()
		log.Printf("Field store: %s nodes in %s (%s stored, %s evaluated)",
			humanize.Comma(int64(len(points))), time.Since(start).Round(time.Millisecond),
			humanize.Comma(int64(hits)), humanize.Comma(int64(misses)))
	}

	res := gridResult{
		Model:       opts.cfg.Field.Model,
		DecimalYear: ev.DecYear(),
		AltM:        opts.Grid.AltM,
		StepDeg:     opts.Grid.StepDeg,
		Points:      make([]gridPointJSON, 0, len(points)),
	}
	for _, pt := range points {
		nT := pt.Field.Mul(1e9)
		north, east, down := geodesy.ECEFToNED(nT, pt.LatDeg, pt.LonDeg)
		res.Points = append(res.Points, gridPointJSON{
			LatDeg:  pt.LatDeg,
			LonDeg:  pt.LonDeg,
			FieldT:  [3]float64{pt.Field.X, pt.Field.Y, pt.Field.Z},
			NorthNT: north,
			EastNT:  east,
			DownNT:  down,
			TotalNT: nT.Norm(),
			Stored:  pt.Stored,
		})
	}
	if opts.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "# %s decimal year %.4f, altitude %.0f m, step %g deg\n", res.Model, res.DecimalYear, res.AltM, res.StepDeg)
	fmt.Fprintf(w, "# %8s %9s %10s %10s %10s %10s\n", "lat", "lon", "N nT", "E nT", "D nT", "|B| nT")
	for _, p := range res.Points {
		fmt.Fprintf(w, "%10.3f %9.3f %10.1f %10.1f %10.1f %10.1f\n", p.LatDeg, p.LonDeg, p.NorthNT, p.EastNT, p.DownNT, p.TotalNT)
	}
	return nil
}
