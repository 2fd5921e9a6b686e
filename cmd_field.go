package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tgfsim/config"
	"tgfsim/geodesy"
	"tgfsim/magfield"
	"tgfsim/worker"
)

type fieldOptions struct {
	*rootOptions
	Lat        float64
	Lon        float64
	AltM       float64
	ECEF       string
	SkipSanity bool
}

type fieldResult struct {
	Model       string     `json:"model"`
	DecimalYear float64    `json:"decimal_year"`
	LatDeg      float64    `json:"lat_deg"`
	LonDeg      float64    `json:"lon_deg"`
	AltM        float64    `json:"alt_m"`
	ECEF        [3]float64 `json:"ecef_m"`
	FieldT      [3]float64 `json:"field_t"`
	NorthNT     float64    `json:"north_nt"`
	EastNT      float64    `json:"east_nt"`
	DownNT      float64    `json:"down_nt"`
	TotalNT     float64    `json:"total_nt"`
	BelowCutoff bool       `json:"below_cutoff"`
}

func newFieldCommand(root *rootOptions) *cobra.Command {
	opts := &fieldOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "field",
		Short: "Evaluate the geomagnetic field at one point",
		Long: `Evaluate the configured field model at a geodetic point or an ECEF position.

Points less than 30 km above the mean Earth radius return the zero vector,
exactly as the transport engine sees them.

Examples:
  tgfsim field --lat 12.5 --lon -45 --alt 400000
  tgfsim field --ecef 6771000,0,0 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runField(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "geodetic latitude in degrees")
	cmd.Flags().Float64Var(&opts.Lon, "lon", 0, "longitude in degrees")
	cmd.Flags().Float64Var(&opts.AltM, "alt", 100000, "altitude above the WGS-84 ellipsoid in meters")
	cmd.Flags().StringVar(&opts.ECEF, "ecef", "", "ECEF position x,y,z in meters (overrides --lat/--lon/--alt)")
	cmd.Flags().BoolVar(&opts.SkipSanity, "skip-sanity", false, "skip the reference comparison at start-up")
	return cmd
}

func runField(ctx context.Context, opts *fieldOptions, cmd *cobra.Command) error {
	var p geodesy.Vec3
	if strings.TrimSpace(opts.ECEF) != "" {
		v, err := parseECEF(opts.ECEF)
		if err != nil {
			return err
		}
		p = v
	} else {
		p = geodesy.GeodeticToECEF(opts.Lat, opts.Lon, opts.AltM)
	}
	ev, err := opts.evaluator(ctx, opts.SkipSanity)
	if err != nil {
		return err
	}
	res := evaluatePoint(ev, opts.cfg.Field.Model, p)
	if opts.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Model %s at decimal year %.4f\n", res.Model, res.DecimalYear)
	fmt.Fprintf(out, "Position: lat %.5f lon %.5f alt %.1f m (ECEF %.1f %.1f %.1f)\n",
		res.LatDeg, res.LonDeg, res.AltM, res.ECEF[0], res.ECEF[1], res.ECEF[2])
	if res.BelowCutoff {
		fmt.Fprintf(out, "Below the %.0f km cutoff: field is zero\n", magfield.MinAltitudeM/1000)
		return nil
	}
	fmt.Fprintf(out, "Field (ECEF, T): %.6e %.6e %.6e\n", res.FieldT[0], res.FieldT[1], res.FieldT[2])
	fmt.Fprintf(out, "Field (NED, nT): N %.1f E %.1f D %.1f |B| %.1f\n", res.NorthNT, res.EastNT, res.DownNT, res.TotalNT)
	return nil
}

func evaluatePoint(ev *magfield.Evaluator, model string, p geodesy.Vec3) fieldResult {
	geo := geodesy.ECEFToGeodetic(p.X, p.Y, p.Z)
	s := ev.Sample(p)
	nT := s.Field.Mul(1e9)
	north, east, down := geodesy.ECEFToNED(nT, geo.LatDeg, geo.LonDeg)
	return fieldResult{
		Model:       model,
		DecimalYear: s.DecYear,
		LatDeg:      geo.LatDeg,
		LonDeg:      geo.LonDeg,
		AltM:        geo.AltM,
		ECEF:        [3]float64{p.X, p.Y, p.Z},
		FieldT:      [3]float64{s.Field.X, s.Field.Y, s.Field.Z},
		NorthNT:     north,
		EastNT:      east,
		DownNT:      down,
		TotalNT:     nT.Norm(),
		BelowCutoff: magfield.BelowCutoff(p),
	}
}

func parseECEF(raw string) (geodesy.Vec3, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return geodesy.Vec3{}, fmt.Errorf("--ecef wants x,y,z, got %q", raw)
	}
	var v [3]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geodesy.Vec3{}, fmt.Errorf("--ecef component %d: %w", i+1, err)
		}
		v[i] = f
	}
	return geodesy.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}

// evaluator builds the shared evaluator, optionally without the start-up
// reference comparison.
func (o *rootOptions) evaluator(ctx context.Context, skipSanity bool) (*magfield.Evaluator, error) {
	cfg := o.cfg
	if skipSanity {
		cfg = withoutSanity(cfg)
	}
	return worker.NewEvaluator(ctx, cfg, o.catalog)
}

func withoutSanity(cfg *config.Config) *config.Config {
	c := *cfg
	off := false
	c.Sanity.Enabled = &off
	return &c
}
