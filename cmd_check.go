package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"tgfsim/catalog"
	"tgfsim/magmodel"
	"tgfsim/sanity"
	"tgfsim/worker"
)

type checkOptions struct {
	*rootOptions
	References string
	History    int
}

type checkResult struct {
	Model       string  `json:"model"`
	DecimalYear float64 `json:"decimal_year"`
	References  string  `json:"references"`
	Samples     int     `json:"samples"`
	MaxDiffNT   float64 `json:"max_diff_nt"`
	MinValueNT  float64 `json:"min_value_nt"`
	ToleranceNT float64 `json:"tolerance_nt"`
	ElapsedMs   float64 `json:"elapsed_ms"`
}

type sanityRunJSON struct {
	Model       string   `json:"model"`
	DecimalYear float64  `json:"decimal_year"`
	Samples     int      `json:"samples"`
	MaxDiffNT   *float64 `json:"max_diff_nt"`
	Passed      bool     `json:"passed"`
	Detail      string   `json:"detail,omitempty"`
	CheckedAt   string   `json:"checked_at"`
}

func newCheckCommand(root *rootOptions) *cobra.Command {
	opts := &checkOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the field model against reference samples",
		Long: `Run the reference comparison for the configured model and date.

Any component deviating by more than the tolerance fails the check and the
command exits with status 1. Only IGRF has a reference table; other models
need --references. The coefficient files and the reference table are not part
of this repository; field.data_dir and sanity.path must point at a copy.

Examples:
  tgfsim check
  tgfsim check --references mag_data/sanity_check/values_to_check.txt
  tgfsim check --history 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.History > 0 {
				return runCheckHistory(cmd.Context(), opts, cmd)
			}
			return runCheck(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.References, "references", "", "reference sample file (default from config)")
	cmd.Flags().IntVar(&opts.History, "history", 0, "list the last N recorded checks instead of running one")
	return cmd
}

func runCheck(ctx context.Context, opts *checkOptions, cmd *cobra.Command) error {
	cfg := withoutSanity(opts.cfg)
	if opts.References != "" {
		cfg.Sanity.Path = opts.References
	} else if kind, err := magmodel.ParseKind(cfg.Field.Model); err == nil && !sanity.Applies(kind) {
		return fmt.Errorf("no reference samples for %s; pass --references", kind)
	}
	ev, err := worker.NewEvaluator(ctx, cfg, opts.catalog)
	if err != nil {
		return err
	}
	rep, err := worker.RunSanity(ctx, cfg, ev, opts.catalog)
	if err != nil {
		return err
	}
	res := checkResult{
		Model:       cfg.Field.Model,
		DecimalYear: ev.DecYear(),
		References:  cfg.Sanity.Path,
		Samples:     rep.Samples,
		MaxDiffNT:   rep.MaxDiffNT,
		MinValueNT:  rep.MinValueNT,
		ToleranceNT: sanity.ToleranceNT,
		ElapsedMs:   float64(rep.Elapsed.Microseconds()) / 1000,
	}
	if opts.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d samples, max difference %.3f nT (tolerance %.0f nT), min value %.3f nT, %s\n",
		res.Samples, res.MaxDiffNT, res.ToleranceNT, res.MinValueNT, rep.Elapsed.Round(time.Microsecond))
	return nil
}

func runCheckHistory(ctx context.Context, opts *checkOptions, cmd *cobra.Command) error {
	if opts.catalog == nil {
		return fmt.Errorf("no catalog configured; set catalog.path")
	}
	runs, err := opts.catalog.SanityRuns(ctx, opts.History)
	if err != nil {
		return err
	}
	if opts.jsonOutput() {
		out := make([]sanityRunJSON, 0, len(runs))
		for _, r := range runs {
			out = append(out, toSanityRunJSON(r))
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No checks recorded")
		return nil
	}
	for _, r := range runs {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s %s %.4f samples=%d max=%.3fnT",
			r.CheckedAt.UTC().Format(time.RFC3339), status, r.Model, r.DecimalYear, r.Samples, r.MaxDiffNT)
		if r.Detail != "" {
			fmt.Fprintf(w, " (%s)", r.Detail)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// finiteOrNil maps NaN and Inf to JSON null.
func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func toSanityRunJSON(r catalog.SanityRun) sanityRunJSON {
	return sanityRunJSON{
		Model:       r.Model,
		DecimalYear: r.DecimalYear,
		Samples:     r.Samples,
		MaxDiffNT:   finiteOrNil(r.MaxDiffNT),
		Passed:      r.Passed,
		Detail:      r.Detail,
		CheckedAt:   r.CheckedAt.UTC().Format(time.RFC3339),
	}
}
