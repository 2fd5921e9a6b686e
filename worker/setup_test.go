package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tgfsim/catalog"
	"tgfsim/config"
	"tgfsim/geodesy"
	"tgfsim/magfield"
	"tgfsim/magmodel"
	"tgfsim/sanity"
)

var igrfTestCoefficients = []magmodel.Coefficient{
	{N: 1, M: 0, G: -29442.0, GDot: 10.3},
	{N: 1, M: 1, G: -1501.0, H: 4797.1, GDot: 18.1, HDot: -26.6},
	{N: 2, M: 0, G: -2445.1, GDot: -8.7},
	{N: 2, M: 1, G: 3012.9, H: -2845.6, GDot: -3.3, HDot: -27.4},
	{N: 2, M: 2, G: 1676.7, H: -641.9, GDot: 2.1, HDot: -14.1},
}

// writeDataDir lays out igrf12.cof plus a reference file computed from the
// same coefficients, shifting one Z component by offsetNT.
func writeDataDir(t *testing.T, decYear, offsetNT float64) (dataDir, refPath string) {
	t.Helper()
	dataDir = t.TempDir()
	var buf bytes.Buffer
	if err := magmodel.WriteCOF(&buf, 2015.0, "IGRF-12", igrfTestCoefficients); err != nil {
		t.Fatalf("write cof: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "igrf12.cof"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write cof file: %v", err)
	}
	model, err := magmodel.New("IGRF-12", 2015.0, igrfTestCoefficients)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	ev := magfield.New(model, decYear)
	var b strings.Builder
	for i, lat := range []float64{-60, -20, 20, 60} {
		p := geodesy.GeodeticToECEF(lat, 30*float64(i), 80000)
		f := ev.Components(p)
		if i == 2 {
			f.Z += offsetNT * 1e-9
		}
		fmt.Fprintf(&b, "%.6f %.6f %.6f %.12e %.12e %.12e\n", p.X, p.Y, p.Z, f.X, f.Y, f.Z)
	}
	refPath = filepath.Join(dataDir, "sanity_check", "values_to_check.txt")
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(refPath, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write references: %v", err)
	}
	return dataDir, refPath
}

func testConfig(t *testing.T, offsetNT float64) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	dataDir, refPath := writeDataDir(t, cfg.DecimalYear(), offsetNT)
	cfg.Field.DataDir = dataDir
	cfg.Sanity.Path = refPath
	return cfg
}

func openCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestNewEvaluatorRunsSanityCheck(t *testing.T) {
	cfg := testConfig(t, 0)
	cat := openCatalog(t)
	ev, err := NewEvaluator(context.Background(), cfg, cat)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	if ev.DecYear() != cfg.DecimalYear() {
		t.Fatalf("unexpected decimal year %v", ev.DecYear())
	}
	runs, err := cat.SanityRuns(context.Background(), 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one sanity row, got %d (%v)", len(runs), err)
	}
	if !runs[0].Passed || runs[0].Samples != 4 {
		t.Fatalf("unexpected sanity row %+v", runs[0])
	}
}

func TestNewEvaluatorFailsOnDeviation(t *testing.T) {
	cfg := testConfig(t, 25)
	cat := openCatalog(t)
	_, err := NewEvaluator(context.Background(), cfg, cat)
	var dev *sanity.DeviationError
	if !errors.As(err, &dev) {
		t.Fatalf("expected DeviationError, got %v", err)
	}
	runs, _ := cat.SanityRuns(context.Background(), 0)
	if len(runs) != 1 || runs[0].Passed || runs[0].Detail == "" {
		t.Fatalf("expected failed sanity row, got %+v", runs)
	}
}

func TestNewEvaluatorFailsOnMissingReferences(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Sanity.Path = filepath.Join(t.TempDir(), "absent.txt")
	_, err := NewEvaluator(context.Background(), cfg, nil)
	if !errors.Is(err, sanity.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestNewEvaluatorSkipsSanityForOtherModels(t *testing.T) {
	cfg := testConfig(t, 1000)
	src := filepath.Join(cfg.Field.DataDir, "igrf12.cof")
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Field.DataDir, "wmm2015.cof"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Field.Model = "wmm"
	if _, err := NewEvaluator(context.Background(), cfg, nil); err != nil {
		t.Fatalf("expected WMM to skip the IGRF references, got %v", err)
	}
}

func TestNewEvaluatorFailsOnMissingModelFile(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Field.Model = "EMM"
	if _, err := NewEvaluator(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected load error for missing emm2017.cof")
	}
}
