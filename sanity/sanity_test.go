package sanity

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tgfsim/geodesy"
	"tgfsim/magfield"
	"tgfsim/magmodel"
)

func testEvaluator(t *testing.T) *magfield.Evaluator {
	t.Helper()
	model, err := magmodel.New("IGRF-TEST", 2015, []magmodel.Coefficient{
		{N: 1, M: 0, G: -29442.0, GDot: 10.3},
		{N: 1, M: 1, G: -1501.0, H: 4797.1, GDot: 18.1, HDot: -26.6},
		{N: 2, M: 0, G: -2445.1, GDot: -8.7},
		{N: 2, M: 1, G: 3012.9, H: -2845.6, GDot: -3.3, HDot: -27.4},
		{N: 2, M: 2, G: 1676.7, H: -641.9, GDot: 2.1, HDot: -14.1},
	})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return magfield.New(model, magfield.DecimalYear(2016, 2, 10))
}

// writeReferences evaluates points and writes them, optionally perturbing one
// component of the row at index bad by offsetNT.
func writeReferences(t *testing.T, ev *magfield.Evaluator, bad int, offsetNT float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("# x y z Bx By Bz\n")
	i := 0
	for lat := -80.0; lat <= 80; lat += 40 {
		for lon := -150.0; lon <= 150; lon += 100 {
			p := geodesy.GeodeticToECEF(lat, lon, 60000+500*lat)
			f := ev.Components(p)
			if i == bad {
				f.Y += offsetNT * 1e-9
			}
			fmt.Fprintf(&b, "%.6f %.6f %.6f %.12e %.12e %.12e\n", p.X, p.Y, p.Z, f.X, f.Y, f.Z)
			i++
		}
	}
	path := filepath.Join(t.TempDir(), "values_to_check.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write references: %v", err)
	}
	return path
}

func TestCheckPassesOnMatchingReferences(t *testing.T) {
	ev := testEvaluator(t)
	path := writeReferences(t, ev, -1, 0)
	rep, err := Check(ev.Components, path, ToleranceNT)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rep.Samples != 20 {
		t.Fatalf("expected 20 samples, got %d", rep.Samples)
	}
	if rep.MaxDiffNT > 1e-3 {
		t.Fatalf("expected negligible deviation, got %v nT", rep.MaxDiffNT)
	}
	if rep.MinValueNT <= 0 || rep.MinValueNT > 70000 {
		t.Fatalf("unexpected min value %v nT", rep.MinValueNT)
	}
}

func TestCheckToleratesSmallDeviation(t *testing.T) {
	ev := testEvaluator(t)
	path := writeReferences(t, ev, 3, 10)
	rep, err := Check(ev.Components, path, ToleranceNT)
	if err != nil {
		t.Fatalf("expected 10 nT to pass, got %v", err)
	}
	if rep.MaxDiffNT < 9.9 || rep.MaxDiffNT > 10.1 {
		t.Fatalf("expected max diff ~10 nT, got %v", rep.MaxDiffNT)
	}
}

func TestCheckFailsBeyondTolerance(t *testing.T) {
	ev := testEvaluator(t)
	path := writeReferences(t, ev, 7, 20)
	rep, err := Check(ev.Components, path, ToleranceNT)
	var dev *DeviationError
	if !errors.As(err, &dev) {
		t.Fatalf("expected DeviationError, got %v", err)
	}
	if dev.Index != 7 || dev.DiffNT[1] < 19.9 {
		t.Fatalf("unexpected deviation %+v", dev)
	}
	if rep.Samples != 8 {
		t.Fatalf("expected check to stop at sample 8, got %d", rep.Samples)
	}
}

func TestRunFailsOnNonFiniteField(t *testing.T) {
	ds := Dataset{{
		Position: geodesy.Vec3{X: 6471000},
		Expected: geodesy.Vec3{X: 1e-5, Y: 2e-5, Z: -3e-5},
	}}
	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		field := func(geodesy.Vec3) geodesy.Vec3 {
			return geodesy.Vec3{X: bad, Y: bad, Z: bad}
		}
		rep, err := Run(field, ds, ToleranceNT)
		var dev *DeviationError
		if !errors.As(err, &dev) {
			t.Fatalf("field %v: expected DeviationError, got %v (report %+v)", bad, err, rep)
		}
		if dev.Index != 0 {
			t.Fatalf("field %v: expected first sample to fail, got index %d", bad, dev.Index)
		}
		if !math.IsNaN(rep.MaxDiffNT) && !math.IsInf(rep.MaxDiffNT, 1) {
			t.Fatalf("field %v: max difference should be non-finite, got %v", bad, rep.MaxDiffNT)
		}
	}
}

func TestCheckRejectsMissingOrEmptyDataset(t *testing.T) {
	ev := testEvaluator(t)
	_, err := Check(ev.Components, filepath.Join(t.TempDir(), "missing.txt"), ToleranceNT)
	if !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset for missing file, got %v", err)
	}
	empty := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(empty, []byte("# nothing\n\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = Check(ev.Components, empty, ToleranceNT)
	if !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset for empty file, got %v", err)
	}
}

func TestReadDatasetRejectsMalformedRow(t *testing.T) {
	_, err := ReadDataset(strings.NewReader("1 2 3 4 5 6\n1 2 3 4 5\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
	_, err = ReadDataset(strings.NewReader("1 2 3 4 5 x\n"))
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestApplies(t *testing.T) {
	if !Applies(magmodel.IGRF) || Applies(magmodel.WMM) || Applies(magmodel.EMM) {
		t.Fatalf("only IGRF has reference data")
	}
}
