// Package sanity validates a field model against pre-computed reference
// samples before a run starts. A model that disagrees with the references by
// more than the tolerance must not be used.
package sanity

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"tgfsim/geodesy"
	"tgfsim/magmodel"
)

// ToleranceNT is the largest acceptable componentwise deviation in nanotesla.
// Relative error is not used: near-zero reference components make it exceed 80%.
const ToleranceNT = 16.0

// DefaultPath is where the IGRF reference samples are expected. The file is
// not part of this repository; it is supplied with the coefficient files
// under mag_data.
const DefaultPath = "./mag_data/sanity_check/values_to_check.txt"

// ErrEmptyDataset is returned when no reference sample could be loaded. An
// empty dataset would otherwise pass trivially.
var ErrEmptyDataset = errors.New("sanity: reference dataset is empty")

// Reference is one (position, expected field) pair: meters and tesla, ECEF axes.
type Reference struct {
	Position geodesy.Vec3
	Expected geodesy.Vec3
}

// Dataset is read-only after load.
type Dataset []Reference

// FieldFunc evaluates the field (tesla, ECEF) without any altitude gate.
type FieldFunc func(p geodesy.Vec3) geodesy.Vec3

// Report summarizes a check.
type Report struct {
	Samples    int
	MaxDiffNT  float64
	MinValueNT float64
	Elapsed    time.Duration
}

// DeviationError identifies the first reference sample outside tolerance.
type DeviationError struct {
	Index     int
	Position  geodesy.Vec3
	DiffNT    [3]float64
	Tolerance float64
}

func (e *DeviationError) Error() string {
	return fmt.Sprintf("sanity: sample %d at %+v deviates by %.3f %.3f %.3f nT (tolerance %.1f nT)",
		e.Index, e.Position, e.DiffNT[0], e.DiffNT[1], e.DiffNT[2], e.Tolerance)
}

// LoadDataset reads a reference file from disk.
func LoadDataset(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sanity: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadDataset(f)
}

// ReadDataset parses rows of six whitespace-separated floats "x y z Bx By Bz".
// Blank lines and lines starting with '#' are skipped.
func ReadDataset(r io.Reader) (Dataset, error) {
	var ds Dataset
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("sanity: line %d: expected 6 values, got %d", lineNo, len(fields))
		}
		var v [6]float64
		for i, f := range fields {
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("sanity: line %d: %w", lineNo, err)
			}
			v[i] = x
		}
		ds = append(ds, Reference{
			Position: geodesy.Vec3{X: v[0], Y: v[1], Z: v[2]},
			Expected: geodesy.Vec3{X: v[3], Y: v[4], Z: v[5]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sanity: read: %w", err)
	}
	return ds, nil
}

// Run evaluates every reference and compares componentwise in nanotesla. The
// first component beyond tol, or any non-finite difference, stops the check
// with a *DeviationError.
func Run(field FieldFunc, ds Dataset, tol float64) (Report, error) {
	if tol <= 0 {
		tol = ToleranceNT
	}
	rep := Report{MinValueNT: math.Inf(1)}
	if len(ds) == 0 {
		return rep, ErrEmptyDataset
	}
	start := time.Now()
	for i, ref := range ds {
		got := field(ref.Position)
		diff := [3]float64{
			math.Abs(ref.Expected.X-got.X) * 1e9,
			math.Abs(ref.Expected.Y-got.Y) * 1e9,
			math.Abs(ref.Expected.Z-got.Z) * 1e9,
		}
		for k, d := range diff {
			if d > rep.MaxDiffNT || math.IsNaN(d) {
				rep.MaxDiffNT = d
			}
			if v := math.Abs(component(ref.Expected, k)) * 1e9; v < rep.MinValueNT {
				rep.MinValueNT = v
			}
		}
		rep.Samples++
		if !within(diff, tol) {
			rep.Elapsed = time.Since(start)
			return rep, &DeviationError{Index: i, Position: ref.Position, DiffNT: diff, Tolerance: tol}
		}
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// within is false for NaN as well as for values above tol.
func within(diff [3]float64, tol float64) bool {
	return diff[0] <= tol && diff[1] <= tol && diff[2] <= tol
}

// Check loads path and runs the comparison. A missing or empty file fails.
func Check(field FieldFunc, path string, tol float64) (Report, error) {
	ds, err := LoadDataset(path)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrEmptyDataset, err)
	}
	rep, err := Run(field, ds, tol)
	if err != nil {
		return rep, err
	}
	log.Printf("Sanity: magnetic field check OK (%d samples, max difference %.3f nT, min value %.3f nT, %s)",
		rep.Samples, rep.MaxDiffNT, rep.MinValueNT, rep.Elapsed.Round(time.Microsecond))
	return rep, nil
}

func component(v geodesy.Vec3, k int) float64 {
	switch k {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// Applies reports whether reference samples are defined for the model kind.
// Only IGRF has a reference table.
func Applies(kind magmodel.Kind) bool {
	return kind == magmodel.IGRF
}
