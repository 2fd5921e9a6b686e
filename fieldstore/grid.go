package fieldstore

import (
	"errors"
	"fmt"
	"math"

	"tgfsim/geodesy"
)

const gridBatchCap = 1024

// MaxGridNodes bounds a single tabulation.
const MaxGridNodes = 1 << 20

// ErrGridTooLarge is returned when a grid would exceed MaxGridNodes.
var ErrGridTooLarge = errors.New("fieldstore: grid too large")

// Field is the evaluator used to fill store misses.
type Field interface {
	Evaluate(p geodesy.Vec3) geodesy.Vec3
}

// GridSpec is a regular lat/lon grid at a single geodetic altitude. Bounds are
// inclusive.
type GridSpec struct {
	AltM    float64
	StepDeg float64
	MinLat  float64
	MaxLat  float64
	MinLon  float64
	MaxLon  float64
}

// GridPoint is one tabulated sample.
type GridPoint struct {
	LatDeg   float64
	LonDeg   float64
	AltM     float64
	Position geodesy.Vec3
	Field    geodesy.Vec3
	Stored   bool // served from the store
}

// Points returns the number of grid nodes along each axis.
func (g GridSpec) Points() (nLat, nLon int) {
	if g.StepDeg <= 0 {
		return 0, 0
	}
	nLat = int(math.Floor((g.MaxLat-g.MinLat)/g.StepDeg+1e-9)) + 1
	nLon = int(math.Floor((g.MaxLon-g.MinLon)/g.StepDeg+1e-9)) + 1
	if nLat < 0 {
		nLat = 0
	}
	if nLon < 0 {
		nLon = 0
	}
	return nLat, nLon
}

// nodeEstimate is the node count in floating point, so tiny steps cannot
// overflow the int conversion in Points. NaN bounds count as too large.
func (g GridSpec) nodeEstimate() float64 {
	if g.StepDeg <= 0 {
		return 0
	}
	lat := math.Floor((g.MaxLat-g.MinLat)/g.StepDeg) + 1
	lon := math.Floor((g.MaxLon-g.MinLon)/g.StepDeg) + 1
	n := lat * lon
	if math.IsNaN(n) {
		return math.Inf(1)
	}
	return n
}

// Purpose: Evaluate the field over a grid, reusing stored samples.
// Key aspects: Misses are evaluated and written back in batches. A nil store
// evaluates every node.
// Upstream: grid command.
// Downstream: Store.Get, Field.Evaluate, Store.PutBatch.
func Tabulate(s *Store, model string, decYear float64, field Field, spec GridSpec) ([]GridPoint, error) {
	if field == nil {
		return nil, errors.New("fieldstore: field is nil")
	}
	if n := spec.nodeEstimate(); n > MaxGridNodes {
		return nil, fmt.Errorf("%w: %.3g nodes, limit %d", ErrGridTooLarge, n, MaxGridNodes)
	}
	nLat, nLon := spec.Points()
	if nLat == 0 || nLon == 0 {
		return nil, errors.New("fieldstore: empty grid")
	}
	out := make([]GridPoint, 0, nLat*nLon)
	pending := make([]Entry, 0, gridBatchCap)
	for i := 0; i < nLat; i++ {
		lat := spec.MinLat + float64(i)*spec.StepDeg
		for j := 0; j < nLon; j++ {
			lon := spec.MinLon + float64(j)*spec.StepDeg
			p := geodesy.GeodeticToECEF(lat, lon, spec.AltM)
			pt := GridPoint{LatDeg: lat, LonDeg: lon, AltM: spec.AltM, Position: p}
			if s != nil {
				v, ok, err := s.Get(model, decYear, p)
				if err != nil {
					return nil, err
				}
				if ok {
					pt.Field = v
					pt.Stored = true
					out = append(out, pt)
					continue
				}
			}
			pt.Field = field.Evaluate(p)
			out = append(out, pt)
			if s == nil {
				continue
			}
			pending = append(pending, Entry{Model: model, DecYear: decYear, Position: p, Field: pt.Field})
			if len(pending) >= gridBatchCap {
				if err := s.PutBatch(pending); err != nil {
					return nil, err
				}
				pending = pending[:0]
			}
		}
	}
	if s != nil {
		if err := s.PutBatch(pending); err != nil {
			return nil, err
		}
	}
	return out, nil
}
