// Package magfield answers "what is the geomagnetic field vector at this ECEF
// point" for the transport engine's field-integration step.
//
// Evaluator is immutable after construction and may be shared between
// workers. Cached keeps the last point/value pair and must be owned by a
// single worker.
package magfield

import (
	"fmt"

	"tgfsim/geodesy"
)

const (
	// EarthMeanRadiusM is subtracted from |p| for the altitude gate.
	EarthMeanRadiusM = 6371000.0
	// MinAltitudeM is the altitude below which the field is treated as zero.
	MinAltitudeM = 30000.0

	nanoTesla = 1e-9
)

// FieldModel is the spherical-harmonic model contract: geodetic inputs,
// north/east/down output in nanotesla.
type FieldModel interface {
	FieldNED(decYear, latDeg, lonDeg, altM float64) (north, east, down float64)
}

// Field is the inbound surface used by the transport engine.
type Field interface {
	Evaluate(p geodesy.Vec3) geodesy.Vec3
}

// Sample is the result of one evaluation tagged with its inputs.
type Sample struct {
	Position geodesy.Vec3
	Field    geodesy.Vec3 // tesla, ECEF axes
	DecYear  float64
}

// FatalError reports a non-finite field value. The model is outside its
// domain; the run must stop.
type FatalError struct {
	Position geodesy.Vec3
	Field    geodesy.Vec3
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("magfield: non-finite field %+v at ECEF %+v", e.Field, e.Position)
}

// identified is implemented by models that can name their coefficient set.
type identified interface {
	Name() string
	Epoch() float64
	Fingerprint() uint64
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithNumericChecks toggles the NaN/Inf guard on every computed component.
func WithNumericChecks(enabled bool) Option {
	return func(e *Evaluator) { e.checks = enabled }
}

// WithAbort replaces the hook invoked with a *FatalError. The default panics
// with the error so the owning worker can flush and exit.
func WithAbort(abort func(error)) Option {
	return func(e *Evaluator) {
		if abort != nil {
			e.abort = abort
		}
	}
}

// Evaluator converts ECEF points to geodetic, queries the model, and rotates the
// result back to ECEF in tesla.
type Evaluator struct {
	model   FieldModel
	decYear float64
	checks  bool
	abort   func(error)
}

// DecimalYear matches the date convention of the model tables: month/12 plus day/365.25.
func DecimalYear(year, month, day int) float64 {
	return float64(year) + float64(month)/12.0 + float64(day)/365.25
}

// New builds an evaluator pinned to a single decimal-year date for its lifetime.
func New(model FieldModel, decYear float64, opts ...Option) *Evaluator {
	e := &Evaluator{
		model:   model,
		decYear: decYear,
		checks:  true,
		abort:   panicAbort,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func panicAbort(err error) {
	panic(err)
}

// DecYear returns the fixed evaluation date.
func (e *Evaluator) DecYear() float64 {
	return e.decYear
}

// ModelID names the loaded coefficient set for use as a cache key. Models
// that cannot identify themselves fall back to their Go type name.
func (e *Evaluator) ModelID() string {
	if m, ok := e.model.(identified); ok {
		return fmt.Sprintf("%s/%.3f/%016x", m.Name(), m.Epoch(), m.Fingerprint())
	}
	return fmt.Sprintf("%T", e.model)
}

// Evaluate returns the field in tesla at an ECEF point in meters. Points less
// than MinAltitudeM above the mean Earth radius get the exact zero vector and
// the model is not queried.
func (e *Evaluator) Evaluate(p geodesy.Vec3) geodesy.Vec3 {
	if BelowCutoff(p) {
		return geodesy.Vec3{}
	}
	return e.Components(p)
}

// Sample is Evaluate with the inputs attached.
func (e *Evaluator) Sample(p geodesy.Vec3) Sample {
	return Sample{Position: p, Field: e.Evaluate(p), DecYear: e.decYear}
}

// Components evaluates the model without the altitude gate.
func (e *Evaluator) Components(p geodesy.Vec3) geodesy.Vec3 {
	geo := geodesy.ECEFToGeodetic(p.X, p.Y, p.Z)
	north, east, down := e.model.FieldNED(e.decYear, geo.LatDeg, geo.LonDeg, geo.AltM)
	out := geodesy.NEDToECEF(north, east, down, geo.LatDeg, geo.LonDeg).Mul(nanoTesla)
	e.check(p, out)
	return out
}

func (e *Evaluator) check(p, out geodesy.Vec3) {
	if !e.checks || out.IsFinite() {
		return
	}
	e.abort(&FatalError{Position: p, Field: out})
}

// BelowCutoff reports whether p lies under the altitude gate.
func BelowCutoff(p geodesy.Vec3) bool {
	return p.Norm()-EarthMeanRadiusM < MinAltitudeM
}
