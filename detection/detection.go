// Package detection buffers particle detections reported by the transport
// engine and appends them to a per-worker text file.
//
// A Recorder is owned by exactly one worker goroutine and is not safe for
// concurrent use. Each Recorder writes its own file, so workers never share a
// handle or a buffer.
package detection

import (
	"fmt"
	"strings"

	"tgfsim/geodesy"
)

// PDG particle codes the recorder cares about.
const (
	PhotonCode   = 22
	ElectronCode = 11
	PositronCode = -11
)

// Detection is one particle crossing the record altitude.
type Detection struct {
	Code           int // PDG numbering
	Time           float64
	Energy         float64
	RadialDistance float64
	TrackID        int
	ECEF           geodesy.Vec3
	Momentum       geodesy.Vec3 // direction
	Lat            float64
	Lon            float64
	Alt            float64 // meters
	Event          int
}

// IsLepton reports whether the detection is an electron or positron.
func (d Detection) IsLepton() bool {
	return d.Code == ElectronCode || d.Code == PositronCode
}

// Beaming is the source angular emission profile.
type Beaming int

const (
	Uniform Beaming = iota
	Gaussian
)

// ParseBeaming accepts the spellings used in settings files.
func ParseBeaming(name string) (Beaming, error) {
	switch strings.TrimSpace(name) {
	case "Uniform", "uniform":
		return Uniform, nil
	case "Gaussian", "gaussian", "normal", "Normal":
		return Gaussian, nil
	}
	return Uniform, fmt.Errorf("detection: unknown beaming %q (want Uniform or Gaussian)", name)
}

func (b Beaming) String() string {
	if b == Gaussian {
		return "Gaussian"
	}
	return "Uniform"
}

// Code is the numeric value written to output lines.
func (b Beaming) Code() int {
	return int(b)
}

// Source describes the emitting region; every field is echoed on each line.
type Source struct {
	AltitudeKm      float64
	OpeningAngleDeg float64
	TiltAngleDeg    float64
	Beaming         Beaming
	SigmaTime       float64
	LatDeg          float64
	LongDeg         float64
}

// Window restricts recording to a latitude/longitude box. Bounds are exclusive.
type Window struct {
	Enabled bool
	MinLat  float64
	MaxLat  float64
	MinLon  float64
	MaxLon  float64
}

// Contains applies strict inequalities on both axes. A disabled window
// contains everything.
func (w Window) Contains(lat, lon float64) bool {
	if !w.Enabled {
		return true
	}
	return lat > w.MinLat && lat < w.MaxLat && lon > w.MinLon && lon < w.MaxLon
}
