package detection

import (
	"fmt"
	"strconv"
	"strings"

	"tgfsim/geodesy"
)

// FieldCount is the number of space-separated values on every output line.
const FieldCount = 22

// Purpose: Render one detection as an output line.
// Key aspects: Floats use 5-digit scientific notation; identifiers, event,
// track, particle code and beaming code are integers. Altitude is written in km.
// Upstream: Recorder.Record.
// Downstream: strconv.AppendFloat / AppendInt.
func appendLine(buf []byte, id int64, src Source, d Detection) []byte {
	f := func(v float64) {
		buf = strconv.AppendFloat(buf, v, 'e', 5, 64)
		buf = append(buf, ' ')
	}
	i := func(v int64) {
		buf = strconv.AppendInt(buf, v, 10)
		buf = append(buf, ' ')
	}
	i(id)
	f(src.AltitudeKm)
	f(src.OpeningAngleDeg)
	f(src.TiltAngleDeg)
	i(int64(d.Event))
	i(int64(d.TrackID))
	i(int64(d.Code))
	f(d.Time)
	f(d.Energy)
	f(d.Alt / 1000.0)
	f(d.Lat)
	f(d.Lon)
	f(d.RadialDistance)
	f(d.ECEF.X)
	f(d.ECEF.Y)
	f(d.ECEF.Z)
	f(d.Momentum.X)
	f(d.Momentum.Y)
	f(d.Momentum.Z)
	i(int64(src.Beaming.Code()))
	f(src.LatDeg)
	buf = strconv.AppendFloat(buf, src.LongDeg, 'e', 5, 64)
	return append(buf, '\n')
}

// Line is a decoded output line.
type Line struct {
	RunID     int64
	Source    Source
	Detection Detection
}

// ParseLine decodes a line previously produced by a Recorder. Values are
// subject to the 5-digit rounding of the output format.
func ParseLine(line string) (Line, error) {
	fields := strings.Fields(line)
	if len(fields) != FieldCount {
		return Line{}, fmt.Errorf("detection: expected %d fields, got %d", FieldCount, len(fields))
	}
	var out Line
	var err error
	intAt := func(idx int) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = strconv.ParseInt(fields[idx], 10, 64)
		if err != nil {
			err = fmt.Errorf("detection: field %d: %w", idx+1, err)
		}
		return v
	}
	floatAt := func(idx int) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = strconv.ParseFloat(fields[idx], 64)
		if err != nil {
			err = fmt.Errorf("detection: field %d: %w", idx+1, err)
		}
		return v
	}

	out.RunID = intAt(0)
	out.Source.AltitudeKm = floatAt(1)
	out.Source.OpeningAngleDeg = floatAt(2)
	out.Source.TiltAngleDeg = floatAt(3)
	d := &out.Detection
	d.Event = int(intAt(4))
	d.TrackID = int(intAt(5))
	d.Code = int(intAt(6))
	d.Time = floatAt(7)
	d.Energy = floatAt(8)
	d.Alt = floatAt(9) * 1000.0
	d.Lat = floatAt(10)
	d.Lon = floatAt(11)
	d.RadialDistance = floatAt(12)
	d.ECEF = geodesy.Vec3{X: floatAt(13), Y: floatAt(14), Z: floatAt(15)}
	d.Momentum = geodesy.Vec3{X: floatAt(16), Y: floatAt(17), Z: floatAt(18)}
	out.Source.Beaming = Beaming(intAt(19))
	out.Source.LatDeg = floatAt(20)
	out.Source.LongDeg = floatAt(21)
	if err != nil {
		return Line{}, err
	}
	if out.Source.Beaming != Uniform && out.Source.Beaming != Gaussian {
		return Line{}, fmt.Errorf("detection: invalid beaming code %d", out.Source.Beaming)
	}
	return out, nil
}
