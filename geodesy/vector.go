package geodesy

import "math"

const (
	radDeg = 180 / math.Pi
	degRad = math.Pi / 180
)

// Vec3 is a Cartesian triple. Positions are meters, field vectors are whatever
// unit the caller carries through (nT or T).
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Mul(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Norm2 is the squared length; cheaper than Norm for radius comparisons.
func (v Vec3) Norm2() float64 {
	return v.Dot(v)
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// IsFinite reports whether no component is NaN or infinite.
func (v Vec3) IsFinite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func degToRad(deg float64) float64 {
	return deg * degRad
}

func radToDeg(rad float64) float64 {
	return rad * radDeg
}
