// Package geodesy converts between Earth-centered Earth-fixed (ECEF) positions
// and geodetic coordinates on the WGS-84 ellipsoid, and rotates vectors between
// the local North-East-Down frame and ECEF axes.
package geodesy

import "math"

// WGS-84 ellipsoid parameters.
const (
	WGS84A  = 6378137.0             // semi-major axis (meters)
	WGS84F  = 1.0 / 298.257223563   // flattening
	wgs84E2 = WGS84F * (2 - WGS84F) // first eccentricity squared
)

const maxGeodeticIterations = 10

// Geodetic holds latitude/longitude in degrees and altitude in meters above the ellipsoid.
type Geodetic struct {
	LatDeg, LonDeg, AltM float64
}

// ECEFToGeodetic converts ECEF coordinates (meters) to geodetic coordinates
// with Bowring's iteration. Converges in a handful of steps from ground level
// out to several Earth radii.
func ECEFToGeodetic(x, y, z float64) Geodetic {
	lon := math.Atan2(y, x)
	p := math.Hypot(x, y)

	lat := math.Atan2(z, p*(1-wgs84E2))
	for i := 0; i < maxGeodeticIterations; i++ {
		sinLat := math.Sin(lat)
		n := WGS84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		next := math.Atan2(z+wgs84E2*n*sinLat, p)
		if math.Abs(next-lat) < 1e-15 {
			lat = next
			break
		}
		lat = next
	}

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	n := WGS84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	var alt float64
	if math.Abs(cosLat) > 1e-10 {
		alt = p/cosLat - n
	} else {
		alt = math.Abs(z)/math.Abs(sinLat) - n*(1-wgs84E2)
	}

	return Geodetic{
		LatDeg: radToDeg(lat),
		LonDeg: radToDeg(lon),
		AltM:   alt,
	}
}

// GeodeticToECEF converts geodetic degrees/meters to an ECEF position in meters.
func GeodeticToECEF(latDeg, lonDeg, altM float64) Vec3 {
	lat := degToRad(latDeg)
	lon := degToRad(lonDeg)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	// Radius of curvature in the prime vertical.
	n := WGS84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	return Vec3{
		X: (n + altM) * cosLat * cosLon,
		Y: (n + altM) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + altM) * sinLat,
	}
}

// nedBasis returns the ECEF unit vectors of the local north, east and down axes.
func nedBasis(latDeg, lonDeg float64) (north, east, down Vec3) {
	sinLat, cosLat := math.Sincos(degToRad(latDeg))
	sinLon, cosLon := math.Sincos(degToRad(lonDeg))
	north = Vec3{X: -sinLat * cosLon, Y: -sinLat * sinLon, Z: cosLat}
	east = Vec3{X: -sinLon, Y: cosLon, Z: 0}
	down = Vec3{X: -cosLat * cosLon, Y: -cosLat * sinLon, Z: -sinLat}
	return north, east, down
}

// NEDToECEF re-expresses a local-level vector in ECEF axes. It is a pure
// rotation: no translation is applied, so it is only meaningful for vectors
// (field, velocity), never for positions.
func NEDToECEF(north, east, down, latDeg, lonDeg float64) Vec3 {
	n, e, d := nedBasis(latDeg, lonDeg)
	return n.Mul(north).Add(e.Mul(east)).Add(d.Mul(down))
}

// ECEFToNED is the inverse rotation of NEDToECEF.
func ECEFToNED(v Vec3, latDeg, lonDeg float64) (north, east, down float64) {
	n, e, d := nedBasis(latDeg, lonDeg)
	return v.Dot(n), v.Dot(e), v.Dot(d)
}
