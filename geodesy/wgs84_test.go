package geodesy

import (
	"math"
	"testing"
)

func TestGeodeticRoundTrip(t *testing.T) {
	tests := []struct {
		name          string
		lat, lon, alt float64
	}{
		{name: "equator prime meridian", lat: 0, lon: 0, alt: 0},
		{name: "mid latitude", lat: 45.5, lon: -73.6, alt: 35000},
		{name: "southern high altitude", lat: -62.25, lon: 140.1, alt: 400000},
		{name: "near pole", lat: 89.999, lon: 12, alt: 80000},
		{name: "date line", lat: 10, lon: 180, alt: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := GeodeticToECEF(tt.lat, tt.lon, tt.alt)
			got := ECEFToGeodetic(p.X, p.Y, p.Z)
			if math.Abs(got.LatDeg-tt.lat) > 1e-9 {
				t.Fatalf("lat: got %.12f want %.12f", got.LatDeg, tt.lat)
			}
			if math.Abs(math.Remainder(got.LonDeg-tt.lon, 360)) > 1e-9 {
				t.Fatalf("lon: got %.12f want %.12f", got.LonDeg, tt.lon)
			}
			if math.Abs(got.AltM-tt.alt) > 1e-3 {
				t.Fatalf("alt: got %.6f want %.6f", got.AltM, tt.alt)
			}
		})
	}
}

func TestECEFToGeodeticOnAxis(t *testing.T) {
	b := WGS84A * (1 - WGS84F)
	got := ECEFToGeodetic(0, 0, b+50000)
	if math.Abs(got.LatDeg-90) > 1e-9 {
		t.Fatalf("expected north pole, got lat %v", got.LatDeg)
	}
	if math.Abs(got.AltM-50000) > 1e-3 {
		t.Fatalf("expected 50 km altitude, got %v", got.AltM)
	}
}

func TestNEDToECEFAtEquator(t *testing.T) {
	// At (0,0) north is +Z, east is +Y and down is -X.
	got := NEDToECEF(1, 2, 3, 0, 0)
	want := Vec3{X: -3, Y: 2, Z: 1}
	if got.Sub(want).Norm() > 1e-12 {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestNEDRotationRoundTrip(t *testing.T) {
	v := Vec3{X: 21000.5, Y: -3400.25, Z: 41000}
	for lat := -90.0; lat <= 90; lat += 15 {
		for lon := -180.0; lon < 180; lon += 30 {
			n, e, d := ECEFToNED(v, lat, lon)
			back := NEDToECEF(n, e, d, lat, lon)
			if back.Sub(v).Norm() > 1e-8 {
				t.Fatalf("lat=%v lon=%v: got %+v want %+v", lat, lon, back, v)
			}
			// A rotation preserves length.
			if math.Abs(math.Sqrt(n*n+e*e+d*d)-v.Norm()) > 1e-8 {
				t.Fatalf("lat=%v lon=%v: length changed", lat, lon)
			}
		}
	}
}

func TestVec3IsFinite(t *testing.T) {
	if !(Vec3{X: 1, Y: 2, Z: 3}).IsFinite() {
		t.Fatalf("expected finite")
	}
	if (Vec3{X: math.NaN()}).IsFinite() {
		t.Fatalf("NaN must not be finite")
	}
	if (Vec3{Z: math.Inf(-1)}).IsFinite() {
		t.Fatalf("Inf must not be finite")
	}
}
