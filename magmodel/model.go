// Package magmodel evaluates spherical-harmonic geomagnetic models (WMM, EMM,
// IGRF) from Gauss coefficient files and returns the field in the geodetic
// North-East-Down frame, in nanotesla.
package magmodel

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/zeebo/xxh3"

	"tgfsim/geodesy"
)

// ReferenceRadiusM is the geomagnetic reference radius of the Gauss coefficients.
const ReferenceRadiusM = 6371200.0

const (
	wgs84E2     = geodesy.WGS84F * (2 - geodesy.WGS84F)
	minSinColat = 1e-12
)

// Model holds one set of Gauss coefficients with linear secular variation.
// It is immutable after construction and safe for concurrent queries.
type Model struct {
	name      string
	kind      Kind
	epoch     float64
	maxDegree int

	// Flattened by idx(n, m) = n(n+1)/2 + m.
	g, h, gDot, hDot []float64
	fingerprint      uint64

	scratch sync.Pool
}

type workspace struct {
	p, dp      []float64
	cosM, sinM []float64
	ratioPow   []float64
}

// Open loads the coefficient file for kind from dataDir (<dataDir>/<file>.cof).
func Open(kind Kind, dataDir string) (*Model, error) {
	file := kind.FileName()
	if file == "" {
		return nil, &ConfigError{Name: string(kind), Suggestion: suggestKind(string(kind))}
	}
	path := filepath.Join(dataDir, file+".cof")
	epoch, name, coeffs, err := loadCOF(path)
	if err != nil {
		return nil, fmt.Errorf("magmodel: load %s: %w", kind, err)
	}
	m, err := New(name, epoch, coeffs)
	if err != nil {
		return nil, err
	}
	m.kind = kind
	return m, nil
}

// New builds a model from in-memory coefficients.
func New(name string, epoch float64, coeffs []Coefficient) (*Model, error) {
	if len(coeffs) == 0 {
		return nil, errNoCoefficients
	}
	maxDegree := 0
	for _, c := range coeffs {
		if c.N < 1 || c.M < 0 || c.M > c.N {
			return nil, fmt.Errorf("magmodel: invalid degree/order n=%d m=%d", c.N, c.M)
		}
		if c.N > maxDegree {
			maxDegree = c.N
		}
	}
	size := idx(maxDegree, maxDegree) + 1
	m := &Model{
		name:      name,
		epoch:     epoch,
		maxDegree: maxDegree,
		g:         make([]float64, size),
		h:         make([]float64, size),
		gDot:      make([]float64, size),
		hDot:      make([]float64, size),
	}
	for _, c := range coeffs {
		i := idx(c.N, c.M)
		m.g[i] = c.G
		m.h[i] = c.H
		m.gDot[i] = c.GDot
		m.hDot[i] = c.HDot
	}
	m.fingerprint = fingerprint(epoch, m.g, m.h, m.gDot, m.hDot)
	m.scratch.New = func() any {
		return &workspace{
			p:        make([]float64, size),
			dp:       make([]float64, size),
			cosM:     make([]float64, maxDegree+1),
			sinM:     make([]float64, maxDegree+1),
			ratioPow: make([]float64, maxDegree+1),
		}
	}
	return m, nil
}

// fingerprint hashes the epoch and every coefficient table.
func fingerprint(epoch float64, tables ...[]float64) uint64 {
	buf := binary.LittleEndian.AppendUint64(nil, math.Float64bits(epoch))
	for _, t := range tables {
		for _, v := range t {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return xxh3.Hash(buf)
}

func idx(n, m int) int {
	return n*(n+1)/2 + m
}

func (m *Model) Name() string { return m.name }

// Fingerprint identifies the coefficient set, independent of the file name.
func (m *Model) Fingerprint() uint64 { return m.fingerprint }
func (m *Model) Kind() Kind { return m.kind }
func (m *Model) Epoch() float64 { return m.epoch }
func (m *Model) MaxDegree() int { return m.maxDegree }

// FieldNED returns the main field at a geodetic position in nanotesla, as
// north, east and down components in the geodetic frame.
func (m *Model) FieldNED(decYear, latDeg, lonDeg, altM float64) (north, east, down float64) {
	dt := decYear - m.epoch

	// Geodetic to geocentric spherical.
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	rc := geodesy.WGS84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	xp := (rc + altM) * cosLat
	zp := (rc*(1-wgs84E2) + altM) * sinLat
	r := math.Hypot(xp, zp)
	latGC := math.Asin(zp / r)

	// Colatitude terms. Clamp sin away from zero so the east component stays finite at the poles.
	cosT := math.Sin(latGC)
	sinT := math.Cos(latGC)
	if sinT < minSinColat {
		sinT = minSinColat
	}

	ws := m.scratch.Get().(*workspace)
	defer m.scratch.Put(ws)
	m.legendre(ws, cosT, sinT)

	sinLon, cosLon := math.Sincos(lon)
	ws.cosM[0], ws.sinM[0] = 1, 0
	for k := 1; k <= m.maxDegree; k++ {
		ws.cosM[k] = ws.cosM[k-1]*cosLon - ws.sinM[k-1]*sinLon
		ws.sinM[k] = ws.sinM[k-1]*cosLon + ws.cosM[k-1]*sinLon
	}

	ratio := ReferenceRadiusM / r
	ws.ratioPow[0] = ratio * ratio
	for n := 1; n <= m.maxDegree; n++ {
		ws.ratioPow[n] = ws.ratioPow[n-1] * ratio
	}

	var br, bt, bp float64
	for n := 1; n <= m.maxDegree; n++ {
		// (a/r)^(n+2)
		scale := ws.ratioPow[n]
		var sr, st, sp float64
		for k := 0; k <= n; k++ {
			i := idx(n, k)
			g := m.g[i] + dt*m.gDot[i]
			h := m.h[i] + dt*m.hDot[i]
			gc := g*ws.cosM[k] + h*ws.sinM[k]
			sr += gc * ws.p[i]
			st += gc * ws.dp[i]
			sp += float64(k) * (g*ws.sinM[k] - h*ws.cosM[k]) * ws.p[i]
		}
		br += scale * float64(n+1) * sr
		bt -= scale * st
		bp += scale * sp
	}
	bp /= sinT

	// Geocentric north/east/down, then rotate into the geodetic frame.
	xg := -bt
	yg := bp
	zg := -br
	psi := latGC - lat
	sinPsi, cosPsi := math.Sincos(psi)
	north = xg*cosPsi - zg*sinPsi
	east = yg
	down = xg*sinPsi + zg*cosPsi
	return north, east, down
}

// legendre fills Schmidt semi-normalized associated Legendre functions P(n,m)
// of cos(theta) and their theta derivatives.
func (m *Model) legendre(ws *workspace, c, s float64) {
	p, dp := ws.p, ws.dp
	p[0], dp[0] = 1, 0
	for n := 1; n <= m.maxDegree; n++ {
		for k := 0; k <= n; k++ {
			i := idx(n, k)
			switch {
			case k == n && n == 1:
				p[i] = s
				dp[i] = c
			case k == n:
				f := math.Sqrt(float64(2*n-1) / float64(2*n))
				prev := idx(n-1, n-1)
				p[i] = f * s * p[prev]
				dp[i] = f * (s*dp[prev] + c*p[prev])
			default:
				fn := float64(n)
				fk := float64(k)
				denom := math.Sqrt(fn*fn - fk*fk)
				a := float64(2*n - 1)
				prev := idx(n-1, k)
				p[i] = a * c * p[prev]
				dp[i] = a * (c*dp[prev] - s*p[prev])
				if n-2 >= k {
					b := math.Sqrt((fn-1)*(fn-1) - fk*fk)
					prev2 := idx(n-2, k)
					p[i] -= b * p[prev2]
					dp[i] -= b * dp[prev2]
				}
				p[i] /= denom
				dp[i] /= denom
			}
		}
	}
}
