package magfield

import "tgfsim/geodesy"

// DefaultCacheRadiusM is used when NewCached receives a non-positive radius.
const DefaultCacheRadiusM = 10.0

// Cached reuses the last computed field while queries stay within a fixed
// radius of the last recomputed point. It trades positional accuracy for fewer
// model queries on the hot path.
//
// Not safe for concurrent use: every worker owns its own Cached.
type Cached struct {
	ev      *Evaluator
	radius2 float64

	valid  bool
	center geodesy.Vec3
	value  geodesy.Vec3

	hits   uint64
	misses uint64
}

// NewCached wraps a shared Evaluator with a per-worker cache.
func NewCached(ev *Evaluator, radiusM float64) *Cached {
	if radiusM <= 0 {
		radiusM = DefaultCacheRadiusM
	}
	return &Cached{ev: ev, radius2: radiusM * radiusM}
}

// Evaluate applies the altitude gate, then serves from the cache when p is
// within the radius of the last recomputed point.
func (c *Cached) Evaluate(p geodesy.Vec3) geodesy.Vec3 {
	if BelowCutoff(p) {
		return geodesy.Vec3{}
	}
	if c.valid && p.Sub(c.center).Norm2() < c.radius2 {
		c.hits++
		return c.value
	}
	c.misses++
	c.value = c.ev.Components(p)
	c.center = p
	c.valid = true
	return c.value
}

// Stats returns cache hits and misses since construction.
func (c *Cached) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}
