package anchor

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/transform"
)

// GlobeTransform caches an object's object-to-ECEF transform. While valid it
// is the authoritative pose; the host's local transform and the coordinate
// properties are projections of it.
type GlobeTransform struct {
	m     mgl64.Mat4
	valid bool
}

// Valid reports whether the cached transform can be trusted.
func (g *GlobeTransform) Valid() bool { return g.valid }

// Get returns the cached transform. When the cache is invalid it is first
// filled from derive. Get panics if the cache is invalid and derive is nil or
// reports that it has nothing to derive from.
func (g *GlobeTransform) Get(derive func() (mgl64.Mat4, bool)) mgl64.Mat4 {
	if g.valid {
		return g.m
	}
	if derive == nil {
		panic("anchor: globe transform is not valid and there is no source to derive it from")
	}
	m, ok := derive()
	if !ok {
		panic("anchor: globe transform is not valid and deriving it failed")
	}
	g.m = m
	g.valid = true
	return m
}

// Set stores m and marks the cache valid. When adjust is set and a valid
// transform was already cached, the orientation of m is first carried from
// the old position's tangent plane to the new one. The stored transform is
// returned.
func (g *GlobeTransform) Set(m mgl64.Mat4, adjust bool, e transform.Ellipsoid) mgl64.Mat4 {
	if adjust && g.valid {
		m = transform.AdjustOrientationForNewPosition(g.m, m, e)
	}
	g.m = m
	g.valid = true
	return m
}

// Invalidate marks the cached transform as untrusted. The last value is kept
// for persistence but Get will re-derive it.
func (g *GlobeTransform) Invalidate() { g.valid = false }

// Array returns the cached transform as a flat column-major array.
func (g *GlobeTransform) Array() [16]float64 {
	return transform.ArrayFromMatrix(g.m)
}

// Load replaces the cache with a persisted array and validity flag.
func (g *GlobeTransform) Load(a [16]float64, valid bool) {
	g.m = transform.MatrixFromArray(a)
	g.valid = valid
}
