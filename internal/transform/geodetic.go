package transform

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Geodetic holds a position relative to an ellipsoid.
type Geodetic struct {
	Longitude float64 // degrees, [-180, 180]
	Latitude  float64 // degrees, [-90, 90]
	Height    float64 // meters above the ellipsoid surface
}

// Valid reports whether the position is finite and inside the longitude and
// latitude ranges.
func (g Geodetic) Valid() bool {
	for _, v := range [3]float64{g.Longitude, g.Latitude, g.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return g.Longitude >= -180 && g.Longitude <= 180 &&
		g.Latitude >= -90 && g.Latitude <= 90
}

// Clamp returns g with longitude and latitude clamped into their valid ranges.
func (g Geodetic) Clamp() Geodetic {
	g.Longitude = mgl64.Clamp(g.Longitude, -180, 180)
	g.Latitude = mgl64.Clamp(g.Latitude, -90, 90)
	return g
}

// GeodeticToECEF converts a geodetic position to ECEF meters.
func GeodeticToECEF(g Geodetic, e Ellipsoid) mgl64.Vec3 {
	n := GeodeticSurfaceNormalAt(g)

	// Scale the normal by the squared radii and renormalize; this is the
	// surface point whose normal is n.
	k := mulElem(e.radiiSquared, n)
	gamma := math.Sqrt(n.Dot(k))
	k = k.Mul(1 / gamma)

	return k.Add(n.Mul(g.Height))
}

// DegenerateGeodetic returns the fallback position reported for points at the
// ellipsoid center, where longitude and latitude are undefined:
// (0, 0, -minimum radius).
func DegenerateGeodetic(e Ellipsoid) Geodetic {
	return Geodetic{Longitude: 0, Latitude: 0, Height: -e.MinimumRadius()}
}

// IsDegenerate reports whether position is close enough to the ellipsoid center
// that ECEFToGeodetic returns DegenerateGeodetic.
func IsDegenerate(position mgl64.Vec3, e Ellipsoid) bool {
	return position.Len() < 1e-9*e.MinimumRadius()
}

// ECEFToGeodetic converts ECEF meters to a geodetic position.
//
// Positions within a tiny neighborhood of the center (see IsDegenerate) have
// no defined longitude or latitude and return DegenerateGeodetic.
func ECEFToGeodetic(position mgl64.Vec3, e Ellipsoid) Geodetic {
	if IsDegenerate(position, e) {
		return DegenerateGeodetic(e)
	}

	surface, ok := e.ScaleToGeodeticSurface(position)
	if !ok {
		return DegenerateGeodetic(e)
	}

	n := e.GeodeticSurfaceNormal(surface)
	h := position.Sub(surface)

	height := h.Len()
	if h.Dot(position) < 0 {
		height = -height
	}

	// atan2 keeps full precision close to the poles, where asin(n.z) does not.
	lon := math.Atan2(n[1], n[0])
	lat := math.Atan2(n[2], math.Hypot(n[0], n[1]))

	return Geodetic{
		Longitude: mgl64.RadToDeg(lon),
		Latitude:  mgl64.RadToDeg(lat),
		Height:    height,
	}
}
