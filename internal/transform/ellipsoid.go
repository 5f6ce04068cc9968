// Package transform provides the coordinate frame transformations used to keep
// an object anchored to a planetary ellipsoid.
//
// Three representations are supported:
//
//   - Geodetic: longitude/latitude in degrees, height in meters above the ellipsoid.
//   - ECEF: Earth-Centered, Earth-Fixed Cartesian meters.
//   - Local: the host engine's rendering space, related to ECEF by a 4x4 frame.
//
// Everything in this package is a pure function of its inputs. Matrices are
// mgl64.Mat4 (column-major); flat [16]float64 arrays use the same order.
//
// Method: the geodetic surface projection is a Newton iteration on the
// normal-line parameter. It converges everywhere except in a small
// neighborhood of the ellipsoid center.
package transform

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// WGS-84 ellipsoid parameters.
const (
	wgs84A = 6378137.0             // semi-major axis (meters)
	wgs84F = 1.0 / 298.257223563   // flattening
	wgs84B = wgs84A * (1 - wgs84F) // semi-minor axis (meters)
)

// CenterTolerance is the squared, radius-normalized distance from the
// ellipsoid center below which ScaleToGeodeticSurface falls back to the
// geocentric projection. For WGS-84 this is a ball of roughly 64 km, which
// contains the region (about a*e^2 across) where the surface normal through a
// point is not unique.
const CenterTolerance = 1e-4

// Ellipsoid is a triaxial ellipsoid centered at the ECEF origin.
type Ellipsoid struct {
	radii                mgl64.Vec3
	radiiSquared         mgl64.Vec3
	oneOverRadiiSquared  mgl64.Vec3
	centerToleranceSqNrm float64
}

// WGS84 is the World Geodetic System 1984 ellipsoid.
var WGS84 = NewEllipsoid(wgs84A, wgs84A, wgs84B)

// UnitSphere is a sphere of radius 1, mostly useful in tests.
var UnitSphere = NewEllipsoid(1, 1, 1)

// NewEllipsoid creates an ellipsoid with the given radii in meters.
// All radii must be positive.
func NewEllipsoid(x, y, z float64) Ellipsoid {
	r := mgl64.Vec3{x, y, z}
	return Ellipsoid{
		radii:                r,
		radiiSquared:         mgl64.Vec3{x * x, y * y, z * z},
		oneOverRadiiSquared:  mgl64.Vec3{1 / (x * x), 1 / (y * y), 1 / (z * z)},
		centerToleranceSqNrm: CenterTolerance,
	}
}

// Radii returns the ellipsoid radii in meters.
func (e Ellipsoid) Radii() mgl64.Vec3 {
	return e.radii
}

// MinimumRadius returns the smallest of the three radii.
func (e Ellipsoid) MinimumRadius() float64 {
	return math.Min(e.radii[0], math.Min(e.radii[1], e.radii[2]))
}

// IsZero reports whether e is the zero value (no radii set).
func (e Ellipsoid) IsZero() bool {
	return e.radii == mgl64.Vec3{}
}

// GeodeticSurfaceNormal returns the outward unit normal of the ellipsoid
// surface passing through position. The result is undefined (NaN) at the center.
func (e Ellipsoid) GeodeticSurfaceNormal(position mgl64.Vec3) mgl64.Vec3 {
	n := mulElem(position, e.oneOverRadiiSquared)
	return n.Normalize()
}

// GeodeticSurfaceNormalAt returns the outward unit normal at a geodetic
// longitude/latitude. Height does not affect the normal.
func GeodeticSurfaceNormalAt(g Geodetic) mgl64.Vec3 {
	lon := mgl64.DegToRad(g.Longitude)
	lat := mgl64.DegToRad(g.Latitude)
	cosLat := math.Cos(lat)
	return mgl64.Vec3{
		cosLat * math.Cos(lon),
		cosLat * math.Sin(lon),
		math.Sin(lat),
	}.Normalize()
}

// ScaleToGeodeticSurface projects position along the geodetic surface normal
// onto the ellipsoid surface. Returns false when position is too close to the
// center for the projection to be defined.
func (e Ellipsoid) ScaleToGeodeticSurface(position mgl64.Vec3) (mgl64.Vec3, bool) {
	const (
		maxIterations = 64
		tolerance     = 1e-15
	)

	x2 := position[0] * position[0] * e.oneOverRadiiSquared[0]
	y2 := position[1] * position[1] * e.oneOverRadiiSquared[1]
	z2 := position[2] * position[2] * e.oneOverRadiiSquared[2]

	// Squared norm of the position in the radius-normalized space.
	squaredNorm := x2 + y2 + z2
	ratio := math.Sqrt(1 / squaredNorm)

	// Initial approximation: the geocentric intersection.
	intersection := position.Mul(ratio)

	if squaredNorm < e.centerToleranceSqNrm {
		if math.IsInf(ratio, 0) || math.IsNaN(ratio) {
			return mgl64.Vec3{}, false
		}
		return intersection, true
	}

	gradient := mulElem(intersection, e.oneOverRadiiSquared).Mul(2)
	lambda := (1 - ratio) * position.Len() / (0.5 * gradient.Len())

	// The root we want is the largest one, which lies above -minRadius^2.
	// Newton steps that would leave that interval are replaced by bisection
	// toward its lower bound; from there the iteration is monotone.
	r := e.MinimumRadius()
	floor := -r * r
	if lambda <= floor {
		lambda = 0.5 * floor
	}

	var xm, ym, zm float64
	for i := 0; i < maxIterations; i++ {
		xm = 1 / (1 + lambda*e.oneOverRadiiSquared[0])
		ym = 1 / (1 + lambda*e.oneOverRadiiSquared[1])
		zm = 1 / (1 + lambda*e.oneOverRadiiSquared[2])

		xm2, ym2, zm2 := xm*xm, ym*ym, zm*zm
		xm3, ym3, zm3 := xm2*xm, ym2*ym, zm2*zm

		fn := x2*xm2 + y2*ym2 + z2*zm2 - 1
		if math.Abs(fn) <= tolerance {
			break
		}

		denominator := x2*xm3*e.oneOverRadiiSquared[0] +
			y2*ym3*e.oneOverRadiiSquared[1] +
			z2*zm3*e.oneOverRadiiSquared[2]
		derivative := -2 * denominator

		next := lambda - fn/derivative
		if next <= floor {
			next = 0.5 * (lambda + floor)
		}
		if next == lambda {
			break
		}
		lambda = next
	}

	return mgl64.Vec3{position[0] * xm, position[1] * ym, position[2] * zm}, true
}

func mulElem(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{a[0] * b[0], a[1] * b[1], a[2] * b[2]}
}
