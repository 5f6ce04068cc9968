package transform

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// EastNorthUp returns the local tangent-plane basis at g as the columns
// East, North, Up expressed in ECEF.
//
// The basis is computed from longitude and latitude directly, so it is well
// defined at the poles: there East is the direction it takes at the given
// longitude (for longitude 0, which is what ECEFToGeodetic reports at the
// poles, East is +Y).
func EastNorthUp(g Geodetic) mgl64.Mat3 {
	lon := mgl64.DegToRad(g.Longitude)
	lat := mgl64.DegToRad(g.Latitude)
	sinLon, cosLon := math.Sincos(lon)
	sinLat, cosLat := math.Sincos(lat)

	east := mgl64.Vec3{-sinLon, cosLon, 0}
	north := mgl64.Vec3{-sinLat * cosLon, -sinLat * sinLon, cosLat}
	up := mgl64.Vec3{cosLat * cosLon, cosLat * sinLon, sinLat}

	return mgl64.Mat3FromCols(east, north, up)
}

// EastSouthUp returns the tangent-plane basis at g with columns East, South,
// Up. This is the convention used for the engine's local axes:
// +X East, +Y South, +Z Up. Note the basis is left-handed.
func EastSouthUp(g Geodetic) mgl64.Mat3 {
	enu := EastNorthUp(g)
	return mgl64.Mat3FromCols(enu.Col(0), enu.Col(1).Mul(-1), enu.Col(2))
}

// EastSouthUpToFixedFrame returns the transform from an East-South-Up frame
// centered at position to ECEF. A position at the ellipsoid center uses the
// basis of DegenerateGeodetic.
func EastSouthUpToFixedFrame(position mgl64.Vec3, e Ellipsoid) mgl64.Mat4 {
	basis := EastSouthUp(ECEFToGeodetic(position, e))
	return WithTranslation(WithRotationScale(mgl64.Ident4(), basis), position)
}

// RotationBetween returns the minimal rotation taking unit vector from onto
// unit vector to.
//
// When the vectors are opposite the rotation is a half turn about
// from x Z, or about from x X when from is parallel to Z.
func RotationBetween(from, to mgl64.Vec3) mgl64.Mat3 {
	c := from.Dot(to)
	if c <= -1+1e-12 {
		axis := from.Cross(mgl64.Vec3{0, 0, 1})
		if axis.Len() < 1e-6 {
			axis = from.Cross(mgl64.Vec3{1, 0, 0})
		}
		axis = axis.Normalize()
		// R = 2aa^T - I
		var r mgl64.Mat3
		for col := 0; col < 3; col++ {
			for row := 0; row < 3; row++ {
				v := 2 * axis[row] * axis[col]
				if row == col {
					v -= 1
				}
				r[col*3+row] = v
			}
		}
		return r
	}

	// Rodrigues: R = I + [v]x + [v]x^2 / (1 + c), with v = from x to and
	// [v]x^2 = vv^T - |v|^2 I.
	v := from.Cross(to)
	s := v.Dot(v)
	k := 1 / (1 + c)
	skew := mgl64.Mat3{
		0, v[2], -v[1],
		-v[2], 0, v[0],
		v[1], -v[0], 0,
	}

	var r mgl64.Mat3
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			val := skew[col*3+row] + k*v[row]*v[col]
			if row == col {
				val += 1 - k*s
			}
			r[col*3+row] = val
		}
	}
	return r
}

// AdjustOrientationForNewPosition carries the orientation of newTransform,
// taken relative to the tangent plane at oldTransform's position, over to the
// tangent plane at newTransform's position.
//
// The object is rotated by the minimal rotation between the two surface
// normals, so an object that was level stays level and its heading relative
// to the surface is transported along with it. Only the rotation/scale block
// changes; the translation of newTransform is kept.
//
// The result is newTransform unchanged when the positions coincide or when
// either position is at the ellipsoid center.
func AdjustOrientationForNewPosition(oldTransform, newTransform mgl64.Mat4, e Ellipsoid) mgl64.Mat4 {
	oldPos := Translation(oldTransform)
	newPos := Translation(newTransform)
	if oldPos == newPos {
		return newTransform
	}
	if IsDegenerate(oldPos, e) || IsDegenerate(newPos, e) {
		return newTransform
	}

	oldNormal := e.GeodeticSurfaceNormal(oldPos)
	newNormal := e.GeodeticSurfaceNormal(newPos)
	if oldNormal == newNormal {
		return newTransform
	}

	r := RotationBetween(oldNormal, newNormal)
	return WithRotationScale(newTransform, r.Mul3(RotationScale(newTransform)))
}

// SnapUpToSurfaceNormal rotates m so that its local +Z axis is aligned with
// the ellipsoid surface normal at its position. Translation and scale are kept.
func SnapUpToSurfaceNormal(m mgl64.Mat4, e Ellipsoid) mgl64.Mat4 {
	pos := Translation(m)
	up := Axis(m, 2)
	if IsDegenerate(pos, e) || up.Len() == 0 {
		return m
	}

	normal := e.GeodeticSurfaceNormal(pos)
	r := RotationBetween(up.Normalize(), normal)
	return WithRotationScale(m, r.Mul3(RotationScale(m)))
}

// SnapToEastSouthUp rotates m so that its +X axis points East, +Y South and
// +Z Up at its position. Translation and per-axis scale are kept.
func SnapToEastSouthUp(m mgl64.Mat4, e Ellipsoid) mgl64.Mat4 {
	pos := Translation(m)
	scale := ColumnLengths(m)
	esu := RotationScale(EastSouthUpToFixedFrame(pos, e))

	scaled := mgl64.Mat3FromCols(
		esu.Col(0).Mul(scale[0]),
		esu.Col(1).Mul(scale[1]),
		esu.Col(2).Mul(scale[2]),
	)
	return WithRotationScale(m, scaled)
}
