package transform

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// MatrixFromArray views a flat column-major array as a matrix.
func MatrixFromArray(a [16]float64) mgl64.Mat4 {
	return mgl64.Mat4(a)
}

// ArrayFromMatrix flattens m into a column-major array suitable for persistence.
func ArrayFromMatrix(m mgl64.Mat4) [16]float64 {
	return [16]float64(m)
}

// Translation returns the translation column of an affine transform.
func Translation(m mgl64.Mat4) mgl64.Vec3 {
	return mgl64.Vec3{m[12], m[13], m[14]}
}

// WithTranslation returns m with its translation column replaced by t.
func WithTranslation(m mgl64.Mat4, t mgl64.Vec3) mgl64.Mat4 {
	m[12], m[13], m[14] = t[0], t[1], t[2]
	return m
}

// RotationScale returns the upper-left 3x3 block of m.
func RotationScale(m mgl64.Mat4) mgl64.Mat3 {
	return mgl64.Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// WithRotationScale returns m with its upper-left 3x3 block replaced by r.
// The translation and bottom row are kept.
func WithRotationScale(m mgl64.Mat4, r mgl64.Mat3) mgl64.Mat4 {
	m[0], m[1], m[2] = r[0], r[1], r[2]
	m[4], m[5], m[6] = r[3], r[4], r[5]
	m[8], m[9], m[10] = r[6], r[7], r[8]
	return m
}

// ColumnLengths returns the length of each basis column of m, i.e. the scale
// each local axis carries.
func ColumnLengths(m mgl64.Mat4) mgl64.Vec3 {
	return mgl64.Vec3{
		math.Sqrt(m[0]*m[0] + m[1]*m[1] + m[2]*m[2]),
		math.Sqrt(m[4]*m[4] + m[5]*m[5] + m[6]*m[6]),
		math.Sqrt(m[8]*m[8] + m[9]*m[9] + m[10]*m[10]),
	}
}

// Axis returns basis column i (0 = X, 1 = Y, 2 = Z) of m.
func Axis(m mgl64.Mat4, i int) mgl64.Vec3 {
	return mgl64.Vec3{m[i*4], m[i*4+1], m[i*4+2]}
}

// InverseAffine inverts an affine transform (bottom row 0 0 0 1).
// The 3x3 block is inverted directly and the translation is solved from it,
// which keeps full precision for planet-scale translations.
func InverseAffine(m mgl64.Mat4) mgl64.Mat4 {
	inv := RotationScale(m).Inv()
	t := inv.Mul3x1(Translation(m)).Mul(-1)
	return WithTranslation(WithRotationScale(mgl64.Ident4(), inv), t)
}

// LocalToECEF maps a transform expressed in the engine's local space into ECEF
// using the frame provider's local-to-ECEF matrix.
func LocalToECEF(local, localToECEF mgl64.Mat4) mgl64.Mat4 {
	return localToECEF.Mul4(local)
}

// ECEFToLocal maps an ECEF transform into the engine's local space using the
// frame provider's ECEF-to-local matrix.
func ECEFToLocal(ecef, ecefToLocal mgl64.Mat4) mgl64.Mat4 {
	return ecefToLocal.Mul4(ecef)
}

// Rebased converts a transform relative to a world origin into absolute engine
// space (origin added to the translation).
func Rebased(relative mgl64.Mat4, origin mgl64.Vec3) mgl64.Mat4 {
	return WithTranslation(relative, Translation(relative).Add(origin))
}

// Relative is the inverse of Rebased.
func Relative(absolute mgl64.Mat4, origin mgl64.Vec3) mgl64.Mat4 {
	return WithTranslation(absolute, Translation(absolute).Sub(origin))
}
