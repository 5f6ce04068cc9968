package transform

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestInverseAffine(t *testing.T) {
	// Planet-scale translation with a rotated, non-uniformly scaled block.
	m := WithTranslation(
		mgl64.HomogRotate3D(1.2, mgl64.Vec3{0.2, -1, 0.4}.Normalize()).Mul4(mgl64.Scale3D(0.5, 1, 2)),
		mgl64.Vec3{4517590.9, 1065000.4, 4353004.2},
	)

	got := InverseAffine(m).Mul4(m)
	if !mat4Near(got, mgl64.Ident4(), 1e-7) {
		t.Errorf("InverseAffine(m) * m =\n%v\nwant identity", got)
	}
}

func TestArrayRoundTrip(t *testing.T) {
	m := mgl64.Translate3D(1, 2, 3).Mul4(mgl64.HomogRotate3DZ(0.5))
	a := ArrayFromMatrix(m)

	// Column-major: translation lives in elements 12..14.
	if a[12] != 1 || a[13] != 2 || a[14] != 3 {
		t.Errorf("translation elements = %v, want [1 2 3]", a[12:15])
	}
	if got := MatrixFromArray(a); got != m {
		t.Errorf("MatrixFromArray(ArrayFromMatrix(m)) = %v, want %v", got, m)
	}
}

func TestRebasedRelative(t *testing.T) {
	origin := mgl64.Vec3{1000, -250, 42}
	rel := mgl64.Translate3D(5, 6, 7).Mul4(mgl64.HomogRotate3DX(0.3))

	abs := Rebased(rel, origin)
	if want := (mgl64.Vec3{1005, -244, 49}); Translation(abs) != want {
		t.Errorf("Rebased translation = %v, want %v", Translation(abs), want)
	}
	if RotationScale(abs) != RotationScale(rel) {
		t.Errorf("Rebased changed the rotation block")
	}
	if got := Relative(abs, origin); !mat4Near(got, rel, 1e-12) {
		t.Errorf("Relative(Rebased(m)) = %v, want %v", got, rel)
	}
}

func TestLocalECEFRoundTrip(t *testing.T) {
	frame := EastSouthUpToFixedFrame(GeodeticToECEF(Geodetic{Longitude: 8, Latitude: 50}, WGS84), WGS84)
	local := mgl64.Translate3D(12, -30, 4).Mul4(mgl64.HomogRotate3DZ(0.25))

	ecef := LocalToECEF(local, frame)
	back := ECEFToLocal(ecef, InverseAffine(frame))

	if !mat4Near(back, local, 1e-6) {
		t.Errorf("local -> ECEF -> local =\n%v\nwant\n%v", back, local)
	}
}

func vecNear(a, b mgl64.Vec3, tol float64) bool {
	return a.Sub(b).Len() <= tol
}

func mat3Near(a, b mgl64.Mat3, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func mat4Near(a, b mgl64.Mat4, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}
