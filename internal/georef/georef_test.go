package georef

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/transform"
)

func matNear(a, b mgl64.Mat4, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func TestNew_Defaults(t *testing.T) {
	g, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Name() != DefaultName {
		t.Errorf("Name() = %q, want %q", g.Name(), DefaultName)
	}
	if g.Ellipsoid() != transform.WGS84 {
		t.Errorf("Ellipsoid() = %v, want WGS84", g.Ellipsoid().Radii())
	}
	if g.UnitsPerMeter() != 1 {
		t.Errorf("UnitsPerMeter() = %v, want 1", g.UnitsPerMeter())
	}

	// Engine origin sits at lon 0, lat 0 on the surface.
	origin := transform.Translation(g.LocalToECEF())
	if want := (mgl64.Vec3{6378137, 0, 0}); origin.Sub(want).Len() > 1e-6 {
		t.Errorf("origin ECEF = %v, want %v", origin, want)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"latitude out of range", Options{Origin: transform.Geodetic{Latitude: 91}}},
		{"negative scale", Options{UnitsPerMeter: -100}},
		{"NaN scale", Options{UnitsPerMeter: math.NaN()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFrame_Inverse(t *testing.T) {
	g, err := New(Options{
		Origin:        transform.Geodetic{Longitude: -105.25, Latitude: 39.99, Height: 1655},
		UnitsPerMeter: 100,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := g.ECEFToLocal().Mul4(g.LocalToECEF())
	if !matNear(got, mgl64.Ident4(), 1e-6) {
		t.Errorf("ECEFToLocal * LocalToECEF =\n%v\nwant identity", got)
	}

	// 100 engine units east of the origin is one meter east on the ground.
	p := g.LocalToECEF().Mul4x1(mgl64.Vec4{100, 0, 0, 1}).Vec3()
	o := transform.Translation(g.LocalToECEF())
	east := transform.EastNorthUp(g.Origin()).Col(0)
	if d := p.Sub(o); d.Sub(east).Len() > 1e-6 {
		t.Errorf("100 units along +X = %v, want one meter east %v", d, east)
	}

	// +Y is South.
	p = g.LocalToECEF().Mul4x1(mgl64.Vec4{0, 100, 0, 1}).Vec3()
	north := transform.EastNorthUp(g.Origin()).Col(1)
	if d := p.Sub(o); d.Add(north).Len() > 1e-6 {
		t.Errorf("100 units along +Y = %v, want one meter south %v", d, north.Mul(-1))
	}
}

func TestSetOrigin_Notifies(t *testing.T) {
	g, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var order []string
	cancelA := g.Subscribe(func() { order = append(order, "a") })
	g.Subscribe(func() { order = append(order, "b") })

	before := g.LocalToECEF()
	if err := g.SetOrigin(transform.Geodetic{Longitude: 10, Latitude: 20, Height: 30}); err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	if g.LocalToECEF() == before {
		t.Error("LocalToECEF unchanged after SetOrigin")
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("notification order = %v, want [a b]", order)
	}

	// Same origin again: no notification.
	if err := g.SetOrigin(g.Origin()); err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	if len(order) != 2 {
		t.Errorf("got %d notifications after no-op SetOrigin, want 2", len(order))
	}

	cancelA()
	cancelA()
	if g.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", g.Subscribers())
	}
	if err := g.SetOrigin(transform.Geodetic{Longitude: 11}); err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	if len(order) != 3 || order[2] != "b" {
		t.Errorf("notification order = %v, want [a b b]", order)
	}
}

func TestSetOrigin_Invalid(t *testing.T) {
	g, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	called := false
	g.Subscribe(func() { called = true })

	err = g.SetOrigin(transform.Geodetic{Longitude: 200})
	if !errors.Is(err, ErrInvalidOrigin) {
		t.Errorf("SetOrigin error = %v, want ErrInvalidOrigin", err)
	}
	if called {
		t.Error("subscriber notified for rejected origin")
	}
}

func TestSubscribe_CancelDuringNotify(t *testing.T) {
	g, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	calls := 0
	var cancel func()
	cancel = g.Subscribe(func() {
		calls++
		cancel()
	})
	g.Subscribe(func() { calls++ })

	if err := g.SetOrigin(transform.Geodetic{Latitude: 1}); err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if g.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", g.Subscribers())
	}
}
