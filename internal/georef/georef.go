// Package georef provides the georeference: the authority that places the
// engine's local space on the ellipsoid. Engine space is anchored at a
// geodetic origin with axes East, South, Up and is measured in engine units,
// which need not be meters.
package georef

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/transform"
)

// DefaultName is the name given to the georeference created on demand when a
// world has none.
const DefaultName = "default"

// ErrInvalidOrigin is returned when a georeference origin is not a valid
// geodetic position.
var ErrInvalidOrigin = errors.New("georef: invalid origin")

// Options configures a new Georeference.
type Options struct {
	Name      string
	Ellipsoid transform.Ellipsoid
	Origin    transform.Geodetic

	// UnitsPerMeter is the number of engine units in one meter. Zero means 1.
	UnitsPerMeter float64
}

// Frame is an immutable snapshot of a georeference's mapping between engine
// space and ECEF. It is safe to share between goroutines.
type Frame struct {
	Ellipsoid   transform.Ellipsoid
	LocalToECEF mgl64.Mat4
	ECEFToLocal mgl64.Mat4
}

// Georeference maps engine space to ECEF and notifies subscribers whenever
// that mapping changes.
//
// A Georeference is not safe for concurrent use; it lives on the simulation
// thread with the world that owns it (see scene.World.Do). Use Frame to hand
// the current mapping to other goroutines.
type Georeference struct {
	name          string
	ellipsoid     transform.Ellipsoid
	origin        transform.Geodetic
	unitsPerMeter float64

	localToECEF mgl64.Mat4
	ecefToLocal mgl64.Mat4

	nextID      int
	subscribers []subscriber
}

type subscriber struct {
	id int
	fn func()
}

// New creates a georeference. A zero Ellipsoid selects WGS84.
func New(opts Options) (*Georeference, error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Ellipsoid.IsZero() {
		opts.Ellipsoid = transform.WGS84
	}
	if opts.UnitsPerMeter == 0 {
		opts.UnitsPerMeter = 1
	}
	if opts.UnitsPerMeter < 0 || math.IsNaN(opts.UnitsPerMeter) || math.IsInf(opts.UnitsPerMeter, 0) {
		return nil, fmt.Errorf("georef %q: units per meter must be positive, got %v", opts.Name, opts.UnitsPerMeter)
	}
	if !opts.Origin.Valid() {
		return nil, fmt.Errorf("georef %q: %w: %+v", opts.Name, ErrInvalidOrigin, opts.Origin)
	}

	g := &Georeference{
		name:          opts.Name,
		ellipsoid:     opts.Ellipsoid,
		origin:        opts.Origin,
		unitsPerMeter: opts.UnitsPerMeter,
	}
	g.recompute()
	return g, nil
}

// Name returns the georeference name.
func (g *Georeference) Name() string { return g.name }

// Ellipsoid returns the ellipsoid the georeference is defined on.
func (g *Georeference) Ellipsoid() transform.Ellipsoid { return g.ellipsoid }

// Origin returns the geodetic position of the engine-space origin.
func (g *Georeference) Origin() transform.Geodetic { return g.origin }

// UnitsPerMeter returns the engine-space scale.
func (g *Georeference) UnitsPerMeter() float64 { return g.unitsPerMeter }

// LocalToECEF returns the transform from engine space to ECEF.
func (g *Georeference) LocalToECEF() mgl64.Mat4 { return g.localToECEF }

// ECEFToLocal returns the transform from ECEF to engine space.
func (g *Georeference) ECEFToLocal() mgl64.Mat4 { return g.ecefToLocal }

// Frame returns a snapshot of the current mapping.
func (g *Georeference) Frame() Frame {
	return Frame{
		Ellipsoid:   g.ellipsoid,
		LocalToECEF: g.localToECEF,
		ECEFToLocal: g.ecefToLocal,
	}
}

// SetOrigin moves the engine-space origin to a new geodetic position and
// notifies subscribers. Setting the current origin again is a no-op.
func (g *Georeference) SetOrigin(origin transform.Geodetic) error {
	if !origin.Valid() {
		return fmt.Errorf("georef %q: %w: %+v", g.name, ErrInvalidOrigin, origin)
	}
	if origin == g.origin {
		return nil
	}
	g.origin = origin
	g.recompute()
	g.notify()
	return nil
}

// Subscribe registers fn to be called after every change of the mapping.
// Subscribers are called in registration order. The returned function
// removes the subscription and may be called more than once.
func (g *Georeference) Subscribe(fn func()) (cancel func()) {
	g.nextID++
	id := g.nextID
	g.subscribers = append(g.subscribers, subscriber{id: id, fn: fn})

	return func() {
		for i, s := range g.subscribers {
			if s.id == id {
				g.subscribers = append(g.subscribers[:i:i], g.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (g *Georeference) Subscribers() int { return len(g.subscribers) }

func (g *Georeference) notify() {
	// Copy so a subscriber may cancel itself while being notified.
	subs := append([]subscriber(nil), g.subscribers...)
	for _, s := range subs {
		s.fn()
	}
}

// recompute rebuilds both directions of the mapping:
//
//	localToECEF = T(origin) * ESU(origin) * S(1/unitsPerMeter)
//	ecefToLocal = S(unitsPerMeter) * ESU(origin)^T * T(-origin)
func (g *Georeference) recompute() {
	originECEF := transform.GeodeticToECEF(g.origin, g.ellipsoid)
	esu := transform.EastSouthUp(g.origin)

	toECEF := esu.Mul(1 / g.unitsPerMeter)
	g.localToECEF = transform.WithTranslation(
		transform.WithRotationScale(mgl64.Ident4(), toECEF),
		originECEF,
	)

	toLocal := esu.Transpose().Mul(g.unitsPerMeter)
	g.ecefToLocal = transform.WithTranslation(
		transform.WithRotationScale(mgl64.Ident4(), toLocal),
		toLocal.Mul3x1(originECEF).Mul(-1),
	)
}
