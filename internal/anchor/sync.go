package anchor

import (
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/metrics"
	"github.com/star/geoanchor/internal/transform"
)

// Settle triggers, used in logs and metrics.
const (
	triggerLocal        = "local"
	triggerGeodetic     = "geodetic"
	triggerECEF         = "ecef"
	triggerFrame        = "frame"
	triggerRebase       = "rebase"
	triggerGeoreference = "georeference"
	triggerSnapUp       = "snap_up"
	triggerSnapESU      = "snap_esu"
	triggerRegister     = "register"
	triggerLoad         = "load"
)

// settle runs fn as one settle pass. The anchor is Settling while fn runs and
// Idle again on every exit path, including a panic in fn.
func (a *Anchor) settle(trigger string, fn func() error) error {
	if a.state == Settling {
		metrics.IncReentrantRejections()
		a.logger.Warn("rejected operation during settle pass", "trigger", trigger)
		return fmt.Errorf("%s: %w", trigger, ErrReentrantSettle)
	}

	start := time.Now()
	err := a.runSettling(fn)
	metrics.RecordSettle(trigger, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%s: %w", trigger, err)
	}

	a.logger.Debug("settled",
		"trigger", trigger,
		"longitude", a.geodetic.Longitude,
		"latitude", a.geodetic.Latitude,
		"height", a.geodetic.Height,
	)
	if a.onSettled != nil {
		a.onSettled(a, trigger)
	}
	return nil
}

func (a *Anchor) runSettling(fn func() error) error {
	a.state = Settling
	defer func() { a.state = Idle }()
	return fn()
}

// suppress reports whether a notification must be ignored because it was
// raised by the anchor's own settle pass.
func (a *Anchor) suppress(source string) bool {
	if a.state != Settling {
		return false
	}
	a.suppressed++
	metrics.IncSuppressedNotifications()
	a.logger.Debug("ignored notification during settle pass", "source", source)
	return true
}

func (a *Anchor) requireProvider() (Provider, error) {
	p := a.ResolveGeoreference()
	if p == nil {
		return nil, ErrNoGeoreference
	}
	return p, nil
}

// globeFromLocal computes the object-to-ECEF transform from the host's local
// transform.
func (a *Anchor) globeFromLocal(p Provider) mgl64.Mat4 {
	absolute := transform.Rebased(a.host.Transform(), a.host.WorldOrigin())
	return transform.LocalToECEF(absolute, p.LocalToECEF())
}

func (a *Anchor) deriveFrom(p Provider) func() (mgl64.Mat4, bool) {
	return func() (mgl64.Mat4, bool) {
		if a.host == nil || p == nil {
			return mgl64.Mat4{}, false
		}
		return a.globeFromLocal(p), true
	}
}

// writeLocal writes the host transform implied by the globe transform for a
// world whose origin is at origin.
func (a *Anchor) writeLocal(p Provider, origin mgl64.Vec3) {
	absolute := transform.ECEFToLocal(a.globe.Get(a.deriveFrom(p)), p.ECEFToLocal())
	a.host.SetTransform(transform.Relative(absolute, origin), a.teleport)
}

// updateProperties refreshes the ECEF and geodetic properties from the globe
// transform.
func (a *Anchor) updateProperties(p Provider) {
	a.ecef = transform.Translation(a.globe.Get(a.deriveFrom(p)))
	a.geodetic = transform.ECEFToGeodetic(a.ecef, p.Ellipsoid())
	a.pending = pendingNone
}

// moveGlobe places the globe transform at the current ECEF property, keeping
// its orientation subject to curvature adjustment, and writes the host.
func (a *Anchor) moveGlobe(p Provider) {
	current := a.globe.Get(a.deriveFrom(p))
	a.globe.Set(transform.WithTranslation(current, a.ecef), a.adjust, p.Ellipsoid())
	a.pending = pendingNone
	a.writeLocal(p, a.host.WorldOrigin())
}

// applyGeodetic applies the geodetic property: ECEF follows from it and the
// object is moved there.
func (a *Anchor) applyGeodetic(p Provider) {
	a.ecef = transform.GeodeticToECEF(a.geodetic, p.Ellipsoid())
	a.moveGlobe(p)
}

// applyECEF applies the ECEF property: geodetic follows from it and the
// object is moved there.
func (a *Anchor) applyECEF(p Provider) {
	a.geodetic = transform.ECEFToGeodetic(a.ecef, p.Ellipsoid())
	a.moveGlobe(p)
}

// reframe recomputes the host transform from the unchanged globe transform
// for the provider's current mapping and the given world origin. Without a
// valid globe transform there is nothing to keep, so it is derived from the
// host instead.
func (a *Anchor) reframe(p Provider, origin mgl64.Vec3) {
	if !a.globe.Valid() {
		a.globe.Set(a.globeFromLocal(p), false, p.Ellipsoid())
		a.updateProperties(p)
		return
	}
	a.writeLocal(p, origin)
}

// onHostTransformChanged handles an engine-driven move. The new pose is
// taken as is: no curvature adjustment is applied.
func (a *Anchor) onHostTransformChanged() {
	if a.suppress("host") {
		return
	}
	err := a.settle(triggerLocal, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		a.globe.Set(a.globeFromLocal(p), false, p.Ellipsoid())
		a.updateProperties(p)
		return nil
	})
	if err != nil {
		a.logger.Warn("failed to sync host transform", "error", err)
	}
}

// onGeoreferenceChanged handles a change of the resolved provider's mapping.
func (a *Anchor) onGeoreferenceChanged() {
	if a.suppress("georeference") {
		return
	}
	err := a.settle(triggerFrame, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		a.reframe(p, a.host.WorldOrigin())
		return nil
	})
	if err != nil {
		a.logger.Warn("failed to apply georeference change", "error", err)
	}
}

func finite(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// MoveToECEF moves the object to an ECEF position in meters. With curvature
// adjustment enabled the orientation is carried along the globe.
func (a *Anchor) MoveToECEF(target mgl64.Vec3) error {
	if !finite(target) {
		return fmt.Errorf("move to %v: %w", target, ErrInvalidPosition)
	}
	return a.settle(triggerECEF, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		a.ecef = target
		a.applyECEF(p)
		return nil
	})
}

// MoveToLongitudeLatitudeHeight moves the object to a geodetic position.
// Longitude and latitude are clamped into range.
func (a *Anchor) MoveToLongitudeLatitudeHeight(target transform.Geodetic) error {
	if !finite(mgl64.Vec3{target.Longitude, target.Latitude, target.Height}) {
		return fmt.Errorf("move to %+v: %w", target, ErrInvalidPosition)
	}
	return a.settle(triggerGeodetic, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		a.geodetic = target.Clamp()
		a.applyGeodetic(p)
		return nil
	})
}

// SnapLocalUpToEllipsoidNormal rotates the object so its local +Z axis is
// along the ellipsoid normal at its position.
func (a *Anchor) SnapLocalUpToEllipsoidNormal() error {
	return a.snap(triggerSnapUp, transform.SnapUpToSurfaceNormal)
}

// SnapToEastSouthUp rotates the object so its local axes are East, South and
// Up at its position. Scale is kept.
func (a *Anchor) SnapToEastSouthUp() error {
	return a.snap(triggerSnapESU, transform.SnapToEastSouthUp)
}

func (a *Anchor) snap(trigger string, fn func(mgl64.Mat4, transform.Ellipsoid) mgl64.Mat4) error {
	return a.settle(trigger, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		current := a.globe.Get(a.deriveFrom(p))
		a.globe.Set(fn(current, p.Ellipsoid()), false, p.Ellipsoid())
		a.writeLocal(p, a.host.WorldOrigin())
		a.updateProperties(p)
		return nil
	})
}

// SetProperty writes a coordinate property without applying it, the way an
// editor writes a field before reporting the edit. Longitude and latitude
// are clamped into range. Call OnPropertyEdited to apply the change.
func (a *Anchor) SetProperty(p Property, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("set %s: %w", p, ErrInvalidPosition)
	}
	switch p {
	case PropLongitude:
		a.geodetic.Longitude = mgl64.Clamp(v, -180, 180)
	case PropLatitude:
		a.geodetic.Latitude = mgl64.Clamp(v, -90, 90)
	case PropHeight:
		a.geodetic.Height = v
	case PropECEFX:
		a.ecef[0] = v
	case PropECEFY:
		a.ecef[1] = v
	case PropECEFZ:
		a.ecef[2] = v
	default:
		return fmt.Errorf("anchor: %s is not a coordinate property", p)
	}
	return nil
}

// OnPropertyEdited applies an edited property. Before registration the
// coordinate properties are remembered and seed the globe transform when the
// anchor is registered.
func (a *Anchor) OnPropertyEdited(p Property) error {
	switch p {
	case PropLongitude, PropLatitude, PropHeight:
		if !a.registered {
			a.pending = pendingGeodetic
			return nil
		}
		return a.settle(triggerGeodetic, func() error {
			prov, err := a.requireProvider()
			if err != nil {
				return err
			}
			a.applyGeodetic(prov)
			return nil
		})
	case PropECEFX, PropECEFY, PropECEFZ:
		if !a.registered {
			a.pending = pendingECEF
			return nil
		}
		return a.settle(triggerECEF, func() error {
			prov, err := a.requireProvider()
			if err != nil {
				return err
			}
			a.applyECEF(prov)
			return nil
		})
	case PropGeoreference:
		return a.georeferenceChanged()
	case PropTeleportWhenUpdatingTransform, PropAdjustOrientationForGlobeWhenMoving:
		return nil
	default:
		return fmt.Errorf("anchor: unknown property %d", int(p))
	}
}

// ResolveGeoreference returns the provider the anchor uses: the designated
// georeference if set, otherwise whatever Resolve finds. The result is cached
// and subscribed to until InvalidateResolvedGeoreference. It returns nil when
// there is no georeference.
func (a *Anchor) ResolveGeoreference() Provider {
	if a.resolved != nil {
		return a.resolved
	}
	p := a.designated
	if p == nil && a.resolve != nil {
		p = a.resolve()
	}
	if p == nil {
		return nil
	}
	a.resolved = p
	a.cancelProvider = p.Subscribe(a.onGeoreferenceChanged)
	return p
}

// InvalidateResolvedGeoreference drops the cached provider and its change
// subscription. The next ResolveGeoreference looks it up again. The globe
// transform is not touched.
func (a *Anchor) InvalidateResolvedGeoreference() {
	if a.cancelProvider != nil {
		a.cancelProvider()
		a.cancelProvider = nil
	}
	a.resolved = nil
}

// SetGeoreference designates the provider to use; nil falls back to the
// default one. The object keeps its globe pose and its host transform is
// recomputed for the new mapping.
func (a *Anchor) SetGeoreference(p Provider) error {
	a.designated = p
	return a.georeferenceChanged()
}

func (a *Anchor) georeferenceChanged() error {
	if a.state == Settling {
		metrics.IncReentrantRejections()
		return fmt.Errorf("%s: %w", triggerGeoreference, ErrReentrantSettle)
	}
	a.InvalidateResolvedGeoreference()
	if !a.registered {
		return nil
	}
	return a.settle(triggerGeoreference, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		a.reframe(p, a.host.WorldOrigin())
		return nil
	})
}
