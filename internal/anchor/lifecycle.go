package anchor

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/metrics"
)

// State is the persisted form of an anchor: enough to rebuild the globe
// transform without consulting the host transform.
type State struct {
	GlobeTransform      [16]float64 `json:"globe_transform"`
	GlobeTransformValid bool        `json:"globe_transform_valid"`

	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Height    float64 `json:"height"`
	ECEFX     float64 `json:"ecef_x"`
	ECEFY     float64 `json:"ecef_y"`
	ECEFZ     float64 `json:"ecef_z"`

	TeleportWhenUpdatingTransform       bool `json:"teleport_when_updating_transform"`
	AdjustOrientationForGlobeWhenMoving bool `json:"adjust_orientation_for_globe_when_moving"`
}

// OnCreated is called when the anchor is created or duplicated, before it is
// first registered. An inherited globe transform cannot be trusted, so it is
// invalidated.
func (a *Anchor) OnCreated() {
	a.globe.Invalidate()
}

// OnRegistered activates the anchor: it starts listening to the host,
// resolves the georeference and settles. A valid globe transform moves the
// host; otherwise coordinates set before registration are applied; otherwise
// the globe transform is derived from the host transform.
func (a *Anchor) OnRegistered() {
	a.listen(a.onHostTransformChanged)
	a.registered = true

	err := a.settle(triggerRegister, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		switch {
		case a.globe.Valid():
			a.writeLocal(p, a.host.WorldOrigin())
			a.updateProperties(p)
		case a.pending == pendingGeodetic:
			a.applyGeodetic(p)
		case a.pending == pendingECEF:
			a.applyECEF(p)
		default:
			a.globe.Set(a.globeFromLocal(p), false, p.Ellipsoid())
			a.updateProperties(p)
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("registered without settling", "error", err)
		return
	}
	a.logger.Info("anchor registered",
		"longitude", a.geodetic.Longitude,
		"latitude", a.geodetic.Latitude,
		"height", a.geodetic.Height,
	)
}

// OnUnregistered deactivates the anchor and releases its georeference
// subscription. Host moves while unregistered invalidate the globe
// transform, since the anchor can no longer follow them.
func (a *Anchor) OnUnregistered() {
	a.registered = false
	a.InvalidateResolvedGeoreference()
	a.listen(func() {
		if a.state == Idle {
			a.globe.Invalidate()
		}
	})
	a.logger.Info("anchor unregistered")
}

func (a *Anchor) listen(fn func()) {
	if a.cancelHost != nil {
		a.cancelHost()
		a.cancelHost = nil
	}
	if a.host != nil {
		a.cancelHost = a.host.OnTransformChanged(fn)
	}
}

// OnWorldOffsetApplied is called while the world is rebased, before the new
// origin is committed: the new origin is the current origin minus offset.
// The host transform is recomputed from the globe transform for the new
// origin; the coordinate properties do not change.
func (a *Anchor) OnWorldOffsetApplied(offset mgl64.Vec3) {
	if !a.globe.Valid() {
		return
	}
	newOrigin := a.host.WorldOrigin().Sub(offset)
	err := a.settle(triggerRebase, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		a.writeLocal(p, newOrigin)
		return nil
	})
	if err != nil {
		a.logger.Warn("failed to rebase anchor", "error", err)
	}
}

// InvalidateGlobeTransform marks the globe transform as untrusted. The next
// settle pass derives it from the host transform.
func (a *Anchor) InvalidateGlobeTransform() {
	a.globe.Invalidate()
}

// Snapshot returns the anchor's persisted state.
func (a *Anchor) Snapshot() State {
	return State{
		GlobeTransform:                      a.globe.Array(),
		GlobeTransformValid:                 a.globe.Valid(),
		Longitude:                           a.geodetic.Longitude,
		Latitude:                            a.geodetic.Latitude,
		Height:                              a.geodetic.Height,
		ECEFX:                               a.ecef[0],
		ECEFY:                               a.ecef[1],
		ECEFZ:                               a.ecef[2],
		TeleportWhenUpdatingTransform:       a.teleport,
		AdjustOrientationForGlobeWhenMoving: a.adjust,
	}
}

// Restore loads persisted state. When the anchor is registered it settles
// immediately, so the host transform and properties agree with the loaded
// globe transform before anything else reads them; otherwise that happens
// on registration.
func (a *Anchor) Restore(s State) error {
	if a.state == Settling {
		metrics.IncReentrantRejections()
		return fmt.Errorf("%s: %w", triggerLoad, ErrReentrantSettle)
	}

	a.globe.Load(s.GlobeTransform, s.GlobeTransformValid)
	a.geodetic.Longitude = s.Longitude
	a.geodetic.Latitude = s.Latitude
	a.geodetic.Height = s.Height
	a.ecef = mgl64.Vec3{s.ECEFX, s.ECEFY, s.ECEFZ}
	a.teleport = s.TeleportWhenUpdatingTransform
	a.adjust = s.AdjustOrientationForGlobeWhenMoving
	a.pending = pendingNone

	if !a.registered {
		return nil
	}
	return a.settle(triggerLoad, func() error {
		p, err := a.requireProvider()
		if err != nil {
			return err
		}
		if a.globe.Valid() {
			a.writeLocal(p, a.host.WorldOrigin())
		}
		a.updateProperties(p)
		return nil
	})
}
