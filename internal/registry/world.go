package registry

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/anchor"
	"github.com/star/geoanchor/internal/config"
	"github.com/star/geoanchor/internal/georef"
	"github.com/star/geoanchor/internal/transform"
)

// GeoreferenceView describes the world's georeference.
type GeoreferenceView struct {
	Name          string      `json:"name"`
	Longitude     float64     `json:"longitude"`
	Latitude      float64     `json:"latitude"`
	Height        float64     `json:"height"`
	UnitsPerMeter float64     `json:"units_per_meter"`
	Radii         [3]float64  `json:"radii"`
	LocalToECEF   [16]float64 `json:"local_to_ecef"`
	ECEFToLocal   [16]float64 `json:"ecef_to_local"`
	WorldOrigin   [3]float64  `json:"world_origin"`
	Anchors       int         `json:"anchors"`
}

func (r *Registry) georeference() (*georef.Georeference, error) {
	g := r.world.ResolveGeoreference()
	if g == nil {
		return nil, anchor.ErrNoGeoreference
	}
	return g, nil
}

func (r *Registry) georeferenceView(g *georef.Georeference) GeoreferenceView {
	o := g.Origin()
	return GeoreferenceView{
		Name:          g.Name(),
		Longitude:     o.Longitude,
		Latitude:      o.Latitude,
		Height:        o.Height,
		UnitsPerMeter: g.UnitsPerMeter(),
		Radii:         g.Ellipsoid().Radii(),
		LocalToECEF:   transform.ArrayFromMatrix(g.LocalToECEF()),
		ECEFToLocal:   transform.ArrayFromMatrix(g.ECEFToLocal()),
		WorldOrigin:   r.world.OriginLocation(),
		Anchors:       len(r.entries),
	}
}

// Georeference returns the world's georeference.
func (r *Registry) Georeference() (GeoreferenceView, error) {
	var (
		v   GeoreferenceView
		err error
	)
	r.world.Do(func() {
		var g *georef.Georeference
		if g, err = r.georeference(); err == nil {
			v = r.georeferenceView(g)
		}
	})
	return v, err
}

// SetGeoreferenceOrigin moves the georeference origin. Every anchor keeps its
// globe pose; its actor is moved to match the new mapping.
func (r *Registry) SetGeoreferenceOrigin(origin transform.Geodetic) (GeoreferenceView, error) {
	var (
		v   GeoreferenceView
		err error
	)
	r.world.Do(func() {
		var g *georef.Georeference
		if g, err = r.georeference(); err != nil {
			return
		}
		if err = g.SetOrigin(origin); err != nil {
			return
		}
		r.logger.Info("georeference origin changed",
			"georeference", g.Name(),
			"longitude", origin.Longitude,
			"latitude", origin.Latitude,
			"height", origin.Height,
		)
		v = r.georeferenceView(g)
	})
	return v, err
}

// Frame returns a copy of the current georeference mapping and the world
// origin, taken together, for use off the simulation thread.
func (r *Registry) Frame() (georef.Frame, mgl64.Vec3, error) {
	var (
		f      georef.Frame
		origin mgl64.Vec3
		err    error
	)
	r.world.Do(func() {
		var g *georef.Georeference
		if g, err = r.georeference(); err == nil {
			f = g.Frame()
			origin = r.world.OriginLocation()
		}
	})
	return f, origin, err
}

// WorldOrigin returns the world origin in absolute engine space.
func (r *Registry) WorldOrigin() mgl64.Vec3 {
	var o mgl64.Vec3
	r.world.Do(func() { o = r.world.OriginLocation() })
	return o
}

// Rebase moves the world origin. Anchored actors keep their globe pose.
func (r *Registry) Rebase(origin mgl64.Vec3) error {
	for _, c := range origin {
		if math.IsNaN(c) || math.Abs(c) > maxOrigin {
			return fmt.Errorf("rebase to %v: %w", origin, anchor.ErrInvalidPosition)
		}
	}
	r.world.Do(func() {
		r.world.SetOriginLocation(origin)
	})
	return nil
}

// maxOrigin bounds world origin coordinates; it also rejects infinities.
const maxOrigin = 1e12

// Ready reports whether the registry can place anchors on the globe.
func (r *Registry) Ready() error {
	var err error
	r.world.Do(func() {
		_, err = r.georeference()
	})
	return err
}

// LoadScene applies a scene file: georeference, world origin and anchors.
// The scene's georeference is added only when the world has none yet; an
// omitted section yields the default georeference at longitude 0, latitude 0.
// It is meant to run once on startup, before Restore.
func (r *Registry) LoadScene(s config.Scene) error {
	var err error
	r.world.Do(func() {
		if len(r.world.Georeferences()) == 0 {
			var g *georef.Georeference
			g, err = georef.New(georef.Options{
				Name:          s.Georeference.Name,
				Ellipsoid:     s.Georeference.Ellipsoid(),
				Origin:        s.Georeference.Origin(),
				UnitsPerMeter: s.Georeference.UnitsPerMeter,
			})
			if err != nil {
				err = fmt.Errorf("scene georeference: %w", err)
				return
			}
			r.world.AddGeoreference(g)
		}
		if len(s.World.Origin) == 3 {
			r.world.SetOriginLocation(mgl64.Vec3{s.World.Origin[0], s.World.Origin[1], s.World.Origin[2]})
		}
	})
	if err != nil {
		return err
	}

	for _, ac := range s.Anchors {
		if _, err := r.Spawn(specFromConfig(ac)); err != nil {
			return fmt.Errorf("scene anchor %q: %w", ac.ID, err)
		}
	}
	r.logger.Info("scene loaded", "anchors", len(s.Anchors))
	return nil
}

func specFromConfig(ac config.AnchorConfig) Spec {
	spec := Spec{
		ID:                ac.ID,
		Teleport:          ac.Teleport,
		AdjustOrientation: ac.AdjustOrientation,
	}
	switch {
	case len(ac.Local) == 3:
		m := mgl64.Translate3D(ac.Local[0], ac.Local[1], ac.Local[2])
		spec.Local = &m
	case ac.Geodetic != nil:
		g := ac.Geodetic.Geodetic()
		spec.Geodetic = &g
	case len(ac.ECEF) == 3:
		p := mgl64.Vec3{ac.ECEF[0], ac.ECEF[1], ac.ECEF[2]}
		spec.ECEF = &p
	}
	return spec
}
