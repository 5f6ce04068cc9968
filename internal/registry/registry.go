// Package registry is the service core: it owns the scene world, the anchors
// attached to its actors, and the bridges to persistence and the update
// stream. Every operation runs on the world's simulation thread.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/star/geoanchor/internal/anchor"
	"github.com/star/geoanchor/internal/georef"
	"github.com/star/geoanchor/internal/metrics"
	"github.com/star/geoanchor/internal/scene"
	"github.com/star/geoanchor/internal/stream"
	"github.com/star/geoanchor/internal/transform"
)

var (
	ErrNotFound        = errors.New("registry: anchor not found")
	ErrExists          = errors.New("registry: anchor already exists")
	ErrInvalidSpec     = errors.New("registry: invalid anchor spec")
	ErrInvalidSnapMode = errors.New("registry: invalid snap mode")
)

// Snap modes accepted by Snap.
const (
	SnapUp           = "up"
	SnapEastSouthUp  = "east_south_up"
	updateTypeAnchor = "anchor"
	updateTypeRemove = "removed"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Publisher receives an update after every settle pass.
type Publisher interface {
	Publish(stream.Update)
}

type entry struct {
	actor  *scene.Actor
	anchor *anchor.Anchor
}

// Registry tracks anchored actors by id.
type Registry struct {
	world  *scene.World
	store  Persister
	pub    Publisher
	logger *slog.Logger

	entries map[string]*entry
	dirty   map[string]bool
	removed map[string]bool
}

// New creates a registry over world. store and pub may be nil.
func New(world *scene.World, store Persister, pub Publisher, logger *slog.Logger) *Registry {
	return &Registry{
		world:   world,
		store:   store,
		pub:     pub,
		logger:  logger.With("component", "registry"),
		entries: make(map[string]*entry),
		dirty:   make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// Spec describes an anchor to spawn. At most one of Local, Geodetic and ECEF
// may be set; with none the actor starts at the world origin.
type Spec struct {
	ID       string
	Local    *mgl64.Mat4
	Geodetic *transform.Geodetic
	ECEF     *mgl64.Vec3

	Teleport          *bool
	AdjustOrientation *bool
}

func (s Spec) validate() error {
	if s.ID != "" && !validID.MatchString(s.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalidSpec, s.ID)
	}
	n := 0
	if s.Local != nil {
		n++
	}
	if s.Geodetic != nil {
		n++
	}
	if s.ECEF != nil {
		n++
	}
	if n > 1 {
		return fmt.Errorf("%w: at most one of local, geodetic and ecef", ErrInvalidSpec)
	}
	return nil
}

// View is the externally visible state of one anchor.
type View struct {
	ID        string     `json:"id"`
	Longitude float64    `json:"longitude"`
	Latitude  float64    `json:"latitude"`
	Height    float64    `json:"height"`
	ECEF      [3]float64 `json:"ecef"`

	LocalTransform      [16]float64 `json:"local_transform"`
	GlobeTransform      [16]float64 `json:"globe_transform"`
	GlobeTransformValid bool        `json:"globe_transform_valid"`

	TeleportWhenUpdatingTransform       bool `json:"teleport_when_updating_transform"`
	AdjustOrientationForGlobeWhenMoving bool `json:"adjust_orientation_for_globe_when_moving"`

	Georeference            string `json:"georeference,omitempty"`
	SuppressedNotifications int    `json:"suppressed_notifications"`
}

// resolve finds the world's default georeference for anchors.
func (r *Registry) resolve() anchor.Provider {
	if g := r.world.ResolveGeoreference(); g != nil {
		return g
	}
	return nil
}

func (r *Registry) onSettled(a *anchor.Anchor, trigger string) {
	r.dirty[a.ID()] = true
	if r.pub != nil {
		r.pub.Publish(r.update(a, trigger))
	}
}

func (r *Registry) update(a *anchor.Anchor, trigger string) stream.Update {
	u := stream.Update{
		Type:      updateTypeAnchor,
		ID:        a.ID(),
		Trigger:   trigger,
		Longitude: a.Longitude(),
		Latitude:  a.Latitude(),
		Height:    a.Height(),
		ECEF:      a.ECEF(),
		Local:     transform.Translation(a.Host().Transform()),
		T:         time.Now().UTC().Format(time.RFC3339Nano),
	}
	if m, ok := a.GlobeTransform(); ok {
		arr := transform.ArrayFromMatrix(m)
		u.Globe = &arr
	}
	return u
}

func (r *Registry) view(e *entry) View {
	a := e.anchor
	m, valid := a.GlobeTransform()
	v := View{
		ID:                                  a.ID(),
		Longitude:                           a.Longitude(),
		Latitude:                            a.Latitude(),
		Height:                              a.Height(),
		ECEF:                                a.ECEF(),
		LocalTransform:                      transform.ArrayFromMatrix(e.actor.Transform()),
		GlobeTransform:                      transform.ArrayFromMatrix(m),
		GlobeTransformValid:                 valid,
		TeleportWhenUpdatingTransform:       a.TeleportWhenUpdatingTransform(),
		AdjustOrientationForGlobeWhenMoving: a.AdjustOrientationForGlobeWhenMoving(),
		SuppressedNotifications:             a.SuppressedNotifications(),
	}
	if g, ok := a.ResolveGeoreference().(*georef.Georeference); ok {
		v.Georeference = g.Name()
	}
	return v
}

// Spawn creates an actor with an attached anchor and registers it. An empty
// id is replaced by a random UUID.
func (r *Registry) Spawn(spec Spec) (View, error) {
	if err := spec.validate(); err != nil {
		return View{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	var (
		v   View
		err error
	)
	r.world.Do(func() {
		v, err = r.spawn(spec)
	})
	return v, err
}

func (r *Registry) spawn(spec Spec) (View, error) {
	if _, ok := r.entries[spec.ID]; ok {
		return View{}, fmt.Errorf("spawn %q: %w", spec.ID, ErrExists)
	}

	local := mgl64.Ident4()
	if spec.Local != nil {
		local = *spec.Local
	}
	actor := r.world.SpawnActor(spec.ID, local)
	a := anchor.New(actor, anchor.Options{
		ID:        spec.ID,
		Logger:    r.logger,
		Resolve:   r.resolve,
		OnSettled: r.onSettled,
	})

	if spec.Teleport != nil {
		a.SetTeleportWhenUpdatingTransform(*spec.Teleport)
	}
	if spec.AdjustOrientation != nil {
		a.SetAdjustOrientationForGlobeWhenMoving(*spec.AdjustOrientation)
	}
	if err := seed(a, spec); err != nil {
		r.world.DestroyActor(spec.ID)
		return View{}, fmt.Errorf("spawn %q: %w", spec.ID, err)
	}

	e := &entry{actor: actor, anchor: a}
	r.entries[spec.ID] = e
	delete(r.removed, spec.ID)
	r.world.AddComponent(actor, a)

	metrics.SetAnchors(len(r.entries))
	r.logger.Info("anchor spawned", "anchor_id", spec.ID, "anchors", len(r.entries))
	return r.view(e), nil
}

// seed writes the spec's geodetic or ECEF position as pending edits, applied
// when the anchor registers.
func seed(a *anchor.Anchor, spec Spec) error {
	var props []anchor.Property
	var vals []float64
	switch {
	case spec.Geodetic != nil:
		props = []anchor.Property{anchor.PropLongitude, anchor.PropLatitude, anchor.PropHeight}
		vals = []float64{spec.Geodetic.Longitude, spec.Geodetic.Latitude, spec.Geodetic.Height}
	case spec.ECEF != nil:
		props = []anchor.Property{anchor.PropECEFX, anchor.PropECEFY, anchor.PropECEFZ}
		vals = []float64{spec.ECEF[0], spec.ECEF[1], spec.ECEF[2]}
	default:
		return nil
	}
	for i, p := range props {
		if err := a.SetProperty(p, vals[i]); err != nil {
			return err
		}
	}
	return a.OnPropertyEdited(props[0])
}

// lookup runs fn with the entry for id on the simulation thread.
func (r *Registry) lookup(id string, fn func(e *entry) error) error {
	var err error
	r.world.Do(func() {
		e, ok := r.entries[id]
		if !ok {
			err = fmt.Errorf("%q: %w", id, ErrNotFound)
			return
		}
		err = fn(e)
	})
	return err
}

// mutate runs fn and returns the resulting view.
func (r *Registry) mutate(id string, fn func(e *entry) error) (View, error) {
	var v View
	err := r.lookup(id, func(e *entry) error {
		if err := fn(e); err != nil {
			return err
		}
		v = r.view(e)
		return nil
	})
	return v, err
}

// Get returns the anchor with the given id.
func (r *Registry) Get(id string) (View, error) {
	return r.mutate(id, func(*entry) error { return nil })
}

// List returns all anchors in spawn order.
func (r *Registry) List() []View {
	var out []View
	r.world.Do(func() {
		out = make([]View, 0, len(r.entries))
		for _, actor := range r.world.Actors() {
			if e, ok := r.entries[actor.ID()]; ok {
				out = append(out, r.view(e))
			}
		}
	})
	return out
}

// Len returns the number of anchors.
func (r *Registry) Len() int {
	var n int
	r.world.Do(func() { n = len(r.entries) })
	return n
}

// MoveToGeodetic moves an anchor to a geodetic position.
func (r *Registry) MoveToGeodetic(id string, g transform.Geodetic) (View, error) {
	return r.mutate(id, func(e *entry) error {
		return e.anchor.MoveToLongitudeLatitudeHeight(g)
	})
}

// MoveToECEF moves an anchor to an ECEF position.
func (r *Registry) MoveToECEF(id string, p mgl64.Vec3) (View, error) {
	return r.mutate(id, func(e *entry) error {
		return e.anchor.MoveToECEF(p)
	})
}

// MoveLocal sets the actor's local transform as the engine would. The
// anchor follows through its host listener.
func (r *Registry) MoveLocal(id string, m mgl64.Mat4, teleport bool) (View, error) {
	return r.mutate(id, func(e *entry) error {
		e.actor.SetTransform(m, teleport)
		return nil
	})
}

// Snap reorients an anchor; mode is SnapUp or SnapEastSouthUp.
func (r *Registry) Snap(id, mode string) (View, error) {
	var snap func(*anchor.Anchor) error
	switch mode {
	case SnapUp:
		snap = (*anchor.Anchor).SnapLocalUpToEllipsoidNormal
	case SnapEastSouthUp:
		snap = (*anchor.Anchor).SnapToEastSouthUp
	default:
		return View{}, fmt.Errorf("%w: %q", ErrInvalidSnapMode, mode)
	}
	return r.mutate(id, func(e *entry) error {
		return snap(e.anchor)
	})
}

// SetFlags updates the anchor's flags. Nil values are left unchanged.
func (r *Registry) SetFlags(id string, teleport, adjust *bool) (View, error) {
	return r.mutate(id, func(e *entry) error {
		if teleport != nil {
			e.anchor.SetTeleportWhenUpdatingTransform(*teleport)
			if err := e.anchor.OnPropertyEdited(anchor.PropTeleportWhenUpdatingTransform); err != nil {
				return err
			}
		}
		if adjust != nil {
			e.anchor.SetAdjustOrientationForGlobeWhenMoving(*adjust)
			if err := e.anchor.OnPropertyEdited(anchor.PropAdjustOrientationForGlobeWhenMoving); err != nil {
				return err
			}
		}
		r.dirty[id] = true
		return nil
	})
}

// Remove destroys the anchor's actor. Its persisted state is deleted on the
// next flush.
func (r *Registry) Remove(id string) error {
	return r.lookup(id, func(e *entry) error {
		r.world.DestroyActor(id)
		delete(r.entries, id)
		delete(r.dirty, id)
		r.removed[id] = true

		if r.pub != nil {
			r.pub.Publish(stream.Update{
				Type: updateTypeRemove,
				ID:   id,
				T:    time.Now().UTC().Format(time.RFC3339Nano),
			})
		}
		metrics.SetAnchors(len(r.entries))
		r.logger.Info("anchor removed", "anchor_id", id, "anchors", len(r.entries))
		return nil
	})
}

// GeoreferenceName returns the name of the world's georeference, or "" when
// there is none.
func (r *Registry) GeoreferenceName() string {
	var name string
	r.world.Do(func() {
		if g := r.world.ResolveGeoreference(); g != nil {
			name = g.Name()
		}
	})
	return name
}

// Updates returns the current state of the given anchors, or of every
// anchor when ids is empty, as stream updates.
func (r *Registry) Updates(ids []string) []stream.Update {
	var out []stream.Update
	r.world.Do(func() {
		if len(ids) == 0 {
			for _, actor := range r.world.Actors() {
				if e, ok := r.entries[actor.ID()]; ok {
					out = append(out, r.update(e.anchor, ""))
				}
			}
			return
		}
		for _, id := range ids {
			if e, ok := r.entries[id]; ok {
				out = append(out, r.update(e.anchor, ""))
			}
		}
	})
	return out
}
