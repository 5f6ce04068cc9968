// Package scene is a minimal host engine: a world of actors with attached
// components, a rebasable origin and the georeferences placing it on the
// globe.
package scene

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/georef"
)

// DefaultStep is the simulation step used for velocity when none is set.
const DefaultStep = 1.0 / 60

// Options configures a World.
type Options struct {
	// Step is the simulation step in seconds used to derive velocity from
	// non-teleporting moves. Zero selects DefaultStep.
	Step float64

	// AutoCreateGeoreference makes ResolveGeoreference create a default
	// georeference when the world has none.
	AutoCreateGeoreference bool
}

// World owns actors, the world origin and georeferences.
//
// All engine work runs on a single simulation thread; Do provides that
// thread. Methods other than Do must only be called from inside Do.
type World struct {
	mu     sync.Mutex
	logger *slog.Logger

	step       float64
	autoCreate bool

	origin  mgl64.Vec3
	georefs []*georef.Georeference

	actors map[string]*Actor
	order  []string
}

// New creates an empty world with its origin at zero.
func New(logger *slog.Logger, opts Options) *World {
	if opts.Step == 0 {
		opts.Step = DefaultStep
	}
	return &World{
		logger:     logger,
		step:       opts.Step,
		autoCreate: opts.AutoCreateGeoreference,
		actors:     make(map[string]*Actor),
	}
}

// Do runs fn on the simulation thread.
func (w *World) Do(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn()
}

// OriginLocation returns the current world origin in absolute engine space.
func (w *World) OriginLocation() mgl64.Vec3 { return w.origin }

// SetOriginLocation rebases the world. Every actor is shifted by
// offset = old - new so that its absolute position is kept, then each
// component receives OnWorldOffsetApplied(offset), and finally the new origin
// is committed.
func (w *World) SetOriginLocation(newOrigin mgl64.Vec3) {
	if newOrigin == w.origin {
		return
	}
	offset := w.origin.Sub(newOrigin)

	for _, id := range w.order {
		w.actors[id].shift(offset)
	}
	for _, id := range w.order {
		for _, c := range w.actors[id].components {
			c.OnWorldOffsetApplied(offset)
		}
	}

	w.logger.Info("world origin rebased",
		"component", "scene",
		"old_origin", fmt.Sprint(w.origin),
		"new_origin", fmt.Sprint(newOrigin),
		"actors", len(w.order),
	)
	w.origin = newOrigin
}

// AddGeoreference adds g to the world. The first georeference added is the
// one ResolveGeoreference finds.
func (w *World) AddGeoreference(g *georef.Georeference) {
	w.georefs = append(w.georefs, g)
}

// Georeferences returns the georeferences in the world.
func (w *World) Georeferences() []*georef.Georeference { return w.georefs }

// ResolveGeoreference returns the world's default georeference. When there is
// none it creates one if the world allows it, and returns nil otherwise.
func (w *World) ResolveGeoreference() *georef.Georeference {
	if len(w.georefs) > 0 {
		return w.georefs[0]
	}
	if !w.autoCreate {
		return nil
	}

	g, err := georef.New(georef.Options{Name: georef.DefaultName})
	if err != nil {
		// The default options are always valid.
		panic(fmt.Sprintf("scene: creating default georeference: %v", err))
	}
	w.logger.Info("created default georeference", "component", "scene", "name", g.Name())
	w.georefs = append(w.georefs, g)
	return g
}

// SpawnActor adds an actor with the given transform relative to the world
// origin. It panics if the id is already taken.
func (w *World) SpawnActor(id string, m mgl64.Mat4) *Actor {
	if _, ok := w.actors[id]; ok {
		panic(fmt.Sprintf("scene: actor %q already exists", id))
	}
	a := &Actor{id: id, world: w, transform: m}
	w.actors[id] = a
	w.order = append(w.order, id)
	return a
}

// AddComponent attaches c to a and runs its creation and registration.
func (w *World) AddComponent(a *Actor, c Component) {
	a.components = append(a.components, c)
	c.OnCreated()
	c.OnRegistered()
}

// Actor looks up an actor by id.
func (w *World) Actor(id string) (*Actor, bool) {
	a, ok := w.actors[id]
	return a, ok
}

// Actors returns all actors in spawn order.
func (w *World) Actors() []*Actor {
	out := make([]*Actor, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.actors[id])
	}
	return out
}

// DestroyActor unregisters the actor's components and removes it. Unknown
// ids are ignored.
func (w *World) DestroyActor(id string) {
	a, ok := w.actors[id]
	if !ok {
		return
	}
	for _, c := range a.components {
		c.OnUnregistered()
	}
	delete(w.actors, id)
	for i, oid := range w.order {
		if oid == id {
			w.order = append(w.order[:i:i], w.order[i+1:]...)
			break
		}
	}
}
