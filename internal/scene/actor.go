package scene

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/transform"
)

// Component is attached to an actor and follows its lifecycle.
type Component interface {
	// OnCreated is called once, before the first OnRegistered.
	OnCreated()
	// OnRegistered is called when the component becomes active in the world.
	OnRegistered()
	// OnUnregistered is called when the component leaves the world.
	OnUnregistered()
	// OnWorldOffsetApplied is called during origin rebasing, after the
	// actor has been shifted by offset but before the world commits its new
	// origin.
	OnWorldOffsetApplied(offset mgl64.Vec3)
}

// Actor is an object placed in the world. Its transform is expressed relative
// to the world's current origin.
type Actor struct {
	id    string
	world *World

	transform mgl64.Mat4
	velocity  mgl64.Vec3

	components []Component

	nextListener int
	listeners    []listener
}

type listener struct {
	id int
	fn func()
}

// ID returns the actor id.
func (a *Actor) ID() string { return a.id }

// World returns the world the actor lives in.
func (a *Actor) World() *World { return a.world }

// Transform returns the actor's transform relative to the world origin.
func (a *Actor) Transform() mgl64.Mat4 { return a.transform }

// Velocity returns the velocity derived from the last non-teleporting move,
// in engine units per second.
func (a *Actor) Velocity() mgl64.Vec3 { return a.velocity }

// WorldOrigin returns the current world origin in absolute engine space.
func (a *Actor) WorldOrigin() mgl64.Vec3 { return a.world.origin }

// Components returns the components attached to the actor.
func (a *Actor) Components() []Component { return a.components }

// SetTransform moves the actor and notifies transform listeners.
//
// With teleport set the pose is taken as is and the velocity is left alone.
// Otherwise the move is treated as one simulation step and the velocity is
// updated from the displacement.
func (a *Actor) SetTransform(m mgl64.Mat4, teleport bool) {
	if !teleport && a.world.step > 0 {
		d := transform.Translation(m).Sub(transform.Translation(a.transform))
		a.velocity = d.Mul(1 / a.world.step)
	}
	a.transform = m

	// Copy so listeners may unsubscribe while being notified.
	ls := append([]listener(nil), a.listeners...)
	for _, l := range ls {
		l.fn()
	}
}

// OnTransformChanged registers fn to run after every SetTransform. Origin
// rebasing shifts actors without notifying. The returned function removes the
// listener.
func (a *Actor) OnTransformChanged(fn func()) (cancel func()) {
	a.nextListener++
	id := a.nextListener
	a.listeners = append(a.listeners, listener{id: id, fn: fn})

	return func() {
		for i, l := range a.listeners {
			if l.id == id {
				a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
				return
			}
		}
	}
}

// shift moves the actor by offset without notifying listeners.
func (a *Actor) shift(offset mgl64.Vec3) {
	a.transform = transform.WithTranslation(a.transform, transform.Translation(a.transform).Add(offset))
}
