// Package anchor keeps an object's pose in the host engine's local space in
// sync with its pose on the globe.
//
// An Anchor is attached to a Host (the object it moves) and uses a Provider
// (a georeference) to map between engine space and ECEF. The ECEF
// transform is cached in a GlobeTransform; every mutation runs a settle pass
// that leaves the host transform, the ECEF position and the geodetic
// position consistent with it.
//
// Anchors are not safe for concurrent use. All calls for one anchor, and the
// host and provider it uses, must come from the same goroutine (the host's
// simulation thread).
package anchor

import (
	"errors"
	"log/slog"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/transform"
)

var (
	// ErrReentrantSettle is returned by operations started while the anchor
	// is in the middle of a settle pass.
	ErrReentrantSettle = errors.New("anchor: settle pass already in progress")

	// ErrNoGeoreference is returned when no georeference can be resolved.
	ErrNoGeoreference = errors.New("anchor: no georeference available")

	// ErrInvalidPosition is returned for positions that are not finite.
	ErrInvalidPosition = errors.New("anchor: position is not finite")
)

// Host is the object an anchor moves.
type Host interface {
	// Transform returns the object's transform relative to WorldOrigin.
	Transform() mgl64.Mat4
	// SetTransform moves the object. With teleport set the pose is applied
	// directly; otherwise as a velocity-aware move.
	SetTransform(m mgl64.Mat4, teleport bool)
	// WorldOrigin returns the current world origin in absolute engine space.
	WorldOrigin() mgl64.Vec3
	// OnTransformChanged registers fn to run after every SetTransform.
	OnTransformChanged(fn func()) (cancel func())
}

// Provider maps absolute engine space to ECEF.
type Provider interface {
	Ellipsoid() transform.Ellipsoid
	LocalToECEF() mgl64.Mat4
	ECEFToLocal() mgl64.Mat4
	// Subscribe registers fn to run whenever the mapping changes.
	Subscribe(fn func()) (cancel func())
}

// SettleState is the anchor's reentrancy state.
type SettleState int

const (
	Idle SettleState = iota
	Settling
)

func (s SettleState) String() string {
	if s == Settling {
		return "settling"
	}
	return "idle"
}

// Property identifies an editable anchor property.
type Property int

const (
	PropLongitude Property = iota
	PropLatitude
	PropHeight
	PropECEFX
	PropECEFY
	PropECEFZ
	PropTeleportWhenUpdatingTransform
	PropAdjustOrientationForGlobeWhenMoving
	PropGeoreference
)

var propertyNames = [...]string{
	PropLongitude:                           "longitude",
	PropLatitude:                            "latitude",
	PropHeight:                              "height",
	PropECEFX:                               "ecef_x",
	PropECEFY:                               "ecef_y",
	PropECEFZ:                               "ecef_z",
	PropTeleportWhenUpdatingTransform:       "teleport_when_updating_transform",
	PropAdjustOrientationForGlobeWhenMoving: "adjust_orientation_for_globe_when_moving",
	PropGeoreference:                        "georeference",
}

func (p Property) String() string {
	if p < 0 || int(p) >= len(propertyNames) {
		return "unknown"
	}
	return propertyNames[p]
}

// pendingSource records which coordinate properties were set before the
// anchor was registered and should seed the globe transform.
type pendingSource int

const (
	pendingNone pendingSource = iota
	pendingGeodetic
	pendingECEF
)

// Options configures a new Anchor.
type Options struct {
	// ID names the anchor in logs.
	ID     string
	Logger *slog.Logger

	// Resolve finds the default georeference when none is designated. It
	// may return nil.
	Resolve func() Provider

	// OnSettled runs after every successful settle pass, once the anchor is
	// idle again. trigger names what started the pass.
	OnSettled func(a *Anchor, trigger string)
}

// Anchor synchronizes a host's local transform with a globe transform.
type Anchor struct {
	id        string
	logger    *slog.Logger
	host      Host
	resolve   func() Provider
	onSettled func(*Anchor, string)

	designated     Provider
	resolved       Provider
	cancelProvider func()
	cancelHost     func()

	globe GlobeTransform

	geodetic transform.Geodetic
	ecef     mgl64.Vec3
	pending  pendingSource

	teleport bool
	adjust   bool

	state      SettleState
	registered bool
	suppressed int
}

// New creates an anchor for host. Both flags start enabled and the globe
// transform starts invalid.
func New(host Host, opts Options) *Anchor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Anchor{
		id:        opts.ID,
		logger:    logger.With("component", "anchor", "anchor_id", opts.ID),
		host:      host,
		resolve:   opts.Resolve,
		onSettled: opts.OnSettled,
		teleport:  true,
		adjust:    true,
	}
}

func (a *Anchor) ID() string             { return a.id }
func (a *Anchor) Host() Host             { return a.host }
func (a *Anchor) State() SettleState     { return a.state }
func (a *Anchor) Registered() bool       { return a.registered }
func (a *Anchor) Longitude() float64     { return a.geodetic.Longitude }
func (a *Anchor) Latitude() float64      { return a.geodetic.Latitude }
func (a *Anchor) Height() float64        { return a.geodetic.Height }
func (a *Anchor) ECEFX() float64         { return a.ecef[0] }
func (a *Anchor) ECEFY() float64         { return a.ecef[1] }
func (a *Anchor) ECEFZ() float64         { return a.ecef[2] }
func (a *Anchor) Georeference() Provider { return a.designated }

// LongitudeLatitudeHeight returns the geodetic position.
func (a *Anchor) LongitudeLatitudeHeight() transform.Geodetic { return a.geodetic }

// ECEF returns the ECEF position in meters.
func (a *Anchor) ECEF() mgl64.Vec3 { return a.ecef }

// GlobeTransform returns the cached object-to-ECEF transform and whether it
// is valid.
func (a *Anchor) GlobeTransform() (mgl64.Mat4, bool) { return a.globe.m, a.globe.valid }

// SuppressedNotifications returns how many change notifications were ignored
// because they arrived during a settle pass.
func (a *Anchor) SuppressedNotifications() int { return a.suppressed }

// TeleportWhenUpdatingTransform reports whether host writes are teleports.
func (a *Anchor) TeleportWhenUpdatingTransform() bool { return a.teleport }

// SetTeleportWhenUpdatingTransform sets whether host writes made by settle
// passes are teleports.
func (a *Anchor) SetTeleportWhenUpdatingTransform(v bool) { a.teleport = v }

// AdjustOrientationForGlobeWhenMoving reports whether moves through the
// geodetic or ECEF properties carry the orientation along the curvature of
// the globe.
func (a *Anchor) AdjustOrientationForGlobeWhenMoving() bool { return a.adjust }

// SetAdjustOrientationForGlobeWhenMoving sets the curvature adjustment flag.
func (a *Anchor) SetAdjustOrientationForGlobeWhenMoving(v bool) { a.adjust = v }
