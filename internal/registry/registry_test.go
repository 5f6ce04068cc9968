package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/star/geoanchor/internal/anchor"
	"github.com/star/geoanchor/internal/config"
	"github.com/star/geoanchor/internal/georef"
	"github.com/star/geoanchor/internal/scene"
	"github.com/star/geoanchor/internal/store"
	"github.com/star/geoanchor/internal/stream"
	"github.com/star/geoanchor/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recorder struct {
	updates []stream.Update
}

func (r *recorder) Publish(u stream.Update) { r.updates = append(r.updates, u) }

func (r *recorder) last() stream.Update {
	if len(r.updates) == 0 {
		return stream.Update{}
	}
	return r.updates[len(r.updates)-1]
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newRegistry builds a world with a georeference at longitude 0, latitude 0,
// so the engine origin sits at ECEF (6378137, 0, 0).
func newRegistry(t *testing.T, st Persister) (*Registry, *recorder) {
	t.Helper()
	w := scene.New(testLogger(), scene.Options{})
	g, err := georef.New(georef.Options{})
	if err != nil {
		t.Fatalf("georef.New: %v", err)
	}
	w.AddGeoreference(g)

	pub := &recorder{}
	return New(w, st, pub, testLogger()), pub
}

var approx = cmpopts.EquateApprox(0, 1e-6)

func ptr[T any](v T) *T { return &v }

func TestSpawnGeodetic(t *testing.T) {
	r, pub := newRegistry(t, nil)

	v, err := r.Spawn(Spec{ID: "tower", Geodetic: &transform.Geodetic{Longitude: 10, Latitude: 20, Height: 30}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	got := transform.Geodetic{Longitude: v.Longitude, Latitude: v.Latitude, Height: v.Height}
	if diff := cmp.Diff(transform.Geodetic{Longitude: 10, Latitude: 20, Height: 30}, got, approx); diff != "" {
		t.Errorf("geodetic mismatch (-want +got):\n%s", diff)
	}
	if !v.GlobeTransformValid {
		t.Error("globe transform not valid after spawn")
	}
	if v.Georeference != georef.DefaultName {
		t.Errorf("Georeference = %q, want %q", v.Georeference, georef.DefaultName)
	}

	u := pub.last()
	if u.ID != "tower" || u.Type != "anchor" || u.Trigger != "register" {
		t.Errorf("last update = %+v, want register update for tower", u)
	}
	if u.Globe == nil {
		t.Error("update missing globe transform")
	}
}

func TestSpawnECEFAndLocal(t *testing.T) {
	r, _ := newRegistry(t, nil)

	v, err := r.Spawn(Spec{ID: "e", ECEF: &mgl64.Vec3{6378137, 0, 0}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if diff := cmp.Diff([3]float64{6378137, 0, 0}, v.ECEF, approx); diff != "" {
		t.Errorf("ECEF mismatch (-want +got):\n%s", diff)
	}

	// Local +Z is up, so 100 m above the engine origin.
	local := mgl64.Translate3D(0, 0, 100)
	v, err = r.Spawn(Spec{ID: "l", Local: &local})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if diff := cmp.Diff(100.0, v.Height, approx); diff != "" {
		t.Errorf("height mismatch (-want +got):\n%s", diff)
	}
}

func TestSpawnErrors(t *testing.T) {
	r, _ := newRegistry(t, nil)

	if _, err := r.Spawn(Spec{ID: "a"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := r.Spawn(Spec{ID: "a"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Spawn error = %v, want ErrExists", err)
	}

	local := mgl64.Ident4()
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"two positions", Spec{ID: "b", Local: &local, ECEF: &mgl64.Vec3{1, 2, 3}}, ErrInvalidSpec},
		{"bad id", Spec{ID: "has space"}, ErrInvalidSpec},
		{"nan height", Spec{ID: "c", Geodetic: &transform.Geodetic{Height: math.NaN()}}, anchor.ErrInvalidPosition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Spawn(tt.spec); !errors.Is(err, tt.want) {
				t.Errorf("Spawn error = %v, want %v", err, tt.want)
			}
		})
	}

	if n := r.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestSpawnGeneratesID(t *testing.T) {
	r, _ := newRegistry(t, nil)
	v, err := r.Spawn(Spec{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := uuid.Parse(v.ID); err != nil {
		t.Errorf("generated id %q is not a UUID: %v", v.ID, err)
	}
}

func TestMoves(t *testing.T) {
	r, pub := newRegistry(t, nil)
	if _, err := r.Spawn(Spec{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	v, err := r.MoveToGeodetic("a", transform.Geodetic{Longitude: 0.001, Latitude: 0, Height: 5})
	if err != nil {
		t.Fatalf("MoveToGeodetic: %v", err)
	}
	if pub.last().Trigger != "geodetic" {
		t.Errorf("trigger = %q, want geodetic", pub.last().Trigger)
	}
	// 0.001 degrees of longitude is about 111 m east, which is local +X.
	if v.LocalTransform[12] < 110 || v.LocalTransform[12] > 112 {
		t.Errorf("local x = %v, want about 111", v.LocalTransform[12])
	}

	v, err = r.MoveToECEF("a", mgl64.Vec3{6378137 + 20, 0, 0})
	if err != nil {
		t.Fatalf("MoveToECEF: %v", err)
	}
	if diff := cmp.Diff(20.0, v.Height, approx); diff != "" {
		t.Errorf("height mismatch (-want +got):\n%s", diff)
	}

	v, err = r.MoveLocal("a", mgl64.Translate3D(0, 0, 42), true)
	if err != nil {
		t.Fatalf("MoveLocal: %v", err)
	}
	if diff := cmp.Diff(42.0, v.Height, approx); diff != "" {
		t.Errorf("height mismatch (-want +got):\n%s", diff)
	}
	if pub.last().Trigger != "local" {
		t.Errorf("trigger = %q, want local", pub.last().Trigger)
	}

	if _, err := r.MoveToECEF("missing", mgl64.Vec3{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("MoveToECEF(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSnapAndFlags(t *testing.T) {
	r, _ := newRegistry(t, nil)
	if _, err := r.Spawn(Spec{ID: "a", Geodetic: &transform.Geodetic{Longitude: 30, Latitude: 45}}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Snap("a", "sideways"); !errors.Is(err, ErrInvalidSnapMode) {
		t.Errorf("Snap(sideways) error = %v, want ErrInvalidSnapMode", err)
	}
	v, err := r.Snap("a", SnapEastSouthUp)
	if err != nil {
		t.Fatalf("Snap: %v", err)
	}
	up := mgl64.Vec3{v.GlobeTransform[8], v.GlobeTransform[9], v.GlobeTransform[10]}
	want := transform.GeodeticSurfaceNormalAt(transform.Geodetic{Longitude: 30, Latitude: 45})
	if up.Sub(want).Len() > 1e-9 {
		t.Errorf("globe up = %v, want %v", up, want)
	}
	if _, err := r.Snap("a", SnapUp); err != nil {
		t.Errorf("Snap(up): %v", err)
	}

	v, err = r.SetFlags("a", ptr(false), nil)
	if err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if v.TeleportWhenUpdatingTransform || !v.AdjustOrientationForGlobeWhenMoving {
		t.Errorf("flags = %v/%v, want false/true", v.TeleportWhenUpdatingTransform, v.AdjustOrientationForGlobeWhenMoving)
	}
}

func TestRebaseKeepsGlobePose(t *testing.T) {
	r, pub := newRegistry(t, nil)
	before, err := r.Spawn(Spec{ID: "a", Geodetic: &transform.Geodetic{Longitude: 0.01, Latitude: 0.01, Height: 10}})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Rebase(mgl64.Vec3{1000, -500, 20}); err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	after, err := r.Get("a")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(before.ECEF, after.ECEF, approx); diff != "" {
		t.Errorf("ECEF changed by rebase (-before +after):\n%s", diff)
	}
	wantLocal := [3]float64{before.LocalTransform[12] - 1000, before.LocalTransform[13] + 500, before.LocalTransform[14] - 20}
	gotLocal := [3]float64{after.LocalTransform[12], after.LocalTransform[13], after.LocalTransform[14]}
	if diff := cmp.Diff(wantLocal, gotLocal, approx); diff != "" {
		t.Errorf("local translation mismatch (-want +got):\n%s", diff)
	}
	if pub.last().Trigger != "rebase" {
		t.Errorf("trigger = %q, want rebase", pub.last().Trigger)
	}
	if got := r.WorldOrigin(); got != (mgl64.Vec3{1000, -500, 20}) {
		t.Errorf("WorldOrigin() = %v", got)
	}

	if err := r.Rebase(mgl64.Vec3{math.NaN(), 0, 0}); !errors.Is(err, anchor.ErrInvalidPosition) {
		t.Errorf("Rebase(NaN) error = %v, want ErrInvalidPosition", err)
	}
}

func TestSetGeoreferenceOrigin(t *testing.T) {
	r, pub := newRegistry(t, nil)
	before, err := r.Spawn(Spec{ID: "a"})
	if err != nil {
		t.Fatal(err)
	}

	gv, err := r.SetGeoreferenceOrigin(transform.Geodetic{Longitude: 0.001})
	if err != nil {
		t.Fatalf("SetGeoreferenceOrigin: %v", err)
	}
	if gv.Longitude != 0.001 || gv.Anchors != 1 {
		t.Errorf("georeference view = %+v", gv)
	}

	after, err := r.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before.ECEF, after.ECEF, approx); diff != "" {
		t.Errorf("ECEF changed (-before +after):\n%s", diff)
	}
	// The origin moved about 111 m east, so the anchor is now west of it.
	if after.LocalTransform[12] > -110 || after.LocalTransform[12] < -112 {
		t.Errorf("local x = %v, want about -111", after.LocalTransform[12])
	}
	if pub.last().Trigger != "frame" {
		t.Errorf("trigger = %q, want frame", pub.last().Trigger)
	}

	if _, err := r.SetGeoreferenceOrigin(transform.Geodetic{Latitude: 95}); !errors.Is(err, georef.ErrInvalidOrigin) {
		t.Errorf("invalid origin error = %v, want ErrInvalidOrigin", err)
	}
}

func TestNoGeoreference(t *testing.T) {
	w := scene.New(testLogger(), scene.Options{})
	r := New(w, nil, nil, testLogger())

	if err := r.Ready(); !errors.Is(err, anchor.ErrNoGeoreference) {
		t.Errorf("Ready() = %v, want ErrNoGeoreference", err)
	}
	if _, _, err := r.Frame(); !errors.Is(err, anchor.ErrNoGeoreference) {
		t.Errorf("Frame() error = %v, want ErrNoGeoreference", err)
	}
	if name := r.GeoreferenceName(); name != "" {
		t.Errorf("GeoreferenceName() = %q, want empty", name)
	}

	v, err := r.Spawn(Spec{ID: "a"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if v.GlobeTransformValid {
		t.Error("globe transform valid without a georeference")
	}
	if _, err := r.MoveToECEF("a", mgl64.Vec3{6378137, 0, 0}); !errors.Is(err, anchor.ErrNoGeoreference) {
		t.Errorf("MoveToECEF error = %v, want ErrNoGeoreference", err)
	}
}

func TestRemove(t *testing.T) {
	r, pub := newRegistry(t, nil)
	if _, err := r.Spawn(Spec{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if pub.last().Type != "removed" {
		t.Errorf("last update type = %q, want removed", pub.last().Type)
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove error = %v, want ErrNotFound", err)
	}
	if err := r.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove error = %v, want ErrNotFound", err)
	}

	// The id can be reused.
	if _, err := r.Spawn(Spec{ID: "a"}); err != nil {
		t.Errorf("respawn: %v", err)
	}
}

func TestListAndUpdates(t *testing.T) {
	r, _ := newRegistry(t, nil)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Spawn(Spec{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	var ids []string
	for _, v := range r.List() {
		ids = append(ids, v.ID)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, ids); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}

	us := r.Updates([]string{"b", "missing"})
	if len(us) != 1 || us[0].ID != "b" {
		t.Errorf("Updates(b, missing) = %+v", us)
	}
	if n := len(r.Updates(nil)); n != 3 {
		t.Errorf("len(Updates(nil)) = %d, want 3", n)
	}
}

func TestFlushAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchors.db")
	st := openStore(t, path)
	ctx := context.Background()

	r, _ := newRegistry(t, st)
	a, err := r.Spawn(Spec{ID: "a", Geodetic: &transform.Geodetic{Longitude: 7, Latitude: 46, Height: 500}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Spawn(Spec{ID: "b", AdjustOrientation: ptr(false)}); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	states, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("stored %d states, want 2", len(states))
	}

	// A second flush with nothing dirty writes nothing.
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	r2, _ := newRegistry(t, st)
	n, err := r2.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("restored %d, want 2", n)
	}
	got, err := r2.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.ECEF, got.ECEF, approx); diff != "" {
		t.Errorf("restored ECEF mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(a.LocalTransform, got.LocalTransform, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("restored local transform mismatch (-want +got):\n%s", diff)
	}
	b, err := r2.Get("b")
	if err != nil {
		t.Fatal(err)
	}
	if b.AdjustOrientationForGlobeWhenMoving {
		t.Error("restored adjust flag = true, want false")
	}

	if err := r2.Remove("b"); err != nil {
		t.Fatal(err)
	}
	if err := r2.Flush(ctx); err != nil {
		t.Fatalf("Flush after remove: %v", err)
	}
	states, err = st.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := states["b"]; ok || len(states) != 1 {
		t.Errorf("stored ids after remove = %v, want only a", states)
	}
}

type failingStore struct {
	err   error
	saves int
}

func (f *failingStore) Save(context.Context, map[string]anchor.State) error {
	f.saves++
	return f.err
}
func (f *failingStore) LoadAll(context.Context) (map[string]anchor.State, error) { return nil, f.err }
func (f *failingStore) Delete(context.Context, string) error                     { return f.err }

func TestFlushRetriesAfterFailure(t *testing.T) {
	fs := &failingStore{err: errors.New("disk full")}
	r, _ := newRegistry(t, fs)
	if _, err := r.Spawn(Spec{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := r.Flush(ctx); err == nil {
		t.Fatal("Flush succeeded with a failing store")
	}
	fs.err = nil
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if fs.saves != 2 {
		t.Errorf("saves = %d, want 2", fs.saves)
	}
}

func TestLoadScene(t *testing.T) {
	w := scene.New(testLogger(), scene.Options{})
	r := New(w, nil, nil, testLogger())

	s := config.Scene{
		Georeference: config.GeoreferenceConfig{Name: "site", Longitude: 10, Latitude: 20, UnitsPerMeter: 100},
		World:        config.WorldConfig{Origin: []float64{0, 0, 0}},
		Anchors: []config.AnchorConfig{
			{ID: "geo", Geodetic: &config.GeodeticConfig{Longitude: 10, Latitude: 20, Height: 2}},
			{ID: "loc", Local: []float64{0, 0, 300}},
			{ID: "ecef", ECEF: []float64{6378137, 0, 0}, Teleport: ptr(false)},
		},
	}
	if err := r.LoadScene(s); err != nil {
		t.Fatalf("LoadScene: %v", err)
	}

	gv, err := r.Georeference()
	if err != nil {
		t.Fatal(err)
	}
	if gv.Name != "site" || gv.UnitsPerMeter != 100 {
		t.Errorf("georeference = %+v", gv)
	}

	geo, _ := r.Get("geo")
	// 2 m above the georeference origin is 200 engine units up.
	if diff := cmp.Diff(200.0, geo.LocalTransform[14], approx); diff != "" {
		t.Errorf("geo local z mismatch (-want +got):\n%s", diff)
	}
	loc, _ := r.Get("loc")
	if diff := cmp.Diff(3.0, loc.Height, approx); diff != "" {
		t.Errorf("loc height mismatch (-want +got):\n%s", diff)
	}
	ecef, _ := r.Get("ecef")
	if ecef.TeleportWhenUpdatingTransform {
		t.Error("ecef teleport flag = true, want false")
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}
