package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/star/geoanchor/internal/transform"
)

func writeScene(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scene.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write scene: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeScene(t, `
georeference:
  name: denver
  longitude: -105.25
  latitude: 39.99
  height: 1655
  units_per_meter: 100
world:
  origin: [0, 0, 0]
  step_seconds: 0.02
  auto_create_georeference: true
anchors:
  - id: tower
    geodetic: {longitude: -105.2, latitude: 40.0, height: 1700}
    adjust_orientation: false
  - id: drone
    local: [100, -50, 2000]
  - ecef: [6378137, 0, 0]
`)

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if s.Georeference.Name != "denver" || s.Georeference.UnitsPerMeter != 100 {
		t.Errorf("georeference = %+v", s.Georeference)
	}
	want := transform.Geodetic{Longitude: -105.25, Latitude: 39.99, Height: 1655}
	if got := s.Georeference.Origin(); got != want {
		t.Errorf("Origin() = %+v, want %+v", got, want)
	}
	if s.Georeference.Ellipsoid() != transform.WGS84 {
		t.Error("Ellipsoid() is not WGS84 without radii")
	}
	if !s.World.AutoCreateGeoreference || s.World.StepSeconds != 0.02 {
		t.Errorf("world = %+v", s.World)
	}
	if len(s.Anchors) != 3 {
		t.Fatalf("anchors = %d, want 3", len(s.Anchors))
	}

	tower := s.Anchors[0]
	if tower.Geodetic == nil || tower.Geodetic.Latitude != 40.0 {
		t.Errorf("tower geodetic = %+v", tower.Geodetic)
	}
	if tower.AdjustOrientation == nil || *tower.AdjustOrientation {
		t.Error("tower adjust_orientation not parsed as false")
	}
	if tower.Teleport != nil {
		t.Error("tower teleport set without being in the file")
	}
	if diff := cmp.Diff([]float64{100, -50, 2000}, s.Anchors[1].Local); diff != "" {
		t.Errorf("drone local mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "origin out of range",
			content: "georeference: {latitude: 120}\n",
			wantErr: "out of range",
		},
		{
			name:    "two positions",
			content: "anchors:\n  - id: a\n    local: [0, 0, 0]\n    ecef: [1, 2, 3]\n",
			wantErr: "only one of",
		},
		{
			name:    "short vector",
			content: "anchors:\n  - id: a\n    local: [0, 0]\n",
			wantErr: "needs 3 values",
		},
		{
			name:    "duplicate id",
			content: "anchors:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate id",
		},
		{
			name:    "bad radii",
			content: "georeference: {radii: [1, 2]}\n",
			wantErr: "radii",
		},
		{
			name:    "not yaml",
			content: "anchors: [",
			wantErr: "parse scene file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeScene(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEllipsoid_Radii(t *testing.T) {
	g := GeoreferenceConfig{Radii: []float64{1737400, 1737400, 1737400}}
	if got := g.Ellipsoid().MinimumRadius(); got != 1737400 {
		t.Errorf("MinimumRadius() = %v, want 1737400", got)
	}
}
