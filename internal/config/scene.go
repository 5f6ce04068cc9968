// Package config loads the YAML scene file: the georeference, the world
// settings and the anchors to spawn on startup.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/star/geoanchor/internal/transform"
)

// Scene is the top-level scene file.
type Scene struct {
	Georeference GeoreferenceConfig `yaml:"georeference"`
	World        WorldConfig        `yaml:"world"`
	Anchors      []AnchorConfig     `yaml:"anchors"`
}

// GeoreferenceConfig places the engine origin on the globe.
type GeoreferenceConfig struct {
	Name          string  `yaml:"name"`
	Longitude     float64 `yaml:"longitude"`
	Latitude      float64 `yaml:"latitude"`
	Height        float64 `yaml:"height"`
	UnitsPerMeter float64 `yaml:"units_per_meter"`

	// Radii overrides the WGS-84 ellipsoid, in meters (x, y, z).
	Radii []float64 `yaml:"radii"`
}

// WorldConfig holds host engine settings.
type WorldConfig struct {
	Origin                 []float64 `yaml:"origin"`
	StepSeconds            float64   `yaml:"step_seconds"`
	AutoCreateGeoreference bool      `yaml:"auto_create_georeference"`
}

// AnchorConfig describes one anchored actor. At most one of Local, Geodetic
// and ECEF may be set; with none the actor starts at the world origin.
type AnchorConfig struct {
	ID       string          `yaml:"id"`
	Local    []float64       `yaml:"local"`
	Geodetic *GeodeticConfig `yaml:"geodetic"`
	ECEF     []float64       `yaml:"ecef"`

	Teleport          *bool `yaml:"teleport"`
	AdjustOrientation *bool `yaml:"adjust_orientation"`
}

// GeodeticConfig is a geodetic position in degrees and meters.
type GeodeticConfig struct {
	Longitude float64 `yaml:"longitude"`
	Latitude  float64 `yaml:"latitude"`
	Height    float64 `yaml:"height"`
}

// Geodetic converts the config into a transform.Geodetic.
func (g GeodeticConfig) Geodetic() transform.Geodetic {
	return transform.Geodetic{Longitude: g.Longitude, Latitude: g.Latitude, Height: g.Height}
}

// LoadFile reads and validates a scene file.
func LoadFile(path string) (Scene, error) {
	var s Scene
	bs, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read scene file: %w", err)
	}
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return s, fmt.Errorf("parse scene file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("scene file %s: %w", path, err)
	}
	return s, nil
}

// Validate checks ranges and that each anchor has at most one position.
func (s Scene) Validate() error {
	var errs []error

	g := s.Georeference
	origin := transform.Geodetic{Longitude: g.Longitude, Latitude: g.Latitude, Height: g.Height}
	if !origin.Valid() {
		errs = append(errs, fmt.Errorf("georeference: origin %+v out of range", origin))
	}
	if g.UnitsPerMeter < 0 || math.IsNaN(g.UnitsPerMeter) {
		errs = append(errs, fmt.Errorf("georeference: units_per_meter must be positive, got %v", g.UnitsPerMeter))
	}
	if len(g.Radii) != 0 {
		if len(g.Radii) != 3 {
			errs = append(errs, fmt.Errorf("georeference: radii needs 3 values, got %d", len(g.Radii)))
		} else {
			for _, r := range g.Radii {
				if r <= 0 {
					errs = append(errs, fmt.Errorf("georeference: radii must be positive, got %v", g.Radii))
					break
				}
			}
		}
	}

	if n := len(s.World.Origin); n != 0 && n != 3 {
		errs = append(errs, fmt.Errorf("world: origin needs 3 values, got %d", n))
	}
	if s.World.StepSeconds < 0 {
		errs = append(errs, fmt.Errorf("world: step_seconds must not be negative"))
	}

	seen := make(map[string]bool)
	for i, a := range s.Anchors {
		name := a.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		} else if seen[a.ID] {
			errs = append(errs, fmt.Errorf("anchor %s: duplicate id", name))
		}
		seen[a.ID] = true

		set := 0
		if a.Local != nil {
			set++
			if len(a.Local) != 3 {
				errs = append(errs, fmt.Errorf("anchor %s: local needs 3 values, got %d", name, len(a.Local)))
			}
		}
		if a.ECEF != nil {
			set++
			if len(a.ECEF) != 3 {
				errs = append(errs, fmt.Errorf("anchor %s: ecef needs 3 values, got %d", name, len(a.ECEF)))
			}
		}
		if a.Geodetic != nil {
			set++
			if !a.Geodetic.Geodetic().Valid() {
				errs = append(errs, fmt.Errorf("anchor %s: geodetic %+v out of range", name, *a.Geodetic))
			}
		}
		if set > 1 {
			errs = append(errs, fmt.Errorf("anchor %s: set only one of local, geodetic, ecef", name))
		}
	}

	return errors.Join(errs...)
}

// Ellipsoid returns the configured ellipsoid, WGS-84 unless radii are set.
func (g GeoreferenceConfig) Ellipsoid() transform.Ellipsoid {
	if len(g.Radii) == 3 {
		return transform.NewEllipsoid(g.Radii[0], g.Radii[1], g.Radii[2])
	}
	return transform.WGS84
}

// Origin returns the georeference origin.
func (g GeoreferenceConfig) Origin() transform.Geodetic {
	return transform.Geodetic{Longitude: g.Longitude, Latitude: g.Latitude, Height: g.Height}
}
