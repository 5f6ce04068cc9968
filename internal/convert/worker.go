// Package convert runs batch coordinate conversions on a fixed pool of
// goroutines. Conversions are pure functions of a georeference frame, so
// they never enter the simulation thread.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/georef"
	"github.com/star/geoanchor/internal/metrics"
	"github.com/star/geoanchor/internal/transform"
)

// Conversion directions.
const (
	GeodeticToECEF  = "geodetic_to_ecef"
	ECEFToGeodetic  = "ecef_to_geodetic"
	LocalToECEF     = "local_to_ecef"
	ECEFToLocal     = "ecef_to_local"
	GeodeticToLocal = "geodetic_to_local"
	LocalToGeodetic = "local_to_geodetic"
)

// chunkSize is the number of points handed to a worker at a time.
const chunkSize = 256

var (
	ErrUnknownDirection = errors.New("convert: unknown direction")
	ErrTooManyPoints    = errors.New("convert: too many points")
	ErrNoPoints         = errors.New("convert: no points")
)

// Mapping is the frame used for a batch. Local points are relative to
// Origin, the world origin at the time the batch was taken.
type Mapping struct {
	Frame  georef.Frame
	Origin mgl64.Vec3
}

// Result holds converted points in input order. Points that could not be
// converted (non-finite or out of range) are zero and listed in Invalid.
type Result struct {
	Points  [][3]float64 `json:"points"`
	Invalid []int        `json:"invalid,omitempty"`
}

type convertFunc func(m Mapping, p [3]float64) ([3]float64, bool)

var directions = map[string]convertFunc{
	GeodeticToECEF:  geodeticToECEF,
	ECEFToGeodetic:  ecefToGeodetic,
	LocalToECEF:     localToECEF,
	ECEFToLocal:     ecefToLocal,
	GeodeticToLocal: geodeticToLocal,
	LocalToGeodetic: localToGeodetic,
}

// ValidDirection reports whether dir names a supported conversion.
func ValidDirection(dir string) bool {
	_, ok := directions[dir]
	return ok
}

// convertJob is one chunk of a batch.
type convertJob struct {
	start, end int
}

// convertResult is the converted chunk.
type convertResult struct {
	start   int
	points  [][3]float64
	invalid []int
}

// WorkerPool manages a fixed number of goroutines for batch conversion.
type WorkerPool struct {
	workers   int
	maxPoints int
	logger    *slog.Logger
}

// NewWorkerPool creates a worker pool. maxPoints bounds a single batch.
func NewWorkerPool(workers, maxPoints int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers:   workers,
		maxPoints: maxPoints,
		logger:    logger.With("component", "convert"),
	}
}

// MaxPoints returns the batch size limit.
func (wp *WorkerPool) MaxPoints() int { return wp.maxPoints }

// Convert converts points in direction dir using m.
func (wp *WorkerPool) Convert(ctx context.Context, m Mapping, dir string, points [][3]float64) (Result, error) {
	fn, ok := directions[dir]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownDirection, dir)
	}
	if len(points) == 0 {
		return Result{}, ErrNoPoints
	}
	if wp.maxPoints > 0 && len(points) > wp.maxPoints {
		return Result{}, fmt.Errorf("%w: %d > %d", ErrTooManyPoints, len(points), wp.maxPoints)
	}

	start := time.Now()
	numJobs := (len(points) + chunkSize - 1) / chunkSize
	workers := min(wp.workers, numJobs)

	jobs := make(chan convertJob, workers*2)
	results := make(chan convertResult, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				r := convertChunk(fn, m, points, job)
				select {
				case results <- r:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for s := 0; s < len(points); s += chunkSize {
			job := convertJob{start: s, end: min(s+chunkSize, len(points))}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := Result{Points: make([][3]float64, len(points))}
	done := 0
	for r := range results {
		copy(out.Points[r.start:], r.points)
		out.Invalid = append(out.Invalid, r.invalid...)
		done += len(r.points)
	}
	if err := ctx.Err(); err != nil && done < len(points) {
		return Result{}, fmt.Errorf("convert %s: %w", dir, err)
	}
	// Chunks arrive in any order.
	slices.Sort(out.Invalid)

	d := time.Since(start)
	metrics.RecordConversion(dir, len(points), d)
	if len(out.Invalid) > 0 {
		wp.logger.Debug("conversion skipped invalid points",
			"direction", dir,
			"points", len(points),
			"invalid", len(out.Invalid),
		)
	}
	return out, nil
}

func convertChunk(fn convertFunc, m Mapping, points [][3]float64, job convertJob) convertResult {
	r := convertResult{start: job.start, points: make([][3]float64, job.end-job.start)}
	for i := job.start; i < job.end; i++ {
		p, ok := fn(m, points[i])
		if !ok {
			r.invalid = append(r.invalid, i)
			continue
		}
		r.points[i-job.start] = p
	}
	return r
}

func finite(p [3]float64) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func geodeticOf(p [3]float64) (transform.Geodetic, bool) {
	g := transform.Geodetic{Longitude: p[0], Latitude: p[1], Height: p[2]}
	return g, g.Valid()
}

func geodeticToECEF(m Mapping, p [3]float64) ([3]float64, bool) {
	g, ok := geodeticOf(p)
	if !ok {
		return [3]float64{}, false
	}
	return transform.GeodeticToECEF(g, m.Frame.Ellipsoid), true
}

func ecefToGeodetic(m Mapping, p [3]float64) ([3]float64, bool) {
	if !finite(p) {
		return [3]float64{}, false
	}
	g := transform.ECEFToGeodetic(p, m.Frame.Ellipsoid)
	return [3]float64{g.Longitude, g.Latitude, g.Height}, true
}

func localToECEF(m Mapping, p [3]float64) ([3]float64, bool) {
	if !finite(p) {
		return [3]float64{}, false
	}
	abs := mgl64.Vec3(p).Add(m.Origin)
	return mgl64.TransformCoordinate(abs, m.Frame.LocalToECEF), true
}

func ecefToLocal(m Mapping, p [3]float64) ([3]float64, bool) {
	if !finite(p) {
		return [3]float64{}, false
	}
	abs := mgl64.TransformCoordinate(mgl64.Vec3(p), m.Frame.ECEFToLocal)
	return abs.Sub(m.Origin), true
}

func geodeticToLocal(m Mapping, p [3]float64) ([3]float64, bool) {
	e, ok := geodeticToECEF(m, p)
	if !ok {
		return [3]float64{}, false
	}
	return ecefToLocal(m, e)
}

func localToGeodetic(m Mapping, p [3]float64) ([3]float64, bool) {
	e, ok := localToECEF(m, p)
	if !ok {
		return [3]float64{}, false
	}
	return ecefToGeodetic(m, e)
}
