// Command diag reports the numerical accuracy of the coordinate conversions:
// geodetic/ECEF round trips over a global grid and local/ECEF round trips at
// growing distances from a georeference origin.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/star/geoanchor/internal/convert"
	"github.com/star/geoanchor/internal/georef"
	"github.com/star/geoanchor/internal/transform"
)

func main() {
	lon := flag.Float64("lon", -104.9903, "georeference origin longitude (degrees)")
	lat := flag.Float64("lat", 39.7392, "georeference origin latitude (degrees)")
	height := flag.Float64("height", 1609, "georeference origin height (meters)")
	step := flag.Float64("step", 5, "grid step for the global round trip (degrees)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	g, err := georef.New(georef.Options{
		Origin: transform.Geodetic{Longitude: *lon, Latitude: *lat, Height: *height},
	})
	if err != nil {
		fmt.Println("ERROR creating georeference:", err)
		os.Exit(1)
	}
	m := convert.Mapping{Frame: g.Frame()}
	pool := convert.NewWorkerPool(runtime.NumCPU(), 0, logger)

	// Global grid: geodetic -> ECEF -> geodetic.
	var grid [][3]float64
	for la := -90.0; la <= 90; la += *step {
		for lo := -180.0; lo < 180; lo += *step {
			for _, h := range []float64{-1000, 0, 10000, 400000} {
				grid = append(grid, [3]float64{lo, la, h})
			}
		}
	}
	ecef, err := pool.Convert(ctx, m, convert.GeodeticToECEF, grid)
	if err != nil {
		fmt.Println("ERROR converting grid:", err)
		os.Exit(1)
	}
	back, err := pool.Convert(ctx, m, convert.ECEFToGeodetic, ecef.Points)
	if err != nil {
		fmt.Println("ERROR converting grid back:", err)
		os.Exit(1)
	}

	var maxAngle, maxHeight float64
	worst := -1
	for i, p := range grid {
		if math.Abs(p[1]) == 90 {
			// Longitude is undefined at the poles.
			continue
		}
		q := back.Points[i]
		dLon := math.Abs(math.Remainder(q[0]-p[0], 360))
		dLat := math.Abs(q[1] - p[1])
		dH := math.Abs(q[2] - p[2])
		if a := math.Max(dLon, dLat); a > maxAngle {
			maxAngle, worst = a, i
		}
		maxHeight = math.Max(maxHeight, dH)
	}
	fmt.Printf("Geodetic round trip: %d points, %d invalid\n", len(grid), len(back.Invalid))
	fmt.Printf("  max angular error: %.3e deg", maxAngle)
	if worst >= 0 {
		fmt.Printf(" at lon=%.1f lat=%.1f h=%.0f", grid[worst][0], grid[worst][1], grid[worst][2])
	}
	fmt.Printf("\n  max height error:  %.3e m\n", maxHeight)

	// Local round trip at increasing distance from the origin.
	fmt.Printf("\nLocal round trip around lon=%.4f lat=%.4f h=%.0f\n", *lon, *lat, *height)
	for _, d := range []float64{1, 1e3, 1e5, 1e6, 1e7} {
		pts := [][3]float64{{d, 0, 0}, {0, d, 0}, {0, 0, d}, {d, d, d}}
		out, err := pool.Convert(ctx, m, convert.LocalToECEF, pts)
		if err != nil {
			fmt.Println("ERROR:", err)
			os.Exit(1)
		}
		in, err := pool.Convert(ctx, m, convert.ECEFToLocal, out.Points)
		if err != nil {
			fmt.Println("ERROR:", err)
			os.Exit(1)
		}
		var maxErr float64
		for i, p := range pts {
			e := mgl64.Vec3(p).Sub(mgl64.Vec3(in.Points[i])).Len()
			maxErr = math.Max(maxErr, e)
		}
		fmt.Printf("  distance %9.0e: max error %.3e (relative %.3e)\n", d, maxErr, maxErr/d)
	}

	// Surface normal of the ESU frame against the geodetic normal.
	esu := transform.EastSouthUpToFixedFrame(transform.GeodeticToECEF(g.Origin(), g.Ellipsoid()), g.Ellipsoid())
	up := transform.Axis(esu, 2)
	normal := transform.GeodeticSurfaceNormalAt(g.Origin())
	fmt.Printf("\nOrigin up axis vs surface normal: %.3e rad\n", math.Acos(math.Min(1, up.Dot(normal))))
}
