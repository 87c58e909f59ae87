// Package geo implements great-circle measurements and linear referencing
// over WGS84 polylines.
package geo

import (
	"fmt"
	"math"

	"gtfs-segmetrics/internal/quality"
)

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lon float64
	Lat float64
}

// Polyline is an ordered path of vertices.
type Polyline []Point

// Distance returns the haversine distance in meters.
func Distance(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial bearing from a to b in degrees [0,360).
func Bearing(a, b Point) float64 {
	y := math.Sin((b.Lon-a.Lon)*math.Pi/180.0) * math.Cos(b.Lat*math.Pi/180.0)
	x := math.Cos(a.Lat*math.Pi/180.0)*math.Sin(b.Lat*math.Pi/180.0) - math.Sin(a.Lat*math.Pi/180.0)*math.Cos(b.Lat*math.Pi/180.0)*math.Cos((b.Lon-a.Lon)*math.Pi/180.0)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// LengthM is the great-circle length of the path.
func LengthM(line Polyline) float64 {
	total := 0.0
	for i := 1; i < len(line); i++ {
		total += Distance(line[i-1], line[i])
	}
	return total
}

// CumDistances returns the cumulative distance at every vertex.
func CumDistances(line Polyline) []float64 {
	if len(line) == 0 {
		return nil
	}
	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + Distance(line[i-1], line[i])
	}
	return cum
}

// Location is the closest position on a polyline to some point.
type Location struct {
	Point     Point
	Perc      float64 // normalized position along the line, [0,1]
	AlongM    float64
	DistanceM float64 // from the query point to Point
	Segment   int     // index of the first vertex of the matched edge
}

// Locate finds the closest position on line to p. Zero-length lines report
// quality.ErrDegenerateGeometry.
func Locate(p Point, line Polyline) (Location, error) {
	if len(line) < 2 {
		return Location{}, fmt.Errorf("locate on %d-vertex line: %w", len(line), quality.ErrDegenerateGeometry)
	}
	cum := CumDistances(line)
	total := cum[len(cum)-1]
	if total == 0 {
		return Location{}, fmt.Errorf("locate on zero-length line: %w", quality.ErrDegenerateGeometry)
	}

	bestDist2 := math.MaxFloat64
	var best Location
	for i := 1; i < len(line); i++ {
		t, d2 := segmentParam(p, line[i-1], line[i])
		if d2 < bestDist2 {
			bestDist2 = d2
			best.Segment = i - 1
			best.AlongM = cum[i-1] + t*(cum[i]-cum[i-1])
			best.Point = lerp(line[i-1], line[i], t)
		}
	}
	best.Perc = clamp01(best.AlongM / total)
	best.DistanceM = Distance(p, best.Point)
	return best, nil
}

// Project returns the normalized position of the point of line closest to p.
func Project(p Point, line Polyline) (float64, error) {
	loc, err := Locate(p, line)
	if err != nil {
		return 0, err
	}
	return loc.Perc, nil
}

// Extract returns the part of line between two normalized positions. A start
// past the end yields no geometry; it is never reversed. Equal positions give
// a single point.
func Extract(line Polyline, start, end float64) (Polyline, bool) {
	if len(line) < 2 {
		return nil, false
	}
	cum := CumDistances(line)
	total := cum[len(cum)-1]
	if total == 0 {
		return nil, false
	}
	start, end = clamp01(start), clamp01(end)
	if start > end {
		return nil, false
	}
	fromM, toM := start*total, end*total

	out := Polyline{pointAt(line, cum, fromM)}
	for i := range line {
		if cum[i] > fromM && cum[i] < toM {
			out = appendDistinct(out, line[i])
		}
	}
	out = appendDistinct(out, pointAt(line, cum, toM))
	return out, true
}

// Interpolate returns the point at a normalized position along line.
func Interpolate(line Polyline, perc float64) Point {
	switch len(line) {
	case 0:
		return Point{}
	case 1:
		return line[0]
	}
	cum := CumDistances(line)
	return pointAt(line, cum, clamp01(perc)*cum[len(cum)-1])
}

// SegmentDistance returns the parameter t in [0,1] of the point on a-b closest
// to p and the distance in meters to it.
func SegmentDistance(p, a, b Point) (float64, float64) {
	t, _ := segmentParam(p, a, b)
	return t, Distance(p, lerp(a, b, t))
}

// segmentParam projects p onto a-b in an equirectangular plane centred on p.
// It returns the clamped parameter and the squared planar distance.
func segmentParam(p, a, b Point) (float64, float64) {
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	toXY := func(q Point) (float64, float64) {
		x := (q.Lon - p.Lon) * math.Pi / 180 * earthRadiusM * cosLat
		y := (q.Lat - p.Lat) * math.Pi / 180 * earthRadiusM
		return x, y
	}
	x0, y0 := toXY(a)
	x1, y1 := toXY(b)
	dx, dy := x1-x0, y1-y0
	segLen2 := dx*dx + dy*dy
	t := 0.0
	if segLen2 > 0 {
		t = clamp01(-(x0*dx + y0*dy) / segLen2)
	}
	px, py := x0+t*dx, y0+t*dy
	return t, px*px + py*py
}

func pointAt(line Polyline, cum []float64, d float64) Point {
	n := len(line)
	if d <= 0 {
		return line[0]
	}
	if d >= cum[n-1] {
		return line[n-1]
	}
	i := 1
	for i < n && cum[i] < d {
		i++
	}
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return line[i-1]
	}
	return lerp(line[i-1], line[i], (d-d0)/(d1-d0))
}

func lerp(a, b Point, t float64) Point {
	return Point{Lon: a.Lon + (b.Lon-a.Lon)*t, Lat: a.Lat + (b.Lat-a.Lat)*t}
}

func appendDistinct(line Polyline, p Point) Polyline {
	if len(line) > 0 && line[len(line)-1] == p {
		return line
	}
	return append(line, p)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
