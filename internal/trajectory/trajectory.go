// Package trajectory models a moving point as a time-ordered sequence of
// positions with linear motion between them.
package trajectory

import (
	"fmt"
	"time"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/quality"
)

type Instant struct {
	Point geo.Point
	Time  time.Time
}

// Trajectory is immutable after New.
type Trajectory struct {
	instants []Instant
}

// New builds a trajectory from instants in time order. Consecutive identical
// instants are collapsed. Time going backwards, or fewer than two distinct
// timestamps, fail with quality.ErrInsufficientTrajectoryPoints.
func New(instants []Instant) (*Trajectory, error) {
	out := make([]Instant, 0, len(instants))
	distinct := 0
	for i, in := range instants {
		if n := len(out); n > 0 {
			last := out[n-1]
			if in.Time.Before(last.Time) {
				return nil, fmt.Errorf("instant %d at %s precedes %s: %w", i, in.Time.Format(time.RFC3339), last.Time.Format(time.RFC3339), quality.ErrInsufficientTrajectoryPoints)
			}
			if in.Point == last.Point && in.Time.Equal(last.Time) {
				continue
			}
			if !in.Time.Equal(last.Time) {
				distinct++
			}
		} else {
			distinct = 1
		}
		out = append(out, in)
	}
	if distinct < 2 {
		return nil, fmt.Errorf("%d distinct timestamps: %w", distinct, quality.ErrInsufficientTrajectoryPoints)
	}
	return &Trajectory{instants: out}, nil
}

func (t *Trajectory) Len() int { return len(t.instants) }

// Instants returns a copy of the sequence.
func (t *Trajectory) Instants() []Instant {
	return append([]Instant(nil), t.instants...)
}

func (t *Trajectory) Start() time.Time { return t.instants[0].Time }

func (t *Trajectory) End() time.Time { return t.instants[len(t.instants)-1].Time }

func (t *Trajectory) Duration() time.Duration { return t.End().Sub(t.Start()) }

// Path is the trajectory's trace with repeated positions removed.
func (t *Trajectory) Path() geo.Polyline {
	line := make(geo.Polyline, 0, len(t.instants))
	for _, in := range t.instants {
		if n := len(line); n > 0 && line[n-1] == in.Point {
			continue
		}
		line = append(line, in.Point)
	}
	return line
}

func (t *Trajectory) LengthM() float64 { return geo.LengthM(t.Path()) }

// At returns the interpolated position at ts.
func (t *Trajectory) At(ts time.Time) (geo.Point, bool) {
	if ts.Before(t.Start()) || ts.After(t.End()) {
		return geo.Point{}, false
	}
	for i := 1; i < len(t.instants); i++ {
		a, b := t.instants[i-1], t.instants[i]
		if ts.After(b.Time) {
			continue
		}
		span := b.Time.Sub(a.Time)
		if span == 0 {
			return a.Point, true
		}
		f := float64(ts.Sub(a.Time)) / float64(span)
		return geo.Point{Lon: a.Point.Lon + (b.Point.Lon-a.Point.Lon)*f, Lat: a.Point.Lat + (b.Point.Lat-a.Point.Lat)*f}, true
	}
	return t.instants[len(t.instants)-1].Point, true
}

// Approach is the moment a trajectory is closest to some point.
type Approach struct {
	Point     geo.Point
	Time      time.Time
	DistanceM float64
	Edge      int // index of the instant starting the edge
}

// FirstPass returns the closest approach to p during the first stretch of
// time the trajectory spends within radiusM of it. It reports false when the
// trajectory never comes that close.
func (t *Trajectory) FirstPass(p geo.Point, radiusM float64) (Approach, bool) {
	var best Approach
	inPass := false
	for i := 0; i+1 < len(t.instants); i++ {
		a := t.edgeApproach(i, p)
		if a.DistanceM >= radiusM {
			if inPass {
				break
			}
			continue
		}
		if !inPass || a.DistanceM < best.DistanceM {
			best = a
		}
		inPass = true
		// Distance is convex along an edge, so an end vertex outside the
		// radius means the vehicle left it.
		if geo.Distance(p, t.instants[i+1].Point) >= radiusM {
			break
		}
	}
	return best, inPass
}

func (t *Trajectory) edgeApproach(i int, p geo.Point) Approach {
	a, b := t.instants[i], t.instants[i+1]
	f, d := geo.SegmentDistance(p, a.Point, b.Point)
	at := a.Time.Add(time.Duration(f * float64(b.Time.Sub(a.Time))))
	pt := geo.Point{Lon: a.Point.Lon + (b.Point.Lon-a.Point.Lon)*f, Lat: a.Point.Lat + (b.Point.Lat-a.Point.Lat)*f}
	return Approach{Point: pt, Time: at, DistanceM: d, Edge: i}
}
