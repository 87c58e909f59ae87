// Package quality classifies the local data-quality conditions that make the
// engine skip a segment, trip or trip instance, and counts them per run.
package quality

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDegenerateGeometry           = errors.New("degenerate geometry")
	ErrInsufficientTrajectoryPoints = errors.New("insufficient trajectory points")
	ErrNoNearbyStops                = errors.New("no nearby stops")
	ErrMissingReferenceData         = errors.New("missing reference data")

	// ErrEmptyTripGeometry is a trip whose every segment was dropped.
	ErrEmptyTripGeometry = fmt.Errorf("no segment geometry left: %w", ErrDegenerateGeometry)
)

// Reason is the label an exclusion is counted under.
type Reason string

const (
	ReasonDegenerateGeometry   Reason = "degenerate_geometry"
	ReasonNonMonotonic         Reason = "non_monotonic_projection"
	ReasonEmptyTripGeometry    Reason = "empty_trip_geometry"
	ReasonInsufficientPoints   Reason = "insufficient_trajectory_points"
	ReasonNoNearbyStops        Reason = "no_nearby_stops"
	ReasonMissingReference     Reason = "missing_reference_data"
	ReasonMissingPosition      Reason = "missing_position"
	ReasonDuplicateReport      Reason = "duplicate_report"
	ReasonConflictingTimestamp Reason = "conflicting_timestamp"
	ReasonUnmatchedStopPair    Reason = "unmatched_stop_pair"
	ReasonBadDuration          Reason = "implausible_duration"
	ReasonShortSegment         Reason = "short_segment"
	ReasonBadSpeed             Reason = "implausible_speed"
	ReasonBadDelay             Reason = "implausible_delay"
	ReasonBadHeadway           Reason = "implausible_headway"
	ReasonSelfHeadway          Reason = "self_headway"
	ReasonBelowMinimumCount    Reason = "below_minimum_count"
)

// ReasonFor maps a taxonomy error to its default label. Unknown errors map to
// ReasonMissingReference since they are structural for the trip.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrEmptyTripGeometry):
		return ReasonEmptyTripGeometry
	case errors.Is(err, ErrDegenerateGeometry):
		return ReasonDegenerateGeometry
	case errors.Is(err, ErrInsufficientTrajectoryPoints):
		return ReasonInsufficientPoints
	case errors.Is(err, ErrNoNearbyStops):
		return ReasonNoNearbyStops
	default:
		return ReasonMissingReference
	}
}

// Tally counts exclusions by reason. The zero value is ready to use and safe
// for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[Reason]int
}

// Add is a no-op on a nil Tally.
func (t *Tally) Add(r Reason, n int) {
	if t == nil || n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[Reason]int)
	}
	t.counts[r] += n
}

func (t *Tally) Inc(r Reason) { t.Add(r, 1) }

// Merge adds every count of o into t.
func (t *Tally) Merge(o *Tally) {
	if o == nil || o == t {
		return
	}
	for r, n := range o.Snapshot() {
		t.Add(r, n)
	}
}

func (t *Tally) Count(r Reason) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[r]
}

func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of the counts.
func (t *Tally) Snapshot() map[Reason]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Reason]int, len(t.counts))
	for r, n := range t.counts {
		out[r] = n
	}
	return out
}

// Reasons returns the reasons with a non-zero count, sorted.
func (t *Tally) Reasons() []Reason {
	snap := t.Snapshot()
	out := make([]Reason, 0, len(snap))
	for r := range snap {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
