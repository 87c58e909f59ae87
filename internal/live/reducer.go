// Package live turns raw vehicle position reports into one cleaned
// trajectory per trip instance. It does no map matching.
package live

import (
	"fmt"
	"sort"
	"time"

	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/quality"
	"gtfs-segmetrics/internal/trajectory"
)

// Trip is the observed run of one trip instance.
type Trip struct {
	TripInstanceID string
	TripID         string
	RouteID        string
	VehicleID      string
	ServiceDate    time.Time
	Trajectory     *trajectory.Trajectory
}

type reportKey struct {
	instance string
	lon, lat float64
	ts       int64
}

// Group drops reports without a position or trip instance, removes exact
// (instance, point, timestamp) duplicates and buckets the rest by instance.
// Input order is preserved inside each bucket.
func Group(reports []gtfs.LivePositionReport, tally *quality.Tally) map[string][]gtfs.LivePositionReport {
	seen := make(map[reportKey]struct{}, len(reports))
	groups := make(map[string][]gtfs.LivePositionReport)
	for _, r := range reports {
		if r.Position == nil {
			tally.Inc(quality.ReasonMissingPosition)
			continue
		}
		if r.TripInstanceID == "" {
			tally.Inc(quality.ReasonMissingReference)
			continue
		}
		k := reportKey{r.TripInstanceID, r.Position.Lon, r.Position.Lat, r.Timestamp.UnixNano()}
		if _, dup := seen[k]; dup {
			tally.Inc(quality.ReasonDuplicateReport)
			continue
		}
		seen[k] = struct{}{}
		groups[r.TripInstanceID] = append(groups[r.TripInstanceID], r)
	}
	return groups
}

// ReduceInstance orders one instance's deduplicated reports by time and
// builds its trajectory. When several reports carry the same timestamp the
// one fetched first wins. An instance without a feed service date takes the
// date of its first fix in loc (UTC when nil).
func ReduceInstance(id string, reports []gtfs.LivePositionReport, loc *time.Location, tally *quality.Tally) (Trip, error) {
	ordered := append([]gtfs.LivePositionReport(nil), reports...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].FetchedAt.Before(ordered[j].FetchedAt)
	})

	trip := Trip{TripInstanceID: id}
	instants := make([]trajectory.Instant, 0, len(ordered))
	for i, r := range ordered {
		if i > 0 && r.Timestamp.Equal(ordered[i-1].Timestamp) {
			tally.Inc(quality.ReasonConflictingTimestamp)
			continue
		}
		if trip.TripID == "" {
			trip.TripID = r.TripID
		}
		if trip.RouteID == "" {
			trip.RouteID = r.RouteID
		}
		if trip.VehicleID == "" {
			trip.VehicleID = r.VehicleID
		}
		if trip.ServiceDate.IsZero() {
			trip.ServiceDate = r.ServiceDate
		}
		instants = append(instants, trajectory.Instant{Point: *r.Position, Time: r.Timestamp})
	}

	traj, err := trajectory.New(instants)
	if err != nil {
		return Trip{}, fmt.Errorf("trip instance %s: %w", id, err)
	}
	trip.Trajectory = traj
	if trip.ServiceDate.IsZero() {
		if loc == nil {
			loc = time.UTC
		}
		trip.ServiceDate = gtfs.Midnight(traj.Start().In(loc))
	}
	return trip, nil
}

// Reduce runs Group and ReduceInstance over a batch and returns the surviving
// trips sorted by instance id. Dropped instances are counted in tally.
func Reduce(reports []gtfs.LivePositionReport, loc *time.Location, tally *quality.Tally) []Trip {
	groups := Group(reports, tally)
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	trips := make([]Trip, 0, len(ids))
	for _, id := range ids {
		trip, err := ReduceInstance(id, groups[id], loc, tally)
		if err != nil {
			tally.Inc(quality.ReasonFor(err))
			continue
		}
		trips = append(trips, trip)
	}
	return trips
}
