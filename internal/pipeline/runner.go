// Package pipeline runs the engine's stages over a loaded schedule and a
// batch of realtime rows. Trips and trip instances are processed
// independently on a bounded worker pool; every stage result is returned in a
// deterministic order together with the exclusions it counted.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gtfs-segmetrics/internal/aggregate"
	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/geometry"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/live"
	"gtfs-segmetrics/internal/matcher"
	"gtfs-segmetrics/internal/quality"
	"gtfs-segmetrics/internal/segment"
	"gtfs-segmetrics/internal/trajectory"
)

const (
	StageSegments     = "segments"
	StageTrajectories = "trajectories"
	StageLive         = "live"
	StageMatch        = "match"
	StageMetrics      = "metrics"
)

// Sink receives one call per finished stage.
type Sink interface {
	StageDone(stage string, d time.Duration, processed int, tally *quality.Tally, err error)
}

type Runner struct {
	RunID      string
	Schedule   *gtfs.Schedule
	Shapes     *geometry.Store
	Matcher    matcher.Matcher
	Aggregator *aggregate.Aggregator
	Workers    int
	// Location is the agency time zone live service dates fall back to.
	Location *time.Location
	// Routes restricts every stage to these route ids; nil means all.
	Routes  map[string]bool
	Metrics Sink

	log zerolog.Logger
}

func New(s *gtfs.Schedule, m matcher.Matcher, agg *aggregate.Aggregator, workers int, routes map[string]bool, sink Sink) *Runner {
	id := uuid.NewString()
	loc := time.UTC
	if agg != nil && agg.Location != nil {
		loc = agg.Location
	}
	return &Runner{
		RunID:      id,
		Schedule:   s,
		Shapes:     geometry.NewStore(s.Shapes),
		Matcher:    m,
		Aggregator: agg,
		Workers:    workers,
		Location:   loc,
		Routes:     routes,
		Metrics:    sink,
		log:        log.With().Str("run_id", id).Logger(),
	}
}

func (r *Runner) routeAllowed(routeID string) bool {
	return r.Routes == nil || r.Routes[routeID]
}

func (r *Runner) finish(stage string, start time.Time, processed int, tally *quality.Tally, err error) {
	d := time.Since(start)
	if r.Metrics != nil {
		r.Metrics.StageDone(stage, d, processed, tally, err)
	}
	if err != nil {
		r.log.Error().Err(err).Str("stage", stage).Dur("took", d).Msg("stage failed")
		return
	}
	ev := r.log.Info().Str("stage", stage).Int("processed", processed).Int("excluded", tally.Total()).Dur("took", d)
	for _, reason := range tally.Reasons() {
		ev = ev.Int(string(reason), tally.Count(reason))
	}
	ev.Msg("stage done")
}

// exclude counts err against tally and logs it. Missing reference data is
// structural for the entity and logged at warn.
func (r *Runner) exclude(tally *quality.Tally, key, id string, err error) {
	reason := quality.ReasonFor(err)
	tally.Inc(reason)
	ev := r.log.Debug()
	if errors.Is(err, quality.ErrMissingReferenceData) {
		ev = r.log.Warn()
	}
	ev.Str(key, id).Str("reason", string(reason)).Err(err).Msg("excluded")
}

// SegmentsResult holds the scheduled segments of every trip that produced
// at least one, keyed by trip id.
type SegmentsResult struct {
	ByTrip  map[string][]segment.Segment
	Sources map[string]geometry.Source
	Tally   *quality.Tally
}

// All returns every segment ordered by trip id then stop sequence.
func (s *SegmentsResult) All() []segment.Segment {
	ids := make([]string, 0, len(s.ByTrip))
	for id := range s.ByTrip {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []segment.Segment
	for _, id := range ids {
		out = append(out, s.ByTrip[id]...)
	}
	return out
}

type tripSegments struct {
	tripID string
	source geometry.Source
	segs   []segment.Segment
}

// BuildSegments cuts every trip's reference polyline at its stops.
func (r *Runner) BuildSegments(ctx context.Context) (*SegmentsResult, error) {
	start := time.Now()
	tally := &quality.Tally{}

	var trips []gtfs.Trip
	for _, id := range r.Schedule.TripIDs() {
		if t := r.Schedule.Trips[id]; r.routeAllowed(t.RouteID) {
			trips = append(trips, t)
		}
	}

	built, err := each(ctx, r.Workers, trips, func(_ context.Context, trip gtfs.Trip) (tripSegments, bool) {
		visits := r.Schedule.Visits[trip.TripID]
		line, src, err := r.Shapes.ReferencePolyline(trip, visits)
		if err != nil {
			r.exclude(tally, "trip_id", trip.TripID, err)
			return tripSegments{}, false
		}
		segs, err := segment.Build(trip, visits, line, tally)
		if err != nil {
			r.exclude(tally, "trip_id", trip.TripID, err)
			return tripSegments{}, false
		}
		return tripSegments{tripID: trip.TripID, source: src, segs: segs}, true
	})
	if err != nil {
		r.finish(StageSegments, start, 0, tally, err)
		return nil, err
	}

	res := &SegmentsResult{
		ByTrip:  make(map[string][]segment.Segment, len(built)),
		Sources: make(map[string]geometry.Source, len(built)),
		Tally:   tally,
	}
	for _, b := range built {
		res.ByTrip[b.tripID] = b.segs
		res.Sources[b.tripID] = b.source
	}
	r.finish(StageSegments, start, len(built), tally, nil)
	return res, nil
}

type TrajectoriesResult struct {
	Trajectories []*trajectory.Scheduled
	Tally        *quality.Tally
}

// BuildScheduledTrajectories lays every trip's segments out in time on the
// date policy picks for it. Trips without an active date are counted as
// missing reference data.
func (r *Runner) BuildScheduledTrajectories(ctx context.Context, segs *SegmentsResult, policy trajectory.DatePolicy) (*TrajectoriesResult, error) {
	start := time.Now()
	tally := &quality.Tally{}

	ids := make([]string, 0, len(segs.ByTrip))
	for id := range segs.ByTrip {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out, err := each(ctx, r.Workers, ids, func(_ context.Context, id string) (*trajectory.Scheduled, bool) {
		trip, ok := r.Schedule.Trips[id]
		if !ok || !r.routeAllowed(trip.RouteID) {
			return nil, false
		}
		date, ok := policy.RepresentativeDate(trip)
		if !ok {
			r.exclude(tally, "trip_id", id, quality.ErrMissingReferenceData)
			return nil, false
		}
		st, err := trajectory.AssembleScheduled(trip, segs.ByTrip[id], date)
		if err != nil {
			r.exclude(tally, "trip_id", id, err)
			return nil, false
		}
		return st, true
	})
	if err != nil {
		r.finish(StageTrajectories, start, 0, tally, err)
		return nil, err
	}
	r.finish(StageTrajectories, start, len(out), tally, nil)
	return &TrajectoriesResult{Trajectories: out, Tally: tally}, nil
}

type LiveResult struct {
	Trips []live.Trip
	Tally *quality.Tally
}

// BuildLiveTrajectories reduces the reports inside w to one trajectory per
// trip instance. Reports outside w or on filtered routes are ignored without
// being counted.
func (r *Runner) BuildLiveTrajectories(ctx context.Context, reports []gtfs.LivePositionReport, w Window) (*LiveResult, error) {
	start := time.Now()
	tally := &quality.Tally{}
	if err := w.Validate(); err != nil {
		r.finish(StageLive, start, 0, tally, err)
		return nil, err
	}

	in := make([]gtfs.LivePositionReport, 0, len(reports))
	for _, rep := range reports {
		if w.Contains(rep.Timestamp) && r.routeAllowed(rep.RouteID) {
			in = append(in, rep)
		}
	}
	groups := live.Group(in, tally)
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	trips, err := each(ctx, r.Workers, ids, func(_ context.Context, id string) (live.Trip, bool) {
		trip, err := live.ReduceInstance(id, groups[id], r.Location, tally)
		if err != nil {
			r.exclude(tally, "trip_instance_id", id, err)
			return live.Trip{}, false
		}
		return trip, true
	})
	if err != nil {
		r.finish(StageLive, start, 0, tally, err)
		return nil, err
	}
	r.finish(StageLive, start, len(trips), tally, nil)
	return &LiveResult{Trips: trips, Tally: tally}, nil
}

type MatchResult struct {
	Results  []matcher.Result
	Arrivals []matcher.StopArrival
	Segments []matcher.ActualSegment
	Tally    *quality.Tally
}

// MatchArrivals matches every live trip against its scheduled stops. A trip
// instance whose trip is unknown to the schedule is excluded as missing
// reference data.
func (r *Runner) MatchArrivals(ctx context.Context, trips []live.Trip) (*MatchResult, error) {
	start := time.Now()
	tally := &quality.Tally{}

	results, err := each(ctx, r.Workers, trips, func(_ context.Context, lt live.Trip) (matcher.Result, bool) {
		if !r.routeAllowed(lt.RouteID) {
			return matcher.Result{}, false
		}
		trip, ok := r.Schedule.Trips[lt.TripID]
		if !ok {
			r.exclude(tally, "trip_instance_id", lt.TripInstanceID, quality.ErrMissingReferenceData)
			return matcher.Result{}, false
		}
		visits := r.Schedule.Visits[lt.TripID]
		var line geo.Polyline
		if r.Matcher.SnapToShape {
			var err error
			if line, _, err = r.Shapes.ReferencePolyline(trip, visits); err != nil {
				r.exclude(tally, "trip_instance_id", lt.TripInstanceID, err)
				return matcher.Result{}, false
			}
		}
		res, err := r.Matcher.Match(lt, visits, line)
		if err != nil {
			r.exclude(tally, "trip_instance_id", lt.TripInstanceID, err)
			return matcher.Result{}, false
		}
		return res, true
	})
	if err != nil {
		r.finish(StageMatch, start, 0, tally, err)
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].TripInstanceID < results[j].TripInstanceID })
	out := &MatchResult{Results: results, Tally: tally}
	for _, res := range results {
		out.Arrivals = append(out.Arrivals, res.Arrivals...)
		out.Segments = append(out.Segments, res.Segments...)
	}
	r.finish(StageMatch, start, len(results), tally, nil)
	return out, nil
}

// MetricsInput is what ComputeMetrics joins. Positions feed the occupancy
// join; TripUpdates, when present, give a second headway series; a non-zero
// ScheduledDate adds scheduled headways on that date.
type MetricsInput struct {
	Segments      *SegmentsResult
	Match         *MatchResult
	Positions     []gtfs.LivePositionReport
	TripUpdates   []gtfs.TripUpdateReport
	ScheduledDate time.Time
}

type MetricsResult struct {
	Observations       []aggregate.SegmentObservation
	StopDelays         []aggregate.StopDelay
	Headways           []aggregate.Headway
	TripUpdateHeadways []aggregate.Headway
	ScheduledHeadways  []aggregate.Headway

	SegmentAggregates   []aggregate.SegmentAggregate
	StopDelayAggregates []aggregate.StopDelayAggregate
	HeadwayAggregates   []aggregate.HeadwayAggregate
	Bunching            []aggregate.BunchingSummary
	Occupancy           []aggregate.OccupancyAggregate
	Correlations        []aggregate.OccupancyCorrelation

	Tally *quality.Tally
}

// ComputeMetrics joins scheduled and actual segments and builds every
// aggregate. It is sequential; the joins are cheap next to matching.
func (r *Runner) ComputeMetrics(ctx context.Context, in MetricsInput) (*MetricsResult, error) {
	start := time.Now()
	tally := &quality.Tally{}
	if in.Segments == nil || in.Match == nil {
		err := errors.New("metrics need segments and match results")
		r.finish(StageMetrics, start, 0, tally, err)
		return nil, err
	}
	agg := r.Aggregator

	var actual []matcher.ActualSegment
	for _, s := range in.Match.Segments {
		if r.routeAllowed(s.RouteID) {
			actual = append(actual, s)
		}
	}
	var arrivals []matcher.StopArrival
	for _, a := range in.Match.Arrivals {
		if r.routeAllowed(a.RouteID) {
			arrivals = append(arrivals, a)
		}
	}

	out := &MetricsResult{Tally: tally}
	out.Observations = agg.SegmentObservations(in.Segments.ByTrip, actual, tally)
	agg.AttachOccupancy(out.Observations, in.Positions)
	out.StopDelays = agg.StopDelays(arrivals, r.Schedule.Visits, tally)
	out.Headways = agg.Headways(aggregate.EventsFromArrivals(arrivals), tally)

	if len(in.TripUpdates) > 0 {
		var updates []gtfs.TripUpdateReport
		for _, u := range in.TripUpdates {
			if r.routeAllowed(u.RouteID) {
				updates = append(updates, u)
			}
		}
		out.TripUpdateHeadways = agg.Headways(aggregate.EventsFromTripUpdates(updates), nil)
	}
	if !in.ScheduledDate.IsZero() {
		out.ScheduledHeadways = agg.Headways(agg.ScheduledEvents(r.Schedule, in.ScheduledDate, r.Routes), nil)
	}
	if err := ctx.Err(); err != nil {
		r.finish(StageMetrics, start, 0, tally, err)
		return nil, err
	}

	out.SegmentAggregates = agg.AggregateSegments(out.Observations, tally)
	out.StopDelayAggregates = agg.AggregateStopDelays(out.StopDelays, tally)
	out.HeadwayAggregates = agg.AggregateHeadways(out.Headways, tally)
	out.Bunching = agg.BunchingSummaries(out.Headways, tally)
	out.Occupancy = agg.AggregateOccupancy(out.Observations, tally)
	out.Correlations = agg.CorrelateOccupancy(out.Observations, tally)

	r.finish(StageMetrics, start, len(out.Observations), tally, nil)
	return out, nil
}

// RunInput is everything RunAll needs beyond the schedule.
type RunInput struct {
	Positions     []gtfs.LivePositionReport
	TripUpdates   []gtfs.TripUpdateReport
	Window        Window
	DatePolicy    trajectory.DatePolicy
	ScheduledDate time.Time
}

type RunResult struct {
	RunID        string
	Segments     *SegmentsResult
	Trajectories *TrajectoriesResult
	Live         *LiveResult
	Match        *MatchResult
	Metrics      *MetricsResult
	Tally        *quality.Tally // every stage merged
}

// RunAll runs every stage in order. Scheduled trajectories are skipped when
// in.DatePolicy is nil.
func (r *Runner) RunAll(ctx context.Context, in RunInput) (*RunResult, error) {
	res := &RunResult{RunID: r.RunID, Tally: &quality.Tally{}}
	var err error

	if res.Segments, err = r.BuildSegments(ctx); err != nil {
		return nil, err
	}
	res.Tally.Merge(res.Segments.Tally)

	if in.DatePolicy != nil {
		if res.Trajectories, err = r.BuildScheduledTrajectories(ctx, res.Segments, in.DatePolicy); err != nil {
			return nil, err
		}
		res.Tally.Merge(res.Trajectories.Tally)
	}

	if res.Live, err = r.BuildLiveTrajectories(ctx, in.Positions, in.Window); err != nil {
		return nil, err
	}
	res.Tally.Merge(res.Live.Tally)

	if res.Match, err = r.MatchArrivals(ctx, res.Live.Trips); err != nil {
		return nil, err
	}
	res.Tally.Merge(res.Match.Tally)

	res.Metrics, err = r.ComputeMetrics(ctx, MetricsInput{
		Segments:      res.Segments,
		Match:         res.Match,
		Positions:     in.Positions,
		TripUpdates:   in.TripUpdates,
		ScheduledDate: in.ScheduledDate,
	})
	if err != nil {
		return nil, err
	}
	res.Tally.Merge(res.Metrics.Tally)
	return res, nil
}
