package aggregate

import (
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/matcher"
	"gtfs-segmetrics/internal/quality"
	"gtfs-segmetrics/internal/segment"
)

// 2025-03-04 is a Tuesday.
var base = time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

func hms(h, m, s int) time.Time {
	return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func newAggregator() *Aggregator { return New(DefaultLimits(), time.UTC) }

func scheduled() map[string][]segment.Segment {
	return map[string][]segment.Segment{
		"T": {
			{TripID: "T", RouteID: "R", Stop1ID: "A", Stop2ID: "B", Stop1Sequence: 1, Stop2Sequence: 2, DurationSec: 300, LengthM: 1000},
			{TripID: "T", RouteID: "R", Stop1ID: "B", Stop2ID: "C", Stop1Sequence: 2, Stop2Sequence: 3, DurationSec: 420, LengthM: 2000},
		},
	}
}

func actual(instance, s1, s2 string, from, to time.Time) matcher.ActualSegment {
	return matcher.ActualSegment{
		TripInstanceID: instance, TripID: "T", RouteID: "R",
		Stop1ID: s1, Stop2ID: s2,
		Stop1Time: from, Stop2Time: to,
		DurationSec: to.Sub(from).Seconds(),
	}
}

func TestSegmentObservationDelay(t *testing.T) {
	var tally quality.Tally
	obs := newAggregator().SegmentObservations(scheduled(), []matcher.ActualSegment{
		actual("T_1", "A", "B", hms(8, 0, 0), hms(8, 6, 30)),
	}, &tally)

	require.Len(t, obs, 1)
	o := obs[0]
	assert.InDelta(t, 1.5, o.DelayMinutes, 1e-9)
	assert.InDelta(t, 12, o.ScheduledSpeedKmh, 1e-9)
	assert.InDelta(t, 1000/390.0*3.6, o.ActualSpeedKmh, 1e-9)
	assert.Equal(t, PeriodMorningRush, o.Period)
	assert.Equal(t, Weekday, o.DayType)
	assert.Zero(t, tally.Total())
}

func TestSegmentObservationFilters(t *testing.T) {
	sched := map[string][]segment.Segment{
		"T": {
			{TripID: "T", Stop1ID: "A", Stop2ID: "B", DurationSec: 0, LengthM: 1000},
			{TripID: "T", Stop1ID: "B", Stop2ID: "C", DurationSec: 60, LengthM: 8},
			{TripID: "T", Stop1ID: "C", Stop2ID: "D", DurationSec: 60, LengthM: 3000},
			{TripID: "T", Stop1ID: "D", Stop2ID: "E", DurationSec: 60, LengthM: 500},
		},
	}
	tests := []struct {
		name   string
		seg    matcher.ActualSegment
		reason quality.Reason
	}{
		{"zero scheduled duration", actual("I", "A", "B", hms(8, 0, 0), hms(8, 2, 0)), quality.ReasonBadDuration},
		{"short segment", actual("I", "B", "C", hms(8, 0, 0), hms(8, 1, 0)), quality.ReasonShortSegment},
		{"scheduled speed 180 km/h", actual("I", "C", "D", hms(8, 0, 0), hms(8, 2, 0)), quality.ReasonBadSpeed},
		{"actual duration zero", actual("I", "D", "E", hms(8, 0, 0), hms(8, 0, 0)), quality.ReasonBadDuration},
		{"actual duration an hour", actual("I", "D", "E", hms(8, 0, 0), hms(9, 0, 0)), quality.ReasonBadDuration},
		{"unknown pair", actual("I", "A", "C", hms(8, 0, 0), hms(8, 5, 0)), quality.ReasonUnmatchedStopPair},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tally quality.Tally
			obs := newAggregator().SegmentObservations(sched, []matcher.ActualSegment{tt.seg}, &tally)
			assert.Empty(t, obs)
			assert.Equal(t, 1, tally.Count(tt.reason))
		})
	}
}

func TestStopDelay(t *testing.T) {
	visits := map[string][]gtfs.StopVisit{
		"T": {
			{TripID: "T", StopSequence: 1, StopID: "A", ArrivalSec: 8 * 3600},
			{TripID: "T", StopSequence: 2, StopID: "S", ArrivalSec: 8*3600 + 300},
		},
	}
	arrivals := []matcher.StopArrival{
		{TripInstanceID: "T_1", TripID: "T", RouteID: "R", StopID: "S", ScheduledSequence: 2, ServiceDate: base, Arrival: hms(8, 6, 30)},
		{TripInstanceID: "T_1", TripID: "T", RouteID: "R", StopID: "Z", ScheduledSequence: 3, ServiceDate: base, Arrival: hms(8, 9, 0)},
		{TripInstanceID: "T_2", TripID: "T", RouteID: "R", StopID: "A", ScheduledSequence: 1, ServiceDate: base, Arrival: hms(10, 0, 0)},
	}

	var tally quality.Tally
	delays := newAggregator().StopDelays(arrivals, visits, &tally)
	require.Len(t, delays, 1)
	assert.Equal(t, "S", delays[0].StopID)
	assert.InDelta(t, 90, delays[0].DelaySec, 1e-9)
	assert.Equal(t, hms(8, 5, 0), delays[0].Scheduled)
	assert.Equal(t, 1, tally.Count(quality.ReasonMissingReference))
	assert.Equal(t, 1, tally.Count(quality.ReasonBadDelay))
}

func TestHeadwayBetweenVehicles(t *testing.T) {
	events := []ArrivalEvent{
		{TripInstanceID: "V2", RouteID: "R", StopID: "S", Time: hms(8, 13, 30)},
		{TripInstanceID: "V1", RouteID: "R", StopID: "S", Time: hms(8, 10, 0)},
		{TripInstanceID: "V9", RouteID: "OTHER", StopID: "S", Time: hms(8, 11, 0)},
	}
	var tally quality.Tally
	hs := newAggregator().Headways(events, &tally)
	require.Len(t, hs, 1)
	h := hs[0]
	assert.Equal(t, "R", h.RouteID)
	assert.Equal(t, "S", h.StopID)
	assert.Equal(t, "V2", h.TripInstanceID)
	assert.Equal(t, "V1", h.PrevTripInstanceID)
	assert.InDelta(t, 3.5, h.Minutes(), 1e-9)
	assert.Equal(t, PeriodMorningRush, h.Period)
	assert.Zero(t, tally.Total())
}

func TestHeadwayExclusions(t *testing.T) {
	events := []ArrivalEvent{
		{TripInstanceID: "V1", RouteID: "R", StopID: "S", Time: hms(8, 0, 0)},
		{TripInstanceID: "V1", RouteID: "R", StopID: "S", Time: hms(8, 20, 0)},  // same vehicle looping
		{TripInstanceID: "V2", RouteID: "R", StopID: "S", Time: hms(8, 20, 0)},  // zero gap
		{TripInstanceID: "V3", RouteID: "R", StopID: "S", Time: hms(11, 0, 0)},  // gap too long
		{TripInstanceID: "V4", RouteID: "R", StopID: "S", Time: hms(11, 10, 0)}, // fine
	}
	var tally quality.Tally
	hs := newAggregator().Headways(events, &tally)
	require.Len(t, hs, 1)
	assert.Equal(t, "V4", hs[0].TripInstanceID)
	assert.Equal(t, 1, tally.Count(quality.ReasonSelfHeadway))
	assert.Equal(t, 2, tally.Count(quality.ReasonBadHeadway))
}

func TestHeadwayCategory(t *testing.T) {
	a := newAggregator()
	assert.Equal(t, HeadwayBunched, a.HeadwayCategory(179))
	assert.Equal(t, HeadwayGood, a.HeadwayCategory(180))
	assert.Equal(t, HeadwayGood, a.HeadwayCategory(600))
	assert.Equal(t, HeadwayAcceptable, a.HeadwayCategory(601))
	assert.Equal(t, HeadwayGap, a.HeadwayCategory(1201))
}

func TestEventsFromTripUpdates(t *testing.T) {
	reports := []gtfs.TripUpdateReport{
		{TripInstanceID: "I1", RouteID: "R", StopID: "S", FetchedAt: hms(8, 0, 0), Arrival: hms(8, 10, 0)},
		{TripInstanceID: "I1", RouteID: "R", StopID: "S", FetchedAt: hms(8, 5, 0), Arrival: hms(8, 12, 0)},
		{TripInstanceID: "I1", RouteID: "R", StopID: "T", FetchedAt: hms(8, 5, 0), Departure: hms(8, 15, 0)},
		{TripInstanceID: "I1", RouteID: "R", StopID: "U", FetchedAt: hms(8, 5, 0)},
	}
	events := EventsFromTripUpdates(reports)
	require.Len(t, events, 2)
	assert.Equal(t, hms(8, 12, 0), events[0].Time)
	assert.Equal(t, "T", events[1].StopID)
	assert.Equal(t, hms(8, 15, 0), events[1].Time)
}

func TestScheduledEvents(t *testing.T) {
	s := gtfs.NewSchedule()
	cal := gtfs.NewServiceCalendar("WK")
	cal.Added["20250304"] = true
	s.Calendars["WK"] = cal
	s.Trips["T1"] = gtfs.Trip{TripID: "T1", RouteID: "R", ServiceID: "WK"}
	s.Trips["T2"] = gtfs.Trip{TripID: "T2", RouteID: "R", ServiceID: "WK"}
	s.Trips["T3"] = gtfs.Trip{TripID: "T3", RouteID: "R", ServiceID: "SUNDAY"}
	s.Visits["T1"] = []gtfs.StopVisit{{StopSequence: 1, StopID: "S", ArrivalSec: 8 * 3600}}
	s.Visits["T2"] = []gtfs.StopVisit{{StopSequence: 1, StopID: "S", ArrivalSec: 8*3600 + 600}}
	s.Visits["T3"] = []gtfs.StopVisit{{StopSequence: 1, StopID: "S", ArrivalSec: 8*3600 + 300}}

	a := newAggregator()
	events := a.ScheduledEvents(s, base, nil)
	require.Len(t, events, 2)

	hs := a.Headways(events, nil)
	require.Len(t, hs, 1)
	assert.InDelta(t, 10, hs[0].Minutes(), 1e-9)

	assert.Empty(t, a.ScheduledEvents(s, base, map[string]bool{"OTHER": true}))
}

func TestAttachOccupancyAsOf(t *testing.T) {
	reports := []gtfs.LivePositionReport{
		{TripInstanceID: "I", Timestamp: hms(8, 0, 0), OccupancyStatus: "MANY_SEATS_AVAILABLE"},
		{TripInstanceID: "I", Timestamp: hms(8, 4, 0), OccupancyStatus: "STANDING_ROOM_ONLY"},
		{TripInstanceID: "I", Timestamp: hms(8, 5, 0)},
		{TripInstanceID: "I", Timestamp: hms(8, 9, 0), OccupancyStatus: "FULL"},
	}
	obs := []SegmentObservation{
		{TripInstanceID: "I", Departure: hms(7, 59, 0)},
		{TripInstanceID: "I", Departure: hms(8, 4, 0)},
		{TripInstanceID: "I", Departure: hms(8, 8, 59)},
		{TripInstanceID: "J", Departure: hms(8, 30, 0)},
	}
	newAggregator().AttachOccupancy(obs, reports)

	assert.Equal(t, "", obs[0].Occupancy)
	assert.Equal(t, gtfs.OccupancyStanding, obs[1].Occupancy)
	assert.Equal(t, gtfs.OccupancyStanding, obs[2].Occupancy)
	assert.Equal(t, "", obs[3].Occupancy)
}

func observation(i int, route string, delay float64, occupancy string) SegmentObservation {
	return SegmentObservation{
		TripInstanceID:    fmt.Sprintf("I%d", i),
		RouteID:           route,
		Stop1ID:           "A",
		Stop2ID:           "B",
		LengthM:           1000,
		ScheduledSpeedKmh: 12,
		ActualSpeedKmh:    1000 / (300 + delay*60) * 3.6,
		DelayMinutes:      delay,
		Period:            PeriodMidday,
		DayType:           Weekday,
		Occupancy:         occupancy,
	}
}

func TestAggregateSegmentsMinimumCount(t *testing.T) {
	obs := []SegmentObservation{
		observation(1, "R1", 1, ""),
		observation(2, "R1", 2, ""),
		observation(3, "R1", 3, ""),
		observation(4, "R2", 1, ""),
		observation(5, "R2", 1, ""),
	}
	var tally quality.Tally
	aggs := newAggregator().AggregateSegments(obs, &tally)
	require.Len(t, aggs, 1)
	a := aggs[0]
	assert.Equal(t, "R1", a.RouteID)
	assert.Equal(t, 3, a.Count)
	assert.InDelta(t, 2, a.MeanDelayMin, 1e-9)
	assert.InDelta(t, 1, a.StdDelayMin, 1e-9)
	assert.Equal(t, 1.0, a.MinDelayMin)
	assert.Equal(t, 3.0, a.MaxDelayMin)
	assert.InDelta(t, 12, a.MeanScheduledSpeedKmh, 1e-9)
	assert.Equal(t, 1, tally.Count(quality.ReasonBelowMinimumCount))
}

func TestAggregateStopDelays(t *testing.T) {
	var delays []StopDelay
	for i, d := range []float64{-30, 120, 600} {
		delays = append(delays, StopDelay{TripInstanceID: fmt.Sprint(i), RouteID: "R", StopID: "S", DelaySec: d, Period: PeriodNight, DayType: Weekend})
	}
	aggs := newAggregator().AggregateStopDelays(delays, nil)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 230, aggs[0].MeanDelaySec, 1e-9)
	assert.InDelta(t, 200.0/3, aggs[0].OnTimePct, 1e-9)
}

func TestBunchingSummaryNeedsFive(t *testing.T) {
	var hs []Headway
	for i, sec := range []float64{60, 120, 400, 500, 900} {
		hs = append(hs, Headway{RouteID: "R", StopID: fmt.Sprint(i), HeadwaySec: sec, Period: PeriodEveningRush, DayType: Weekday})
	}
	a := newAggregator()

	var tally quality.Tally
	assert.Empty(t, a.BunchingSummaries(hs[:4], &tally))
	assert.Equal(t, 1, tally.Count(quality.ReasonBelowMinimumCount))

	sums := a.BunchingSummaries(hs, nil)
	require.Len(t, sums, 1)
	assert.Equal(t, 5, sums[0].Count)
	assert.Equal(t, 2, sums[0].Bunched)
	assert.InDelta(t, 40, sums[0].BunchedPct, 1e-9)

	aggs := a.AggregateHeadways(append(hs[:0:0], Headway{RouteID: "R", StopID: "S", HeadwaySec: 60}, Headway{RouteID: "R", StopID: "S", HeadwaySec: 300}, Headway{RouteID: "R", StopID: "S", HeadwaySec: 1500}), nil)
	require.Len(t, aggs, 1)
	assert.Equal(t, 1, aggs[0].Bunched)
	assert.Equal(t, 1, aggs[0].Good)
	assert.Equal(t, 1, aggs[0].Gap)
	assert.InDelta(t, 10.333333, aggs[0].MeanHeadwayMin, 1e-5)
}

func TestOccupancyAggregatesAndCorrelation(t *testing.T) {
	obs := []SegmentObservation{
		observation(1, "R", 0, gtfs.OccupancyPlenty),
		observation(2, "R", 0.5, gtfs.OccupancyPlenty),
		observation(3, "R", 1, gtfs.OccupancyPlenty),
		observation(4, "R", 3, gtfs.OccupancyCrowded),
		observation(5, "R", 4, gtfs.OccupancyCrowded),
		observation(6, "R", 9, ""),
	}
	a := newAggregator()

	var tally quality.Tally
	aggs := a.AggregateOccupancy(obs, &tally)
	require.Len(t, aggs, 1)
	assert.Equal(t, gtfs.OccupancyPlenty, aggs[0].Occupancy)
	assert.InDelta(t, 0.5, aggs[0].MeanDelayMin, 1e-9)
	assert.Equal(t, 1, tally.Count(quality.ReasonBelowMinimumCount))

	corr := a.CorrelateOccupancy(obs, nil)
	require.Len(t, corr, 1)
	assert.Equal(t, 5, corr[0].Count)
	assert.Greater(t, corr[0].Coefficient, 0.9)
}

func TestTimePeriod(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{6, PeriodNight},
		{7, PeriodMorningRush},
		{9, PeriodMorningRush},
		{10, PeriodMidday},
		{15, PeriodMidday},
		{16, PeriodEveningRush},
		{18, PeriodEveningRush},
		{19, PeriodEvening},
		{22, PeriodEvening},
		{23, PeriodNight},
		{0, PeriodNight},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimePeriod(hms(tt.hour, 30, 0), time.UTC), "hour %d", tt.hour)
	}

	brussels, err := time.LoadLocation("Europe/Brussels")
	require.NoError(t, err)
	// 06:30 UTC is 07:30 in Brussels in winter.
	assert.Equal(t, PeriodMorningRush, TimePeriod(hms(6, 30, 0), brussels))

	assert.Equal(t, Weekday, DayType(base, time.UTC))
	assert.Equal(t, Weekend, DayType(base.AddDate(0, 0, 4), time.UTC))
	assert.Equal(t, Weekend, DayType(base.AddDate(0, 0, 5), time.UTC))
}

func TestStats(t *testing.T) {
	var s Stats
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(v)
	}
	assert.Equal(t, 8, s.N)
	assert.InDelta(t, 5, s.Mean(), 1e-12)
	assert.InDelta(t, 2.138090, s.StdDev(), 1e-6)
	assert.Equal(t, 2.0, s.Min())
	assert.Equal(t, 9.0, s.Max())
}
