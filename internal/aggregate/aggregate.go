package aggregate

import (
	"math"
	"sort"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/quality"
)

// SegmentAggregate summarizes every observation of one stop pair of a route
// within a time bucket.
type SegmentAggregate struct {
	RouteID               string
	Stop1ID               string
	Stop2ID               string
	Period                string
	DayType               string
	Count                 int
	LengthM               float64
	MeanScheduledSpeedKmh float64
	MeanActualSpeedKmh    float64
	MeanDelayMin          float64
	StdDelayMin           float64
	MinDelayMin           float64
	MaxDelayMin           float64
	Geometry              geo.Polyline
}

type StopDelayAggregate struct {
	RouteID      string
	StopID       string
	Period       string
	DayType      string
	Count        int
	MeanDelaySec float64
	StdDelaySec  float64
	MinDelaySec  float64
	MaxDelaySec  float64
	OnTimePct    float64 // share of arrivals between 1 min early and 5 min late
}

type HeadwayAggregate struct {
	RouteID        string
	StopID         string
	Period         string
	DayType        string
	Count          int
	MeanHeadwayMin float64
	StdHeadwayMin  float64
	MinHeadwayMin  float64
	MaxHeadwayMin  float64
	Bunched        int
	Good           int
	Acceptable     int
	Gap            int
}

// BunchingSummary is the share of bunched headways on a route in a period.
type BunchingSummary struct {
	RouteID        string
	Period         string
	Count          int
	Bunched        int
	BunchedPct     float64
	MeanHeadwayMin float64
}

type OccupancyAggregate struct {
	RouteID            string
	Occupancy          string
	Period             string
	Count              int
	MeanDelayMin       float64
	MeanActualSpeedKmh float64
}

// OccupancyCorrelation is the Pearson correlation between the load level
// (1 plenty of seats .. 4 crowded) and segment delay.
type OccupancyCorrelation struct {
	RouteID     string
	Count       int
	Coefficient float64
}

type segKey struct {
	route, stop1, stop2, period, day string
}

// AggregateSegments groups observations by route, stop pair, period and day
// type. Groups below the minimum count are dropped and counted.
func (a *Aggregator) AggregateSegments(obs []SegmentObservation, tally *quality.Tally) []SegmentAggregate {
	type acc struct {
		sched, actual, delay Stats
		length               float64
		geom                 geo.Polyline
	}
	groups := make(map[segKey]*acc)
	for _, o := range obs {
		k := segKey{o.RouteID, o.Stop1ID, o.Stop2ID, o.Period, o.DayType}
		g, ok := groups[k]
		if !ok {
			g = &acc{length: o.LengthM, geom: o.Geometry}
			groups[k] = g
		}
		g.sched.Add(o.ScheduledSpeedKmh)
		g.actual.Add(o.ActualSpeedKmh)
		g.delay.Add(o.DelayMinutes)
	}

	out := make([]SegmentAggregate, 0, len(groups))
	for k, g := range groups {
		if g.delay.N < a.Limits.MinGroupCount {
			tally.Inc(quality.ReasonBelowMinimumCount)
			continue
		}
		out = append(out, SegmentAggregate{
			RouteID:               k.route,
			Stop1ID:               k.stop1,
			Stop2ID:               k.stop2,
			Period:                k.period,
			DayType:               k.day,
			Count:                 g.delay.N,
			LengthM:               g.length,
			MeanScheduledSpeedKmh: g.sched.Mean(),
			MeanActualSpeedKmh:    g.actual.Mean(),
			MeanDelayMin:          g.delay.Mean(),
			StdDelayMin:           g.delay.StdDev(),
			MinDelayMin:           g.delay.Min(),
			MaxDelayMin:           g.delay.Max(),
			Geometry:              g.geom,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(segKey{out[i].RouteID, out[i].Stop1ID, out[i].Stop2ID, out[i].Period, out[i].DayType},
			segKey{out[j].RouteID, out[j].Stop1ID, out[j].Stop2ID, out[j].Period, out[j].DayType})
	})
	return out
}

func (a *Aggregator) AggregateStopDelays(delays []StopDelay, tally *quality.Tally) []StopDelayAggregate {
	type acc struct {
		s      Stats
		onTime int
	}
	groups := make(map[segKey]*acc)
	for _, d := range delays {
		k := segKey{route: d.RouteID, stop1: d.StopID, period: d.Period, day: d.DayType}
		g, ok := groups[k]
		if !ok {
			g = &acc{}
			groups[k] = g
		}
		g.s.Add(d.DelaySec)
		if d.DelaySec >= -60 && d.DelaySec <= 300 {
			g.onTime++
		}
	}

	out := make([]StopDelayAggregate, 0, len(groups))
	for k, g := range groups {
		if g.s.N < a.Limits.MinGroupCount {
			tally.Inc(quality.ReasonBelowMinimumCount)
			continue
		}
		out = append(out, StopDelayAggregate{
			RouteID:      k.route,
			StopID:       k.stop1,
			Period:       k.period,
			DayType:      k.day,
			Count:        g.s.N,
			MeanDelaySec: g.s.Mean(),
			StdDelaySec:  g.s.StdDev(),
			MinDelaySec:  g.s.Min(),
			MaxDelaySec:  g.s.Max(),
			OnTimePct:    100 * float64(g.onTime) / float64(g.s.N),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(segKey{route: out[i].RouteID, stop1: out[i].StopID, period: out[i].Period, day: out[i].DayType},
			segKey{route: out[j].RouteID, stop1: out[j].StopID, period: out[j].Period, day: out[j].DayType})
	})
	return out
}

func (a *Aggregator) AggregateHeadways(headways []Headway, tally *quality.Tally) []HeadwayAggregate {
	type acc struct {
		s    Stats
		cats map[string]int
	}
	groups := make(map[segKey]*acc)
	for _, h := range headways {
		k := segKey{route: h.RouteID, stop1: h.StopID, period: h.Period, day: h.DayType}
		g, ok := groups[k]
		if !ok {
			g = &acc{cats: make(map[string]int, 4)}
			groups[k] = g
		}
		g.s.Add(h.Minutes())
		g.cats[a.HeadwayCategory(h.HeadwaySec)]++
	}

	out := make([]HeadwayAggregate, 0, len(groups))
	for k, g := range groups {
		if g.s.N < a.Limits.MinGroupCount {
			tally.Inc(quality.ReasonBelowMinimumCount)
			continue
		}
		out = append(out, HeadwayAggregate{
			RouteID:        k.route,
			StopID:         k.stop1,
			Period:         k.period,
			DayType:        k.day,
			Count:          g.s.N,
			MeanHeadwayMin: g.s.Mean(),
			StdHeadwayMin:  g.s.StdDev(),
			MinHeadwayMin:  g.s.Min(),
			MaxHeadwayMin:  g.s.Max(),
			Bunched:        g.cats[HeadwayBunched],
			Good:           g.cats[HeadwayGood],
			Acceptable:     g.cats[HeadwayAcceptable],
			Gap:            g.cats[HeadwayGap],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(segKey{route: out[i].RouteID, stop1: out[i].StopID, period: out[i].Period, day: out[i].DayType},
			segKey{route: out[j].RouteID, stop1: out[j].StopID, period: out[j].Period, day: out[j].DayType})
	})
	return out
}

// BunchingSummaries rolls headways up per route and period. They need at
// least MinBunchingCount headways.
func (a *Aggregator) BunchingSummaries(headways []Headway, tally *quality.Tally) []BunchingSummary {
	type acc struct {
		s       Stats
		bunched int
	}
	groups := make(map[segKey]*acc)
	for _, h := range headways {
		k := segKey{route: h.RouteID, period: h.Period}
		g, ok := groups[k]
		if !ok {
			g = &acc{}
			groups[k] = g
		}
		g.s.Add(h.Minutes())
		if a.HeadwayCategory(h.HeadwaySec) == HeadwayBunched {
			g.bunched++
		}
	}

	out := make([]BunchingSummary, 0, len(groups))
	for k, g := range groups {
		if g.s.N < a.Limits.MinBunchingCount {
			tally.Inc(quality.ReasonBelowMinimumCount)
			continue
		}
		out = append(out, BunchingSummary{
			RouteID:        k.route,
			Period:         k.period,
			Count:          g.s.N,
			Bunched:        g.bunched,
			BunchedPct:     100 * float64(g.bunched) / float64(g.s.N),
			MeanHeadwayMin: g.s.Mean(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].Period < out[j].Period
	})
	return out
}

// AggregateOccupancy groups observations with a known load by route, load
// bucket and period.
func (a *Aggregator) AggregateOccupancy(obs []SegmentObservation, tally *quality.Tally) []OccupancyAggregate {
	type acc struct{ delay, speed Stats }
	groups := make(map[segKey]*acc)
	for _, o := range obs {
		if occupancyLevel(o.Occupancy) == 0 {
			continue
		}
		k := segKey{route: o.RouteID, stop1: o.Occupancy, period: o.Period}
		g, ok := groups[k]
		if !ok {
			g = &acc{}
			groups[k] = g
		}
		g.delay.Add(o.DelayMinutes)
		g.speed.Add(o.ActualSpeedKmh)
	}

	out := make([]OccupancyAggregate, 0, len(groups))
	for k, g := range groups {
		if g.delay.N < a.Limits.MinGroupCount {
			tally.Inc(quality.ReasonBelowMinimumCount)
			continue
		}
		out = append(out, OccupancyAggregate{
			RouteID:            k.route,
			Occupancy:          k.stop1,
			Period:             k.period,
			Count:              g.delay.N,
			MeanDelayMin:       g.delay.Mean(),
			MeanActualSpeedKmh: g.speed.Mean(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(segKey{route: out[i].RouteID, stop1: out[i].Occupancy, period: out[i].Period},
			segKey{route: out[j].RouteID, stop1: out[j].Occupancy, period: out[j].Period})
	})
	return out
}

// CorrelateOccupancy computes, per route, how load level and delay move
// together. Routes with too few observations or a constant load are left out.
func (a *Aggregator) CorrelateOccupancy(obs []SegmentObservation, tally *quality.Tally) []OccupancyCorrelation {
	levels := make(map[string][]float64)
	delays := make(map[string][]float64)
	for _, o := range obs {
		lvl := occupancyLevel(o.Occupancy)
		if lvl == 0 {
			continue
		}
		levels[o.RouteID] = append(levels[o.RouteID], float64(lvl))
		delays[o.RouteID] = append(delays[o.RouteID], o.DelayMinutes)
	}

	routes := make([]string, 0, len(levels))
	for r := range levels {
		routes = append(routes, r)
	}
	sort.Strings(routes)

	var out []OccupancyCorrelation
	for _, r := range routes {
		if len(levels[r]) < a.Limits.MinGroupCount {
			tally.Inc(quality.ReasonBelowMinimumCount)
			continue
		}
		c := pearson(levels[r], delays[r])
		if math.IsNaN(c) {
			continue
		}
		out = append(out, OccupancyCorrelation{RouteID: r, Count: len(levels[r]), Coefficient: c})
	}
	return out
}

func occupancyLevel(bucket string) int {
	switch bucket {
	case gtfs.OccupancyPlenty:
		return 1
	case gtfs.OccupancyFew:
		return 2
	case gtfs.OccupancyStanding:
		return 3
	case gtfs.OccupancyCrowded:
		return 4
	default:
		return 0
	}
}

func lessKey(a, b segKey) bool {
	switch {
	case a.route != b.route:
		return a.route < b.route
	case a.stop1 != b.stop1:
		return a.stop1 < b.stop1
	case a.stop2 != b.stop2:
		return a.stop2 < b.stop2
	case a.day != b.day:
		return a.day < b.day
	default:
		return a.period < b.period
	}
}
