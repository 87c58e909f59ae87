// Package publisher announces finished runs and their per-route metrics on
// NATS so dashboards can refresh without polling the database.
package publisher

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"gtfs-segmetrics/internal/aggregate"
	"gtfs-segmetrics/internal/pipeline"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc          *nats.Conn
	pub         conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfs-segmetrics"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "segmetrics"
	}
	return &NATSPublisher{pub: c, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// RunSummary is published on <prefix>.runs after every run.
type RunSummary struct {
	RunID        string         `json:"runId"`
	FinishedAt   time.Time      `json:"finishedAt"`
	WindowSince  time.Time      `json:"windowSince"`
	WindowUntil  time.Time      `json:"windowUntil"`
	Segments     int            `json:"segments"`
	LiveTrips    int            `json:"liveTrips"`
	Observations int            `json:"observations"`
	Routes       []string       `json:"routes"`
	Exclusions   map[string]int `json:"exclusions,omitempty"`
}

type SegmentMetric struct {
	Stop1ID            string   `json:"stop1Id"`
	Stop2ID            string   `json:"stop2Id"`
	Period             string   `json:"period"`
	DayType            string   `json:"dayType"`
	Count              int      `json:"count"`
	MeanActualSpeedKmh *float64 `json:"meanActualSpeedKmh"`
	MeanDelayMin       *float64 `json:"meanDelayMin"`
	StdDelayMin        *float64 `json:"stdDelayMin"`
}

type StopMetric struct {
	StopID         string   `json:"stopId"`
	Period         string   `json:"period"`
	DayType        string   `json:"dayType"`
	Count          int      `json:"count"`
	MeanDelaySec   *float64 `json:"meanDelaySec,omitempty"`
	OnTimePct      *float64 `json:"onTimePct,omitempty"`
	MeanHeadwayMin *float64 `json:"meanHeadwayMin,omitempty"`
	Bunched        int      `json:"bunched,omitempty"`
}

// RouteMetrics is published on <prefix>.segments.<route> and
// <prefix>.stops.<route>.
type RouteMetrics struct {
	RunID    string          `json:"runId"`
	RouteID  string          `json:"routeId"`
	Segments []SegmentMetric `json:"segments,omitempty"`
	Stops    []StopMetric    `json:"stops,omitempty"`
}

// PublishRun publishes the per-route metrics of res followed by the run
// summary. Publishing continues past a failed message; the first error is
// returned.
func (p *NATSPublisher) PublishRun(res *pipeline.RunResult, w pipeline.Window) error {
	m := res.Metrics
	if m == nil {
		m = &pipeline.MetricsResult{}
	}
	segs := map[string][]SegmentMetric{}
	for _, a := range m.SegmentAggregates {
		segs[a.RouteID] = append(segs[a.RouteID], SegmentMetric{
			Stop1ID:            a.Stop1ID,
			Stop2ID:            a.Stop2ID,
			Period:             a.Period,
			DayType:            a.DayType,
			Count:              a.Count,
			MeanActualSpeedKmh: finite(a.MeanActualSpeedKmh),
			MeanDelayMin:       finite(a.MeanDelayMin),
			StdDelayMin:        finite(a.StdDelayMin),
		})
	}
	stops := stopMetrics(m.StopDelayAggregates, m.HeadwayAggregates)

	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, route := range routeKeys(segs) {
		note(p.publish(p.subject("segments", route), RouteMetrics{RunID: res.RunID, RouteID: route, Segments: segs[route]}))
	}
	for _, route := range routeKeys(stops) {
		note(p.publish(p.subject("stops", route), RouteMetrics{RunID: res.RunID, RouteID: route, Stops: stops[route]}))
	}

	sum := RunSummary{
		RunID:        res.RunID,
		FinishedAt:   time.Now().UTC(),
		WindowSince:  w.Since,
		WindowUntil:  w.Until,
		Observations: len(m.Observations),
		Routes:       mergedRoutes(segs, stops),
	}
	if res.Segments != nil {
		sum.Segments = len(res.Segments.All())
	}
	if res.Live != nil {
		sum.LiveTrips = len(res.Live.Trips)
	}
	if res.Tally != nil && res.Tally.Total() > 0 {
		sum.Exclusions = map[string]int{}
		for r, n := range res.Tally.Snapshot() {
			sum.Exclusions[string(r)] = n
		}
	}
	note(p.publish(p.subject("runs"), sum))
	return first
}

func stopMetrics(delays []aggregate.StopDelayAggregate, headways []aggregate.HeadwayAggregate) map[string][]StopMetric {
	type key struct{ route, stop, period, day string }
	idx := map[key]int{}
	out := map[string][]StopMetric{}
	for _, a := range delays {
		k := key{a.RouteID, a.StopID, a.Period, a.DayType}
		idx[k] = len(out[a.RouteID])
		out[a.RouteID] = append(out[a.RouteID], StopMetric{
			StopID:       a.StopID,
			Period:       a.Period,
			DayType:      a.DayType,
			Count:        a.Count,
			MeanDelaySec: finite(a.MeanDelaySec),
			OnTimePct:    finite(a.OnTimePct),
		})
	}
	for _, a := range headways {
		k := key{a.RouteID, a.StopID, a.Period, a.DayType}
		if i, ok := idx[k]; ok {
			out[a.RouteID][i].MeanHeadwayMin = finite(a.MeanHeadwayMin)
			out[a.RouteID][i].Bunched = a.Bunched
			continue
		}
		idx[k] = len(out[a.RouteID])
		out[a.RouteID] = append(out[a.RouteID], StopMetric{
			StopID:         a.StopID,
			Period:         a.Period,
			DayType:        a.DayType,
			Count:          a.Count,
			MeanHeadwayMin: finite(a.MeanHeadwayMin),
			Bunched:        a.Bunched,
		})
	}
	return out
}

func (p *NATSPublisher) subject(parts ...string) string {
	tokens := make([]string, 0, len(parts)+1)
	tokens = append(tokens, p.prefix)
	for _, s := range parts {
		tokens = append(tokens, subjectToken(s))
	}
	return strings.Join(tokens, ".")
}

func (p *NATSPublisher) publish(subject string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if p.logSubjects {
		log.Debug().Str("subject", subject).Int("bytes", len(b)).Msg("nats publish")
	}
	start := time.Now()
	err = p.pub.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
	return err
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func routeKeys[T any](m map[string][]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func mergedRoutes(segs map[string][]SegmentMetric, stops map[string][]StopMetric) []string {
	seen := map[string]bool{}
	for k := range segs {
		seen[k] = true
	}
	for k := range stops {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
