// Package realtime turns GTFS-Realtime protobuf snapshots into the report
// rows the live stages consume.
package realtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
)

// Decoder converts feed messages. Schedule, when set, fills route ids the
// feed left out.
type Decoder struct {
	Schedule *gtfs.Schedule
	Location *time.Location
}

// Snapshot is one decoded feed file.
type Snapshot struct {
	Path      string
	FetchedAt time.Time
	Positions []gtfs.LivePositionReport
	Updates   []gtfs.TripUpdateReport
}

// Parse unmarshals a FeedMessage.
func Parse(b []byte) (*gtfsrt.FeedMessage, error) {
	var fm gtfsrt.FeedMessage
	if err := proto.Unmarshal(b, &fm); err != nil {
		return nil, fmt.Errorf("unmarshal feed message: %w", err)
	}
	return &fm, nil
}

// Decode extracts vehicle positions and stop time updates from fm. The
// fetch time is the header timestamp, or fallback when the header has none.
func (d *Decoder) Decode(fm *gtfsrt.FeedMessage, fallback time.Time) ([]gtfs.LivePositionReport, []gtfs.TripUpdateReport) {
	fetched := fallback
	if ts := fm.GetHeader().GetTimestamp(); ts > 0 {
		fetched = time.Unix(int64(ts), 0).UTC()
	}
	var positions []gtfs.LivePositionReport
	var updates []gtfs.TripUpdateReport
	for _, e := range fm.GetEntity() {
		if e.GetIsDeleted() {
			continue
		}
		if vp := e.GetVehicle(); vp != nil {
			positions = append(positions, d.position(vp, fetched))
		}
		if tu := e.GetTripUpdate(); tu != nil {
			updates = append(updates, d.tripUpdate(tu, fetched)...)
		}
	}
	return positions, updates
}

func (d *Decoder) position(vp *gtfsrt.VehiclePosition, fetched time.Time) gtfs.LivePositionReport {
	trip := vp.GetTrip()
	ts := fetched
	if t := vp.GetTimestamp(); t > 0 {
		ts = time.Unix(int64(t), 0).UTC()
	}
	vehicleID := vehicleKey(vp.GetVehicle())
	r := gtfs.LivePositionReport{
		TripInstanceID: gtfs.TripInstanceID(trip.GetTripId(), trip.GetStartDate(), trip.GetStartTime(), vehicleID, ts),
		TripID:         trip.GetTripId(),
		RouteID:        d.routeID(trip),
		VehicleID:      vehicleID,
		ServiceDate:    d.serviceDate(trip.GetStartDate()),
		FetchedAt:      fetched,
		Timestamp:      ts,
	}
	if vp.OccupancyStatus != nil {
		r.OccupancyStatus = vp.GetOccupancyStatus().String()
	}
	if pos := vp.GetPosition(); pos != nil {
		r.Position = &geo.Point{Lon: float64(pos.GetLongitude()), Lat: float64(pos.GetLatitude())}
	}
	return r
}

func (d *Decoder) tripUpdate(tu *gtfsrt.TripUpdate, fetched time.Time) []gtfs.TripUpdateReport {
	trip := tu.GetTrip()
	ts := fetched
	if t := tu.GetTimestamp(); t > 0 {
		ts = time.Unix(int64(t), 0).UTC()
	}
	vehicleID := vehicleKey(tu.GetVehicle())
	instance := gtfs.TripInstanceID(trip.GetTripId(), trip.GetStartDate(), trip.GetStartTime(), vehicleID, ts)
	routeID := d.routeID(trip)

	out := make([]gtfs.TripUpdateReport, 0, len(tu.GetStopTimeUpdate()))
	for _, stu := range tu.GetStopTimeUpdate() {
		if stu.GetScheduleRelationship() == gtfsrt.TripUpdate_StopTimeUpdate_NO_DATA {
			continue
		}
		r := gtfs.TripUpdateReport{
			TripInstanceID: instance,
			TripID:         trip.GetTripId(),
			RouteID:        routeID,
			VehicleID:      vehicleID,
			FetchedAt:      fetched,
			Timestamp:      ts,
			StopSequence:   int(stu.GetStopSequence()),
			StopID:         stu.GetStopId(),
		}
		if ev := stu.GetArrival(); ev != nil {
			r.Arrival, r.ArrivalDelaySec = event(ev)
		}
		if ev := stu.GetDeparture(); ev != nil {
			r.Departure, r.DepartureDelaySec = event(ev)
		}
		out = append(out, r)
	}
	return out
}

func event(ev *gtfsrt.TripUpdate_StopTimeEvent) (time.Time, *int32) {
	var at time.Time
	if t := ev.GetTime(); t > 0 {
		at = time.Unix(t, 0).UTC()
	}
	if ev.Delay == nil {
		return at, nil
	}
	delay := ev.GetDelay()
	return at, &delay
}

func vehicleKey(v *gtfsrt.VehicleDescriptor) string {
	if id := strings.TrimSpace(v.GetId()); id != "" {
		return id
	}
	return strings.TrimSpace(v.GetLabel())
}

func (d *Decoder) routeID(trip *gtfsrt.TripDescriptor) string {
	if id := trip.GetRouteId(); id != "" {
		return id
	}
	if d.Schedule != nil {
		if t, ok := d.Schedule.Trips[trip.GetTripId()]; ok {
			return t.RouteID
		}
	}
	return ""
}

func (d *Decoder) serviceDate(startDate string) time.Time {
	if startDate == "" {
		return time.Time{}
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("20060102", startDate, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ReadSnapshots decodes every *.pb file under the given paths. Directories
// are scanned one level deep. Files that fail to decode are logged and
// skipped.
func (d *Decoder) ReadSnapshots(paths ...string) ([]Snapshot, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.pb"))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	out := make([]Snapshot, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		fm, err := Parse(b)
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("skipping undecodable snapshot")
			continue
		}
		var modTime time.Time
		if info, err := os.Stat(f); err == nil {
			modTime = info.ModTime().UTC()
		}
		snap := Snapshot{Path: f, FetchedAt: modTime}
		if ts := fm.GetHeader().GetTimestamp(); ts > 0 {
			snap.FetchedAt = time.Unix(int64(ts), 0).UTC()
		}
		snap.Positions, snap.Updates = d.Decode(fm, modTime)
		out = append(out, snap)
	}
	return out, nil
}

// Flatten concatenates the reports of snaps.
func Flatten(snaps []Snapshot) ([]gtfs.LivePositionReport, []gtfs.TripUpdateReport) {
	var positions []gtfs.LivePositionReport
	var updates []gtfs.TripUpdateReport
	for _, s := range snaps {
		positions = append(positions, s.Positions...)
		updates = append(updates, s.Updates...)
	}
	return positions, updates
}
