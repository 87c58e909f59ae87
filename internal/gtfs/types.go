package gtfs

import (
	"sort"
	"time"

	"gtfs-segmetrics/internal/geo"
)

type Trip struct {
	TripID      string
	RouteID     string
	ShapeID     string
	ServiceID   string
	DirectionID int
}

// StopVisit is one scheduled call of a trip at a stop.
type StopVisit struct {
	TripID            string
	StopSequence      int
	StopID            string
	ArrivalSec        int     // seconds since midnight (can exceed 24h)
	DepartureSec      int     // seconds since midnight (can exceed 24h)
	ShapeDistTraveled float64 // 0 if missing
	StopLat           float64
	StopLon           float64
}

func (v StopVisit) Point() geo.Point { return geo.Point{Lon: v.StopLon, Lat: v.StopLat} }

type Stop struct {
	StopID string
	Name   string
	Lat    float64
	Lon    float64
}

type ShapePoint struct {
	Lat          float64
	Lon          float64
	Sequence     int
	DistTraveled float64 // 0 if missing
}

// Schedule is the static reference data a run works on. It is read-only
// once loaded.
type Schedule struct {
	Trips     map[string]Trip
	Visits    map[string][]StopVisit // by trip id, ordered by stop sequence
	Stops     map[string]Stop
	Shapes    map[string][]ShapePoint
	Calendars map[string]*ServiceCalendar
}

func NewSchedule() *Schedule {
	return &Schedule{
		Trips:     map[string]Trip{},
		Visits:    map[string][]StopVisit{},
		Stops:     map[string]Stop{},
		Shapes:    map[string][]ShapePoint{},
		Calendars: map[string]*ServiceCalendar{},
	}
}

// TripIDs returns every trip id, sorted.
func (s *Schedule) TripIDs() []string {
	ids := make([]string, 0, len(s.Trips))
	for id := range s.Trips {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortVisits orders each trip's visits by stop sequence.
func (s *Schedule) SortVisits() {
	for _, vs := range s.Visits {
		sort.SliceStable(vs, func(i, j int) bool { return vs[i].StopSequence < vs[j].StopSequence })
	}
}

// LivePositionReport is one vehicle position row as ingested from a realtime feed.
type LivePositionReport struct {
	TripInstanceID  string
	TripID          string
	RouteID         string
	VehicleID       string
	ServiceDate     time.Time // zero when the feed carried no start date
	FetchedAt       time.Time
	Timestamp       time.Time
	Position        *geo.Point
	OccupancyStatus string
}

// TripUpdateReport is one stop time update row.
type TripUpdateReport struct {
	TripInstanceID    string
	TripID            string
	RouteID           string
	VehicleID         string
	FetchedAt         time.Time
	Timestamp         time.Time
	StopSequence      int
	StopID            string
	Arrival           time.Time // zero if absent
	ArrivalDelaySec   *int32
	Departure         time.Time
	DepartureDelaySec *int32
}
