package gtfs

import (
	"strings"
	"time"
)

// TripInstanceID keys one real-world run of a trip. Feeds that omit the trip
// descriptor fall back to the vehicle and the report time.
func TripInstanceID(tripID, startDate, startTime, vehicleID string, ts time.Time) string {
	tripID = strings.TrimSpace(tripID)
	if tripID != "" {
		parts := []string{tripID}
		if d := strings.TrimSpace(startDate); d != "" {
			parts = append(parts, strings.ReplaceAll(d, "-", ""))
		}
		if st := strings.TrimSpace(startTime); st != "" {
			parts = append(parts, strings.ReplaceAll(st, ":", ""))
		}
		return strings.Join(parts, "_")
	}
	stamp := ts.UTC().Format("20060102T150405")
	if v := strings.TrimSpace(vehicleID); v != "" {
		return v + "_" + stamp
	}
	return "trip_" + stamp
}
