package gtfs

import "strings"

const (
	OccupancyPlenty   = "Plenty of seats"
	OccupancyFew      = "Few seats left"
	OccupancyStanding = "Standing room"
	OccupancyCrowded  = "Crowded"
	OccupancyUnknown  = "Unknown"
)

// OccupancyBucket collapses a GTFS-RT occupancy status name into a coarse
// passenger-load category.
func OccupancyBucket(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "EMPTY", "MANY_SEATS_AVAILABLE":
		return OccupancyPlenty
	case "FEW_SEATS_AVAILABLE":
		return OccupancyFew
	case "STANDING_ROOM_ONLY":
		return OccupancyStanding
	case "CRUSHED_STANDING_ROOM_ONLY", "FULL":
		return OccupancyCrowded
	default:
		return OccupancyUnknown
	}
}
