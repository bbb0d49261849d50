package models

// SearchMode selects which candidate route the routing service should favour.
type SearchMode string

const (
	ModeTime     SearchMode = "time"
	ModeDistance SearchMode = "distance"
	ModePattern  SearchMode = "pattern"
)

// DefaultModes is the order in which routes are requested when nothing else is configured.
var DefaultModes = []SearchMode{ModeTime, ModeDistance, ModePattern}

// IsValidMode checks if a search mode is known
func IsValidMode(m SearchMode) bool {
	switch m {
	case ModeTime, ModeDistance, ModePattern:
		return true
	default:
		return false
	}
}

// Route is a polyline returned by the routing service for one search mode.
type Route struct {
	Mode       SearchMode `json:"mode"`
	Points     []GeoPoint `json:"points"`
	Distance   float64    `json:"distance"`    // in meters
	TravelTime float64    `json:"travel_time"` // in seconds
}

// Valid reports whether the route has enough points to drive.
func (r Route) Valid() bool {
	return len(r.Points) >= 2
}

// Dedupe removes consecutive points sharing a coordinate, keeping the first.
func Dedupe(points []GeoPoint) []GeoPoint {
	if len(points) == 0 {
		return points
	}
	out := make([]GeoPoint, 0, len(points))
	out = append(out, points[0])
	for _, p := range points[1:] {
		if p.SameCoordinate(out[len(out)-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}
