package vehicle

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
)

// Fields accepted by Info.
const (
	FieldID           = "id"
	FieldSerialNumber = "serialNumber"
	FieldType         = "type"
	FieldDriverID     = "driverId"
	FieldTripID       = "tripId"
	FieldTrip         = "trip"
	FieldPosition     = "position"
	FieldDestination  = "destination"
	FieldWaypoints    = "waypoints"
	FieldOptions      = "options"
	FieldState        = "state"
	FieldProperties   = "properties"
	FieldRoutes       = "routes"
	FieldActiveMode   = "activeMode"
	FieldAcceleration = "acceleration"
)

// AllFields lists every field Info knows.
var AllFields = []string{
	FieldID, FieldSerialNumber, FieldType, FieldDriverID, FieldTripID, FieldTrip,
	FieldPosition, FieldDestination, FieldWaypoints, FieldOptions, FieldState,
	FieldProperties, FieldRoutes, FieldActiveMode, FieldAcceleration,
}

// Info returns the requested fields of the vehicle. Unknown names are
// ignored and no names means all fields. It has no side effects.
func (v *Vehicle) Info(fields ...string) map[string]interface{} {
	if len(fields) == 0 {
		fields = AllFields
	}
	snap := v.state.Snapshot()

	v.mu.Lock()
	tripID := ""
	var trip *models.Trip
	if v.current != nil {
		tripID = v.current.TripID
		t := *v.current
		trip = &t
	} else if v.lastTrip != nil {
		t := *v.lastTrip
		trip = &t
	}
	v.mu.Unlock()

	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		switch f {
		case FieldID:
			out[f] = v.id
		case FieldSerialNumber:
			out[f] = v.record.SerialNumber
		case FieldType:
			out[f] = v.record.Type
		case FieldDriverID:
			out[f] = v.driverID
		case FieldTripID:
			out[f] = tripID
		case FieldTrip:
			out[f] = trip
		case FieldPosition:
			out[f] = snap.Position
		case FieldDestination:
			out[f] = snap.Destination
		case FieldWaypoints:
			out[f] = snap.Waypoints
		case FieldOptions:
			out[f] = snap.Options
		case FieldState:
			out[f] = snap.Status
		case FieldProperties:
			out[f] = v.props.Snapshot()
		case FieldRoutes:
			out[f] = RoutesGeoJSON(snap.Routes)
		case FieldActiveMode:
			out[f] = snap.ActiveMode
		case FieldAcceleration:
			out[f] = snap.Acceleration
		}
	}
	return out
}

// RoutesGeoJSON renders routes as a feature collection of line strings.
func RoutesGeoJSON(routes []models.Route) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range routes {
		line := make(orb.LineString, 0, len(r.Points))
		for _, p := range r.Points {
			line = append(line, geo.ToOrb(p))
		}
		f := geojson.NewFeature(line)
		f.Properties["mode"] = string(r.Mode)
		f.Properties["distance"] = r.Distance
		f.Properties["travel_time"] = r.TravelTime
		fc.Append(f)
	}
	return fc
}
