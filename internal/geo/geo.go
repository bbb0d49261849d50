// Package geo holds the great-circle helpers used to move vehicles along routes.
package geo

import (
	"math"
	"math/rand"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"github.com/ukydev/fleet-simulator/internal/models"
)

// EarthRadius is the WGS-84 equatorial radius in meters.
const EarthRadius = orb.EarthRadius

const (
	kmhPerMps = 3.6
	// AnchorArc is the angular radius, in degrees, used when scattering random anchors.
	AnchorArc = 0.05
)

// ToOrb converts to an orb point (lon, lat order).
func ToOrb(p models.GeoPoint) orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}

// FromOrb converts an orb point back, with zero heading and speed.
func FromOrb(p orb.Point) models.GeoPoint {
	return models.GeoPoint{Latitude: p.Lat(), Longitude: p.Lon()}
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b models.GeoPoint) float64 {
	return orbgeo.DistanceHaversine(ToOrb(a), ToOrb(b))
}

// Bearing returns the initial bearing from a to b in [0, 360).
func Bearing(a, b models.GeoPoint) float64 {
	return NormalizeHeading(orbgeo.Bearing(ToOrb(a), ToOrb(b)))
}

// Destination projects from p along bearing (degrees) for distance meters.
func Destination(p models.GeoPoint, bearing, distance float64) models.GeoPoint {
	d := FromOrb(orbgeo.PointAtBearingAndDistance(ToOrb(p), bearing, distance))
	d.Heading = NormalizeHeading(bearing)
	return d
}

// NormalizeHeading wraps h into [0, 360).
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

// HeadingDelta returns the absolute difference between two headings in [0, 180].
func HeadingDelta(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// TurnAngle is the change of direction at b when driving a -> b -> c, in [0, 180].
// A straight line gives 0, a U-turn 180.
func TurnAngle(a, b, c models.GeoPoint) float64 {
	if a.SameCoordinate(b) || b.SameCoordinate(c) {
		return 0
	}
	return HeadingDelta(Bearing(a, b), Bearing(b, c))
}

// PathLength sums the segment lengths of a polyline in meters.
func PathLength(points []models.GeoPoint) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// KmhToMps converts km/h to m/s.
func KmhToMps(kmh float64) float64 { return kmh / kmhPerMps }

// MpsToKmh converts m/s to km/h.
func MpsToKmh(mps float64) float64 { return mps * kmhPerMps }

// ArcToMeters converts an angular distance in degrees to meters along the surface.
func ArcToMeters(deg float64) float64 {
	return deg * math.Pi / 180 * EarthRadius
}

// RandomPoint returns a point uniformly distributed within radius meters of center.
func RandomPoint(rnd *rand.Rand, center models.GeoPoint, radius float64) models.GeoPoint {
	r := radius * math.Sqrt(rnd.Float64())
	p := Destination(center, rnd.Float64()*360, r)
	p.Heading = 0
	return p
}

// RandomAnchor scatters a point around center at a random bearing and a radius
// between 0.8 and 1.0 of AnchorArc.
func RandomAnchor(rnd *rand.Rand, center models.GeoPoint) models.GeoPoint {
	dist := ArcToMeters(AnchorArc) * (0.8 + 0.2*rnd.Float64())
	p := Destination(center, rnd.Float64()*360, dist)
	p.Heading = 0
	return p
}
