package models

import "fmt"

// Location represents a geographical location with latitude and longitude coordinates.
type Location struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lon float64 `bson:"lon" json:"lon"`
}

// GeoPoint is a position on a route or of a vehicle. Heading is in degrees
// clockwise from north, speed in km/h.
type GeoPoint struct {
	Latitude  float64 `bson:"lat" json:"lat"`
	Longitude float64 `bson:"lon" json:"lon"`
	Heading   float64 `bson:"heading" json:"heading"`
	Speed     float64 `bson:"speed" json:"speed"`
}

// Point returns a bare coordinate with no heading or speed.
func Point(lat, lon float64) GeoPoint {
	return GeoPoint{Latitude: lat, Longitude: lon}
}

// Validate checks the coordinate ranges.
func (p GeoPoint) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range", p.Longitude)
	}
	return nil
}

// SameCoordinate reports whether both points sit on the same lat/lon.
func (p GeoPoint) SameCoordinate(o GeoPoint) bool {
	return p.Latitude == o.Latitude && p.Longitude == o.Longitude
}

// Location drops heading and speed.
func (p GeoPoint) Location() Location {
	return Location{Lat: p.Latitude, Lon: p.Longitude}
}
