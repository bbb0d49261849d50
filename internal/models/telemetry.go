package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Probe is one telemetry sample of a simulated vehicle. It is built once per
// tick and never modified afterwards.
type Probe struct {
	Timestamp  time.Time          `json:"timestamp" msgpack:"timestamp"`
	TripID     string             `json:"trip_id" msgpack:"trip_id"`
	VehicleID  string             `json:"vehicle_id" msgpack:"vehicle_id"`
	DriverID   string             `json:"driver_id,omitempty" msgpack:"driver_id,omitempty"`
	Latitude   float64            `json:"lat" msgpack:"lat"`
	Longitude  float64            `json:"lon" msgpack:"lon"`
	Heading    float64            `json:"heading" msgpack:"heading"`
	Speed      float64            `json:"speed" msgpack:"speed"`
	Properties map[string]float64 `json:"properties,omitempty" msgpack:"properties,omitempty"`
}

// IngestEvent is something the telemetry ingest reported as triggered by a probe.
type IngestEvent struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// IngestResult is the answer of the telemetry ingest to one probe.
type IngestResult struct {
	TriggeredEvents []IngestEvent `json:"triggered_events"`
}

// Telemetry is the stored form of a probe.
type Telemetry struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	VehicleID  string             `bson:"vehicle_id" json:"vehicle_id"`
	TripID     string             `bson:"trip_id" json:"trip_id"`
	DriverID   string             `bson:"driver_id,omitempty" json:"driver_id,omitempty"`
	Timestamp  time.Time          `bson:"timestamp" json:"timestamp"`
	Location   Location           `bson:"location" json:"location"`
	Heading    float64            `bson:"heading" json:"heading"`
	Speed      float64            `bson:"speed" json:"speed"`
	FuelLevel  *float64           `bson:"fuel_level,omitempty" json:"fuel_level,omitempty"`
	Battery    *float64           `bson:"battery_level,omitempty" json:"battery_level,omitempty"`
	Emissions  float64            `bson:"emissions" json:"emissions"`
	Properties map[string]float64 `bson:"properties,omitempty" json:"properties,omitempty"`
}

// TelemetryFromProbe converts a probe into its stored form.
func TelemetryFromProbe(p Probe) Telemetry {
	t := Telemetry{
		VehicleID:  p.VehicleID,
		TripID:     p.TripID,
		DriverID:   p.DriverID,
		Timestamp:  p.Timestamp,
		Location:   Location{Lat: p.Latitude, Lon: p.Longitude},
		Heading:    p.Heading,
		Speed:      p.Speed,
		Properties: p.Properties,
	}
	if v, ok := p.Properties["fuel"]; ok {
		t.FuelLevel = &v
	}
	if v, ok := p.Properties["battery"]; ok {
		t.Battery = &v
	}
	t.Emissions = p.Properties["emissions"]
	return t
}
