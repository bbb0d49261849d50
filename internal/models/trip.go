package models

import (
	"time"
)

// Trip represents one simulated drive from start to stop.
type Trip struct {
	TripID        string     `json:"trip_id" bson:"trip_id"`
	VehicleID     string     `json:"vehicle_id" bson:"vehicle_id"`
	DriverID      string     `json:"driver_id,omitempty" bson:"driver_id,omitempty"`
	StartLocation Location   `json:"start_location" bson:"start_location"`
	EndLocation   *Location  `json:"end_location,omitempty" bson:"end_location,omitempty"`
	StartTime     time.Time  `json:"start_time" bson:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Distance      float64    `json:"distance" bson:"distance"` // in meters
	Status        string     `json:"status" bson:"status"`     // "in_progress", "completed"
}

const (
	TripInProgress = "in_progress"
	TripCompleted  = "completed"
)
