package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Vehicle represents a fleet vehicle as stored in the asset directory.
type Vehicle struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SerialNumber    string             `bson:"serial_number" json:"serial_number"`
	Type            string             `bson:"type" json:"type"` // "ICE" or "EV"
	Make            string             `bson:"make" json:"make"`
	Model           string             `bson:"model" json:"model"`
	Year            int                `bson:"year" json:"year"`
	CurrentLocation Location           `bson:"current_location" json:"current_location"`
	LastDestination *Location          `bson:"last_destination,omitempty" json:"last_destination,omitempty"`
	Status          string             `bson:"status" json:"status"` // "active" or "inactive"
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updated_at"`
}

// VehiclePatch carries the fields the simulator writes back to the directory.
// Nil fields are left untouched.
type VehiclePatch struct {
	Status          *string   `bson:"status,omitempty" json:"status,omitempty"`
	CurrentLocation *Location `bson:"current_location,omitempty" json:"current_location,omitempty"`
	LastDestination *Location `bson:"last_destination,omitempty" json:"last_destination,omitempty"`
}

// Apply copies the non-nil patch fields onto v.
func (p VehiclePatch) Apply(v *Vehicle) {
	if p.Status != nil {
		v.Status = *p.Status
	}
	if p.CurrentLocation != nil {
		v.CurrentLocation = *p.CurrentLocation
	}
	if p.LastDestination != nil {
		d := *p.LastDestination
		v.LastDestination = &d
	}
}

const (
	VehicleActive   = "active"
	VehicleInactive = "inactive"

	TypeICE = "ICE"
	TypeEV  = "EV"
)

// Driver is the identity reported on probes.
type Driver struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name      string             `bson:"name" json:"name"`
	Status    string             `bson:"status" json:"status"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}
