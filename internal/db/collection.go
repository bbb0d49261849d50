package db

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/fleet-simulator/internal/models"
)

// TelemetryCollection defines the interface for telemetry data operations.
type TelemetryCollection interface {
	InsertTelemetry(ctx context.Context, telemetry models.Telemetry) error
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (TelemetryCursor, error)
}

// TelemetryCursor defines the interface for telemetry cursor operations.
type TelemetryCursor interface {
	All(ctx context.Context, out interface{}) error
	Close(ctx context.Context) error
}

// VehicleFilter narrows ListVehicles. Zero fields match everything.
type VehicleFilter struct {
	IDs    []string
	Status string
	Type   string
	Limit  int
}

// Directory is the asset directory the simulator acquires vehicles and the
// shared driver from.
type Directory interface {
	ListVehicles(ctx context.Context, filter VehicleFilter) ([]models.Vehicle, error)
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	CreateVehicle(ctx context.Context, vehicle models.Vehicle) (*models.Vehicle, error)
	UpdateVehicle(ctx context.Context, id string, patch models.VehiclePatch) (*models.Vehicle, error)
	EnsureDriver(ctx context.Context, name string) (*models.Driver, error)
}
