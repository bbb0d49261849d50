package db

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// MemoryDirectory is an in-process asset directory for development and tests.
type MemoryDirectory struct {
	mu       sync.Mutex
	vehicles map[string]models.Vehicle
	drivers  map[string]models.Driver
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		vehicles: make(map[string]models.Vehicle),
		drivers:  make(map[string]models.Driver),
	}
}

// Seed adds n random vehicles.
func (d *MemoryDirectory) Seed(rnd *rand.Rand, n int) {
	for i := 0; i < n; i++ {
		_, _ = d.CreateVehicle(context.Background(), RandomVehicle(rnd))
	}
}

// ListVehicles returns the vehicles matching filter, oldest first.
func (d *MemoryDirectory) ListVehicles(ctx context.Context, filter VehicleFilter) ([]models.Vehicle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids map[string]bool
	if len(filter.IDs) > 0 {
		ids = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}

	var out []models.Vehicle
	for id, v := range d.vehicles {
		if ids != nil && !ids[id] {
			continue
		}
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		if filter.Type != "" && v.Type != filter.Type {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetVehicle finds a vehicle by its ID.
func (d *MemoryDirectory) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", id, simerr.ErrNotFound)
	}
	return &v, nil
}

// CreateVehicle stores a vehicle and returns it with its new ID.
func (d *MemoryDirectory) CreateVehicle(ctx context.Context, vehicle models.Vehicle) (*models.Vehicle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vehicle.ID.IsZero() {
		vehicle.ID = primitive.NewObjectID()
	}
	now := time.Now()
	vehicle.CreatedAt = now
	vehicle.UpdatedAt = now
	d.vehicles[vehicle.ID.Hex()] = vehicle
	return &vehicle, nil
}

// UpdateVehicle applies patch and returns the updated vehicle.
func (d *MemoryDirectory) UpdateVehicle(ctx context.Context, id string, patch models.VehiclePatch) (*models.Vehicle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", id, simerr.ErrNotFound)
	}
	patch.Apply(&v)
	v.UpdatedAt = time.Now()
	d.vehicles[id] = v
	return &v, nil
}

// EnsureDriver returns the driver called name, creating it on first use.
func (d *MemoryDirectory) EnsureDriver(ctx context.Context, name string) (*models.Driver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if drv, ok := d.drivers[name]; ok {
		return &drv, nil
	}
	drv := models.Driver{
		ID:        primitive.NewObjectID(),
		Name:      name,
		Status:    models.VehicleActive,
		CreatedAt: time.Now(),
	}
	d.drivers[name] = drv
	return &drv, nil
}
