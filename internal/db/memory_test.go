package db

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

func TestMemoryDirectory_Vehicles(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	dir.Seed(rand.New(rand.NewSource(1)), 5)

	all, err := dir.ListVehicles(ctx, VehicleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for _, v := range all {
		assert.Equal(t, models.VehicleInactive, v.Status)
		assert.Contains(t, []string{models.TypeICE, models.TypeEV}, v.Type)
	}

	limited, err := dir.ListVehicles(ctx, VehicleFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	byID, err := dir.ListVehicles(ctx, VehicleFilter{IDs: []string{all[3].ID.Hex()}})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, all[3].ID, byID[0].ID)

	active := models.VehicleActive
	dest := models.Location{Lat: 1, Lon: 2}
	updated, err := dir.UpdateVehicle(ctx, all[0].ID.Hex(), models.VehiclePatch{Status: &active, LastDestination: &dest})
	require.NoError(t, err)
	assert.Equal(t, models.VehicleActive, updated.Status)
	assert.Equal(t, &dest, updated.LastDestination)

	activeOnly, err := dir.ListVehicles(ctx, VehicleFilter{Status: models.VehicleActive})
	require.NoError(t, err)
	assert.Len(t, activeOnly, 1)

	_, err = dir.GetVehicle(ctx, "missing")
	assert.ErrorIs(t, err, simerr.ErrNotFound)
	_, err = dir.UpdateVehicle(ctx, "missing", models.VehiclePatch{})
	assert.ErrorIs(t, err, simerr.ErrNotFound)
}

func TestMemoryDirectory_EnsureDriver(t *testing.T) {
	dir := NewMemoryDirectory()
	first, err := dir.EnsureDriver(context.Background(), "simulator")
	require.NoError(t, err)
	second, err := dir.EnsureDriver(context.Background(), "simulator")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "simulator", second.Name)
}

func TestRandomVehicle(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		v := RandomVehicle(rnd)
		assert.Contains(t, makes[v.Type], v.Make)
		assert.Contains(t, modelNames[v.Type], v.Model)
		assert.GreaterOrEqual(t, v.Year, 2020)
		assert.LessOrEqual(t, v.Year, 2024)
	}
}
