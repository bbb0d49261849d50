package db

import (
	"fmt"
	"math/rand"

	"github.com/ukydev/fleet-simulator/internal/models"
)

var (
	makes = map[string][]string{
		models.TypeICE: {"Ford", "Chevrolet", "Toyota", "Honda", "BMW"},
		models.TypeEV:  {"Tesla", "Nissan", "Chevrolet", "Ford", "Audi"},
	}
	modelNames = map[string][]string{
		models.TypeICE: {"F-150", "Silverado", "Camry", "Civic", "X5"},
		models.TypeEV:  {"Model 3", "Leaf", "Bolt", "Mach-E", "e-tron"},
	}
)

// RandomVehicle builds an inactive vehicle with a random type, make, model and year.
func RandomVehicle(rnd *rand.Rand) models.Vehicle {
	vtype := []string{models.TypeICE, models.TypeEV}[rnd.Intn(2)]
	return models.Vehicle{
		SerialNumber: fmt.Sprintf("SIM-%06d", rnd.Intn(1000000)),
		Type:         vtype,
		Make:         makes[vtype][rnd.Intn(len(makes[vtype]))],
		Model:        modelNames[vtype][rnd.Intn(len(modelNames[vtype]))],
		Year:         2020 + rnd.Intn(5), // 2020-2024
		Status:       models.VehicleInactive,
	}
}
