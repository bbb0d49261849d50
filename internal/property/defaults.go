package property

import "github.com/ukydev/fleet-simulator/internal/models"

// Property names reported on probes.
const (
	Fuel       = "fuel"
	Battery    = "battery"
	EngineTemp = "engineTemp"
	Emissions  = "emissions"
)

// NewDefaultSet returns the attributes simulated for a vehicle type.
func NewDefaultSet(vehicleType string, seed int64) *Set {
	if vehicleType == models.TypeEV {
		return NewSet(seed,
			NewSimulator(Battery, 0, 100, 90, Decrease(0.01, 0.02)),
			NewSimulator(EngineTemp, 20, 60, 35, RandomWalk(0.5)),
		)
	}
	return NewSet(seed,
		NewSimulator(Fuel, 0, 60, 50, Decrease(0.005, 0.01)),
		NewSimulator(EngineTemp, 60, 120, 85, RandomWalk(0.8)),
	)
}

// EmissionsFor estimates CO2 in g/km for a combustion vehicle at speed km/h.
func EmissionsFor(speed float64) float64 {
	return 120 + 0.3*speed
}
