// Package vehicle binds a route state machine and a property set to one
// vehicle identity and turns its motion into telemetry probes.
package vehicle

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/property"
	"github.com/ukydev/fleet-simulator/internal/route"
	"github.com/ukydev/fleet-simulator/internal/routing"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// Listener receives what a vehicle produces. Calls for one vehicle are
// sequential and never made while the vehicle's lock is held.
type Listener interface {
	OnProbe(p models.Probe, final bool)
	OnRoute(e route.RouteEvent)
	OnState(e route.StateEvent)
}

// Vehicle is one simulated vehicle.
type Vehicle struct {
	mu sync.Mutex

	id       string
	record   models.Vehicle
	driverID string
	dt       float64

	state    *route.State
	props    *property.Set
	listener Listener

	// trips maps the run number of each drive to its trip until the drive's
	// final position has been reported.
	trips    map[uint64]*models.Trip
	current  *models.Trip
	lastTrip *models.Trip
	lastPos  *models.GeoPoint
}

// New creates a stopped vehicle at position.
func New(record models.Vehicle, driverID string, router routing.Router, cfg route.Config, position models.GeoPoint, l Listener) *Vehicle {
	v := &Vehicle{
		id:       record.ID.Hex(),
		record:   record,
		driverID: driverID,
		listener: l,
		trips:    make(map[uint64]*models.Trip),
	}
	step := cfg.TimeStep
	if step <= 0 {
		step = cfg.TickInterval
	}
	if step <= 0 {
		step = route.DefaultTickInterval
	}
	v.dt = step.Seconds()
	v.props = property.NewDefaultSet(record.Type, cfg.Seed+1)
	v.state = route.New(v.id, router, cfg, position, routeListener{v})
	return v
}

// ID returns the directory id of the vehicle as a hex string.
func (v *Vehicle) ID() string { return v.id }

// Record returns the directory record the vehicle was created from.
func (v *Vehicle) Record() models.Vehicle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record
}

// Running reports whether the vehicle is driving or about to.
func (v *Vehicle) Running() bool { return v.state.Driving() }

// Status returns the motion state.
func (v *Vehicle) Status() route.Status { return v.state.Status() }

// Position returns the current position.
func (v *Vehicle) Position() models.GeoPoint { return v.state.Position() }

// TripID returns the id of the trip under way, or "".
func (v *Vehicle) TripID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return ""
	}
	return v.current.TripID
}

// Start begins a trip. When already running it returns the current trip id,
// or simerr.ErrAlreadyRunning in strict mode.
func (v *Vehicle) Start(mode models.SearchMode, strict bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	run, err := v.state.Start(mode)
	if errors.Is(err, simerr.ErrAlreadyRunning) {
		if strict {
			return "", err
		}
		if t := v.trips[run]; t != nil {
			return t.TripID, nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}

	pos := v.state.Position()
	trip := &models.Trip{
		TripID:        uuid.New().String(),
		VehicleID:     v.id,
		DriverID:      v.driverID,
		StartLocation: pos.Location(),
		StartTime:     time.Now(),
		Status:        models.TripInProgress,
	}
	v.trips[run] = trip
	v.current = trip
	v.lastPos = &pos

	log.WithFields(log.Fields{
		"vehicle_id": v.id,
		"trip_id":    trip.TripID,
		"mode":       mode,
	}).Info("Trip started")
	return trip.TripID, nil
}

// Stop ends the trip under way. When not running it fails with
// simerr.ErrNotRunning unless idempotent is set.
func (v *Vehicle) Stop(idempotent bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	final, err := v.state.Stop()
	if errors.Is(err, simerr.ErrNotRunning) {
		if idempotent {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	if v.current != nil {
		now := time.Now()
		end := v.state.Position().Location()
		v.current.EndTime = &now
		v.current.EndLocation = &end
		v.current.Status = models.TripCompleted
		v.lastTrip = v.current
		if !final {
			// never drove: no final position will clear it
			for run, t := range v.trips {
				if t == v.current {
					delete(v.trips, run)
				}
			}
		}
		log.WithFields(log.Fields{
			"vehicle_id": v.id,
			"trip_id":    v.current.TripID,
			"distance":   v.current.Distance,
		}).Info("Trip completed")
	}
	v.current = nil
	v.lastPos = nil
	return nil
}

// SetProperties fixes values in set and releases the names in unset.
func (v *Vehicle) SetProperties(set map[string]float64, unset []string) {
	for name, val := range set {
		v.props.Fix(name, val)
	}
	for _, name := range unset {
		v.props.Unfix(name)
	}
}

// SetRoute changes the route inputs. It has no effect while driving.
func (v *Vehicle) SetRoute(u route.Update) (route.Change, error) {
	return v.state.Apply(u)
}

// ResetRoute searches new routes from the current inputs.
func (v *Vehicle) ResetRoute() <-chan error {
	return v.state.ResetRoute()
}

// SetAcceleration sets the acceleration input in km/h per second.
func (v *Vehicle) SetAcceleration(a float64) {
	v.state.SetAcceleration(a)
}

// Close stops all activity of the vehicle. Events already produced are
// delivered before Close returns.
func (v *Vehicle) Close() {
	v.state.Close()
}

func (v *Vehicle) handlePosition(e route.PositionEvent) {
	v.mu.Lock()
	trip := v.trips[e.Run]
	if trip == nil {
		v.mu.Unlock()
		return
	}
	if e.Final {
		delete(v.trips, e.Run)
	}
	if v.lastPos != nil && trip == v.current {
		trip.Distance += geo.Distance(*v.lastPos, e.Position)
		p := e.Position
		v.lastPos = &p
	}

	if !e.Final {
		v.props.Tick(v.dt)
	}
	props := v.props.Snapshot()
	if v.record.Type != models.TypeEV && !v.props.Fixed(property.Emissions) {
		props[property.Emissions] = property.EmissionsFor(e.Position.Speed)
	}

	probe := models.Probe{
		Timestamp:  e.Time,
		TripID:     trip.TripID,
		VehicleID:  v.id,
		DriverID:   v.driverID,
		Latitude:   e.Position.Latitude,
		Longitude:  e.Position.Longitude,
		Heading:    e.Position.Heading,
		Speed:      e.Position.Speed,
		Properties: props,
	}
	v.mu.Unlock()

	if v.listener != nil {
		v.listener.OnProbe(probe, e.Final)
	}
}

func (v *Vehicle) handleRoute(e route.RouteEvent) {
	if e.CancelledRun != 0 {
		v.mu.Lock()
		if t := v.trips[e.CancelledRun]; t != nil {
			delete(v.trips, e.CancelledRun)
			if t == v.current {
				v.current = nil
				v.lastPos = nil
			}
			log.WithFields(log.Fields{
				"vehicle_id": v.id,
				"trip_id":    t.TripID,
			}).Warn("Trip abandoned, no route available")
		}
		v.mu.Unlock()
	}
	if v.listener != nil {
		v.listener.OnRoute(e)
	}
}

func (v *Vehicle) handleState(e route.StateEvent) {
	if v.listener != nil {
		v.listener.OnState(e)
	}
}

// routeListener keeps the route.Listener methods off the Vehicle API.
type routeListener struct{ v *Vehicle }

func (l routeListener) OnPosition(e route.PositionEvent)  { l.v.handlePosition(e) }
func (l routeListener) OnRouteChanged(e route.RouteEvent) { l.v.handleRoute(e) }
func (l routeListener) OnStateChanged(e route.StateEvent) { l.v.handleState(e) }
