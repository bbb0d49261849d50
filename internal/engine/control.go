package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/route"
	"github.com/ukydev/fleet-simulator/internal/simerr"
	"github.com/ukydev/fleet-simulator/internal/vehicle"
)

// VehicleResult is the outcome of a control operation on one vehicle.
type VehicleResult struct {
	TripID  string       `json:"trip_id,omitempty"`
	State   route.Status `json:"state"`
	Applied bool         `json:"applied,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
}

// Result aggregates a control operation. Affected counts the vehicles the
// operation succeeded on.
type Result struct {
	Vehicles map[string]VehicleResult `json:"vehicles"`
	Affected int                      `json:"affected"`
}

func newResult() Result {
	return Result{Vehicles: make(map[string]VehicleResult)}
}

func (r *Result) add(v *vehicle.Vehicle, res VehicleResult, err error) {
	res.State = v.Status()
	if err != nil {
		res.Error = err.Error()
		res.Code = simerr.Code(err)
	} else {
		r.Affected++
	}
	r.Vehicles[v.ID()] = res
}

// RouteOptions changes route inputs. Nil fields are left untouched. With
// Wait set the call returns after the triggered searches finished.
type RouteOptions struct {
	Position         *models.GeoPoint   `json:"position,omitempty"`
	Destination      *models.GeoPoint   `json:"destination,omitempty"`
	ClearDestination bool               `json:"clear_destination,omitempty"`
	Waypoints        *[]models.GeoPoint `json:"waypoints,omitempty"`
	Options          *route.Options     `json:"options,omitempty"`
	Wait             bool               `json:"wait,omitempty"`
}

func (o RouteOptions) validate() error {
	if o.Position != nil {
		if err := o.Position.Validate(); err != nil {
			return fmt.Errorf("%w: position: %v", simerr.ErrInvalidArgument, err)
		}
	}
	if o.Destination != nil {
		if err := o.Destination.Validate(); err != nil {
			return fmt.Errorf("%w: destination: %v", simerr.ErrInvalidArgument, err)
		}
	}
	if o.Waypoints != nil {
		for i, w := range *o.Waypoints {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("%w: waypoint %d: %v", simerr.ErrInvalidArgument, i, err)
			}
		}
	}
	return nil
}

// targets resolves the vehicles of a control call and records the call
// for the idle timeout. A named vehicle is returned whatever its state;
// otherwise only the vehicles accepted by match are.
func (s *Session) targets(vehicleID string, match func(*vehicle.Vehicle) bool) ([]*vehicle.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, simerr.ErrNotOpen
	}
	s.touchLocked()

	if vehicleID != "" {
		v, ok := s.vehicles[vehicleID]
		if !ok {
			return nil, fmt.Errorf("vehicle %s: %w", vehicleID, simerr.ErrNotFound)
		}
		return []*vehicle.Vehicle{v}, nil
	}
	var out []*vehicle.Vehicle
	for _, v := range s.sortedVehiclesLocked() {
		if match == nil || match(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func running(v *vehicle.Vehicle) bool    { return v.Running() }
func notRunning(v *vehicle.Vehicle) bool { return !v.Running() }

// Start begins trips. With strict unset a running vehicle reports its
// current trip instead of failing.
func (s *Session) Start(vehicleID string, mode models.SearchMode, strict bool) (Result, error) {
	if mode != "" && !models.IsValidMode(mode) {
		return Result{}, fmt.Errorf("%w: unknown mode %q", simerr.ErrInvalidArgument, mode)
	}
	vehicles, err := s.targets(vehicleID, notRunning)
	if err != nil {
		return Result{}, err
	}
	res := newResult()
	for _, v := range vehicles {
		tripID, err := v.Start(mode, strict)
		res.add(v, VehicleResult{TripID: tripID}, err)
	}
	return res, nil
}

// Stop ends trips. With idempotent set stopping a stopped vehicle succeeds.
func (s *Session) Stop(vehicleID string, idempotent bool) (Result, error) {
	vehicles, err := s.targets(vehicleID, running)
	if err != nil {
		return Result{}, err
	}
	res := newResult()
	for _, v := range vehicles {
		res.add(v, VehicleResult{}, v.Stop(idempotent))
	}
	return res, nil
}

// SetProperties fixes and releases property values on every vehicle or on
// the named one.
func (s *Session) SetProperties(vehicleID string, set map[string]float64, unset []string) (Result, error) {
	vehicles, err := s.targets(vehicleID, nil)
	if err != nil {
		return Result{}, err
	}
	res := newResult()
	for _, v := range vehicles {
		v.SetProperties(set, unset)
		res.add(v, VehicleResult{Applied: true}, nil)
	}
	return res, nil
}

// SetAcceleration sets the acceleration input of running vehicles.
func (s *Session) SetAcceleration(vehicleID string, accel float64) (Result, error) {
	vehicles, err := s.targets(vehicleID, running)
	if err != nil {
		return Result{}, err
	}
	res := newResult()
	for _, v := range vehicles {
		if !v.Running() {
			res.add(v, VehicleResult{}, fmt.Errorf("vehicle %s: %w", v.ID(), simerr.ErrNotRunning))
			continue
		}
		v.SetAcceleration(accel)
		res.add(v, VehicleResult{Applied: true, TripID: v.TripID()}, nil)
	}
	return res, nil
}

// SetRouteOptions changes the route inputs of vehicles that are not
// running and reroutes them. A destination is also written back to the
// directory as the vehicle's last destination.
func (s *Session) SetRouteOptions(ctx context.Context, vehicleID string, opts RouteOptions) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	vehicles, err := s.targets(vehicleID, notRunning)
	if err != nil {
		return Result{}, err
	}

	update := route.Update{
		Position:         opts.Position,
		Destination:      opts.Destination,
		ClearDestination: opts.ClearDestination,
		Waypoints:        opts.Waypoints,
		Options:          opts.Options,
	}
	res := newResult()
	pending := make(map[*vehicle.Vehicle]<-chan error)
	for _, v := range vehicles {
		change, err := v.SetRoute(update)
		if err != nil || !change.Applied || !opts.Wait {
			res.add(v, VehicleResult{Applied: change.Applied}, err)
		} else {
			pending[v] = change.Done
		}
		if err == nil && change.Applied && opts.Destination != nil {
			dest := opts.Destination.Location()
			s.persist(v.ID(), models.VehiclePatch{LastDestination: &dest})
		}
	}

	for v, done := range pending {
		select {
		case err := <-done:
			if errors.Is(err, route.ErrSuperseded) {
				err = nil
			}
			res.add(v, VehicleResult{Applied: true}, err)
		case <-ctx.Done():
			res.add(v, VehicleResult{Applied: true}, ctx.Err())
		}
	}
	return res, nil
}

// SessionInfo describes a session.
type SessionInfo struct {
	ID           string          `json:"id"`
	State        State           `json:"state"`
	Created      time.Time       `json:"created,omitempty"`
	LastModified time.Time       `json:"last_modified,omitempty"`
	Deadline     *time.Time      `json:"timeout_deadline,omitempty"`
	Center       models.GeoPoint `json:"center"`
	Radius       float64         `json:"radius"`
	VehicleCount int             `json:"vehicle_count"`

	// DispatchPending counts probes waiting for submission, DispatchDropped
	// those discarded because a vehicle's backlog was full.
	DispatchPending int    `json:"dispatch_pending"`
	DispatchDropped uint64 `json:"dispatch_dropped"`

	Vehicles map[string]map[string]interface{} `json:"vehicles,omitempty"`
}

// Summary returns the session description without vehicle details.
func (s *Session) Summary() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:           s.id,
		State:        s.state,
		Created:      s.created,
		LastModified: s.lastModified,
		Center:       s.center,
		Radius:       s.radius,
		VehicleCount: len(s.vehicles),
	}
	info.DispatchDropped = s.dropped
	if s.queue != nil {
		info.DispatchDropped = s.queue.Dropped()
		for id := range s.vehicles {
			info.DispatchPending += s.queue.Pending(id)
		}
	}
	if s.timer != nil {
		d := s.deadline
		info.Deadline = &d
	}
	return info
}

// Info returns the requested fields of one vehicle, or when vehicleID is
// empty the session summary with the fields of every vehicle. Queries do
// not push the idle deadline back.
func (s *Session) Info(vehicleID string, fields ...string) (interface{}, error) {
	if vehicleID != "" {
		s.mu.Lock()
		v, ok := s.vehicles[vehicleID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("vehicle %s: %w", vehicleID, simerr.ErrNotFound)
		}
		return v.Info(fields...), nil
	}

	info := s.Summary()
	vehicles := s.sortedVehicles()
	info.Vehicles = make(map[string]map[string]interface{}, len(vehicles))
	for _, v := range vehicles {
		info.Vehicles[v.ID()] = v.Info(fields...)
	}
	log.WithFields(log.Fields{
		"session_id": s.id,
		"vehicles":   len(vehicles),
	}).Debug("Session info requested")
	return info, nil
}
