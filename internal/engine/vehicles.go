package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/db"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
	"github.com/ukydev/fleet-simulator/internal/vehicle"
)

// UpdateRequest changes the vehicle set of an open session. IDs, when
// given, is the complete new set; otherwise Count is the new size.
type UpdateRequest struct {
	IDs   []string `json:"ids,omitempty"`
	Count *int     `json:"count,omitempty"`
}

// VehicleSummary is one row of VehicleList.
type VehicleSummary struct {
	ID           string          `json:"id"`
	SerialNumber string          `json:"serial_number"`
	Type         string          `json:"type"`
	State        string          `json:"state"`
	TripID       string          `json:"trip_id,omitempty"`
	Position     models.GeoPoint `json:"position"`
}

// VehicleList returns the vehicles of the session ordered by id.
func (s *Session) VehicleList() []VehicleSummary {
	vehicles := s.sortedVehicles()
	out := make([]VehicleSummary, 0, len(vehicles))
	for _, v := range vehicles {
		rec := v.Record()
		out = append(out, VehicleSummary{
			ID:           v.ID(),
			SerialNumber: rec.SerialNumber,
			Type:         rec.Type,
			State:        string(v.Status()),
			TripID:       v.TripID(),
			Position:     v.Position(),
		})
	}
	return out
}

// UpdateVehicles diffs the vehicle set against req. Removed vehicles are
// stopped and released, added ones acquired and routed; the others are not
// touched.
func (s *Session) UpdateVehicles(ctx context.Context, req UpdateRequest) ([]VehicleSummary, error) {
	if req.IDs == nil && req.Count == nil {
		return nil, fmt.Errorf("%w: ids or count required", simerr.ErrInvalidArgument)
	}
	if req.Count != nil && (*req.Count < 0 || *req.Count > MaxVehicles) {
		return nil, fmt.Errorf("%w: count must be between 0 and %d", simerr.ErrInvalidArgument, MaxVehicles)
	}
	if len(req.IDs) > MaxVehicles {
		return nil, fmt.Errorf("%w: at most %d vehicles", simerr.ErrInvalidArgument, MaxVehicles)
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil, simerr.ErrNotOpen
	}
	s.touchLocked()

	var removed []*vehicle.Vehicle
	var wanted []string
	need := 0
	if req.IDs != nil {
		keep := make(map[string]bool, len(req.IDs))
		for _, id := range req.IDs {
			keep[id] = true
			if _, ok := s.vehicles[id]; !ok {
				wanted = append(wanted, id)
			}
		}
		for id, v := range s.vehicles {
			if !keep[id] {
				removed = append(removed, v)
			}
		}
	} else {
		current := s.sortedVehiclesLocked()
		switch n := *req.Count; {
		case n < len(current):
			// stopped vehicles go first
			sort.SliceStable(current, func(i, j int) bool {
				return !current[i].Running() && current[j].Running()
			})
			removed = current[:len(current)-n]
		case n > len(current):
			need = n - len(current)
		}
	}
	for _, v := range removed {
		delete(s.vehicles, v.ID())
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.retire(removed)
	}

	var records []models.Vehicle
	var err error
	if len(wanted) > 0 {
		records, err = s.acquirePreferred(ctx, wanted, nil)
	} else if need > 0 {
		records, err = s.acquire(ctx, need, nil, nil)
	}
	if err != nil {
		s.releaseLeases(records)
		return nil, err
	}

	if len(records) > 0 {
		added := s.wire(records)
		s.mu.Lock()
		if s.state != StateOpen {
			s.mu.Unlock()
			s.retire(added)
			return nil, simerr.ErrNotOpen
		}
		for _, v := range added {
			s.vehicles[v.ID()] = v
		}
		s.mu.Unlock()
		for _, v := range added {
			v.ResetRoute()
		}
	}

	log.WithFields(log.Fields{
		"session_id": s.id,
		"added":      len(records),
		"removed":    len(removed),
	}).Info("Session vehicles updated")
	return s.VehicleList(), nil
}

// acquire leases up to count vehicles: the preferred ones first, then any
// free directory vehicle, then newly created ones when AutoCreate is set.
// The vehicles leased so far are returned together with any error.
func (s *Session) acquire(ctx context.Context, count int, preferred []string, exclude map[string]bool) ([]models.Vehicle, error) {
	if len(preferred) > count {
		preferred = preferred[:count]
	}
	out, err := s.acquirePreferred(ctx, preferred, exclude)
	if err != nil || len(out) >= count {
		return out, err
	}

	taken := make(map[string]bool, len(out))
	for _, v := range out {
		taken[v.ID.Hex()] = true
	}

	candidates, err := s.opts.Directory.ListVehicles(ctx, db.VehicleFilter{})
	if err != nil {
		return out, fmt.Errorf("list vehicles: %w", err)
	}
	for _, v := range candidates {
		if len(out) >= count {
			return out, nil
		}
		id := v.ID.Hex()
		if exclude[id] || taken[id] || s.holds(id) {
			continue
		}
		ok, err := s.opts.Leases.Acquire(ctx, id, s.owner)
		if err != nil {
			return out, fmt.Errorf("lease vehicle %s: %w", id, err)
		}
		if ok {
			out = append(out, v)
			taken[id] = true
		}
	}

	for len(out) < count && s.opts.AutoCreate {
		s.mu.Lock()
		rec := db.RandomVehicle(s.rnd)
		s.mu.Unlock()
		created, err := s.opts.Directory.CreateVehicle(ctx, rec)
		if err != nil {
			return out, fmt.Errorf("create vehicle: %w", err)
		}
		ok, err := s.opts.Leases.Acquire(ctx, created.ID.Hex(), s.owner)
		if err != nil {
			return out, fmt.Errorf("lease vehicle %s: %w", created.ID.Hex(), err)
		}
		if ok {
			out = append(out, *created)
		}
		log.WithFields(log.Fields{
			"session_id": s.id,
			"vehicle_id": created.ID.Hex(),
			"type":       created.Type,
		}).Info("Created directory vehicle")
	}
	if len(out) < count {
		log.WithFields(log.Fields{
			"session_id": s.id,
			"requested":  count,
			"acquired":   len(out),
		}).Warn("Fewer vehicles available than requested")
	}
	return out, nil
}

// acquirePreferred leases the named vehicles in order. Unknown, excluded and
// foreign-leased ids are skipped.
func (s *Session) acquirePreferred(ctx context.Context, ids []string, exclude map[string]bool) ([]models.Vehicle, error) {
	var out []models.Vehicle
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if exclude[id] || seen[id] || s.holds(id) {
			continue
		}
		seen[id] = true
		rec, err := s.opts.Directory.GetVehicle(ctx, id)
		if errors.Is(err, simerr.ErrNotFound) {
			log.WithFields(log.Fields{"session_id": s.id, "vehicle_id": id}).Warn("Preferred vehicle not found")
			continue
		}
		if err != nil {
			return out, fmt.Errorf("get vehicle %s: %w", id, err)
		}
		ok, err := s.opts.Leases.Acquire(ctx, id, s.owner)
		if err != nil {
			return out, fmt.Errorf("lease vehicle %s: %w", id, err)
		}
		if !ok {
			log.WithFields(log.Fields{"session_id": s.id, "vehicle_id": id}).Info("Preferred vehicle held by another session")
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Session) releaseLeases(records []models.Vehicle) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	for _, rec := range records {
		if err := s.opts.Leases.Release(ctx, rec.ID.Hex(), s.owner); err != nil {
			log.WithError(err).WithField("vehicle_id", rec.ID.Hex()).Warn("Failed to release lease")
		}
	}
}

func (s *Session) holds(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vehicles[id]
	return ok
}

func (s *Session) sortedVehicles() []*vehicle.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedVehiclesLocked()
}

func (s *Session) sortedVehiclesLocked() []*vehicle.Vehicle {
	out := make([]*vehicle.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
