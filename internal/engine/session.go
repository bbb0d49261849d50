// Package engine runs one client's simulation session: a set of leased
// vehicles with a shared lifecycle, bulk control operations and an idle
// timeout.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/fleet-simulator/internal/db"
	"github.com/ukydev/fleet-simulator/internal/dispatch"
	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/lease"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/route"
	"github.com/ukydev/fleet-simulator/internal/routing"
	"github.com/ukydev/fleet-simulator/internal/simerr"
	"github.com/ukydev/fleet-simulator/internal/vehicle"
)

// State is the lifecycle state of a session.
type State string

const (
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// CloseReason tells why a session closed.
type CloseReason string

const (
	ReasonNormal  CloseReason = "normal"
	ReasonTimeout CloseReason = "timeout"
)

const (
	DefaultDriverName = "simulator"
	// MaxVehicles bounds the vehicles of one session.
	MaxVehicles = 1000

	directoryTimeout = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

// Options are the collaborators and knobs of a session.
type Options struct {
	Router    routing.Router
	Directory db.Directory
	Leases    lease.Store
	Sink      dispatch.Sink

	Route      route.Config
	Timeout    time.Duration // idle timeout; 0 disables it
	MaxPending int
	DriverName string
	// AutoCreate creates directory vehicles when too few are free.
	AutoCreate bool
	Seed       int64

	// OnClose is called exactly once per open session, after it closed.
	OnClose func(sessionID string, reason CloseReason)
}

// OpenRequest describes the vehicles of a new session.
type OpenRequest struct {
	Count        int             `json:"count"`
	PreferredIDs []string        `json:"preferred_ids,omitempty"`
	ExcludeIDs   []string        `json:"exclude_ids,omitempty"`
	Center       models.GeoPoint `json:"center"`
	Radius       float64         `json:"radius"` // meters
}

func (r OpenRequest) validate() error {
	if r.Count < 0 || r.Count > MaxVehicles {
		return fmt.Errorf("%w: count must be between 0 and %d", simerr.ErrInvalidArgument, MaxVehicles)
	}
	if r.Count == 0 && len(r.PreferredIDs) == 0 {
		return fmt.Errorf("%w: count or preferred_ids required", simerr.ErrInvalidArgument)
	}
	if r.Radius < 0 {
		return fmt.Errorf("%w: negative radius", simerr.ErrInvalidArgument)
	}
	if err := r.Center.Validate(); err != nil {
		return fmt.Errorf("%w: center: %v", simerr.ErrInvalidArgument, err)
	}
	return nil
}

// Session is one client's simulation. All methods are safe for concurrent use.
type Session struct {
	id    string
	owner string
	opts  Options

	mu           sync.Mutex
	state        State
	created      time.Time
	lastModified time.Time
	deadline     time.Time
	timer        *time.Timer
	timerGen     uint64
	center       models.GeoPoint
	radius       float64
	driverID     string
	vehicles     map[string]*vehicle.Vehicle
	queue        *dispatch.Queue
	dropped      uint64 // of the last closed queue
	rnd          *rand.Rand

	watchMu   sync.RWMutex
	watchers  map[uint64]watcher
	nextWatch uint64
}

// New creates a closed session.
func New(id string, opts Options) *Session {
	if opts.DriverName == "" {
		opts.DriverName = DefaultDriverName
	}
	if opts.Leases == nil {
		opts.Leases = lease.NewMemoryStore()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Session{
		id:       id,
		owner:    id + "/" + uuid.NewString(),
		opts:     opts,
		state:    StateClosed,
		vehicles: make(map[string]*vehicle.Vehicle),
		rnd:      rand.New(rand.NewSource(opts.Seed)),
		watchers: make(map[uint64]watcher),
	}
}

// ID returns the client id of the session.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open acquires the vehicles and the shared driver, places the vehicles
// around the center and starts routing them. When no vehicle can be
// acquired everything is rolled back and simerr.ErrNoVehicles returned.
func (s *Session) Open(ctx context.Context, req OpenRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	count := req.Count
	if count == 0 {
		count = len(req.PreferredIDs)
	}

	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return simerr.ErrAlreadyOpen
	}
	s.state = StateOpening
	s.center = req.Center
	s.radius = req.Radius
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return err
	}

	driver, err := s.opts.Directory.EnsureDriver(ctx, s.opts.DriverName)
	if err != nil {
		return fail(fmt.Errorf("acquire driver: %w", err))
	}

	exclude := make(map[string]bool, len(req.ExcludeIDs))
	for _, id := range req.ExcludeIDs {
		exclude[id] = true
	}
	records, err := s.acquire(ctx, count, req.PreferredIDs, exclude)
	if err != nil {
		s.releaseLeases(records)
		return fail(err)
	}
	if len(records) == 0 {
		return fail(simerr.ErrNoVehicles)
	}

	s.mu.Lock()
	s.driverID = driver.ID.Hex()
	s.queue = dispatch.New(s.opts.Sink, s.opts.MaxPending, s.onDispatched)
	s.mu.Unlock()

	added := s.wire(records)

	s.mu.Lock()
	for _, v := range added {
		s.vehicles[v.ID()] = v
	}
	s.state = StateOpen
	s.created = time.Now()
	s.touchLocked()
	s.mu.Unlock()

	for _, v := range added {
		v.ResetRoute()
	}

	log.WithFields(log.Fields{
		"session_id": s.id,
		"vehicles":   len(added),
		"requested":  count,
	}).Info("Session opened")
	return nil
}

// Close stops every vehicle, releases them and closes the session.
func (s *Session) Close() error {
	return s.closeWith(ReasonNormal)
}

func (s *Session) closeWith(reason CloseReason) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return simerr.ErrNotOpen
	}
	s.state = StateClosing
	s.stopTimerLocked()
	vehicles := make([]*vehicle.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		vehicles = append(vehicles, v)
	}
	s.vehicles = make(map[string]*vehicle.Vehicle)
	queue := s.queue
	s.mu.Unlock()

	s.retire(vehicles)

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := queue.Close(ctx); err != nil {
		log.WithError(err).WithField("session_id", s.id).Warn("Dispatch queue did not drain")
	}

	s.mu.Lock()
	s.state = StateClosed
	s.dropped = queue.Dropped()
	s.queue = nil
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"session_id": s.id,
		"reason":     reason,
		"vehicles":   len(vehicles),
	}).Info("Session closed")

	s.emit(Event{Type: EventClosed, Reason: reason})
	if s.opts.OnClose != nil {
		s.opts.OnClose(s.id, reason)
	}
	return nil
}

// touchLocked records a control call and pushes the idle deadline back.
func (s *Session) touchLocked() {
	s.lastModified = time.Now()
	if len(s.vehicles) > 0 {
		ids := make([]string, 0, len(s.vehicles))
		for id := range s.vehicles {
			ids = append(ids, id)
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
			defer cancel()
			if err := s.opts.Leases.Refresh(ctx, s.owner, ids...); err != nil {
				log.WithError(err).WithField("session_id", s.id).Warn("Failed to refresh leases")
			}
		}()
	}
	if s.opts.Timeout <= 0 {
		return
	}
	s.stopTimerLocked()
	s.deadline = s.lastModified.Add(s.opts.Timeout)
	gen := s.timerGen
	s.timer = time.AfterFunc(s.opts.Timeout, func() { s.expire(gen) })
}

func (s *Session) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	current := gen == s.timerGen && s.state == StateOpen
	s.mu.Unlock()
	if !current {
		return
	}
	if err := s.closeWith(ReasonTimeout); err != nil && !errors.Is(err, simerr.ErrNotOpen) {
		log.WithError(err).WithField("session_id", s.id).Error("Failed to close idle session")
	}
}

// wire creates the simulated vehicles for records, placed at random within
// the session radius, and marks them active in the directory.
func (s *Session) wire(records []models.Vehicle) []*vehicle.Vehicle {
	s.mu.Lock()
	positions := make([]models.GeoPoint, len(records))
	seeds := make([]int64, len(records))
	for i := range records {
		positions[i] = geo.RandomPoint(s.rnd, s.center, s.radius)
		seeds[i] = s.rnd.Int63()
	}
	driverID := s.driverID
	s.mu.Unlock()

	out := make([]*vehicle.Vehicle, len(records))
	var g errgroup.Group
	for i := range records {
		i := i
		cfg := s.opts.Route
		cfg.Seed = seeds[i]
		out[i] = vehicle.New(records[i], driverID, s.opts.Router, cfg, positions[i], vehicleEvents{s})

		g.Go(func() error {
			s.persist(records[i].ID.Hex(), models.VehiclePatch{
				Status:          strPtr(models.VehicleActive),
				CurrentLocation: locPtr(positions[i].Location()),
			})
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// retire stops, closes and releases vehicles in parallel. Vehicles that are
// already stopped are fine.
func (s *Session) retire(vehicles []*vehicle.Vehicle) {
	var g errgroup.Group
	for _, v := range vehicles {
		v := v
		g.Go(func() error {
			if err := v.Stop(true); err != nil {
				log.WithError(err).WithField("vehicle_id", v.ID()).Warn("Failed to stop vehicle")
			}
			v.Close()
			pos := v.Position().Location()
			s.persist(v.ID(), models.VehiclePatch{
				Status:          strPtr(models.VehicleInactive),
				CurrentLocation: &pos,
			})
			ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
			defer cancel()
			if err := s.opts.Leases.Release(ctx, v.ID(), s.owner); err != nil {
				log.WithError(err).WithField("vehicle_id", v.ID()).Warn("Failed to release lease")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Session) persist(vehicleID string, patch models.VehiclePatch) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if _, err := s.opts.Directory.UpdateVehicle(ctx, vehicleID, patch); err != nil {
		log.WithError(err).WithField("vehicle_id", vehicleID).Warn("Failed to update vehicle in directory")
	}
}

func (s *Session) handleProbe(p models.Probe, final bool) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()

	if queue != nil {
		if _, err := queue.Submit(p.VehicleID, p, final); err == nil {
			return
		}
	}
	// the queue is gone while closing: still tell the watchers
	s.emit(Event{Type: EventProbe, VehicleID: p.VehicleID, Probe: &p, Final: final})
}

func (s *Session) onDispatched(job dispatch.Job, res models.IngestResult, err error) {
	p := job.Probe
	ev := Event{
		Type:         EventProbe,
		VehicleID:    job.Key,
		Probe:        &p,
		Final:        job.Final,
		IngestEvents: res.TriggeredEvents,
	}
	if err != nil {
		ev.IngestError = err.Error()
	}
	s.emit(ev)
}

func strPtr(s string) *string { return &s }

func locPtr(l models.Location) *models.Location { return &l }
