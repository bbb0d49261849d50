// Package route holds the per-vehicle motion state machine: it asks the
// routing service for polylines and advances the vehicle along the active
// one on a recurring tick.
package route

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/routing"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// Status is the motion state of a vehicle.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRouting Status = "routing"
	StatusIdle    Status = "idle"
	StatusDriving Status = "driving"
)

const (
	MinSpeed          = 8.0   // km/h, lower clamp with an acceleration input
	MaxSpeed          = 161.0 // km/h
	MinReferenceSpeed = 10.0  // km/h
	LookAhead         = 50.0  // meters
	MaxTurnAngle      = 2.0   // degrees

	DefaultTickInterval = time.Second
	DefaultMaxAttempts  = 5
)

var (
	// ErrClosed is returned by a State after Close.
	ErrClosed = errors.New("route state closed")
	// ErrSuperseded is yielded by a route search replaced by a newer one.
	ErrSuperseded = errors.New("route search superseded")
)

// Options shape how routes are built.
type Options struct {
	AvoidEvents bool `json:"avoid_events"`
	Loop        bool `json:"loop"`
	KeepAnchors bool `json:"keep_anchors"`
}

// Config holds the knobs shared by all vehicles of a session.
type Config struct {
	// TickInterval is the wall-clock period between ticks.
	TickInterval time.Duration
	// TimeStep is the simulated time covered by one tick. Defaults to TickInterval.
	TimeStep time.Duration
	// Modes are searched, in order, on every route reset.
	Modes []models.SearchMode
	// PointToPoint skips the multi-point search and routes each leg separately.
	PointToPoint bool
	MaxAttempts  int
	Seed         int64
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.TimeStep <= 0 {
		c.TimeStep = c.TickInterval
	}
	if len(c.Modes) == 0 {
		c.Modes = models.DefaultModes
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Change is the outcome of a setter. Applied is false when the vehicle was
// driving and the call had no effect; otherwise Done yields the result of the
// route search the change triggered.
type Change struct {
	Applied bool
	Done    <-chan error
}

// Update groups the route inputs changed by one call. Nil fields are kept.
type Update struct {
	Position         *models.GeoPoint
	Destination      *models.GeoPoint
	ClearDestination bool
	Waypoints        *[]models.GeoPoint
	Options          *Options
}

type pendingStart struct {
	mode models.SearchMode
	run  uint64
}

// State is the motion state machine of one vehicle. All fields are guarded
// by mu; events leave through the mailbox so listeners never run under it.
type State struct {
	mu sync.Mutex

	vehicleID string
	router    routing.Router
	cfg       Config
	rnd       *rand.Rand
	box       *mailbox

	ctx    context.Context
	cancel context.CancelFunc

	position     models.GeoPoint
	destination  *models.GeoPoint
	waypoints    []models.GeoPoint
	options      Options
	acceleration float64

	routes []models.Route
	active int
	cursor int
	carry  float64

	status   Status
	routeGen uint64
	run      uint64
	pending  *pendingStart

	anchors        []models.GeoPoint
	destAnchors    []models.GeoPoint
	destAnchorsFor *models.GeoPoint

	tickGen  uint64
	ticker   *time.Ticker
	tickDone chan struct{}
	closed   bool
}

// New creates a stopped State at position.
func New(vehicleID string, router routing.Router, cfg Config, position models.GeoPoint, l Listener) *State {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &State{
		vehicleID: vehicleID,
		router:    router,
		cfg:       cfg,
		rnd:       rand.New(rand.NewSource(cfg.Seed)),
		box:       newMailbox(l),
		ctx:       ctx,
		cancel:    cancel,
		position:  position,
		status:    StatusStopped,
	}
}

// Status returns the current motion state.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Position returns the current position.
func (s *State) Position() models.GeoPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Driving reports whether ticks are running or a start is waiting for a route.
func (s *State) Driving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusDriving || s.pending != nil
}

// SetPosition moves a vehicle that is not driving and reroutes it.
func (s *State) SetPosition(p models.GeoPoint) (Change, error) {
	return s.Apply(Update{Position: &p})
}

// SetDestination sets, or with nil clears, the destination and reroutes.
func (s *State) SetDestination(p *models.GeoPoint) (Change, error) {
	if p == nil {
		return s.Apply(Update{ClearDestination: true})
	}
	return s.Apply(Update{Destination: p})
}

// SetWaypoints replaces the waypoints and reroutes.
func (s *State) SetWaypoints(wp []models.GeoPoint) (Change, error) {
	return s.Apply(Update{Waypoints: &wp})
}

// SetOptions replaces the route options and reroutes.
func (s *State) SetOptions(o Options) (Change, error) {
	return s.Apply(Update{Options: &o})
}

// Apply changes the route inputs. While driving it has no effect; the
// driving position is authoritative.
func (s *State) Apply(u Update) (Change, error) {
	if u.Position != nil {
		if err := u.Position.Validate(); err != nil {
			return Change{}, errors.Join(simerr.ErrInvalidArgument, err)
		}
	}
	if u.Destination != nil {
		if err := u.Destination.Validate(); err != nil {
			return Change{}, errors.Join(simerr.ErrInvalidArgument, err)
		}
	}
	if u.Waypoints != nil {
		for _, w := range *u.Waypoints {
			if err := w.Validate(); err != nil {
				return Change{}, errors.Join(simerr.ErrInvalidArgument, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Change{}, ErrClosed
	}
	if s.status == StatusDriving || s.pending != nil {
		return Change{Applied: false}, nil
	}

	if u.Position != nil {
		p := *u.Position
		p.Speed = 0
		s.position = p
		s.routes = nil
		s.cursor = 0
	}
	if u.ClearDestination {
		s.destination = nil
	}
	if u.Destination != nil {
		d := *u.Destination
		s.destination = &d
	}
	if u.Waypoints != nil {
		s.waypoints = append([]models.GeoPoint(nil), (*u.Waypoints)...)
	}
	if u.Options != nil {
		s.options = *u.Options
	}
	return Change{Applied: true, Done: s.resetLocked()}, nil
}

// SetAcceleration sets the acceleration input in km/h per second. Zero
// returns to curvature driven cruising.
func (s *State) SetAcceleration(a float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceleration = a
}

// ResetRoute searches new routes from the current inputs. The returned
// channel yields nil or an error wrapping simerr.ErrRouteUnavailable.
func (s *State) ResetRoute() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked()
}

// Start begins driving the route for mode, or the first route when mode is
// empty or unknown. Without a route one is searched first and driving begins
// once it arrives. The run number tags the position events of this drive.
func (s *State) Start(mode models.SearchMode) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.status == StatusDriving {
		return s.run, simerr.ErrAlreadyRunning
	}
	if s.pending != nil {
		return s.pending.run, simerr.ErrAlreadyRunning
	}

	s.run++
	run := s.run
	if len(s.routes) == 0 {
		s.pending = &pendingStart{mode: mode, run: run}
		if s.status != StatusRouting {
			s.resetLocked()
		}
		return run, nil
	}
	if s.status == StatusRouting {
		// drive what we have; the search in flight is dropped
		s.routeGen++
	}
	s.beginDrivingLocked(mode)
	return run, nil
}

// Stop cancels the tick. No tick runs after Stop returns. When a drive was
// under way a final position at speed 0 is posted and final is true.
func (s *State) Stop() (final bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		s.pending = nil
		return false, nil
	}
	if s.status != StatusDriving {
		return false, simerr.ErrNotRunning
	}

	s.stopTickerLocked()
	s.position.Speed = 0
	s.carry = 0
	s.postPositionLocked(true)
	if len(s.routes) > 0 {
		s.setStatusLocked(StatusIdle)
	} else {
		s.setStatusLocked(StatusStopped)
	}
	return true, nil
}

// Advance runs one tick immediately. It returns false when not driving.
func (s *State) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusDriving {
		return false
	}
	s.advanceLocked()
	return true
}

// Close stops ticking, abandons route searches and flushes pending events.
func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.stopTickerLocked()
	s.cancel()
	s.mu.Unlock()

	s.box.close()
}

// Info is a point-in-time copy of the state.
type Info struct {
	Status       Status            `json:"state"`
	Position     models.GeoPoint   `json:"position"`
	Destination  *models.GeoPoint  `json:"destination,omitempty"`
	Waypoints    []models.GeoPoint `json:"waypoints,omitempty"`
	Options      Options           `json:"options"`
	Acceleration float64           `json:"acceleration"`
	ActiveMode   models.SearchMode `json:"active_mode,omitempty"`
	Cursor       int               `json:"cursor"`
	Routes       []models.Route    `json:"routes,omitempty"`
	Anchors      []models.GeoPoint `json:"anchors,omitempty"`
}

// Snapshot copies the state.
func (s *State) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Status:       s.status,
		Position:     s.position,
		Waypoints:    append([]models.GeoPoint(nil), s.waypoints...),
		Options:      s.options,
		Acceleration: s.acceleration,
		Cursor:       s.cursor,
		Routes:       append([]models.Route(nil), s.routes...),
		Anchors:      append([]models.GeoPoint(nil), s.anchors...),
	}
	if s.destination != nil {
		d := *s.destination
		info.Destination = &d
	}
	if len(s.routes) > 0 {
		info.ActiveMode = s.routes[s.active].Mode
	}
	return info
}

func (s *State) setStatusLocked(st Status) {
	if st == s.status {
		return
	}
	prev := s.status
	s.status = st
	s.box.post(StateEvent{VehicleID: s.vehicleID, Run: s.run, Status: st, Previous: prev})
}

func (s *State) postPositionLocked(final bool) {
	ev := PositionEvent{
		VehicleID: s.vehicleID,
		Run:       s.run,
		Position:  s.position,
		Final:     final,
		Time:      time.Now(),
	}
	if s.destination != nil {
		d := *s.destination
		ev.Destination = &d
	}
	s.box.post(ev)
}

func (s *State) stopTickerLocked() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.tickDone)
	s.ticker = nil
	s.tickDone = nil
	s.tickGen++
}

func (s *State) modeIndexLocked(mode models.SearchMode) int {
	for i, r := range s.routes {
		if r.Mode == mode {
			return i
		}
	}
	return -1
}

func (s *State) beginDrivingLocked(mode models.SearchMode) {
	idx := s.modeIndexLocked(mode)
	if idx < 0 {
		idx = 0
	}
	pts := s.routes[idx].Points
	switch {
	case idx != s.active:
		s.active = idx
		s.cursor = nearestIndex(pts, s.position)
		s.carry = 0
	case s.cursor >= len(pts) && !s.options.Loop:
		// finished route: drive it again from its first point
		s.position = arrive(s.position, pts[0], 0)
		s.cursor = 1
		s.carry = 0
	}
	s.position.Speed = 0

	s.tickGen++
	s.ticker = time.NewTicker(s.cfg.TickInterval)
	s.tickDone = make(chan struct{})
	go s.tickLoop(s.tickGen, s.ticker, s.tickDone)

	s.setStatusLocked(StatusDriving)
}

func (s *State) tickLoop(gen uint64, t *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.mu.Lock()
			if s.status == StatusDriving && s.tickGen == gen {
				s.advanceLocked()
			}
			s.mu.Unlock()
		}
	}
}

func nearestIndex(points []models.GeoPoint, p models.GeoPoint) int {
	best, bestDist := 0, math.Inf(1)
	for i, q := range points {
		if d := geo.Distance(p, q); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
