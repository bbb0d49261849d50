package engine

import (
	"time"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/route"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// EventType tells watchers what an Event carries.
type EventType string

const (
	EventProbe  EventType = "probe"
	EventRoute  EventType = "route"
	EventState  EventType = "state"
	EventClosed EventType = "closed"
)

// Event is what a session pushes to its watchers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	VehicleID string    `json:"vehicle_id,omitempty"`
	Time      time.Time `json:"time"`

	Probe        *models.Probe        `json:"probe,omitempty"`
	Final        bool                 `json:"final,omitempty"`
	IngestEvents []models.IngestEvent `json:"ingest_events,omitempty"`
	IngestError  string               `json:"ingest_error,omitempty"`

	Routes     []models.Route    `json:"routes,omitempty"`
	ActiveMode models.SearchMode `json:"active_mode,omitempty"`

	State    route.Status `json:"state,omitempty"`
	Previous route.Status `json:"previous,omitempty"`

	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"`
	Reason CloseReason `json:"reason,omitempty"`
}

// WatchFunc receives session events. It is called from simulation
// goroutines and must not block for long.
type WatchFunc func(Event)

type watcher struct {
	vehicleID string
	fn        WatchFunc
}

// Watch registers fn for the events of vehicleID, or of every vehicle when
// vehicleID is empty. Close events reach every watcher. The returned func
// removes the watcher.
func (s *Session) Watch(vehicleID string, fn WatchFunc) (cancel func()) {
	s.watchMu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = watcher{vehicleID: vehicleID, fn: fn}
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.watchMu.RLock()
	targets := make([]WatchFunc, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.vehicleID == "" || w.vehicleID == ev.VehicleID || ev.Type == EventClosed {
			targets = append(targets, w.fn)
		}
	}
	s.watchMu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}

// vehicleEvents forwards what the vehicles of a session produce.
type vehicleEvents struct{ s *Session }

func (l vehicleEvents) OnProbe(p models.Probe, final bool) {
	l.s.handleProbe(p, final)
}

func (l vehicleEvents) OnRoute(e route.RouteEvent) {
	ev := Event{
		Type:       EventRoute,
		VehicleID:  e.VehicleID,
		Routes:     e.Routes,
		ActiveMode: e.ActiveMode,
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
		ev.Code = simerr.Code(e.Err)
	}
	l.s.emit(ev)
}

func (l vehicleEvents) OnState(e route.StateEvent) {
	l.s.emit(Event{
		Type:      EventState,
		VehicleID: e.VehicleID,
		State:     e.Status,
		Previous:  e.Previous,
	})
}
