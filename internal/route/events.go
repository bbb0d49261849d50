package route

import (
	"sync"
	"time"

	"github.com/ukydev/fleet-simulator/internal/models"
)

// PositionEvent is posted once per tick while driving and once more, at
// speed 0, when the vehicle stops.
type PositionEvent struct {
	VehicleID   string
	Run         uint64
	Position    models.GeoPoint
	Destination *models.GeoPoint
	Final       bool
	Time        time.Time
}

// RouteEvent reports the outcome of a route search. When the search failed
// and a start was waiting for it, CancelledRun names the dropped run.
type RouteEvent struct {
	VehicleID    string
	Routes       []models.Route
	ActiveMode   models.SearchMode
	Err          error
	CancelledRun uint64
}

// StateEvent reports a status transition.
type StateEvent struct {
	VehicleID string
	Run       uint64
	Status    Status
	Previous  Status
}

// Listener receives the events of one State, in the order they happened,
// from a single goroutine.
type Listener interface {
	OnPosition(PositionEvent)
	OnRouteChanged(RouteEvent)
	OnStateChanged(StateEvent)
}

// mailbox decouples producers holding the state lock from the listener.
// Posting never blocks.
type mailbox struct {
	mu     sync.Mutex
	queue  []interface{}
	closed bool

	listener Listener
	signal   chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

func newMailbox(l Listener) *mailbox {
	m := &mailbox{
		listener: l,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) post(ev interface{}) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.signal:
			m.drain()
		case <-m.done:
			m.drain()
			return
		}
	}
}

func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			m.deliver(ev)
		}
	}
}

func (m *mailbox) deliver(ev interface{}) {
	if m.listener == nil {
		return
	}
	switch e := ev.(type) {
	case PositionEvent:
		m.listener.OnPosition(e)
	case RouteEvent:
		m.listener.OnRouteChanged(e)
	case StateEvent:
		m.listener.OnStateChanged(e)
	}
}

// close delivers what is queued, then stops the pump.
func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.done)
		<-m.stopped
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	})
}
