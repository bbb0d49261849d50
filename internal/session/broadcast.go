// Package session keeps the simulator sessions of all clients and fans
// their events out to watchers in periodic batches.
package session

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/engine"
)

const (
	DefaultFlushInterval = time.Second
	// DefaultMaxBuffered bounds the messages kept per vehicle between flushes.
	DefaultMaxBuffered = 256
)

// Batch is what a subscriber receives on each flush.
type Batch struct {
	SessionID string         `json:"session_id"`
	Messages  []engine.Event `json:"messages"`
	// Dropped counts messages discarded since the previous batch because a
	// vehicle buffer was full.
	Dropped int  `json:"dropped,omitempty"`
	Closed  bool `json:"closed,omitempty"`
}

// Subscriber receives batches. It is called from the flush goroutine.
type Subscriber func(Batch)

type bufferKey struct {
	session string
	vehicle string
}

// Broadcaster buffers session events per (session, vehicle) and delivers
// them to the subscribers of the session every interval. Close events are
// delivered at once together with everything still buffered.
type Broadcaster struct {
	interval    time.Duration
	maxBuffered int

	mu      sync.Mutex
	buffers map[bufferKey][]engine.Event
	dropped map[string]int
	subs    map[string]map[uint64]Subscriber
	next    uint64

	// flushMu keeps batches of one flush from interleaving with another.
	flushMu sync.Mutex

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewBroadcaster creates a broadcaster. Zero values select the defaults.
func NewBroadcaster(interval time.Duration, maxBuffered int) *Broadcaster {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Broadcaster{
		interval:    interval,
		maxBuffered: maxBuffered,
		buffers:     make(map[bufferKey][]engine.Event),
		dropped:     make(map[string]int),
		subs:        make(map[string]map[uint64]Subscriber),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the flush loop until Stop.
func (b *Broadcaster) Start() {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Flush()
			case <-b.stop:
				b.Flush()
				return
			}
		}
	}()
}

// Stop ends the flush loop after a last flush.
func (b *Broadcaster) Stop() {
	b.once.Do(func() {
		close(b.stop)
		<-b.done
	})
}

// Subscribe registers fn for the batches of sessionID.
func (b *Broadcaster) Subscribe(sessionID string, fn Subscriber) (cancel func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]Subscriber)
	}
	b.subs[sessionID][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sessionID], id)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// Publish buffers ev. Events of sessions nobody watches are discarded.
func (b *Broadcaster) Publish(ev engine.Event) {
	b.mu.Lock()
	if len(b.subs[ev.SessionID]) == 0 {
		b.mu.Unlock()
		return
	}
	key := bufferKey{session: ev.SessionID, vehicle: ev.VehicleID}
	buf := append(b.buffers[key], ev)
	if len(buf) > b.maxBuffered {
		buf = buf[len(buf)-b.maxBuffered:]
		b.dropped[ev.SessionID]++
	}
	b.buffers[key] = buf
	b.mu.Unlock()

	if ev.Type == engine.EventClosed {
		b.flush(ev.SessionID)
	}
}

// Flush delivers everything buffered now.
func (b *Broadcaster) Flush() {
	b.flush("")
}

// flush delivers the buffers of sessionID, or of every session when empty.
func (b *Broadcaster) flush(sessionID string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	type delivery struct {
		batch Batch
		subs  []Subscriber
	}

	b.mu.Lock()
	grouped := make(map[string][]bufferKey)
	for key, buf := range b.buffers {
		if len(buf) == 0 || (sessionID != "" && key.session != sessionID) {
			continue
		}
		grouped[key.session] = append(grouped[key.session], key)
	}
	deliveries := make([]delivery, 0, len(grouped))
	for id, keys := range grouped {
		// vehicle-less messages (session close) go last
		sort.Slice(keys, func(i, j int) bool {
			vi, vj := keys[i].vehicle, keys[j].vehicle
			if vi == "" || vj == "" {
				return vj == "" && vi != ""
			}
			return vi < vj
		})
		batch := Batch{SessionID: id, Dropped: b.dropped[id]}
		for _, key := range keys {
			batch.Messages = append(batch.Messages, b.buffers[key]...)
			delete(b.buffers, key)
		}
		delete(b.dropped, id)
		for _, m := range batch.Messages {
			if m.Type == engine.EventClosed {
				batch.Closed = true
			}
		}
		subs := make([]Subscriber, 0, len(b.subs[id]))
		for _, fn := range b.subs[id] {
			subs = append(subs, fn)
		}
		deliveries = append(deliveries, delivery{batch: batch, subs: subs})
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		for _, fn := range d.subs {
			fn(d.batch)
		}
		log.WithFields(log.Fields{
			"session_id":  d.batch.SessionID,
			"messages":    len(d.batch.Messages),
			"subscribers": len(d.subs),
		}).Debug("Flushed session messages")
	}
}
