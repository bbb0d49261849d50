package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/engine"
	"github.com/ukydev/fleet-simulator/internal/session"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBacklog = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Watch streams the flushed message batches of a session over a websocket.
// ?vehicle_id= restricts the stream to one vehicle. The socket is closed
// after the batch reporting the session close.
func (h *SessionHandler) Watch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	vehicleID := r.URL.Query().Get("vehicle_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("session_id", s.ID()).Warn("Watch upgrade failed")
		return
	}

	wc := &watchConn{
		conn: conn,
		send: make(chan session.Batch, sendBacklog),
		done: make(chan struct{}),
	}
	unsubscribe := h.broadcaster.Subscribe(s.ID(), func(b session.Batch) {
		if vehicleID != "" {
			b = filterBatch(b, vehicleID)
			if len(b.Messages) == 0 && !b.Closed {
				return
			}
		}
		wc.offer(b)
	})
	defer unsubscribe()

	log.WithFields(log.Fields{
		"session_id": s.ID(),
		"vehicle_id": vehicleID,
	}).Info("Watcher connected")

	go wc.readLoop()
	wc.writeLoop()

	log.WithField("session_id", s.ID()).Info("Watcher disconnected")
}

// watchConn owns the writes to one websocket.
type watchConn struct {
	conn *websocket.Conn
	send chan session.Batch
	done chan struct{}
	once sync.Once
}

func (c *watchConn) offer(b session.Batch) {
	if b.Closed {
		select {
		case <-c.done:
		case c.send <- b:
		}
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		log.WithField("session_id", b.SessionID).Warn("Watcher too slow, dropping batch")
	}
}

func (c *watchConn) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *watchConn) readLoop() {
	defer c.stop()
	c.conn.SetReadLimit(16 << 10)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *watchConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(b); err != nil {
				return
			}
			if b.Closed {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func filterBatch(b session.Batch, vehicleID string) session.Batch {
	out := b
	out.Messages = nil
	for _, m := range b.Messages {
		if m.VehicleID == vehicleID || m.Type == engine.EventClosed {
			out.Messages = append(out.Messages, m)
		}
	}
	return out
}
