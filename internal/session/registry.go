package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/fleet-simulator/internal/engine"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// Registry owns the sessions of all clients, one per client id.
type Registry struct {
	opts        engine.Options
	broadcaster *Broadcaster

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	session *engine.Session
	unwatch func()
}

// NewRegistry creates sessions from opts and publishes their events to b,
// which may be nil.
func NewRegistry(opts engine.Options, b *Broadcaster) *Registry {
	return &Registry{
		opts:        opts,
		broadcaster: b,
		sessions:    make(map[string]*entry),
	}
}

// Get returns the session of clientID.
func (r *Registry) Get(clientID string) (*engine.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", clientID, simerr.ErrNotFound)
	}
	return e.session, nil
}

// Open opens the session of clientID, creating it first when needed.
func (r *Registry) Open(ctx context.Context, clientID string, req engine.OpenRequest) (*engine.Session, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: empty client id", simerr.ErrInvalidArgument)
	}
	s, created := r.getOrCreate(clientID)
	if err := s.Open(ctx, req); err != nil {
		if created {
			r.remove(clientID, s)
		}
		return nil, err
	}
	return s, nil
}

// Close closes the session of clientID. It is removed from the registry
// once closed.
func (r *Registry) Close(clientID string) error {
	s, err := r.Get(clientID)
	if err != nil {
		return err
	}
	return s.Close()
}

// List describes every session, ordered by client id.
func (r *Registry) List() []engine.SessionInfo {
	r.mu.Lock()
	sessions := make([]*engine.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	out := make([]engine.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll closes every open session in parallel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*engine.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Close(); err != nil {
				log.WithError(err).WithField("session_id", s.ID()).Debug("Session not closed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) getOrCreate(clientID string) (*engine.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[clientID]; ok {
		return e.session, false
	}

	var s *engine.Session
	opts := r.opts
	onClose := opts.OnClose
	opts.OnClose = func(id string, reason engine.CloseReason) {
		if onClose != nil {
			onClose(id, reason)
		}
		r.closed(id, s)
	}
	s = engine.New(clientID, opts)
	e := &entry{session: s, unwatch: func() {}}
	if r.broadcaster != nil {
		e.unwatch = s.Watch("", r.broadcaster.Publish)
	}
	r.sessions[clientID] = e
	return s, true
}

func (r *Registry) closed(clientID string, s *engine.Session) {
	r.mu.Lock()
	e, ok := r.sessions[clientID]
	ok = ok && e.session == s
	if ok {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()
	if ok {
		e.unwatch()
	}
}

// remove drops a session that never opened.
func (r *Registry) remove(clientID string, s *engine.Session) {
	r.mu.Lock()
	e, ok := r.sessions[clientID]
	if ok && e.session == s && s.State() == engine.StateClosed {
		delete(r.sessions, clientID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		e.unwatch()
	}
}
