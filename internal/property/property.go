// Package property evolves the auxiliary values reported on probes, such as
// fuel level or engine temperature.
package property

import (
	"math/rand"
	"sort"
	"sync"
)

// DriftFunc computes the next candidate value from the current one. dt is
// the simulated time in seconds since the previous tick.
type DriftFunc func(rnd *rand.Rand, value, dt float64) float64

// Decrease lowers the value by rate per second plus up to jitter.
func Decrease(rate, jitter float64) DriftFunc {
	return func(rnd *rand.Rand, value, dt float64) float64 {
		return value - rate*dt - rnd.Float64()*jitter
	}
}

// RandomWalk moves the value up or down by at most step per tick.
func RandomWalk(step float64) DriftFunc {
	return func(rnd *rand.Rand, value, dt float64) float64 {
		return value + (rnd.Float64()*2-1)*step
	}
}

// Simulator is one simulated attribute.
type Simulator struct {
	Name    string
	Min     float64
	Max     float64
	Default float64
	Drift   DriftFunc

	value float64
	fixed *float64
}

// NewSimulator creates a simulator starting at its default value.
func NewSimulator(name string, min, max, def float64, drift DriftFunc) *Simulator {
	return &Simulator{Name: name, Min: min, Max: max, Default: def, Drift: drift, value: def}
}

// Tick advances the value. A candidate leaving [Min, Max] resets the value to
// Default so that exhausted values cycle instead of sticking at a bound.
func (s *Simulator) Tick(rnd *rand.Rand, dt float64) {
	if s.fixed != nil || s.Drift == nil {
		return
	}
	next := s.Drift(rnd, s.value, dt)
	if next < s.Min || next > s.Max {
		next = s.Default
	}
	s.value = next
}

// Value returns the fixed value when set, the simulated one otherwise.
func (s *Simulator) Value() float64 {
	if s.fixed != nil {
		return *s.fixed
	}
	return s.value
}

// Set is the collection of simulated attributes of one vehicle. It is safe
// for concurrent use.
type Set struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	sims   map[string]*Simulator
	static map[string]float64
}

// NewSet creates a set from simulators.
func NewSet(seed int64, sims ...*Simulator) *Set {
	s := &Set{
		rnd:    rand.New(rand.NewSource(seed)),
		sims:   make(map[string]*Simulator, len(sims)),
		static: make(map[string]float64),
	}
	for _, sim := range sims {
		s.sims[sim.Name] = sim
	}
	return s
}

// Tick advances every attribute that is not fixed.
func (s *Set) Tick(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.namesLocked() {
		s.sims[name].Tick(s.rnd, dt)
	}
}

// Fix pins a value. Names without a simulator become static properties.
func (s *Set) Fix(name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sim, ok := s.sims[name]; ok {
		sim.fixed = &v
		return
	}
	s.static[name] = v
}

// Unfix hands a value back to its simulator, or drops a static property.
func (s *Set) Unfix(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sim, ok := s.sims[name]; ok {
		sim.fixed = nil
		return
	}
	delete(s.static, name)
}

// Fixed reports whether name currently carries an explicit value.
func (s *Set) Fixed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sim, ok := s.sims[name]; ok {
		return sim.fixed != nil
	}
	_, ok := s.static[name]
	return ok
}

// Snapshot returns all current values, fixed ones taking precedence.
func (s *Set) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.sims)+len(s.static))
	for name, sim := range s.sims {
		out[name] = sim.Value()
	}
	for name, v := range s.static {
		out[name] = v
	}
	return out
}

// namesLocked keeps ticks deterministic for a given seed.
func (s *Set) namesLocked() []string {
	names := make([]string, 0, len(s.sims))
	for name := range s.sims {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
