package route

import (
	"math"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
)

// advanceLocked moves the vehicle one tick along the active route and posts
// the new position.
func (s *State) advanceLocked() {
	if len(s.routes) == 0 {
		return
	}
	pts := s.routes[s.active].Points
	dt := s.cfg.TimeStep.Seconds()

	if s.cursor >= len(pts) {
		if !s.options.Loop {
			// end of route: hold in place
			s.position.Speed = 0
			s.carry = 0
			s.postPositionLocked(false)
			return
		}
		s.cursor = 0
	}

	if s.acceleration != 0 {
		s.accelerate(pts, dt)
	} else {
		s.cruise(pts, dt)
	}
	s.postPositionLocked(false)
}

// accelerate integrates the explicit acceleration input and walks as many
// points as the tick covers, halting at a turn sharper than MaxTurnAngle.
// Distance left over at a turn is carried into the next tick. When a route
// that does not loop runs out mid-tick the reported speed is the distance
// actually covered.
func (s *State) accelerate(pts []models.GeoPoint, dt float64) {
	speed := clamp(s.position.Speed+s.acceleration*dt, MinSpeed, MaxSpeed)
	tick := geo.KmhToMps(speed) * dt
	budget := tick + s.carry
	full := budget
	s.carry = 0

	pos := s.position
	wrapped, ended := false, false
	for budget > 0 {
		if s.cursor >= len(pts) {
			if !s.options.Loop || wrapped {
				ended = true
				break
			}
			s.cursor = 0
			wrapped = true
		}
		target := pts[s.cursor]
		d := geo.Distance(pos, target)
		if d > budget {
			pos = geo.Destination(pos, geo.Bearing(pos, target), budget)
			break
		}
		pos = arrive(pos, target, d)
		budget -= d
		s.cursor++
		if s.sharpTurnAt(pts, s.cursor-1) {
			s.carry = math.Min(budget, tick)
			break
		}
	}
	pos.Speed = speed
	if ended && dt > 0 {
		pos.Speed = math.Min(speed, geo.MpsToKmh((full-budget)/dt))
	}
	s.position = pos
}

// cruise drives without an acceleration input: speed follows the curvature
// ahead and never jumps far above the previous tick's speed. The vehicle
// covers the whole allowance of the tick, stopping part way along a segment
// when needed.
func (s *State) cruise(pts []models.GeoPoint, dt float64) {
	prev := s.position.Speed
	bound := prev + 5 + s.rnd.Float64()*10
	limit := math.Min(math.Min(s.referenceSpeed(pts), bound), MaxSpeed)
	allowance := geo.KmhToMps(limit) * dt

	pos := s.position
	traveled := 0.0
	wrapped := false
	for traveled < allowance {
		if s.cursor >= len(pts) {
			if !s.options.Loop || wrapped {
				break
			}
			s.cursor = 0
			wrapped = true
		}
		target := pts[s.cursor]
		d := geo.Distance(pos, target)
		if traveled+d <= allowance {
			pos = arrive(pos, target, d)
			traveled += d
			s.cursor++
			continue
		}
		step := allowance - traveled
		pos = geo.Destination(pos, geo.Bearing(pos, target), step)
		traveled += step
		break
	}

	pos.Speed = 0
	if dt > 0 {
		pos.Speed = clamp(geo.MpsToKmh(traveled/dt), 0, MaxSpeed)
	}
	s.position = pos
}

// referenceSpeed looks LookAhead meters down the route and lowers the speed
// for sharp corners: the closer the corner, the slower.
func (s *State) referenceSpeed(pts []models.GeoPoint) float64 {
	ref := MaxSpeed
	ahead := 0.0
	from := s.position
	for i := s.cursor; i < len(pts); i++ {
		ahead += geo.Distance(from, pts[i])
		if ahead > LookAhead {
			break
		}
		from = pts[i]
		if i == 0 || i+1 >= len(pts) {
			continue
		}
		interior := 180 - geo.TurnAngle(pts[i-1], pts[i], pts[i+1])
		switch {
		case interior < 110:
			ref = math.Min(ref, ahead*2)
		case interior < 135:
			ref = math.Min(ref, ahead*3)
		}
	}
	return math.Max(ref, MinReferenceSpeed)
}

func (s *State) sharpTurnAt(pts []models.GeoPoint, i int) bool {
	if i <= 0 || i+1 >= len(pts) {
		return false
	}
	return geo.TurnAngle(pts[i-1], pts[i], pts[i+1]) > MaxTurnAngle
}

// arrive places the vehicle on target, keeping the heading it drove in on.
func arrive(from, target models.GeoPoint, d float64) models.GeoPoint {
	heading := from.Heading
	if d > 0 {
		heading = geo.Bearing(from, target)
	}
	p := models.Point(target.Latitude, target.Longitude)
	p.Heading = heading
	return p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
