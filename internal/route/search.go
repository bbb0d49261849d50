package route

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/routing"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

const (
	randomAnchorCount = 3
	maxDestAnchors    = 3
	// destAnchorSpread scales AnchorArc for the anchors placed on the way to a destination.
	destAnchorSpread = 0.2
)

// searchRequest is a copy of the inputs a route search needs, taken under
// the state lock so the search itself runs without it.
type searchRequest struct {
	gen          uint64
	start        models.GeoPoint
	destination  *models.GeoPoint
	waypoints    []models.GeoPoint
	options      Options
	anchors      []models.GeoPoint
	destAnchors  []models.GeoPoint
	cachedFor    *models.GeoPoint
	modes        []models.SearchMode
	pointToPoint bool
	maxAttempts  int
	seed         int64
}

type searchResult struct {
	routes      []models.Route
	anchors     []models.GeoPoint
	destAnchors []models.GeoPoint
	cachedFor   *models.GeoPoint
	err         error
}

func (s *State) resetLocked() <-chan error {
	done := make(chan error, 1)
	if s.closed {
		done <- ErrClosed
		return done
	}
	if s.status == StatusDriving {
		done <- simerr.ErrAlreadyRunning
		return done
	}

	s.routeGen++
	req := searchRequest{
		gen:          s.routeGen,
		start:        s.position,
		destination:  s.destination,
		waypoints:    append([]models.GeoPoint(nil), s.waypoints...),
		options:      s.options,
		anchors:      append([]models.GeoPoint(nil), s.anchors...),
		destAnchors:  append([]models.GeoPoint(nil), s.destAnchors...),
		cachedFor:    s.destAnchorsFor,
		modes:        append([]models.SearchMode(nil), s.cfg.Modes...),
		pointToPoint: s.cfg.PointToPoint,
		maxAttempts:  s.cfg.MaxAttempts,
		seed:         s.rnd.Int63(),
	}
	s.setStatusLocked(StatusRouting)

	go func() {
		res := search(s.ctx, s.router, req)
		done <- s.finishSearch(req.gen, res)
	}()
	return done
}

func (s *State) finishSearch(gen uint64, res searchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if gen != s.routeGen {
		return ErrSuperseded
	}

	s.anchors = res.anchors
	s.destAnchors = res.destAnchors
	s.destAnchorsFor = res.cachedFor

	if res.err != nil {
		err := fmt.Errorf("%w: %v", simerr.ErrRouteUnavailable, res.err)
		ev := RouteEvent{VehicleID: s.vehicleID, Routes: s.routes, Err: err}
		if s.pending != nil {
			ev.CancelledRun = s.pending.run
			s.pending = nil
		}
		if len(s.routes) > 0 {
			s.setStatusLocked(StatusIdle)
		} else {
			s.setStatusLocked(StatusStopped)
		}
		s.box.post(ev)
		return err
	}

	var prevMode models.SearchMode
	if len(s.routes) > 0 {
		prevMode = s.routes[s.active].Mode
	}
	s.routes = res.routes
	s.active = 0
	if i := s.modeIndexLocked(prevMode); i >= 0 {
		s.active = i
	}
	s.cursor = 0
	s.carry = 0

	s.setStatusLocked(StatusIdle)
	s.box.post(RouteEvent{
		VehicleID:  s.vehicleID,
		Routes:     append([]models.Route(nil), s.routes...),
		ActiveMode: s.routes[s.active].Mode,
	})

	if p := s.pending; p != nil {
		s.pending = nil
		s.beginDrivingLocked(p.mode)
	}
	return nil
}

// search builds the anchor list and asks the router for one route per mode.
// Modes the router cannot serve are skipped; the search fails only when no
// mode produced a drivable route.
func search(ctx context.Context, router routing.Router, req searchRequest) searchResult {
	rnd := rand.New(rand.NewSource(req.seed))
	res := searchResult{
		anchors:     req.anchors,
		destAnchors: req.destAnchors,
		cachedFor:   req.cachedFor,
	}

	var points []models.GeoPoint
	switch {
	case len(req.waypoints) > 0:
		points = append(points, req.start)
		points = append(points, req.waypoints...)
		if req.destination != nil {
			points = append(points, *req.destination)
		}
	case req.destination != nil:
		if req.cachedFor == nil || !req.cachedFor.SameCoordinate(*req.destination) {
			res.destAnchors = destinationAnchors(ctx, router, rnd, req.start)
			d := *req.destination
			res.cachedFor = &d
		}
		points = append(points, req.start)
		points = append(points, res.destAnchors...)
		points = append(points, *req.destination)
	case req.options.KeepAnchors && len(req.anchors) > 0:
		points = append([]models.GeoPoint{req.start}, req.anchors...)
	default:
		res.anchors = randomAnchors(ctx, router, rnd, req.start)
		points = append([]models.GeoPoint{req.start}, res.anchors...)
	}

	var lastErr error
	for _, mode := range req.modes {
		r, err := searchMode(ctx, router, points, mode, req.options.Loop, req.pointToPoint, req.maxAttempts)
		if err != nil {
			lastErr = err
			continue
		}
		r.Mode = mode
		if !r.Valid() {
			lastErr = fmt.Errorf("%s route has %d points", mode, len(r.Points))
			continue
		}
		res.routes = append(res.routes, r)
	}
	if len(res.routes) == 0 {
		if lastErr == nil {
			lastErr = routing.ErrNotFound
		}
		res.err = lastErr
	}
	return res
}

func searchMode(ctx context.Context, router routing.Router, points []models.GeoPoint, mode models.SearchMode, loop, pointToPoint bool, attempts int) (models.Route, error) {
	if !pointToPoint {
		r, err := findWithRetry(ctx, router, points, mode, loop, attempts)
		if err == nil {
			r.Points = models.Dedupe(r.Points)
			return r, nil
		}
		if !errors.Is(err, routing.ErrBatchUnsupported) {
			return models.Route{}, err
		}
	}

	legs := make([][2]models.GeoPoint, 0, len(points))
	for i := 1; i < len(points); i++ {
		legs = append(legs, [2]models.GeoPoint{points[i-1], points[i]})
	}
	if loop && len(points) > 2 {
		legs = append(legs, [2]models.GeoPoint{points[len(points)-1], points[0]})
	}

	var out models.Route
	for _, leg := range legs {
		if leg[0].SameCoordinate(leg[1]) {
			continue
		}
		r, err := findWithRetry(ctx, router, leg[:], mode, false, attempts)
		if err != nil {
			return models.Route{}, err
		}
		out.Points = append(out.Points, r.Points...)
		out.Distance += r.Distance
		out.TravelTime += r.TravelTime
	}
	out.Points = models.Dedupe(out.Points)
	return out, nil
}

func findWithRetry(ctx context.Context, router routing.Router, points []models.GeoPoint, mode models.SearchMode, loop bool, attempts int) (models.Route, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var r models.Route
		r, err = router.FindRoute(ctx, points, mode, loop)
		if err == nil {
			return r, nil
		}
		if errors.Is(err, routing.ErrBatchUnsupported) || ctx.Err() != nil {
			return models.Route{}, err
		}
	}
	return models.Route{}, err
}

// randomAnchors scatters anchors around start and orders them by bearing so
// the route sweeps around the start instead of zig-zagging.
func randomAnchors(ctx context.Context, router routing.Router, rnd *rand.Rand, start models.GeoPoint) []models.GeoPoint {
	anchors := make([]models.GeoPoint, 0, randomAnchorCount)
	for i := 0; i < randomAnchorCount; i++ {
		anchors = append(anchors, mapMatch(ctx, router, geo.RandomAnchor(rnd, start)))
	}
	sort.Slice(anchors, func(i, j int) bool {
		return geo.Bearing(start, anchors[i]) < geo.Bearing(start, anchors[j])
	})
	return anchors
}

// destinationAnchors places up to three anchors near start, nearest first.
func destinationAnchors(ctx context.Context, router routing.Router, rnd *rand.Rand, start models.GeoPoint) []models.GeoPoint {
	n := rnd.Intn(maxDestAnchors + 1)
	radius := geo.ArcToMeters(geo.AnchorArc) * destAnchorSpread
	anchors := make([]models.GeoPoint, 0, n)
	for i := 0; i < n; i++ {
		anchors = append(anchors, mapMatch(ctx, router, geo.RandomPoint(rnd, start, radius)))
	}
	sort.Slice(anchors, func(i, j int) bool {
		return geo.Distance(start, anchors[i]) < geo.Distance(start, anchors[j])
	})
	return anchors
}

func mapMatch(ctx context.Context, router routing.Router, p models.GeoPoint) models.GeoPoint {
	m, err := router.MapMatch(ctx, p)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"lat": p.Latitude,
			"lon": p.Longitude,
		}).Debug("Map match failed, using raw anchor")
		return p
	}
	if m == nil {
		return p
	}
	return models.Point(m.Latitude, m.Longitude)
}
