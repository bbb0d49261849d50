package route

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/routing"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

var tokyo = models.Point(35.68, 139.77)

type recorder struct {
	mu        sync.Mutex
	positions []PositionEvent
	routes    []RouteEvent
	states    []StateEvent
}

func (r *recorder) OnPosition(e PositionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, e)
}

func (r *recorder) OnRouteChanged(e RouteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, e)
}

func (r *recorder) OnStateChanged(e StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e)
}

func (r *recorder) Positions() []PositionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PositionEvent(nil), r.positions...)
}

func (r *recorder) Routes() []RouteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RouteEvent(nil), r.routes...)
}

type failingRouter struct {
	calls int32
}

func (f *failingRouter) FindRoute(ctx context.Context, points []models.GeoPoint, mode models.SearchMode, loop bool) (models.Route, error) {
	atomic.AddInt32(&f.calls, 1)
	return models.Route{}, routing.ErrNotFound
}

func (f *failingRouter) MapMatch(ctx context.Context, p models.GeoPoint) (*models.GeoPoint, error) {
	return &p, nil
}

// manual returns a config whose ticker never fires during a test, so ticks
// are driven with Advance.
func manual() Config {
	return Config{TickInterval: time.Hour, TimeStep: time.Second, Seed: 42}
}

func newState(t *testing.T, router routing.Router, cfg Config) (*State, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := New("veh-1", router, cfg, tokyo, rec)
	t.Cleanup(s.Close)
	return s, rec
}

func waitChange(t *testing.T, c Change, err error) {
	t.Helper()
	require.NoError(t, err)
	require.True(t, c.Applied)
	select {
	case err := <-c.Done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("route search did not finish")
	}
}

func TestResetRouteReachesIdle(t *testing.T) {
	s, rec := newState(t, &routing.Straight{Step: 50}, manual())
	assert.Equal(t, StatusStopped, s.Status())

	dest := geo.Destination(tokyo, 45, 800)
	c, err := s.SetDestination(&dest)
	waitChange(t, c, err)

	assert.Equal(t, StatusIdle, s.Status())
	info := s.Snapshot()
	require.Len(t, info.Routes, len(models.DefaultModes))
	assert.Equal(t, models.ModeTime, info.ActiveMode)
	for _, r := range info.Routes {
		assert.True(t, r.Points[len(r.Points)-1].SameCoordinate(dest))
	}

	assert.Eventually(t, func() bool {
		routes := rec.Routes()
		return len(routes) == 1 && routes[0].Err == nil && len(routes[0].Routes) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestResetRouteFailsAfterRetries(t *testing.T) {
	router := &failingRouter{}
	cfg := manual()
	cfg.Modes = []models.SearchMode{models.ModeTime}
	s, rec := newState(t, router, cfg)

	err := <-s.ResetRoute()
	require.Error(t, err)
	assert.ErrorIs(t, err, simerr.ErrRouteUnavailable)
	assert.Equal(t, int32(DefaultMaxAttempts), atomic.LoadInt32(&router.calls))
	assert.Equal(t, StatusStopped, s.Status())

	assert.Eventually(t, func() bool {
		routes := rec.Routes()
		return len(routes) == 1 && routes[0].Err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestFailedSearchCancelsPendingStart(t *testing.T) {
	s, rec := newState(t, &failingRouter{}, manual())

	run, err := s.Start("")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), run)
	assert.True(t, s.Driving())

	assert.Eventually(t, func() bool {
		routes := rec.Routes()
		return len(routes) == 1 && routes[0].CancelledRun == run
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusStopped, s.Status())
	assert.False(t, s.Driving())
}

func TestKeepAnchorsReusesAnchors(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 200}, manual())

	c, err := s.SetOptions(Options{KeepAnchors: true})
	waitChange(t, c, err)
	first := s.Snapshot().Anchors
	require.Len(t, first, 3)

	require.NoError(t, <-s.ResetRoute())
	assert.Equal(t, first, s.Snapshot().Anchors)

	for _, a := range first {
		d := geo.Distance(tokyo, a)
		assert.InDelta(t, geo.ArcToMeters(geo.AnchorArc)*0.9, d, geo.ArcToMeters(geo.AnchorArc)*0.1+1)
	}
}

func TestStartWithoutRouteDrivesOnceRouted(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 100}, manual())

	run, err := s.Start(models.ModeDistance)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.Status() == StatusDriving }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ModeDistance, s.Snapshot().ActiveMode)

	again, err := s.Start("")
	assert.ErrorIs(t, err, simerr.ErrAlreadyRunning)
	assert.Equal(t, run, again)
}

func TestAdvanceReachesEndAndHolds(t *testing.T) {
	s, rec := newState(t, &routing.Straight{Step: 50}, manual())
	end := geo.Destination(tokyo, 0, 600)
	c, err := s.SetWaypoints([]models.GeoPoint{end})
	waitChange(t, c, err)

	_, err = s.Start("")
	require.NoError(t, err)

	points := s.Snapshot().Routes[0].Points
	for i := 0; i < 1000 && s.Snapshot().Cursor < len(points); i++ {
		require.True(t, s.Advance())
		speed := s.Position().Speed
		assert.GreaterOrEqual(t, speed, 0.0)
		assert.LessOrEqual(t, speed, MaxSpeed)
	}
	require.Equal(t, len(points), s.Snapshot().Cursor)
	assert.True(t, s.Position().SameCoordinate(end))

	require.True(t, s.Advance())
	assert.True(t, s.Position().SameCoordinate(end))
	assert.Equal(t, 0.0, s.Position().Speed)
	assert.Equal(t, StatusDriving, s.Status())

	assert.Eventually(t, func() bool { return len(rec.Positions()) > 0 }, time.Second, 10*time.Millisecond)
}

func TestAdvanceLoopsToStart(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 50}, manual())
	end := geo.Destination(tokyo, 90, 300)
	c, err := s.Apply(Update{
		Waypoints: &[]models.GeoPoint{end},
		Options:   &Options{Loop: true},
	})
	waitChange(t, c, err)

	points := s.Snapshot().Routes[0].Points
	require.True(t, points[len(points)-1].SameCoordinate(tokyo))

	_, err = s.Start("")
	require.NoError(t, err)

	wrapped := false
	last := 0
	for i := 0; i < 500 && !wrapped; i++ {
		require.True(t, s.Advance())
		cur := s.Snapshot().Cursor
		wrapped = cur < last
		last = cur
	}
	assert.True(t, wrapped, "cursor should wrap to the start of the route")
}

func TestStopEmitsFinalPositionAndCancelsTicks(t *testing.T) {
	cfg := Config{TickInterval: 10 * time.Millisecond, Seed: 7}
	s, rec := newState(t, &routing.Straight{Step: 50}, cfg)
	c, err := s.SetWaypoints([]models.GeoPoint{geo.Destination(tokyo, 180, 5000)})
	waitChange(t, c, err)

	_, err = s.Start("")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(rec.Positions()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	final, err := s.Stop()
	require.NoError(t, err)
	assert.True(t, final)
	assert.Equal(t, StatusIdle, s.Status())
	assert.False(t, s.Advance())

	var count int
	assert.Eventually(t, func() bool {
		ps := rec.Positions()
		count = len(ps)
		return ps[len(ps)-1].Final
	}, time.Second, 5*time.Millisecond)
	ps := rec.Positions()
	assert.Equal(t, 0.0, ps[len(ps)-1].Position.Speed)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Positions(), count)

	_, err = s.Stop()
	assert.ErrorIs(t, err, simerr.ErrNotRunning)
}

func TestSettersAreNoOpWhileDriving(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 50}, manual())
	c, err := s.SetWaypoints([]models.GeoPoint{geo.Destination(tokyo, 270, 400)})
	waitChange(t, c, err)
	_, err = s.Start("")
	require.NoError(t, err)
	require.True(t, s.Advance())
	before := s.Position()

	c, err = s.SetPosition(models.Point(10, 10))
	require.NoError(t, err)
	assert.False(t, c.Applied)
	c, err = s.SetDestination(nil)
	require.NoError(t, err)
	assert.False(t, c.Applied)

	assert.Equal(t, before, s.Position())
	assert.Equal(t, StatusDriving, s.Status())
}

func TestInvalidCoordinatesRejected(t *testing.T) {
	s, _ := newState(t, routing.NewStraight(), manual())
	_, err := s.SetPosition(models.Point(91, 0))
	assert.ErrorIs(t, err, simerr.ErrInvalidArgument)
}

func TestBatchFallsBackToPairs(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 50, PairsOnly: true}, manual())
	w1 := geo.Destination(tokyo, 0, 300)
	w2 := geo.Destination(w1, 90, 300)
	c, err := s.SetWaypoints([]models.GeoPoint{w1, w2})
	waitChange(t, c, err)

	points := s.Snapshot().Routes[0].Points
	assert.True(t, points[0].SameCoordinate(tokyo))
	assert.True(t, points[len(points)-1].SameCoordinate(w2))
	found := false
	for i, p := range points {
		if i > 0 {
			assert.False(t, p.SameCoordinate(points[i-1]), "duplicate at %d", i)
		}
		found = found || p.SameCoordinate(w1)
	}
	assert.True(t, found)
}

func TestAccelerationClampsSpeed(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 50}, manual())
	c, err := s.SetWaypoints([]models.GeoPoint{geo.Destination(tokyo, 0, 20000)})
	waitChange(t, c, err)
	_, err = s.Start("")
	require.NoError(t, err)

	s.SetAcceleration(1000)
	require.True(t, s.Advance())
	assert.Equal(t, MaxSpeed, s.Position().Speed)

	s.SetAcceleration(-1000)
	require.True(t, s.Advance())
	assert.Equal(t, MinSpeed, s.Position().Speed)
}

func TestAccelerationHaltsAtSharpTurn(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 50}, manual())
	corner := geo.Destination(tokyo, 90, 200)
	c, err := s.SetWaypoints([]models.GeoPoint{corner, geo.Destination(corner, 0, 500)})
	waitChange(t, c, err)
	_, err = s.Start("")
	require.NoError(t, err)
	s.SetAcceleration(1000)

	stopped := false
	for i := 0; i < 20 && !stopped; i++ {
		require.True(t, s.Advance())
		stopped = s.Position().SameCoordinate(corner)
	}
	assert.True(t, stopped, "vehicle should halt on the corner")
}

func TestCruiseSlowsForCorner(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 10}, manual())
	corner := geo.Destination(tokyo, 90, 400)
	c, err := s.SetWaypoints([]models.GeoPoint{corner, geo.Destination(corner, 0, 400)})
	waitChange(t, c, err)

	points := s.Snapshot().Routes[0].Points
	cornerIdx := -1
	for i, p := range points {
		if p.SameCoordinate(corner) {
			cornerIdx = i
			break
		}
	}
	require.Positive(t, cornerIdx)

	_, err = s.Start("")
	require.NoError(t, err)

	near := 0
	for i := 0; i < 500 && s.Snapshot().Cursor <= cornerIdx; i++ {
		before := s.Position()
		ahead := geo.Distance(before, corner)
		require.True(t, s.Advance())
		speed := s.Position().Speed

		assert.LessOrEqual(t, speed, before.Speed+15+1e-9, "tick %d", i)
		if ahead < LookAhead-1 {
			near++
			assert.LessOrEqual(t, speed, math.Max(ahead*2, MinReferenceSpeed)+0.5, "tick %d, %.1f m before the corner", i, ahead)
		}
	}
	assert.Greater(t, s.Snapshot().Cursor, cornerIdx)
	assert.Positive(t, near)
}

func TestCruiseReachesReferenceSpeedOnStraight(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 10}, manual())
	c, err := s.SetWaypoints([]models.GeoPoint{geo.Destination(tokyo, 0, 3000)})
	waitChange(t, c, err)
	_, err = s.Start("")
	require.NoError(t, err)

	prev := 0.0
	for i := 0; i < 10; i++ {
		require.True(t, s.Advance())
		speed := s.Position().Speed
		assert.Greater(t, speed, prev+5-1e-9, "tick %d", i)
		assert.LessOrEqual(t, speed, prev+15+1e-9, "tick %d", i)
		prev = speed
	}
	assert.Greater(t, prev, 50.0)
}

func TestAccelerationReportsCoveredDistanceAtRouteEnd(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 50}, manual())
	end := geo.Destination(tokyo, 0, 600)
	c, err := s.SetWaypoints([]models.GeoPoint{end})
	waitChange(t, c, err)
	_, err = s.Start("")
	require.NoError(t, err)
	s.SetAcceleration(1000)

	points := s.Snapshot().Routes[0].Points
	var before models.GeoPoint
	for i := 0; i < 100 && s.Snapshot().Cursor < len(points); i++ {
		before = s.Position()
		require.True(t, s.Advance())
	}
	require.Equal(t, len(points), s.Snapshot().Cursor)

	covered := geo.MpsToKmh(geo.Distance(before, s.Position()))
	assert.InDelta(t, covered, s.Position().Speed, 0.5)
	assert.Less(t, s.Position().Speed, MaxSpeed)
}

func TestRestartAfterRouteEndDrivesAgain(t *testing.T) {
	s, _ := newState(t, &routing.Straight{Step: 50}, manual())
	end := geo.Destination(tokyo, 0, 300)
	c, err := s.SetWaypoints([]models.GeoPoint{end})
	waitChange(t, c, err)
	_, err = s.Start("")
	require.NoError(t, err)

	points := s.Snapshot().Routes[0].Points
	for i := 0; i < 500 && s.Snapshot().Cursor < len(points); i++ {
		require.True(t, s.Advance())
	}
	require.Equal(t, len(points), s.Snapshot().Cursor)

	_, err = s.Stop()
	require.NoError(t, err)
	_, err = s.Start("")
	require.NoError(t, err)
	assert.True(t, s.Position().SameCoordinate(points[0]))

	require.True(t, s.Advance())
	assert.Greater(t, s.Position().Speed, 0.0)
	assert.Less(t, s.Snapshot().Cursor, len(points))
}
