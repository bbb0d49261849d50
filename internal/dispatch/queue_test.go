package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// gateSink blocks every submission until released and records the order in
// which submissions start.
type gateSink struct {
	mu       sync.Mutex
	started  []string
	inFlight map[string]int
	overlap  bool
	release  chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{inFlight: make(map[string]int), release: make(chan struct{})}
}

func (s *gateSink) SubmitProbe(ctx context.Context, p models.Probe) (models.IngestResult, error) {
	s.mu.Lock()
	s.started = append(s.started, p.TripID)
	s.inFlight[p.VehicleID]++
	if s.inFlight[p.VehicleID] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	select {
	case <-s.release:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.inFlight[p.VehicleID]--
	s.mu.Unlock()
	return models.IngestResult{}, nil
}

func (s *gateSink) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func probe(vehicle string, n int) models.Probe {
	return models.Probe{VehicleID: vehicle, TripID: fmt.Sprintf("%s-%d", vehicle, n)}
}

func TestJobsRunInOrderOneAtATimePerKey(t *testing.T) {
	sink := newGateSink()
	q := New(sink, 0, nil)

	for i := 0; i < 5; i++ {
		_, err := q.Submit("a", probe("a", i), false)
		require.NoError(t, err)
	}
	_, err := q.Submit("b", probe("b", 0), false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(sink.Started()) == 2 }, time.Second, time.Millisecond)
	assert.True(t, q.InFlight("a"))
	assert.Equal(t, 4, q.Pending("a"))

	for i := 0; i < 6; i++ {
		sink.release <- struct{}{}
	}
	require.NoError(t, q.Close(context.Background()))

	var a []string
	for _, id := range sink.Started() {
		if id[0] == 'a' {
			a = append(a, id)
		}
	}
	assert.Equal(t, []string{"a-0", "a-1", "a-2", "a-3", "a-4"}, a)
	assert.False(t, sink.overlap)
	assert.False(t, q.InFlight("a"))
}

func TestSlowKeyDoesNotBlockOthers(t *testing.T) {
	sink := newGateSink()
	q := New(sink, 0, nil)
	defer q.Close(context.Background())

	_, err := q.Submit("slow", probe("slow", 0), false)
	require.NoError(t, err)
	_, err = q.Submit("fast", probe("fast", 0), false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(sink.Started()) == 2 }, time.Second, time.Millisecond)
	close(sink.release)
}

func TestBacklogDropsOldestPending(t *testing.T) {
	sink := newGateSink()
	q := New(sink, 2, nil)

	for i := 0; i < 5; i++ {
		_, err := q.Submit("a", probe("a", i), false)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, q.Pending("a"))
	assert.Equal(t, uint64(2), q.Dropped())

	close(sink.release)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, []string{"a-0", "a-3", "a-4"}, sink.Started())
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) SubmitProbe(ctx context.Context, p models.Probe) (models.IngestResult, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(models.IngestResult), args.Error(1)
}

func TestFailureDoesNotStopLaterJobs(t *testing.T) {
	sink := new(mockSink)
	first, second := probe("a", 0), probe("a", 1)
	sink.On("SubmitProbe", mock.Anything, first).Return(models.IngestResult{}, errors.New("connection refused"))
	sink.On("SubmitProbe", mock.Anything, second).Return(models.IngestResult{
		TriggeredEvents: []models.IngestEvent{{Type: "speeding"}},
	}, nil)

	var mu sync.Mutex
	var errs []error
	var events []int
	q := New(sink, 0, func(job Job, res models.IngestResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
		events = append(events, len(res.TriggeredEvents))
	})

	_, err := q.Submit("a", first, false)
	require.NoError(t, err)
	_, err = q.Submit("a", second, false)
	require.NoError(t, err)
	require.NoError(t, q.Close(context.Background()))

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], simerr.ErrIngestFailure)
	assert.NoError(t, errs[1])
	assert.Equal(t, []int{0, 1}, events)
	sink.AssertExpectations(t)

	_, err = q.Submit("a", first, false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseHonoursContext(t *testing.T) {
	sink := newGateSink()
	q := New(sink, 0, nil)
	_, err := q.Submit("a", probe("a", 0), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}
