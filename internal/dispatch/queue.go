// Package dispatch serializes outbound telemetry per vehicle: at most one
// submission per key is in flight and jobs of a key run in the order they
// were queued. Different keys run in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// DefaultMaxPending bounds the backlog of one key.
const DefaultMaxPending = 100

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch queue closed")

// Sink is the telemetry ingest collaborator.
type Sink interface {
	SubmitProbe(ctx context.Context, p models.Probe) (models.IngestResult, error)
}

// Job is one queued probe submission.
type Job struct {
	Key   string
	Seq   uint64
	Probe models.Probe
	// Final marks the last probe of a trip.
	Final    bool
	Enqueued time.Time
}

// ResultFunc receives the outcome of every job, in order per key. err wraps
// simerr.ErrIngestFailure when the submission failed.
type ResultFunc func(job Job, res models.IngestResult, err error)

// Queue is a per-key FIFO job runner.
type Queue struct {
	sink       Sink
	onDone     ResultFunc
	maxPending int

	mu      sync.Mutex
	pending map[string][]Job
	busy    map[string]bool
	seq     uint64
	dropped uint64
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue submitting to sink. maxPending <= 0 selects
// DefaultMaxPending.
func New(sink Sink, maxPending int, onDone ResultFunc) *Queue {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sink:       sink,
		onDone:     onDone,
		maxPending: maxPending,
		pending:    make(map[string][]Job),
		busy:       make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit queues a probe for key and returns immediately.
func (q *Queue) Submit(key string, p models.Probe, final bool) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, ErrClosed
	}

	q.seq++
	job := Job{Key: key, Seq: q.seq, Probe: p, Final: final, Enqueued: time.Now()}
	if !q.busy[key] {
		q.busy[key] = true
		q.wg.Add(1)
		go q.run(job)
		return job, nil
	}

	backlog := append(q.pending[key], job)
	if len(backlog) > q.maxPending {
		dropped := backlog[0]
		backlog = backlog[1:]
		q.dropped++
		log.WithFields(log.Fields{
			"key": key,
			"seq": dropped.Seq,
		}).Warn("Dispatch backlog full, dropping oldest probe")
	}
	q.pending[key] = backlog
	return job, nil
}

func (q *Queue) run(job Job) {
	defer q.wg.Done()
	for {
		res, err := q.sink.SubmitProbe(q.ctx, job.Probe)
		if err != nil && !errors.Is(err, simerr.ErrIngestFailure) {
			err = fmt.Errorf("%w: %v", simerr.ErrIngestFailure, err)
		}
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"key": job.Key,
				"seq": job.Seq,
			}).Debug("Probe submission failed")
		}
		if q.onDone != nil {
			q.onDone(job, res, err)
		}

		q.mu.Lock()
		backlog := q.pending[job.Key]
		if len(backlog) == 0 {
			delete(q.pending, job.Key)
			delete(q.busy, job.Key)
			q.mu.Unlock()
			return
		}
		job = backlog[0]
		q.pending[job.Key] = backlog[1:]
		q.mu.Unlock()
	}
}

// Pending returns the number of jobs waiting behind the in-flight one.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[key])
}

// InFlight reports whether a job for key is being submitted.
func (q *Queue) InFlight(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy[key]
}

// Dropped returns how many jobs were discarded because a backlog was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close rejects new jobs and waits for the queued ones to finish. When ctx
// expires first the in-flight submissions are cancelled and ctx's error is
// returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
