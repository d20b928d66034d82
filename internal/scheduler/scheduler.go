// Package scheduler owns the job state machine: a FIFO queue feeding a
// bounded pool of workers, each worker driving one job through its
// preparation phases, execution, and terminal state.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/claude-batch/batchd/internal/cidx"
	"github.com/claude-batch/batchd/internal/cow"
	"github.com/claude-batch/batchd/internal/executor"
	"github.com/claude-batch/batchd/internal/job"
	"github.com/claude-batch/batchd/internal/repo"
	"github.com/claude-batch/batchd/internal/staging"
	"github.com/claude-batch/batchd/logger"
	"github.com/claude-batch/batchd/process"
)

// ErrIllegalTransition is returned when an operation is not valid in the
// job's current state, such as cancelling a terminal job.
var ErrIllegalTransition = fmt.Errorf("illegal job state transition")

const (
	// DefaultMaxConcurrent bounds simultaneously running jobs.
	DefaultMaxConcurrent = 3
	// DefaultJobTimeout applies when a job doesn't set its own.
	DefaultJobTimeout = time.Hour
	// DefaultMaxJobAge is the administrative cutoff after which a job is
	// cleaned up regardless of state.
	DefaultMaxJobAge = 48 * time.Hour
	// DefaultPollInterval is how often a worker re-checks a detached
	// job for completion, cancellation, or timeout.
	DefaultPollInterval = 2 * time.Second
	// DefaultRetentionSweep is how often terminal job records are
	// checked against the retention horizon.
	DefaultRetentionSweep = time.Hour
)

// Scheduler moves jobs from creation to a terminal state. A single
// dispatch loop pulls from the queue; each admitted job gets a worker
// goroutine that exclusively owns that job's transitions.
type Scheduler struct {
	logger   logger.Logger
	store    *job.Store
	registry *repo.Registry
	cloner   *cow.Cloner
	staging  *staging.Area
	executor *executor.Executor
	cidx     *cidx.Client
	metrics  *metrics

	sem          *semaphore.Weighted
	jobTimeout   time.Duration
	maxJobAge    time.Duration
	pollInterval time.Duration
	retention    time.Duration

	mu     sync.Mutex
	queue  []string
	wake   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Opt = func(*Scheduler)

func WithMaxConcurrent(n int) Opt {
	return func(s *Scheduler) { s.sem = semaphore.NewWeighted(int64(n)) }
}

func WithJobTimeout(d time.Duration) Opt {
	return func(s *Scheduler) { s.jobTimeout = d }
}

func WithMaxJobAge(d time.Duration) Opt {
	return func(s *Scheduler) { s.maxJobAge = d }
}

func WithPollInterval(d time.Duration) Opt {
	return func(s *Scheduler) { s.pollInterval = d }
}

func WithRetention(d time.Duration) Opt {
	return func(s *Scheduler) { s.retention = d }
}

func WithMetricsRegisterer(reg prometheus.Registerer) Opt {
	return func(s *Scheduler) { s.metrics = newMetrics(reg) }
}

func New(l logger.Logger, store *job.Store, registry *repo.Registry, cloner *cow.Cloner, stag *staging.Area, exec *executor.Executor, cidxClient *cidx.Client, opts ...Opt) *Scheduler {
	s := &Scheduler{
		logger:       l,
		store:        store,
		registry:     registry,
		cloner:       cloner,
		staging:      stag,
		executor:     exec,
		cidx:         cidxClient,
		sem:          semaphore.NewWeighted(DefaultMaxConcurrent),
		jobTimeout:   DefaultJobTimeout,
		maxJobAge:    DefaultMaxJobAge,
		pollInterval: DefaultPollInterval,
		retention:    job.DefaultRetention,
		wake:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	return s
}

// WorkspacePath is where a job's CoW clone will live.
func (s *Scheduler) WorkspacePath(jobID string) string {
	return filepath.Join(s.store.Root(), jobID)
}

// CreateJob validates the repository reference and records a new job in
// the Created state. The workspace is materialised later, by the worker,
// after the source pull so the clone sees fresh content.
func (s *Scheduler) CreateJob(ctx context.Context, username, repository, prompt string, opts job.Options) (job.Job, error) {
	if _, err := s.registry.Get(ctx, repository); err != nil {
		return job.Job{}, err
	}

	j := job.New(username, repository, prompt, opts)
	j.WorkspacePath = s.WorkspacePath(j.ID)
	if err := s.store.Put(j); err != nil {
		return job.Job{}, err
	}

	s.logger.Info("[Scheduler] Created job %s (%s) for %s on %s", j.ID, j.Title, username, repository)
	return *j, nil
}

// StartJob moves a Created job into the queue.
func (s *Scheduler) StartJob(ctx context.Context, jobID string) error {
	err := s.store.Mutate(jobID, func(j *job.Job) error {
		if j.Status != job.StatusCreated {
			return fmt.Errorf("%w: cannot start job in state %q", ErrIllegalTransition, j.Status)
		}
		j.Status = job.StatusQueued
		return nil
	})
	if err != nil {
		return err
	}

	s.enqueue(jobID)
	s.logger.Info("[Scheduler] Queued job %s", jobID)
	return nil
}

func (s *Scheduler) enqueue(jobID string) {
	s.mu.Lock()
	s.queue = append(s.queue, jobID)
	s.recomputePositionsLocked()
	s.mu.Unlock()
	s.metrics.queued.Inc()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	s.recomputePositionsLocked()
	s.metrics.queued.Dec()
	return id, true
}

// recomputePositionsLocked renumbers Queued jobs 1..k by creation time.
// Callers hold s.mu.
func (s *Scheduler) recomputePositionsLocked() {
	type entry struct {
		id      string
		created time.Time
	}
	entries := make([]entry, 0, len(s.queue))
	for _, id := range s.queue {
		if snap, ok := s.store.Snapshot(id); ok && snap.Status == job.StatusQueued {
			entries = append(entries, entry{id, snap.CreatedAt})
		}
	}
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].created.Before(entries[k].created)
	})
	for pos, e := range entries {
		want := pos + 1
		_ = s.store.Mutate(e.id, func(j *job.Job) error {
			j.QueuePosition = want
			return nil
		})
	}
}

// Run starts the dispatch loop and the background sweeps, blocking until
// ctx is cancelled. In-flight workers are waited for on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
		}

		for {
			id, ok := s.dequeue()
			if !ok {
				break
			}

			// Cancellation may have moved the job while it waited.
			snap, ok := s.store.Snapshot(id)
			if !ok || snap.Status != job.StatusQueued {
				s.finaliseIfCancelling(id)
				continue
			}

			if err := s.sem.Acquire(ctx, 1); err != nil {
				// Cancelled while waiting for a slot. Workers already
				// admitted still get waited for, same as the ctx.Done
				// branch above.
				s.wg.Wait()
				return err
			}
			s.wg.Add(1)
			go func(jobID string) {
				defer s.wg.Done()
				defer s.sem.Release(1)
				s.runJob(ctx, jobID)
			}(id)
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ageTicker := time.NewTicker(time.Minute)
	defer ageTicker.Stop()
	retentionTicker := time.NewTicker(DefaultRetentionSweep)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ageTicker.C:
			s.sweepAged()
		case <-retentionTicker.C:
			for _, id := range s.store.CleanupRetention(s.retention) {
				if err := cow.RemoveTree(s.WorkspacePath(id)); err != nil {
					s.logger.Warn("[Scheduler] Removing expired workspace %s: %v", id, err)
				}
			}
		}
	}
}

// sweepAged force-cleans jobs past the administrative age limit,
// whatever state they are in.
func (s *Scheduler) sweepAged() {
	cutoff := time.Now().Add(-s.maxJobAge)
	for _, j := range s.store.All() {
		snap, ok := s.store.Snapshot(j.ID)
		if !ok || snap.Status.Terminal() || !snap.CreatedAt.Before(cutoff) {
			continue
		}
		s.logger.Warn("[Scheduler] Job %s exceeded max age, cleaning up", j.ID)
		if snap.PID != nil {
			_ = process.KillGroup(*snap.PID, process.SIGKILL)
		}
		s.finish(j.ID, job.StatusTimeout, nil, "job exceeded maximum age")
	}
}
