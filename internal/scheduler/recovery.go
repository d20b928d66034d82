package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/claude-batch/batchd/internal/executor"
	"github.com/claude-batch/batchd/internal/job"
	"github.com/claude-batch/batchd/process"
)

// RecoveredJob describes one job touched by boot recovery.
type RecoveredJob struct {
	ID     string
	From   job.Status
	To     job.Status
	Reason string
}

// Recover reconciles persisted jobs with on-disk reality after a restart.
// It is strictly observational: a finished script's sentinel is recorded, a
// live detached process is adopted, and anything else is failed. No phase
// is ever re-executed from the middle. Running it twice yields the same
// states.
func (s *Scheduler) Recover(ctx context.Context) ([]RecoveredJob, error) {
	jobs, err := s.store.LoadAll()
	if err != nil {
		return nil, err
	}

	recovered := []RecoveredJob{}
	for _, j := range jobs {
		snap, ok := s.store.Snapshot(j.ID)
		if !ok || snap.Status.Terminal() || snap.Status == job.StatusCreated {
			continue
		}

		r := s.recoverOne(ctx, snap)
		if r != nil {
			recovered = append(recovered, *r)
			s.logger.Info("[Recovery] Job %s: %s -> %s (%s)", r.ID, r.From, r.To, r.Reason)
		}
	}
	return recovered, nil
}

func (s *Scheduler) recoverOne(ctx context.Context, snap job.Job) *RecoveredJob {
	// Jobs that never reached execution have no subprocess to observe.
	// Queued ones go back on the queue; mid-preparation ones are failed.
	switch snap.Status {
	case job.StatusQueued:
		s.enqueue(snap.ID)
		return &RecoveredJob{ID: snap.ID, From: snap.Status, To: job.StatusQueued, Reason: "requeued"}
	case job.StatusGitPulling, job.StatusCidxIndexing, job.StatusCidxReady, job.StatusCancelling:
		s.finish(snap.ID, job.StatusFailed, nil, msgFailedToStart)
		return &RecoveredJob{ID: snap.ID, From: snap.Status, To: job.StatusFailed, Reason: msgFailedToStart}
	}

	// Running: the output file's sentinel is the ground truth.
	if code, rest, found := sentinelFor(snap); found {
		status := job.StatusCompleted
		if code != 0 {
			status = job.StatusFailed
		}
		exit := code
		now := time.Now().UTC()
		_ = s.store.Mutate(snap.ID, func(j *job.Job) error {
			j.Status = status
			j.ExitCode = &exit
			j.Output = rest
			j.PID = nil
			j.CompletedAt = &now
			return nil
		})
		return &RecoveredJob{ID: snap.ID, From: snap.Status, To: status, Reason: "completion sentinel found"}
	}

	if snap.PID != nil && process.Alive(*snap.PID) {
		// The detached script outlived us. Adopt it: keep Running and
		// restart the completion monitor under a worker slot.
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
			s.metrics.running.Inc()
			defer s.metrics.running.Dec()
			s.monitor(ctx, id)
		}(snap.ID)
		return &RecoveredJob{ID: snap.ID, From: snap.Status, To: job.StatusRunning, Reason: "adopted live process"}
	}

	msg := msgFailedToStart
	if outputExists(snap) {
		msg = msgDiedUnexpectedly
	}
	s.finish(snap.ID, job.StatusFailed, nil, msg)
	return &RecoveredJob{ID: snap.ID, From: snap.Status, To: job.StatusFailed, Reason: msg}
}

func sentinelFor(snap job.Job) (int, string, bool) {
	b, err := os.ReadFile(executor.OutputPath(snap.WorkspacePath, snap.ID))
	if err != nil {
		return 0, "", false
	}
	return executor.ParseSentinel(string(b))
}

func outputExists(snap job.Job) bool {
	_, err := os.Stat(executor.OutputPath(snap.WorkspacePath, snap.ID))
	return err == nil
}
