package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/claude-batch/batchd/internal/cow"
	"github.com/claude-batch/batchd/internal/job"
	"github.com/claude-batch/batchd/internal/repo"
	"github.com/claude-batch/batchd/process"
)

// Messages recorded on jobs that ended without a sentinel.
const (
	msgDiedUnexpectedly = "Process died unexpectedly during execution"
	msgFailedToStart    = "Job failed to start properly"
)

// runJob drives one admitted job through preparation, execution, and
// completion. It is the only goroutine that transitions this job.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	snap, ok := s.store.Snapshot(jobID)
	if !ok {
		return
	}
	s.metrics.running.Inc()
	defer s.metrics.running.Dec()

	// Source pull comes before the clone so the workspace sees fresh
	// content.
	if snap.Options.GitAware {
		if !s.transition(jobID, job.StatusGitPulling, job.PhaseRunning) {
			return
		}
		outcome, err := s.registry.PullUpdates(ctx, snap.Repository)
		switch {
		case err != nil || outcome == repo.PullFailed:
			s.setGitPhase(jobID, job.PhaseFailed)
			s.finish(jobID, job.StatusGitFailed, nil, fmt.Sprintf("git pull failed: %v", err))
			return
		case outcome == repo.NotGitRepo:
			s.setGitPhase(jobID, job.PhaseSkipped)
		default:
			s.setGitPhase(jobID, job.PhaseDone)
		}
	} else {
		s.setGitPhase(jobID, job.PhaseSkipped)
	}

	if s.cancelled(jobID) {
		return
	}

	// Materialise the workspace and land any staged uploads.
	reg, err := s.registry.Get(ctx, snap.Repository)
	if err != nil {
		s.finish(jobID, job.StatusFailed, nil, fmt.Sprintf("repository lookup failed: %v", err))
		return
	}
	if err := s.cloner.Clone(ctx, reg.Path, snap.WorkspacePath); err != nil {
		s.finish(jobID, job.StatusFailed, nil, fmt.Sprintf("workspace clone failed: %v", err))
		return
	}
	if n, err := s.staging.Drain(jobID, snap.WorkspacePath); err != nil {
		s.logger.Warn("[Scheduler] Draining uploads for %s: %v", jobID, err)
	} else if n > 0 {
		s.logger.Info("[Scheduler] Drained %d uploads into workspace for %s", n, jobID)
	}
	if err := s.staging.Cleanup(jobID); err != nil {
		s.logger.Warn("[Scheduler] Staging cleanup for %s: %v", jobID, err)
	}

	if s.cancelled(jobID) {
		return
	}

	// Indexer preparation runs inside the workspace because the clone's
	// indexer config still references the source tree. Failure here is
	// non-fatal; the job continues without the indexer.
	indexerReady := false
	if snap.Options.CidxAware {
		if !s.transition(jobID, job.StatusCidxIndexing, "") {
			return
		}
		s.setCidxPhase(jobID, job.PhaseRunning)
		if err := s.prepareIndexer(ctx, snap.WorkspacePath); err != nil {
			s.logger.Warn("[Scheduler] Indexer preparation for %s failed, continuing without: %v", jobID, err)
			s.setCidxPhase(jobID, job.PhaseFailed)
		} else {
			indexerReady = s.cidx.Ready(ctx, snap.WorkspacePath)
			s.setCidxPhase(jobID, job.PhaseDone)
			if !s.transition(jobID, job.StatusCidxReady, "") {
				return
			}
		}
	} else {
		s.setCidxPhase(jobID, job.PhaseSkipped)
	}

	if s.cancelled(jobID) {
		return
	}

	s.execute(ctx, jobID, indexerReady)
}

func (s *Scheduler) prepareIndexer(ctx context.Context, workspace string) error {
	if err := s.cidx.FixConfig(ctx, workspace); err != nil {
		return err
	}
	if err := s.cidx.Start(ctx, workspace); err != nil {
		return err
	}
	return s.cidx.Index(ctx, workspace)
}

// execute launches the assistant and polls until a terminal condition.
func (s *Scheduler) execute(ctx context.Context, jobID string, indexerReady bool) {
	now := time.Now().UTC()
	err := s.store.Mutate(jobID, func(j *job.Job) error {
		if j.Status == job.StatusCancelling {
			return ErrIllegalTransition
		}
		j.Status = job.StatusRunning
		j.StartedAt = &now
		j.QueuePosition = 0
		return nil
	})
	if err != nil {
		s.finaliseIfCancelling(jobID)
		return
	}
	s.metrics.started.Inc()

	live, _ := s.store.Get(jobID)
	res, err := s.executor.Execute(ctx, live, indexerReady)
	if err != nil {
		s.finish(jobID, job.StatusFailed, nil, msgFailedToStart+": "+err.Error())
		return
	}

	if res.PID == 0 {
		// Direct mode: the run already finished.
		status := job.StatusCompleted
		if res.ExitCode != 0 {
			status = job.StatusFailed
		}
		s.finish(jobID, status, &res.ExitCode, res.Output)
		return
	}

	pid := res.PID
	_ = s.store.Mutate(jobID, func(j *job.Job) error {
		j.PID = &pid
		return nil
	})

	s.monitor(ctx, jobID)
}

// monitor polls a detached job for completion, cancellation, and timeout.
// Also used to adopt still-running jobs after a restart.
func (s *Scheduler) monitor(ctx context.Context, jobID string) {
	snap, ok := s.store.Snapshot(jobID)
	if !ok {
		return
	}

	timeout := s.jobTimeout
	if snap.Options.TimeoutSeconds > 0 {
		timeout = time.Duration(snap.Options.TimeoutSeconds) * time.Second
	}
	started := time.Now()
	if snap.StartedAt != nil {
		started = *snap.StartedAt
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Service shutdown. The detached script keeps running;
			// recovery picks the job back up on the next boot.
			return
		case <-ticker.C:
		}

		snap, ok := s.store.Snapshot(jobID)
		if !ok || snap.Status.Terminal() {
			return
		}

		if snap.Status == job.StatusCancelling {
			s.killAndFinish(jobID, snap.PID, job.StatusCancelled, snap.CancelReason)
			return
		}

		if time.Since(started) > timeout {
			s.killAndFinish(jobID, snap.PID, job.StatusTimeout, fmt.Sprintf("timed out after %s", timeout))
			return
		}

		c, err := s.executor.CheckCompletion(snap.WorkspacePath, jobID, snap.PID)
		if err != nil {
			s.logger.Warn("[Scheduler] Completion check for %s: %v", jobID, err)
			continue
		}
		if c == nil {
			continue
		}
		if c.Died {
			s.finish(jobID, job.StatusFailed, nil, msgDiedUnexpectedly)
			return
		}
		status := job.StatusCompleted
		if c.ExitCode != 0 {
			status = job.StatusFailed
		}
		s.finish(jobID, status, &c.ExitCode, c.Output)
		return
	}
}

// killAndFinish terminates the job's process group and records the
// terminal state.
func (s *Scheduler) killAndFinish(jobID string, pid *int, status job.Status, output string) {
	if pid != nil && process.Alive(*pid) {
		if err := process.KillGroup(*pid, process.SIGTERM); err != nil {
			s.logger.Warn("[Scheduler] Terminating job %s (pid %d): %v", jobID, *pid, err)
		}
		// Brief grace, then make sure.
		for i := 0; i < 10 && process.Alive(*pid); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		if process.Alive(*pid) {
			_ = process.KillGroup(*pid, process.SIGKILL)
		}
	}
	s.finish(jobID, status, nil, output)
}

// finish records a terminal state: completion time set, PID cleared, queue
// position zeroed. Output replaces the captured output only when non-empty.
func (s *Scheduler) finish(jobID string, status job.Status, exitCode *int, output string) {
	err := s.store.Mutate(jobID, func(j *job.Job) error {
		if j.Status.Terminal() {
			return ErrIllegalTransition
		}
		now := time.Now().UTC()
		j.Status = status
		j.CompletedAt = &now
		j.PID = nil
		j.QueuePosition = 0
		j.ExitCode = exitCode
		if output != "" {
			j.Output = output
		}
		return nil
	})
	if err == nil {
		s.metrics.finished.WithLabelValues(string(status)).Inc()
		s.logger.Info("[Scheduler] Job %s finished: %s", jobID, status)
	}
}

// transition moves the job to a preparation state, aborting if cancellation
// won the race. gitPhase, when non-empty, is applied in the same mutation.
func (s *Scheduler) transition(jobID string, status job.Status, gitPhase job.PhaseStatus) bool {
	err := s.store.Mutate(jobID, func(j *job.Job) error {
		if j.Status == job.StatusCancelling || j.Status.Terminal() {
			return ErrIllegalTransition
		}
		j.Status = status
		j.QueuePosition = 0
		if gitPhase != "" {
			j.GitStatus = gitPhase
		}
		return nil
	})
	if err != nil {
		s.finaliseIfCancelling(jobID)
		return false
	}
	return true
}

func (s *Scheduler) setGitPhase(jobID string, phase job.PhaseStatus) {
	_ = s.store.Mutate(jobID, func(j *job.Job) error {
		j.GitStatus = phase
		return nil
	})
}

func (s *Scheduler) setCidxPhase(jobID string, phase job.PhaseStatus) {
	_ = s.store.Mutate(jobID, func(j *job.Job) error {
		j.CidxStatus = phase
		return nil
	})
}

// cancelled finalises a pending cancellation and reports whether the worker
// should stop.
func (s *Scheduler) cancelled(jobID string) bool {
	snap, ok := s.store.Snapshot(jobID)
	if !ok {
		return true
	}
	if snap.Status == job.StatusCancelling {
		s.finish(jobID, job.StatusCancelled, nil, "")
		return true
	}
	return snap.Status.Terminal()
}

func (s *Scheduler) finaliseIfCancelling(jobID string) {
	if snap, ok := s.store.Snapshot(jobID); ok && snap.Status == job.StatusCancelling {
		s.finish(jobID, job.StatusCancelled, nil, "")
	}
}

// Cancel requests cancellation of a non-terminal job. Jobs that never
// reached a worker are finalised here; running jobs are finalised by their
// worker once the subprocess is gone.
func (s *Scheduler) Cancel(ctx context.Context, jobID, reason string) error {
	var shortCircuit bool
	err := s.store.Mutate(jobID, func(j *job.Job) error {
		if j.Status.Terminal() || j.Status == job.StatusCancelling {
			return fmt.Errorf("%w: cannot cancel job in state %q", ErrIllegalTransition, j.Status)
		}
		shortCircuit = j.Status == job.StatusCreated || j.Status == job.StatusQueued
		now := time.Now().UTC()
		j.Status = job.StatusCancelling
		j.CancelledAt = &now
		j.CancelReason = reason
		return nil
	})
	if err != nil {
		return err
	}

	if shortCircuit {
		s.finish(jobID, job.StatusCancelled, nil, "")
	}
	s.logger.Info("[Scheduler] Cancellation requested for job %s: %s", jobID, reason)
	return nil
}

// Delete removes a job in any state: a running subprocess is killed and the
// job marked Terminated first, then the workspace, staging area, and record
// are removed.
func (s *Scheduler) Delete(ctx context.Context, jobID string) error {
	snap, ok := s.store.Snapshot(jobID)
	if !ok {
		return fmt.Errorf("%w: %q", job.ErrNotFound, jobID)
	}

	if !snap.Status.Terminal() {
		s.killAndFinish(jobID, snap.PID, job.StatusTerminated, "deleted by user")
	}

	if snap.Options.CidxAware {
		if err := s.cidx.Stop(ctx, snap.WorkspacePath); err != nil {
			s.logger.Debug("[Scheduler] Stopping indexer for %s: %v", jobID, err)
		}
	}

	if err := cow.RemoveTree(snap.WorkspacePath); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	if err := s.staging.Cleanup(jobID); err != nil {
		s.logger.Warn("[Scheduler] Staging cleanup for %s: %v", jobID, err)
	}
	if err := s.store.Delete(jobID); err != nil {
		return err
	}

	s.logger.Info("[Scheduler] Deleted job %s", jobID)
	return nil
}
