package scheduler

import (
	"context"
	"os"
	"testing"

	"github.com/claude-batch/batchd/internal/executor"
	"github.com/claude-batch/batchd/internal/job"
)

// plantJob writes a persisted job record as a previous process would have
// left it.
func plantJob(t *testing.T, rig *testRig, status job.Status, mutate func(*job.Job)) *job.Job {
	t.Helper()
	j := job.New("alice", "src", "recover me", job.Options{})
	j.WorkspacePath = rig.sched.WorkspacePath(j.ID)
	if err := os.MkdirAll(j.WorkspacePath, 0o755); err != nil {
		t.Fatal(err)
	}
	j.Status = status
	if mutate != nil {
		mutate(j)
	}
	if err := rig.store.Put(j); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestRecoverFindsSentinel(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	pid := 1 << 22
	j := plantJob(t, rig, job.StatusRunning, func(j *job.Job) {
		j.PID = &pid
	})
	out := executor.OutputPath(j.WorkspacePath, j.ID)
	if err := os.WriteFile(out, []byte("all done\nExit code: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	recovered, err := rig.sched.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover error = %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d jobs, want 1", len(recovered))
	}

	snap, _ := rig.store.Snapshot(j.ID)
	if snap.Status != job.StatusCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	if snap.Output != "all done\n" {
		t.Errorf("output = %q, want sentinel stripped", snap.Output)
	}
	if snap.PID != nil || snap.CompletedAt == nil {
		t.Errorf("bookkeeping wrong: pid=%v completedAt=%v", snap.PID, snap.CompletedAt)
	}
	if snap.ExitCode == nil || *snap.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", snap.ExitCode)
	}
}

func TestRecoverNonZeroSentinelFails(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	j := plantJob(t, rig, job.StatusRunning, nil)
	out := executor.OutputPath(j.WorkspacePath, j.ID)
	if err := os.WriteFile(out, []byte("boom\nExit code: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := rig.sched.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, _ := rig.store.Snapshot(j.ID)
	if snap.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if snap.ExitCode == nil || *snap.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", snap.ExitCode)
	}
}

func TestRecoverDeadProcessWithoutSentinel(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	pid := 1 << 22
	j := plantJob(t, rig, job.StatusRunning, func(j *job.Job) {
		j.PID = &pid
	})
	out := executor.OutputPath(j.WorkspacePath, j.ID)
	if err := os.WriteFile(out, []byte("half-written\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := rig.sched.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, _ := rig.store.Snapshot(j.ID)
	if snap.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if snap.Output != msgDiedUnexpectedly {
		t.Errorf("output = %q, want %q", snap.Output, msgDiedUnexpectedly)
	}
}

func TestRecoverNeverStarted(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	j := plantJob(t, rig, job.StatusRunning, nil)

	if _, err := rig.sched.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, _ := rig.store.Snapshot(j.ID)
	if snap.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if snap.Output != msgFailedToStart {
		t.Errorf("output = %q, want %q", snap.Output, msgFailedToStart)
	}
}

func TestRecoverRequeuesQueuedJobs(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	j := plantJob(t, rig, job.StatusQueued, nil)

	recovered, err := rig.sched.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0].To != job.StatusQueued {
		t.Fatalf("recovered = %+v, want requeue of %s", recovered, j.ID)
	}

	snap, _ := rig.store.Snapshot(j.ID)
	if snap.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", snap.Status)
	}
}

func TestRecoverLeavesTerminalAndCreatedAlone(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	done := plantJob(t, rig, job.StatusCompleted, nil)
	created := plantJob(t, rig, job.StatusCreated, nil)

	recovered, err := rig.sched.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 0 {
		t.Fatalf("recovered = %+v, want none", recovered)
	}

	if snap, _ := rig.store.Snapshot(done.ID); snap.Status != job.StatusCompleted {
		t.Errorf("terminal job changed to %q", snap.Status)
	}
	if snap, _ := rig.store.Snapshot(created.ID); snap.Status != job.StatusCreated {
		t.Errorf("created job changed to %q", snap.Status)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	j := plantJob(t, rig, job.StatusRunning, nil)

	if _, err := rig.sched.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := rig.store.Snapshot(j.ID)

	if _, err := rig.sched.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, _ := rig.store.Snapshot(j.ID)

	if first.Status != second.Status || first.Output != second.Output {
		t.Errorf("recovery not idempotent: %q/%q vs %q/%q",
			first.Status, first.Output, second.Status, second.Output)
	}
}
