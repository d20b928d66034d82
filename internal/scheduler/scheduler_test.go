package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/claude-batch/batchd/internal/cidx"
	"github.com/claude-batch/batchd/internal/cow"
	"github.com/claude-batch/batchd/internal/executor"
	"github.com/claude-batch/batchd/internal/job"
	"github.com/claude-batch/batchd/internal/repo"
	"github.com/claude-batch/batchd/internal/staging"
	"github.com/claude-batch/batchd/logger"
)

type testRig struct {
	sched    *Scheduler
	store    *job.Store
	staging  *staging.Area
	registry *repo.Registry
}

// newTestRig wires a scheduler against temp directories, with a seeded
// repository named "src" and a stand-in assistant (cat) that echoes the
// prompt into the output file.
func newTestRig(t *testing.T, opts ...Opt) *testRig {
	t.Helper()

	base := t.TempDir()
	reposRoot := filepath.Join(base, "repos")
	jobsRoot := filepath.Join(base, "jobs")

	registry, err := repo.New(logger.Discard, reposRoot)
	if err != nil {
		t.Fatal(err)
	}
	seedSourceRepo(t, registry, "src")

	store, err := job.NewStore(logger.Discard, jobsRoot)
	if err != nil {
		t.Fatal(err)
	}

	probe := cow.NewProbe(logger.Discard, reposRoot)
	cloner := cow.NewCloner(logger.Discard, probe, cow.WithStrategy(cow.FullCopy))
	stag := staging.New(logger.Discard, staging.RootFor(jobsRoot))
	exec := executor.New(logger.Discard,
		executor.WithCommand("cat"),
		executor.WithArgs(),
		executor.WithSystemPromptFlag(""),
	)
	cidxClient := cidx.New(logger.Discard)

	opts = append([]Opt{WithPollInterval(50 * time.Millisecond)}, opts...)
	s := New(logger.Discard, store, registry, cloner, stag, exec, cidxClient, opts...)
	return &testRig{sched: s, store: store, staging: stag, registry: registry}
}

// seedSourceRepo fakes a completed registration on disk.
func seedSourceRepo(t *testing.T, r *repo.Registry, name string) {
	t.Helper()
	dir := r.ClonePath(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seeded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	settings := repo.Settings{
		Name:         name,
		GitURL:       "https://example.test/" + name + ".git",
		RegisteredAt: time.Now().UTC(),
		CloneStatus:  repo.StatusCompleted,
	}
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, repo.SettingsFileName), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitTerminal(t *testing.T, store *job.Store, id string, within time.Duration) job.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		snap, ok := store.Snapshot(id)
		if ok && snap.Status.Terminal() {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s not terminal within %s (status %q)", id, within, snap.Status)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestCreateJobUnknownRepository(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	_, err := rig.sched.CreateJob(context.Background(), "alice", "nope", "hi", job.Options{})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("CreateJob error = %v, want repo.ErrNotFound", err)
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sched.Run(ctx)

	j, err := rig.sched.CreateJob(ctx, "alice", "src", "hello batch", job.Options{})
	if err != nil {
		t.Fatalf("CreateJob error = %v", err)
	}
	if j.Status != job.StatusCreated {
		t.Fatalf("status = %q, want created", j.Status)
	}

	// An upload staged before start must land in the workspace.
	if _, err := rig.staging.Stage(j.ID, "input.txt", strings.NewReader("payload"), false); err != nil {
		t.Fatal(err)
	}

	if err := rig.sched.StartJob(ctx, j.ID); err != nil {
		t.Fatalf("StartJob error = %v", err)
	}

	final := waitTerminal(t, rig.store, j.ID, 15*time.Second)
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed (output %q)", final.Status, final.Output)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}
	if !strings.Contains(final.Output, "hello batch") {
		t.Errorf("output = %q, want prompt echoed", final.Output)
	}
	if final.CompletedAt == nil || final.PID != nil {
		t.Errorf("terminal bookkeeping wrong: completedAt=%v pid=%v", final.CompletedAt, final.PID)
	}

	// Workspace has the cloned tree plus the drained upload.
	if _, err := os.Stat(filepath.Join(final.WorkspacePath, "README.md")); err != nil {
		t.Errorf("cloned file missing: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(final.WorkspacePath, cow.UploadsDir, "input.txt"))
	if err != nil {
		t.Fatalf("drained upload missing: %v", err)
	}
	if string(b) != "payload" {
		t.Errorf("upload content = %q, want %q", b, "payload")
	}
	// Staging is gone after drain.
	if _, err := os.Stat(rig.staging.Dir(j.ID)); !os.IsNotExist(err) {
		t.Errorf("staging dir survived drain")
	}
}

func TestStartRequiresCreatedState(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx := context.Background()

	j, err := rig.sched.CreateJob(ctx, "alice", "src", "p", job.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.sched.StartJob(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if err := rig.sched.StartJob(ctx, j.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("second start error = %v, want ErrIllegalTransition", err)
	}
}

func TestCancelBeforeStartShortCircuits(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx := context.Background()

	j, err := rig.sched.CreateJob(ctx, "alice", "src", "p", job.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.sched.Cancel(ctx, j.ID, "changed my mind"); err != nil {
		t.Fatalf("Cancel error = %v", err)
	}

	snap, _ := rig.store.Snapshot(j.ID)
	if snap.Status != job.StatusCancelled {
		t.Errorf("status = %q, want cancelled", snap.Status)
	}
	if snap.CancelReason != "changed my mind" || snap.CancelledAt == nil {
		t.Errorf("cancellation bookkeeping missing: %+v", snap)
	}

	if err := rig.sched.Cancel(ctx, j.ID, "again"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel of terminal job error = %v, want ErrIllegalTransition", err)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	t.Parallel()

	// No Run loop: the job stays queued until cancelled.
	rig := newTestRig(t)
	ctx := context.Background()

	j, err := rig.sched.CreateJob(ctx, "alice", "src", "p", job.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.sched.StartJob(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if err := rig.sched.Cancel(ctx, j.ID, "queue too long"); err != nil {
		t.Fatalf("Cancel error = %v", err)
	}

	snap, _ := rig.store.Snapshot(j.ID)
	if snap.Status != job.StatusCancelled {
		t.Errorf("status = %q, want cancelled", snap.Status)
	}
	if snap.QueuePosition != 0 {
		t.Errorf("queue position = %d, want 0", snap.QueuePosition)
	}
}

func TestQueuePositionsAreContiguous(t *testing.T) {
	t.Parallel()

	// No Run loop so jobs accumulate in the queue.
	rig := newTestRig(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := rig.sched.CreateJob(ctx, "alice", "src", "p", job.Options{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
		if err := rig.sched.StartJob(ctx, j.ID); err != nil {
			t.Fatal(err)
		}
	}

	for i, id := range ids {
		snap, _ := rig.store.Snapshot(id)
		if snap.QueuePosition != i+1 {
			t.Errorf("job %d position = %d, want %d", i, snap.QueuePosition, i+1)
		}
	}
}

func TestRunWaitsForWorkersOnCancel(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	reposRoot := filepath.Join(base, "repos")
	jobsRoot := filepath.Join(base, "jobs")

	registry, err := repo.New(logger.Discard, reposRoot)
	if err != nil {
		t.Fatal(err)
	}
	seedSourceRepo(t, registry, "src")
	store, err := job.NewStore(logger.Discard, jobsRoot)
	if err != nil {
		t.Fatal(err)
	}
	probe := cow.NewProbe(logger.Discard, reposRoot)
	cloner := cow.NewCloner(logger.Discard, probe, cow.WithStrategy(cow.FullCopy))
	stag := staging.New(logger.Discard, staging.RootFor(jobsRoot))

	// A stand-in that runs until interrupted, so a worker is still busy
	// when the loop shuts down.
	exec := executor.New(logger.Discard,
		executor.WithMode(executor.ModeDirect),
		executor.WithCommand("sleep"),
		executor.WithArgs("60"),
		executor.WithSystemPromptFlag(""),
	)
	s := New(logger.Discard, store, registry, cloner, stag, exec, cidx.New(logger.Discard),
		WithMaxConcurrent(1),
		WithPollInterval(50*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(runDone)
	}()

	// Two jobs on one slot: the second leaves the dispatch loop blocked
	// waiting for the semaphore when the context is cancelled.
	var ids []string
	for i := 0; i < 2; i++ {
		j, err := s.CreateJob(ctx, "alice", "src", "p", job.Options{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
		if err := s.StartJob(ctx, j.ID); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		snap, _ := store.Snapshot(ids[0])
		if snap.Status == job.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first job never ran (status %q)", snap.Status)
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// By the time Run returns, the admitted worker has finished its job.
	snap, _ := store.Snapshot(ids[0])
	if !snap.Status.Terminal() {
		t.Errorf("first job status = %q after Run returned, want terminal", snap.Status)
	}
}

func TestDeleteLeavesNoFiles(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx := context.Background()

	j, err := rig.sched.CreateJob(ctx, "alice", "src", "p", job.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.staging.Stage(j.ID, "x.txt", strings.NewReader("x"), false); err != nil {
		t.Fatal(err)
	}

	if err := rig.sched.Delete(ctx, j.ID); err != nil {
		t.Fatalf("Delete error = %v", err)
	}

	if _, ok := rig.store.Get(j.ID); ok {
		t.Errorf("job still indexed after delete")
	}
	if _, err := os.Stat(j.WorkspacePath); !os.IsNotExist(err) {
		t.Errorf("workspace survived delete")
	}
	if _, err := os.Stat(rig.staging.Dir(j.ID)); !os.IsNotExist(err) {
		t.Errorf("staging survived delete")
	}
	if _, err := os.Stat(rig.store.RecordPath(j.ID)); !os.IsNotExist(err) {
		t.Errorf("record survived delete")
	}
}

func TestDeleteUnknownJob(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	if err := rig.sched.Delete(context.Background(), "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Delete error = %v, want job.ErrNotFound", err)
	}
}
