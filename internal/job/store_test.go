package job

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/claude-batch/batchd/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(logger.Discard, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusTerminated, StatusCancelled, StatusGitFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	live := []Status{StatusCreated, StatusQueued, StatusGitPulling, StatusCidxIndexing, StatusCidxReady, StatusRunning, StatusCancelling}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}

func TestTitleFromPrompt(t *testing.T) {
	t.Parallel()

	got := Title("Fix the flaky login test")
	if !strings.HasPrefix(got, "Fix the flaky login test (") {
		t.Errorf("Title = %q, want prompt prefix", got)
	}

	long := strings.Repeat("word ", 30)
	if got := Title(long); len([]rune(got)) > titleRuneLimit+40 {
		t.Errorf("Title of long prompt = %q, too long", got)
	}

	if got := Title("   "); got == "" {
		t.Errorf("Title of blank prompt = %q, want generated name", got)
	}
}

func TestPutGetSnapshot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	j := New("alice", "myrepo", "do things", Options{TimeoutSeconds: 300})
	if err := s.Put(j); err != nil {
		t.Fatalf("s.Put error = %v", err)
	}

	if _, ok := s.Get(j.ID); !ok {
		t.Fatalf("s.Get(%q) missing", j.ID)
	}

	snap, ok := s.Snapshot(j.ID)
	if !ok {
		t.Fatalf("s.Snapshot(%q) missing", j.ID)
	}
	if snap.Username != "alice" || snap.Status != StatusCreated {
		t.Errorf("snapshot = %+v, want alice/created", snap)
	}

	if _, err := os.Stat(s.RecordPath(j.ID)); err != nil {
		t.Errorf("durable record missing: %v", err)
	}
}

func TestMutatePersists(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	j := New("alice", "myrepo", "do things", Options{})
	if err := s.Put(j); err != nil {
		t.Fatal(err)
	}

	err := s.Mutate(j.ID, func(j *Job) error {
		j.Status = StatusQueued
		j.QueuePosition = 3
		return nil
	})
	if err != nil {
		t.Fatalf("s.Mutate error = %v", err)
	}

	// A fresh store must see the mutation from disk.
	s2, err := NewStore(logger.Discard, s.Root())
	if err != nil {
		t.Fatal(err)
	}
	jobs, err := s2.LoadAll()
	if err != nil {
		t.Fatalf("s2.LoadAll error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].Status != StatusQueued || jobs[0].QueuePosition != 3 {
		t.Errorf("reloaded job = %q pos %d, want queued pos 3", jobs[0].Status, jobs[0].QueuePosition)
	}
}

func TestLoadAllSkipsCorrupted(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	j := New("alice", "myrepo", "good", Options{})
	if err := s.Put(j); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(s.Root(), "deadbeef.job.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.LoadAll()
	if err != nil {
		t.Fatalf("s.LoadAll error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != j.ID {
		t.Errorf("LoadAll = %d jobs, want just %s", len(jobs), j.ID)
	}
}

func TestForUserNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	older := New("alice", "r", "first", Options{})
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := New("alice", "r", "second", Options{})
	other := New("bob", "r", "third", Options{})
	for _, j := range []*Job{older, newer, other} {
		if err := s.Put(j); err != nil {
			t.Fatal(err)
		}
	}

	jobs := s.ForUser("alice")
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].ID != newer.ID || jobs[1].ID != older.ID {
		t.Errorf("order = [%s %s], want newest first", jobs[0].Prompt, jobs[1].Prompt)
	}
}

func TestCleanupRetention(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	expired := New("alice", "r", "old and done", Options{})
	expired.Status = StatusCompleted
	done := time.Now().Add(-40 * 24 * time.Hour)
	expired.CompletedAt = &done

	fresh := New("alice", "r", "recently done", Options{})
	fresh.Status = StatusCompleted
	now := time.Now()
	fresh.CompletedAt = &now

	running := New("alice", "r", "still going", Options{})
	running.Status = StatusRunning
	running.CreatedAt = time.Now().Add(-90 * 24 * time.Hour)

	for _, j := range []*Job{expired, fresh, running} {
		if err := s.Put(j); err != nil {
			t.Fatal(err)
		}
	}

	removed := s.CleanupRetention(30 * 24 * time.Hour)
	if len(removed) != 1 || removed[0] != expired.ID {
		t.Fatalf("removed = %v, want [%s]", removed, expired.ID)
	}
	if _, ok := s.Get(expired.ID); ok {
		t.Errorf("expired job still indexed")
	}
	if _, ok := s.Get(running.ID); !ok {
		t.Errorf("non-terminal job was removed")
	}
	if _, err := os.Stat(s.RecordPath(expired.ID)); !os.IsNotExist(err) {
		t.Errorf("expired record still on disk")
	}
}
