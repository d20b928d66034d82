package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v2"

	"github.com/claude-batch/batchd/logger"
)

// RecordSuffix is appended to a job's UUID to name its durable record.
const RecordSuffix = ".job.json"

// DefaultRetention is how long terminal jobs are kept before the retention
// sweep removes their records.
const DefaultRetention = 30 * 24 * time.Hour

// ErrNotFound is returned for lookups of unknown jobs.
var ErrNotFound = fmt.Errorf("job not found")

// Store is the in-memory job index backed by one JSON record per job on
// disk. The disk records are a projection for crash recovery; the index is
// authoritative while the process lives.
type Store struct {
	logger logger.Logger
	root   string

	index *xsync.MapOf[string, *Job]

	// Serialises mutations so status snapshots are never torn.
	mu sync.Mutex
}

func NewStore(l logger.Logger, jobsRoot string) (*Store, error) {
	if err := os.MkdirAll(jobsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating jobs root %q: %w", jobsRoot, err)
	}
	return &Store{
		logger: l,
		root:   jobsRoot,
		index:  xsync.NewMapOf[*Job](),
	}, nil
}

// Root returns the jobs root directory.
func (s *Store) Root() string { return s.root }

// RecordPath returns the durable record path for a job id.
func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.root, id+RecordSuffix)
}

// Put inserts a job into the index and persists it.
func (s *Store) Put(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Store(j.ID, j)
	return s.persist(j)
}

// Get returns the live job pointer. Only the scheduler's worker for the job
// may mutate it; everyone else should use Snapshot.
func (s *Store) Get(id string) (*Job, bool) {
	return s.index.Load(id)
}

// Snapshot returns a consistent copy of the job.
func (s *Store) Snapshot(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.index.Load(id)
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Mutate applies fn to the job under the store lock and persists the
// result. fn returning an error aborts without persisting.
func (s *Store) Mutate(id string, fn func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.index.Load(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := fn(j); err != nil {
		return err
	}
	return s.persist(j)
}

// persist writes the durable record atomically. Callers hold s.mu.
func (s *Store) persist(j *Job) error {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", j.ID, err)
	}
	path := s.RecordPath(j.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing job record: %w", err)
	}
	return os.Rename(tmp, path)
}

// Delete removes the job from the index and deletes its durable record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Delete(id)
	if err := os.Remove(s.RecordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing job record: %w", err)
	}
	return nil
}

// LoadAll reads every durable record from disk into the index and returns
// the jobs, newest first. Corrupted records are skipped with a warning.
func (s *Store) LoadAll() ([]*Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading jobs root: %w", err)
	}

	jobs := []*Job{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), RecordSuffix) {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("[JobStore] Unreadable job record %s: %v", path, err)
			continue
		}
		var j Job
		if err := json.Unmarshal(b, &j); err != nil || j.ID == "" {
			s.logger.Warn("[JobStore] Skipping corrupted job record %s: %v", path, err)
			continue
		}
		s.index.Store(j.ID, &j)
		jobs = append(jobs, &j)
	}

	sortNewestFirst(jobs)
	return jobs, nil
}

// All returns all indexed jobs, newest first.
func (s *Store) All() []*Job {
	jobs := []*Job{}
	s.index.Range(func(_ string, j *Job) bool {
		jobs = append(jobs, j)
		return true
	})
	sortNewestFirst(jobs)
	return jobs
}

// ForUser returns the user's jobs, newest first.
func (s *Store) ForUser(username string) []*Job {
	jobs := []*Job{}
	s.index.Range(func(_ string, j *Job) bool {
		if j.Username == username {
			jobs = append(jobs, j)
		}
		return true
	})
	sortNewestFirst(jobs)
	return jobs
}

// CleanupRetention deletes records of terminal jobs whose completion is
// older than the retention horizon. Returns the ids removed. Workspaces are
// the scheduler's to remove; this only drops records.
func (s *Store) CleanupRetention(retention time.Duration) []string {
	if retention <= 0 {
		retention = DefaultRetention
	}
	horizon := time.Now().Add(-retention)

	removed := []string{}
	for _, j := range s.All() {
		s.mu.Lock()
		expired := j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(horizon)
		s.mu.Unlock()
		if !expired {
			continue
		}
		if err := s.Delete(j.ID); err != nil {
			s.logger.Warn("[JobStore] Retention cleanup of %s failed: %v", j.ID, err)
			continue
		}
		removed = append(removed, j.ID)
	}
	if len(removed) > 0 {
		s.logger.Info("[JobStore] Retention cleanup removed %d job records", len(removed))
	}
	return removed
}

func sortNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}
