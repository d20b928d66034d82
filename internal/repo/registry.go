// Package repo maintains the registry of cloned source repositories that
// jobs run against.
package repo

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildkite/roko"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"github.com/claude-batch/batchd/internal/cidx"
	"github.com/claude-batch/batchd/internal/cow"
	"github.com/claude-batch/batchd/internal/gitmeta"
	"github.com/claude-batch/batchd/internal/shell"
	"github.com/claude-batch/batchd/internal/validate"
	"github.com/claude-batch/batchd/logger"
)

const (
	defaultCloneTimeout = 2 * time.Hour
	defaultPullTimeout  = 10 * time.Minute

	registryLockFile = ".registry.lock"
)

// ErrNotFound is returned for lookups of unknown repositories.
var ErrNotFound = fmt.Errorf("repository not found")

// ErrAlreadyExists is returned when registering a duplicate name.
var ErrAlreadyExists = fmt.Errorf("repository already registered")

// PullOutcome is the result of PullUpdates.
type PullOutcome string

const (
	Pulled     PullOutcome = "pulled"
	NotGitRepo PullOutcome = "not_git_repo"
	PullFailed PullOutcome = "failed"
)

// Repository is the API view of a registered repository.
type Repository struct {
	Settings

	Path      string            `json:"path"`
	SizeBytes int64             `json:"sizeBytes,omitempty"`
	Size      string            `json:"size,omitempty"`
	Git       *gitmeta.Metadata `json:"git,omitempty"`
}

// Registry manages the repositories root. All writes to per-repository
// directories go through it.
type Registry struct {
	logger logger.Logger
	root   string

	git  *gitmeta.Reader
	cidx *cidx.Client

	cloneTimeout time.Duration
	pullTimeout  time.Duration

	// Serialises registration races on the root across processes.
	lock *flock.Flock

	// Tracks in-flight background pipelines so shutdown can wait.
	pipelines sync.WaitGroup
}

type Opt = func(*Registry)

func WithCloneTimeout(d time.Duration) Opt {
	return func(r *Registry) { r.cloneTimeout = d }
}

func WithPullTimeout(d time.Duration) Opt {
	return func(r *Registry) { r.pullTimeout = d }
}

func WithCidxClient(c *cidx.Client) Opt {
	return func(r *Registry) { r.cidx = c }
}

func New(l logger.Logger, root string, opts ...Opt) (*Registry, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating repositories root %q: %w", root, err)
	}

	r := &Registry{
		logger:       l,
		root:         root,
		git:          gitmeta.NewReader(l),
		cidx:         cidx.New(l),
		cloneTimeout: defaultCloneTimeout,
		pullTimeout:  defaultPullTimeout,
		lock:         flock.New(filepath.Join(root, registryLockFile)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ClonePath returns the clone directory for a repository name. The name must
// already be validated.
func (r *Registry) ClonePath(name string) string {
	return filepath.Join(r.root, name)
}

// List enumerates registered repositories without git metadata or sizes.
func (r *Registry) List(ctx context.Context) ([]*Repository, error) {
	return r.list(ctx, false)
}

// ListWithMetadata enumerates repositories with git metadata and on-disk
// size attached. Slower; intended for interactive listings.
func (r *Registry) ListWithMetadata(ctx context.Context) ([]*Repository, error) {
	return r.list(ctx, true)
}

func (r *Registry) list(ctx context.Context, withMetadata bool) ([]*Repository, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("reading repositories root: %w", err)
	}

	repos := []*Repository{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := r.ClonePath(e.Name())

		settings, err := readSettings(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn("[Registry] Unreadable settings for %q: %v", e.Name(), err)
				continue
			}
			// A git tree without a settings record is either a
			// registration still in flight or an externally managed
			// clone; we can't tell the difference, so report it as
			// in-progress.
			if _, gitErr := os.Stat(filepath.Join(dir, ".git")); gitErr != nil {
				continue
			}
			settings = &Settings{Name: e.Name(), CloneStatus: StatusCloning}
		}

		repo := &Repository{Settings: *settings, Path: dir}

		if withMetadata {
			if m, err := r.git.Read(ctx, dir); err == nil {
				repo.Git = m
			}
			repo.SizeBytes = treeSize(dir)
			repo.Size = humanize.Bytes(uint64(repo.SizeBytes))
		}

		repos = append(repos, repo)
	}
	return repos, nil
}

// Get returns a single repository by name.
func (r *Registry) Get(ctx context.Context, name string) (*Repository, error) {
	if err := validate.RepositoryName(name); err != nil {
		return nil, err
	}
	repos, err := r.ListWithMetadata(ctx)
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if repo.Name == name {
			return repo, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Register validates the request, reserves the name, kicks off the
// background clone pipeline, and returns immediately with status "cloning".
func (r *Registry) Register(ctx context.Context, name, gitURL, description string, cidxAware bool) (*Repository, error) {
	if err := validate.RepositoryName(name); err != nil {
		return nil, err
	}
	if err := validate.GitURL(gitURL); err != nil {
		return nil, err
	}

	dir := r.ClonePath(name)

	// Reserve the name under the registry lock so two concurrent
	// registrations can't both pass the duplicate check.
	if err := r.lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking registry: %w", err)
	}
	reserveErr := func() error {
		if _, err := os.Stat(dir); err == nil {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
		}
		return os.MkdirAll(dir, 0o755)
	}()
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("[Registry] Unlocking registry: %v", err)
	}
	if reserveErr != nil {
		return nil, reserveErr
	}

	settings := &Settings{
		Name:         name,
		Description:  description,
		GitURL:       gitURL,
		RegisteredAt: time.Now().UTC(),
		CloneStatus:  StatusCloning,
		CidxAware:    cidxAware,
	}

	r.pipelines.Add(1)
	go func() {
		defer r.pipelines.Done()
		// Deliberately detached from the request context: the clone
		// must continue after the caller's request ends.
		r.runRegistration(context.Background(), dir, settings)
	}()

	return &Repository{Settings: *settings, Path: dir}, nil
}

// runRegistration is the background pipeline. It never reports errors to a
// caller; failure is recorded as the repository's status, and a failed
// registration leaves no directory behind.
func (r *Registry) runRegistration(ctx context.Context, dir string, settings *Settings) {
	fail := func(status CloneStatus, err error) {
		r.logger.Error("[Registry] Registration of %q failed (%s): %v", settings.Name, status, err)
		if rmErr := cow.RemoveTree(dir); rmErr != nil {
			r.logger.Error("[Registry] Cleaning up failed registration %q: %v", settings.Name, rmErr)
		}
	}

	cloneCtx, cancel := context.WithTimeout(ctx, r.cloneTimeout)
	defer cancel()

	if err := r.clone(cloneCtx, settings.GitURL, dir); err != nil {
		fail(StatusFailed, err)
		return
	}

	if err := writeSettings(dir, settings); err != nil {
		fail(StatusFailed, err)
		return
	}

	if settings.CidxAware {
		settings.CloneStatus = StatusCidxIndexing
		if err := writeSettings(dir, settings); err != nil {
			fail(StatusFailed, err)
			return
		}
		if err := r.indexClone(cloneCtx, dir); err != nil {
			fail(StatusCidxFailed, err)
			return
		}
	}

	settings.CloneStatus = StatusCompleted
	if err := writeSettings(dir, settings); err != nil {
		fail(StatusFailed, err)
		return
	}

	r.logger.Info("[Registry] Registered %q from %s", settings.Name, settings.GitURL)
}

func (r *Registry) clone(ctx context.Context, gitURL, dir string) error {
	sh, err := shell.New(shell.WithLogger(r.logger))
	if err != nil {
		return err
	}

	// Network clones are worth one retry; a half-written tree is removed
	// between attempts, keeping the reserved directory itself.
	return roko.NewRetrier(
		roko.WithMaxAttempts(2),
		roko.WithStrategy(roko.Constant(5*time.Second)),
	).DoWithContext(ctx, func(rt *roko.Retrier) error {
		if err := sh.Command("git", "clone", "--", gitURL, dir).Run(ctx); err != nil {
			r.logger.Warn("[Registry] git clone %s failed: %v (%s)", gitURL, err, rt)
			if rmErr := cow.RemoveTree(dir); rmErr == nil {
				_ = os.MkdirAll(dir, 0o755)
			}
			return err
		}
		return nil
	})
}

func (r *Registry) indexClone(ctx context.Context, dir string) error {
	if err := r.cidx.Init(ctx, dir); err != nil {
		return fmt.Errorf("cidx init: %w", err)
	}
	if err := r.cidx.Start(ctx, dir); err != nil {
		return fmt.Errorf("cidx start: %w", err)
	}
	if err := r.cidx.Index(ctx, dir); err != nil {
		// Leave the backend running no longer than necessary.
		_ = r.cidx.Stop(ctx, dir)
		return fmt.Errorf("cidx index: %w", err)
	}
	if err := r.cidx.Stop(ctx, dir); err != nil {
		return fmt.Errorf("cidx stop: %w", err)
	}
	return nil
}

// Unregister removes a repository: the indexer releases its state first
// (best-effort), then the whole clone directory is deleted, settings record
// included.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	if err := validate.RepositoryName(name); err != nil {
		return err
	}
	dir := r.ClonePath(name)

	settings, err := readSettings(dir)
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(dir); statErr != nil {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
	}

	if settings != nil && settings.CidxAware {
		if err := r.cidx.Uninstall(ctx, dir); err != nil {
			r.logger.Warn("[Registry] cidx uninstall for %q failed, removing anyway: %v", name, err)
		}
	}

	if err := cow.RemoveTree(dir); err != nil {
		return fmt.Errorf("unregistering %q: %w", name, err)
	}
	r.logger.Info("[Registry] Unregistered %q", name)
	return nil
}

// PullUpdates runs `git pull` on the registered clone so jobs created
// afterwards see fresh content. Called by the scheduler before the CoW
// clone is made.
func (r *Registry) PullUpdates(ctx context.Context, name string) (PullOutcome, error) {
	if err := validate.RepositoryName(name); err != nil {
		return PullFailed, err
	}
	dir := r.ClonePath(name)

	if _, err := os.Stat(dir); err != nil {
		return PullFailed, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return NotGitRepo, nil
	}

	sh, err := shell.New(shell.WithLogger(r.logger), shell.WithWD(dir))
	if err != nil {
		return PullFailed, err
	}

	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()

	if err := sh.Command("git", "pull").Run(pullCtx); err != nil {
		r.logger.Warn("[Registry] git pull in %q failed: %v", name, err)
		return PullFailed, err
	}
	return Pulled, nil
}

// Wait blocks until all in-flight registration pipelines finish. Used on
// shutdown and by tests.
func (r *Registry) Wait() {
	r.pipelines.Wait()
}

func treeSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
