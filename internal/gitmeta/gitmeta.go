// Package gitmeta reads a snapshot of git metadata from a local working
// tree. Every subcommand runs with a short timeout and failures degrade to
// empty fields rather than errors; a directory without .git yields nil.
package gitmeta

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/claude-batch/batchd/internal/shell"
	"github.com/claude-batch/batchd/logger"
)

const defaultCommandTimeout = 10 * time.Second

// Metadata is a point-in-time snapshot of a working tree's git state.
type Metadata struct {
	RemoteURL      string `json:"remoteUrl,omitempty"`
	Branch         string `json:"branch,omitempty"`
	CommitHash     string `json:"commitHash,omitempty"`
	CommitMessage  string `json:"commitMessage,omitempty"`
	CommitAuthor   string `json:"commitAuthor,omitempty"`
	CommitDate     string `json:"commitDate,omitempty"`
	HasUncommitted bool   `json:"hasUncommitted"`
	AheadBy        int    `json:"aheadBy"`
	BehindBy       int    `json:"behindBy"`
}

// Reader reads git metadata from working trees.
type Reader struct {
	logger  logger.Logger
	timeout time.Duration
}

type ReaderOpt = func(*Reader)

// WithCommandTimeout overrides the per-subcommand timeout.
func WithCommandTimeout(d time.Duration) ReaderOpt {
	return func(r *Reader) { r.timeout = d }
}

func NewReader(l logger.Logger, opts ...ReaderOpt) *Reader {
	r := &Reader{logger: l, timeout: defaultCommandTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read returns the git metadata for dir, or nil if dir is not a git working
// tree.
func (r *Reader) Read(ctx context.Context, dir string) (*Metadata, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil, nil
	}

	sh, err := shell.New(shell.WithLogger(r.logger), shell.WithWD(dir))
	if err != nil {
		return nil, err
	}

	m := &Metadata{}

	m.RemoteURL = r.capture(ctx, sh, "config", "--get", "remote.origin.url")
	m.Branch = r.capture(ctx, sh, "branch", "--show-current")
	m.CommitHash = r.capture(ctx, sh, "rev-parse", "HEAD")

	if log := r.capture(ctx, sh, "log", "-1", "--pretty=format:%s|%an|%ai"); log != "" {
		parts := strings.SplitN(log, "|", 3)
		if len(parts) == 3 {
			m.CommitMessage = parts[0]
			m.CommitAuthor = parts[1]
			m.CommitDate = parts[2]
		}
	}

	// Porcelain output is empty iff the tree is clean. A failed status
	// leaves HasUncommitted false, which is the safe reading.
	if status, ok := r.captureOK(ctx, sh, "status", "--porcelain"); ok {
		m.HasUncommitted = status != ""
	}

	r.readAheadBehind(ctx, sh, m)

	return m, nil
}

func (r *Reader) readAheadBehind(ctx context.Context, sh *shell.Shell, m *Metadata) {
	if m.Branch == "" || m.RemoteURL == "" {
		return
	}

	// Refresh remote refs first so the counts aren't stale. Best-effort:
	// an offline host still gets counts against its last-known remote.
	if err := sh.Command("git", "fetch", "--dry-run", "--quiet").Run(ctx, shell.WithTimeout(r.timeout)); err != nil {
		r.logger.Debug("[GitMeta] dry-run fetch failed in %s: %v", sh.Getwd(), err)
	}

	counts := r.capture(ctx, sh, "rev-list", "--left-right", "--count", "origin/"+m.Branch+"...HEAD")
	fields := strings.Fields(counts)
	if len(fields) != 2 {
		return
	}
	// Left side counts commits only on the remote (behind), right side
	// commits only on HEAD (ahead).
	if n, err := strconv.Atoi(fields[0]); err == nil {
		m.BehindBy = n
	}
	if n, err := strconv.Atoi(fields[1]); err == nil {
		m.AheadBy = n
	}
}

func (r *Reader) capture(ctx context.Context, sh *shell.Shell, args ...string) string {
	out, _ := r.captureOK(ctx, sh, args...)
	return out
}

func (r *Reader) captureOK(ctx context.Context, sh *shell.Shell, args ...string) (string, bool) {
	out, err := sh.Command("git", args...).RunAndCaptureStdout(ctx, shell.WithTimeout(r.timeout))
	if err != nil {
		r.logger.Debug("[GitMeta] git %s failed in %s: %v", strings.Join(args, " "), sh.Getwd(), err)
		return "", false
	}
	return out, true
}
