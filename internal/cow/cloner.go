package cow

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/claude-batch/batchd/internal/shell"
	"github.com/claude-batch/batchd/logger"
)

// UploadsDir is the subdirectory created inside every fresh workspace to
// receive drained uploads.
const UploadsDir = "files"

// Cloner clones repository trees into per-job workspaces.
type Cloner struct {
	logger   logger.Logger
	probe    *Probe
	strategy *Strategy // overrides the probe when set (tests)
}

type ClonerOpt = func(*Cloner)

// WithStrategy pins the clone strategy instead of probing for it.
func WithStrategy(s Strategy) ClonerOpt {
	return func(c *Cloner) { c.strategy = &s }
}

func NewCloner(l logger.Logger, probe *Probe, opts ...ClonerOpt) *Cloner {
	c := &Cloner{logger: l, probe: probe}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clone copies the contents of srcDir into dstDir (not srcDir itself, so the
// repository name is never nested twice). An existing dstDir is removed
// first. On success dstDir is an independent working tree with an empty
// files/ directory for uploads.
func (c *Cloner) Clone(ctx context.Context, srcDir, dstDir string) error {
	if _, err := os.Stat(srcDir); err != nil {
		return fmt.Errorf("clone source %q: %w", srcDir, err)
	}

	if err := c.Remove(dstDir); err != nil {
		return fmt.Errorf("removing stale clone %q: %w", dstDir, err)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("creating workspace %q: %w", dstDir, err)
	}

	strategy := c.chooseStrategy(ctx)

	sh, err := shell.New(shell.WithLogger(c.logger))
	if err != nil {
		return err
	}

	switch strategy {
	case Reflink:
		// The trailing /. copies contents, including dotfiles.
		err = sh.Command("cp", "-a", "--reflink=always", srcDir+"/.", dstDir).Run(ctx)
	case FullCopy:
		err = c.fullCopy(ctx, sh, srcDir, dstDir)
	}
	if err != nil {
		// Leave nothing half-materialised behind.
		_ = c.Remove(dstDir)
		return fmt.Errorf("%s clone of %q: %w", strategy, srcDir, err)
	}

	if err := os.MkdirAll(filepath.Join(dstDir, UploadsDir), 0o755); err != nil {
		return fmt.Errorf("creating %s dir: %w", UploadsDir, err)
	}

	c.logger.Debug("[CoW] Cloned %s -> %s (%s)", srcDir, dstDir, strategy)
	return nil
}

func (c *Cloner) chooseStrategy(ctx context.Context) Strategy {
	if c.strategy != nil {
		return *c.strategy
	}
	_, s := c.probe.Detect(ctx)
	return s
}

func (c *Cloner) fullCopy(ctx context.Context, sh *shell.Shell, srcDir, dstDir string) error {
	// rsync preserves everything we care about; cp -a is the fallback for
	// minimal hosts.
	if _, err := exec.LookPath("rsync"); err == nil {
		return sh.Command("rsync", "-a", srcDir+"/", dstDir+"/").Run(ctx)
	}
	return sh.Command("cp", "-a", srcDir+"/.", dstDir).Run(ctx)
}

// Remove deletes a workspace tree. It is idempotent: a missing directory is
// not an error.
func (c *Cloner) Remove(dstDir string) error {
	return RemoveTree(dstDir)
}

// RemoveTree deletes a directory tree, tolerating a missing directory.
// Read-only files written by a clone (git objects, indexer caches) are made
// writable first so RemoveAll can take them.
func RemoveTree(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(dir); err == nil {
		return nil
	}

	// Retry after stripping read-only bits.
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode().Perm()&0o200 == 0 {
			_ = os.Chmod(path, info.Mode().Perm()|0o200)
		}
		return nil
	})

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %q: %w", dir, err)
	}
	return nil
}
