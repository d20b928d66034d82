// Package cow materialises per-job workspaces as copy-on-write clones of a
// registered repository, falling back to a full copy where the filesystem
// can't reflink.
package cow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/claude-batch/batchd/internal/shell"
	"github.com/claude-batch/batchd/logger"
)

// Strategy selects how a workspace is cloned from a repository.
type Strategy int

const (
	// Reflink copies share extents with the source until first write.
	// Supported on XFS, btrfs and ext4 with reflink enabled.
	Reflink Strategy = iota
	// FullCopy recursively copies every byte. Slow but works anywhere.
	FullCopy
)

func (s Strategy) String() string {
	switch s {
	case Reflink:
		return "reflink"
	case FullCopy:
		return "full-copy"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Probe detects the filesystem under a directory and whether reflink copies
// work there. Results are cached for the life of the probe.
type Probe struct {
	logger logger.Logger
	root   string

	once     sync.Once
	fsType   string
	strategy Strategy
}

func NewProbe(l logger.Logger, root string) *Probe {
	return &Probe{logger: l, root: root}
}

// Detect returns the filesystem type of the probe's root and the chosen
// clone strategy. The first call does the work; later calls return the
// cached result.
func (p *Probe) Detect(ctx context.Context) (string, Strategy) {
	p.once.Do(func() {
		p.fsType = p.filesystemType(ctx)
		if p.reflinkWorks(ctx) {
			p.strategy = Reflink
		} else {
			p.strategy = FullCopy
		}
		p.logger.Info("[CoW] Filesystem at %s is %q, using %s clones", p.root, p.fsType, p.strategy)
	})
	return p.fsType, p.strategy
}

func (p *Probe) filesystemType(ctx context.Context) string {
	sh, err := shell.New(shell.WithLogger(p.logger))
	if err != nil {
		return "unknown"
	}
	out, err := sh.Command("df", "-T", p.root).RunAndCaptureStdout(ctx)
	if err != nil {
		p.logger.Warn("[CoW] df -T %s failed: %v", p.root, err)
		return "unknown"
	}
	return parseDFOutput(out)
}

// parseDFOutput extracts the filesystem type column from `df -T` output:
//
//	Filesystem     Type  1K-blocks      Used Available Use% Mounted on
//	/dev/sda2      xfs   498443264 201910660 296532604  41% /
func parseDFOutput(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return "unknown"
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return "unknown"
	}
	return fields[1]
}

// reflinkWorks writes a scratch file under the root and attempts a
// `cp --reflink=always` of it. Only an actual successful reflink proves
// support; testing the fs type alone misses ext4 without reflink.
func (p *Probe) reflinkWorks(ctx context.Context) bool {
	scratch, err := os.CreateTemp(p.root, ".reflink-probe-*")
	if err != nil {
		p.logger.Warn("[CoW] Cannot create reflink probe file in %s: %v", p.root, err)
		return false
	}
	name := scratch.Name()
	defer os.Remove(name)

	if _, err := scratch.WriteString("probe"); err != nil {
		scratch.Close()
		return false
	}
	if err := scratch.Close(); err != nil {
		return false
	}

	copyName := name + ".copy"
	defer os.Remove(copyName)

	sh, err := shell.New(shell.WithLogger(p.logger), shell.WithWD(filepath.Dir(name)))
	if err != nil {
		return false
	}
	if err := sh.Command("cp", "--reflink=always", name, copyName).Run(ctx); err != nil {
		p.logger.Debug("[CoW] Reflink probe failed (%v), will fall back to full copies", err)
		return false
	}
	return true
}
