// Package workspace exposes read access to a job's directory tree:
// filtered listings, file downloads, and text reads.
package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/claude-batch/batchd/internal/validate"
	"github.com/claude-batch/batchd/logger"
)

// MaxTextRead caps ReadText so a stray binary or log can't balloon a
// status response.
const MaxTextRead = 10 << 20

// TypeFilter restricts listings to one entry kind.
type TypeFilter string

const (
	TypeAny  TypeFilter = ""
	TypeFile TypeFilter = "file"
	TypeDir  TypeFilter = "dir"
)

// Entry is one listed workspace member. Paths are relative to the
// workspace root, forward-slashed.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"isDir"`
	SizeBytes int64     `json:"sizeBytes"`
	Size      string    `json:"size"`
	Modified  time.Time `json:"modified"`
}

// Browser reads job workspaces. It trusts nothing about the requested
// paths: every one is validated and confined to the workspace root.
type Browser struct {
	logger logger.Logger
}

func NewBrowser(l logger.Logger) *Browser {
	return &Browser{logger: l}
}

// List walks the workspace below rel, at most depth levels deep (minimum
// 1), keeping entries whose base name matches mask (empty matches all) and
// whose kind matches the filter. Entries come back sorted by path.
func (b *Browser) List(root, rel, mask string, depth int, filter TypeFilter) ([]Entry, error) {
	start, err := resolve(root, rel)
	if err != nil {
		return nil, err
	}
	if mask != "" {
		if _, err := filepath.Match(mask, "x"); err != nil {
			return nil, fmt.Errorf("%w: bad mask %q", validate.ErrInvalidInput, mask)
		}
	}
	if depth < 1 {
		depth = 1
	}

	entries := []Entry{}
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == start {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relFromStart, _ := filepath.Rel(start, path)
		level := strings.Count(filepath.ToSlash(relFromStart), "/") + 1
		if level > depth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if mask != "" {
			// Directories that don't match are still descended into,
			// so a mask like *.go finds files anywhere in range.
			if ok, _ := filepath.Match(mask, d.Name()); !ok {
				return nil
			}
		}
		switch filter {
		case TypeFile:
			if d.IsDir() {
				return nil
			}
		case TypeDir:
			if !d.IsDir() {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Name:      d.Name(),
			Path:      filepath.ToSlash(relPath),
			IsDir:     d.IsDir(),
			SizeBytes: info.Size(),
			Size:      humanize.Bytes(uint64(info.Size())),
			Modified:  info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing workspace: %w", err)
	}

	sort.Slice(entries, func(i, k int) bool { return entries[i].Path < entries[k].Path })
	return entries, nil
}

// Open returns a streaming reader for a workspace file, for downloads.
// Callers must close it.
func (b *Browser) Open(root, rel string) (io.ReadCloser, os.FileInfo, error) {
	path, err := resolve(root, rel)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %q is a directory", validate.ErrInvalidInput, rel)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, info, nil
}

// ReadText reads a workspace file as UTF-8 text, refusing files over
// MaxTextRead.
func (b *Browser) ReadText(root, rel string) (string, error) {
	f, info, err := b.Open(root, rel)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if info.Size() > MaxTextRead {
		return "", fmt.Errorf("%w: %q is %s, text reads are capped at %s",
			validate.ErrInvalidInput, rel, humanize.Bytes(uint64(info.Size())), humanize.Bytes(MaxTextRead))
	}
	bts, err := io.ReadAll(io.LimitReader(f, MaxTextRead))
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", rel, err)
	}
	return string(bts), nil
}

// resolve validates rel and joins it under root. Empty rel means the root
// itself.
func resolve(root, rel string) (string, error) {
	if rel == "" || rel == "." {
		return root, nil
	}
	if err := validate.RelativePath(rel); err != nil {
		return "", err
	}
	return validate.WithinRootResolved(root, rel)
}
