// Package staging holds uploads for a job until its workspace exists.
//
// The staging directory lives outside the workspace root because the
// workspace root is replaced wholesale when the clone lands. Files are
// copied into the workspace's files/ directory on drain and the staging
// directory is deleted afterwards.
package staging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/claude-batch/batchd/internal/cow"
	"github.com/claude-batch/batchd/internal/validate"
	"github.com/claude-batch/batchd/logger"
)

// Area manages per-job staging directories under a single root, by
// convention <jobsRoot>/../staging.
type Area struct {
	logger logger.Logger
	root   string
}

func New(l logger.Logger, stagingRoot string) *Area {
	return &Area{logger: l, root: stagingRoot}
}

// RootFor derives the conventional staging root from a jobs root.
func RootFor(jobsRoot string) string {
	return filepath.Join(filepath.Dir(jobsRoot), "staging")
}

// Dir returns the staging directory for a job.
func (a *Area) Dir(jobID string) string {
	return filepath.Join(a.root, jobID)
}

// StagedPath returns the on-disk location of a staged file.
func (a *Area) StagedPath(jobID, stored string) string {
	return filepath.Join(a.Dir(jobID), stored)
}

// Stage writes an upload into the job's staging directory and returns the
// stored filename. When overwrite is false and the name is already taken, an
// 8-hex-digit disambiguator is inserted before the extension; the original
// name is recovered on drain.
func (a *Area) Stage(jobID, filename string, r io.Reader, overwrite bool) (string, error) {
	if err := validate.UploadFilename(filename); err != nil {
		return "", err
	}

	dir := a.Dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}

	stored := filename
	if !overwrite {
		if _, err := os.Stat(filepath.Join(dir, filename)); err == nil {
			tag, err := disambiguator()
			if err != nil {
				return "", err
			}
			stored = insertTag(filename, tag)
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, stored), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating staged file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing staged file: %w", err)
	}

	a.logger.Debug("[Staging] Staged %s as %s (%d bytes) for job %s", filename, stored, n, jobID)
	return stored, nil
}

// Drain copies every staged file into workspacePath/files/, restoring
// original filenames, and returns the number of verified copies. Copies
// whose byte length doesn't match the staged file are not counted. The
// staging directory survives until Cleanup so a failed drain can be retried.
func (a *Area) Drain(jobID, workspacePath string) (int, error) {
	dir := a.Dir(jobID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading staging dir: %w", err)
	}

	destDir := filepath.Join(workspacePath, cow.UploadsDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating uploads dir: %w", err)
	}

	copied := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(dir, e.Name())
		dst := filepath.Join(destDir, RestoreName(e.Name()))

		if err := copyFile(src, dst); err != nil {
			a.logger.Warn("[Staging] Drain of %s for job %s failed: %v", e.Name(), jobID, err)
			continue
		}

		srcInfo, serr := os.Stat(src)
		dstInfo, derr := os.Stat(dst)
		if serr != nil || derr != nil || srcInfo.Size() != dstInfo.Size() {
			a.logger.Warn("[Staging] Size mismatch draining %s for job %s", e.Name(), jobID)
			continue
		}

		a.logger.Debug("[Staging] Drained %s -> %s (%d bytes)", e.Name(), dst, dstInfo.Size())
		copied++
	}
	return copied, nil
}

// Cleanup removes the job's staging directory.
func (a *Area) Cleanup(jobID string) error {
	return cow.RemoveTree(a.Dir(jobID))
}

var tagSuffix = regexp.MustCompile(`_[0-9a-f]{8}$`)

// RestoreName strips a disambiguator inserted by Stage, if present.
// "report_1a2b3c4d.txt" restores to "report.txt"; names without the
// suffix pass through verbatim.
func RestoreName(stored string) string {
	ext := filepath.Ext(stored)
	base := strings.TrimSuffix(stored, ext)
	if tagSuffix.MatchString(base) {
		return tagSuffix.ReplaceAllString(base, "") + ext
	}
	return stored
}

func insertTag(filename, tag string) string {
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext) + "_" + tag + ext
}

func disambiguator() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating disambiguator: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
