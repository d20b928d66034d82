// Package validate checks user-supplied names, URLs and paths before any
// filesystem path or command argument is constructed from them.
package validate

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidInput is wrapped by every rejection from this package. Callers
// map it to a 400-class failure and never retry.
var ErrInvalidInput = errors.New("invalid input")

const (
	maxRepositoryNameLength = 100
	maxGitURLLength         = 500
)

var (
	repositoryNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	gitURLPattern         = regexp.MustCompile(`^(https?://|git@)[A-Za-z0-9._/:-]+(\.git)?$`)
)

// Characters that must never reach a shell or a path, regardless of which
// field they arrived in.
const dangerousChars = ";&|`$()<>'\"\n\r"

// RepositoryName checks a repository name against the allowed character
// class and length.
func RepositoryName(s string) error {
	if s == "" {
		return fmt.Errorf("%w: repository name is empty", ErrInvalidInput)
	}
	if len(s) > maxRepositoryNameLength {
		return fmt.Errorf("%w: repository name longer than %d characters", ErrInvalidInput, maxRepositoryNameLength)
	}
	if strings.ContainsAny(s, dangerousChars) {
		return fmt.Errorf("%w: repository name contains forbidden characters", ErrInvalidInput)
	}
	if !repositoryNamePattern.MatchString(s) {
		return fmt.Errorf("%w: repository name %q must match %s", ErrInvalidInput, s, repositoryNamePattern)
	}
	return nil
}

// GitURL checks a git remote URL. Only https?:// and git@ forms are
// accepted.
func GitURL(s string) error {
	if s == "" {
		return fmt.Errorf("%w: git url is empty", ErrInvalidInput)
	}
	if len(s) > maxGitURLLength {
		return fmt.Errorf("%w: git url longer than %d characters", ErrInvalidInput, maxGitURLLength)
	}
	if !gitURLPattern.MatchString(s) {
		return fmt.Errorf("%w: git url %q is not a recognised https or git@ url", ErrInvalidInput, s)
	}
	return nil
}

// RelativePath checks a user-supplied path that will be joined under a root:
// no traversal segments, no NUL, no absolute paths, no shell metacharacters.
func RelativePath(s string) error {
	if s == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidInput)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: path contains NUL", ErrInvalidInput)
	}
	if strings.HasPrefix(s, "/") {
		return fmt.Errorf("%w: path %q is absolute", ErrInvalidInput, s)
	}
	if strings.ContainsAny(s, dangerousChars) {
		return fmt.Errorf("%w: path contains forbidden characters", ErrInvalidInput)
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path %q contains a traversal segment", ErrInvalidInput, s)
		}
	}
	// Normalisation must not escape the root either.
	if cleaned := path.Clean("/" + s); cleaned == "/" && s != "." {
		return fmt.Errorf("%w: path %q normalises to the root", ErrInvalidInput, s)
	}
	return nil
}

// UploadFilename checks a single filename for upload staging. A bare name
// only: no separators at all.
func UploadFilename(s string) error {
	if err := RelativePath(s); err != nil {
		return err
	}
	if strings.ContainsRune(s, '/') || strings.ContainsRune(s, '\\') {
		return fmt.Errorf("%w: filename %q must not contain path separators", ErrInvalidInput, s)
	}
	return nil
}

// WithinRoot joins rel under root and verifies the result stays inside
// root. Returns the joined absolute path.
func WithinRoot(root, rel string) (string, error) {
	if err := RelativePath(rel); err != nil {
		return "", err
	}
	joined := path.Join(root, rel)
	if joined != root && !strings.HasPrefix(joined, strings.TrimSuffix(root, "/")+"/") {
		return "", fmt.Errorf("%w: path %q escapes %q", ErrInvalidInput, rel, root)
	}
	return joined, nil
}

// WithinRootResolved is WithinRoot plus a symlink check: the joined path is
// resolved with filepath.EvalSymlinks and must still lie inside root, so a
// link planted inside the tree can't read beyond it. A path that doesn't
// exist passes only the lexical check; opening it fails on its own.
func WithinRootResolved(root, rel string) (string, error) {
	joined, err := WithinRoot(root, rel)
	if err != nil {
		return "", err
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return joined, nil
		}
		return "", err
	}

	if resolved != resolvedRoot && !strings.HasPrefix(resolved, strings.TrimSuffix(resolvedRoot, "/")+"/") {
		return "", fmt.Errorf("%w: path %q resolves outside its root", ErrInvalidInput, rel)
	}
	return joined, nil
}
