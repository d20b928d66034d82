package cow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/claude-batch/batchd/logger"
)

func TestParseDFOutput(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		in   string
		want string
	}{
		{
			name: "xfs root",
			in: "Filesystem     Type  1K-blocks      Used Available Use% Mounted on\n" +
				"/dev/sda2      xfs   498443264 201910660 296532604  41% /",
			want: "xfs",
		},
		{
			name: "btrfs",
			in: "Filesystem     Type 1K-blocks    Used Available Use% Mounted on\n" +
				"/dev/nvme0n1p3 btrfs 975576064 41943040 932085760   5% /home",
			want: "btrfs",
		},
		{name: "empty", in: "", want: "unknown"},
		{name: "header only", in: "Filesystem Type", want: "unknown"},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := parseDFOutput(test.in); got != test.want {
				t.Errorf("parseDFOutput(%q) = %q, want %q", test.in, got, test.want)
			}
		})
	}
}

func TestStrategyString(t *testing.T) {
	t.Parallel()

	if got, want := Reflink.String(), "reflink"; got != want {
		t.Errorf("Reflink.String() = %q, want %q", got, want)
	}
	if got, want := FullCopy.String(), "full-copy"; got != want {
		t.Errorf("FullCopy.String() = %q, want %q", got, want)
	}
}

func TestCloneCopiesContentsNotDirItself(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "README.md"), "hello")
	if err := os.MkdirAll(filepath.Join(src, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref: refs/heads/main")

	dst := filepath.Join(t.TempDir(), "workspace")

	c := NewCloner(logger.Discard, nil, WithStrategy(FullCopy))
	if err := c.Clone(ctx, src, dst); err != nil {
		t.Fatalf("c.Clone(%q, %q) error = %v", src, dst, err)
	}

	// Contents land at the top of dst, not nested under the src name.
	for _, rel := range []string{"README.md", ".git/HEAD", UploadsDir} {
		if _, err := os.Stat(filepath.Join(dst, rel)); err != nil {
			t.Errorf("after clone, %s missing: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, filepath.Base(src))); err == nil {
		t.Errorf("clone nested the source directory name inside the workspace")
	}
}

func TestCloneReplacesExistingDestination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "current.txt"), "new")

	dst := filepath.Join(t.TempDir(), "workspace")
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dst, "stale.txt"), "old")

	c := NewCloner(logger.Discard, nil, WithStrategy(FullCopy))
	if err := c.Clone(ctx, src, dst); err != nil {
		t.Fatalf("c.Clone error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dst, "stale.txt")); err == nil {
		t.Errorf("stale file survived re-clone")
	}
	if _, err := os.Stat(filepath.Join(dst, "current.txt")); err != nil {
		t.Errorf("cloned file missing: %v", err)
	}
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "original")

	dst := filepath.Join(t.TempDir(), "ws")
	c := NewCloner(logger.Discard, nil, WithStrategy(FullCopy))
	if err := c.Clone(ctx, src, dst); err != nil {
		t.Fatalf("c.Clone error = %v", err)
	}

	writeFile(t, filepath.Join(dst, "a.txt"), "modified in clone")

	b, err := os.ReadFile(filepath.Join(src, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "original"; got != want {
		t.Errorf("source file = %q after clone write, want %q", got, want)
	}
}

func TestRemoveIsIdempotentAndHandlesReadOnly(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	ro := filepath.Join(dir, "objects", "pack")
	writeFile(t, ro, "x")
	if err := os.Chmod(ro, 0o400); err != nil {
		t.Fatal(err)
	}

	c := NewCloner(logger.Discard, nil, WithStrategy(FullCopy))
	if err := c.Remove(dir); err != nil {
		t.Fatalf("c.Remove(%q) error = %v", dir, err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("directory still exists after Remove")
	}

	// Second removal of a missing tree succeeds.
	if err := c.Remove(dir); err != nil {
		t.Errorf("second c.Remove(%q) error = %v, want nil", dir, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
