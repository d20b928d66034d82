package osutil

import (
	"path/filepath"
	"testing"
)

func TestNormalizeFilePath(t *testing.T) {
	t.Setenv("HOME", "/home/testuser")

	got, err := NormalizeFilePath("~/batchd/config")
	if err != nil {
		t.Fatalf("NormalizeFilePath error = %v", err)
	}
	if got != "/home/testuser/batchd/config" {
		t.Errorf("got %q, want %q", got, "/home/testuser/batchd/config")
	}

	got, err = NormalizeFilePath("")
	if err != nil || got != "" {
		t.Errorf("empty path = %q, %v; want empty, nil", got, err)
	}

	got, err = NormalizeFilePath("relative/path")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("relative path not absoluted: %q", got)
	}
}

func TestNormalizeCommandKeepsBareNames(t *testing.T) {
	got, err := NormalizeCommand("git")
	if err != nil {
		t.Fatalf("NormalizeCommand error = %v", err)
	}
	if got != "git" {
		t.Errorf("bare command = %q, want %q", got, "git")
	}
}

func TestExpandHomeRejectsOtherUsers(t *testing.T) {
	if _, err := ExpandHome("~otheruser/thing"); err == nil {
		t.Error("ExpandHome(~otheruser) error = nil, want error")
	}
}
