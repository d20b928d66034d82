package validate_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/claude-batch/batchd/internal/validate"
)

func TestRepositoryName(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		in   string
		ok   bool
	}{
		{name: "plain", in: "my-repo", ok: true},
		{name: "dots and underscores", in: "a.b_c-d", ok: true},
		{name: "empty", in: "", ok: false},
		{name: "spaces", in: "my repo", ok: false},
		{name: "shell metacharacters", in: "repo;rm -rf", ok: false},
		{name: "backticks", in: "repo`id`", ok: false},
		{name: "too long", in: strings.Repeat("a", 101), ok: false},
		{name: "max length", in: strings.Repeat("a", 100), ok: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := validate.RepositoryName(test.in)
			if test.ok && err != nil {
				t.Errorf("RepositoryName(%q) error = %v, want nil", test.in, err)
			}
			if !test.ok {
				if !errors.Is(err, validate.ErrInvalidInput) {
					t.Errorf("RepositoryName(%q) error = %v, want ErrInvalidInput", test.in, err)
				}
			}
		})
	}
}

func TestGitURL(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in string
		ok bool
	}{
		{in: "https://example.test/repo.git", ok: true},
		{in: "http://example.test/repo", ok: true},
		{in: "git@github.com:org/repo.git", ok: true},
		{in: "ftp://example.test/repo.git", ok: false},
		{in: "https://example.test/repo.git; rm -rf /", ok: false},
		{in: "", ok: false},
		{in: "https://" + strings.Repeat("a", 500), ok: false},
	} {
		err := validate.GitURL(test.in)
		if test.ok && err != nil {
			t.Errorf("GitURL(%q) error = %v, want nil", test.in, err)
		}
		if !test.ok && !errors.Is(err, validate.ErrInvalidInput) {
			t.Errorf("GitURL(%q) error = %v, want ErrInvalidInput", test.in, err)
		}
	}
}

func TestRelativePath(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in string
		ok bool
	}{
		{in: "src/main.go", ok: true},
		{in: "README.md", ok: true},
		{in: "../../etc/passwd", ok: false},
		{in: "a/../../b", ok: false},
		{in: "/etc/passwd", ok: false},
		{in: "file\x00name", ok: false},
		{in: "a|b", ok: false},
		{in: "", ok: false},
	} {
		err := validate.RelativePath(test.in)
		if test.ok && err != nil {
			t.Errorf("RelativePath(%q) error = %v, want nil", test.in, err)
		}
		if !test.ok && !errors.Is(err, validate.ErrInvalidInput) {
			t.Errorf("RelativePath(%q) error = %v, want ErrInvalidInput", test.in, err)
		}
	}
}

func TestUploadFilename(t *testing.T) {
	t.Parallel()

	if err := validate.UploadFilename("data.csv"); err != nil {
		t.Errorf(`UploadFilename("data.csv") error = %v, want nil`, err)
	}
	for _, in := range []string{"../../etc/passwd", "dir/name.txt", `dir\name.txt`} {
		if err := validate.UploadFilename(in); !errors.Is(err, validate.ErrInvalidInput) {
			t.Errorf("UploadFilename(%q) error = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestWithinRoot(t *testing.T) {
	t.Parallel()

	got, err := validate.WithinRoot("/srv/jobs/abc", "files/data.csv")
	if err != nil {
		t.Fatalf("WithinRoot error = %v", err)
	}
	if want := "/srv/jobs/abc/files/data.csv"; got != want {
		t.Errorf("WithinRoot = %q, want %q", got, want)
	}

	if _, err := validate.WithinRoot("/srv/jobs/abc", "../other"); !errors.Is(err, validate.ErrInvalidInput) {
		t.Errorf("WithinRoot(escape) error = %v, want ErrInvalidInput", err)
	}
}
