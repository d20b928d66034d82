// Package cidx wraps the semantic indexer CLI. The indexer is an opaque
// subprocess; this package knows its subcommands and how to read its status
// output, nothing more.
package cidx

import (
	"context"
	"strings"
	"time"

	"github.com/claude-batch/batchd/internal/shell"
	"github.com/claude-batch/batchd/logger"
)

const (
	// DefaultCommand is the indexer binary resolved from $PATH.
	DefaultCommand = "cidx"

	defaultEmbeddingProvider = "ollama"
	statusTimeout            = 30 * time.Second
)

// Client invokes the indexer CLI inside a given directory.
type Client struct {
	logger  logger.Logger
	command string

	embeddingProvider string

	// Status output must contain requiredPattern plus at least one of
	// anyPatterns to count as ready. This is a soft contract with an
	// external tool, hence configurable.
	requiredPattern string
	anyPatterns     []string
}

type Opt = func(*Client)

// WithCommand overrides the indexer binary name.
func WithCommand(cmd string) Opt {
	return func(c *Client) { c.command = cmd }
}

// WithEmbeddingProvider sets the provider passed to `init`.
func WithEmbeddingProvider(p string) Opt {
	return func(c *Client) { c.embeddingProvider = p }
}

// WithReadyPatterns overrides the substrings used to detect readiness.
func WithReadyPatterns(required string, anyOf ...string) Opt {
	return func(c *Client) {
		c.requiredPattern = required
		c.anyPatterns = anyOf
	}
}

func New(l logger.Logger, opts ...Opt) *Client {
	c := &Client{
		logger:            l,
		command:           DefaultCommand,
		embeddingProvider: defaultEmbeddingProvider,
		requiredPattern:   "Running",
		anyPatterns:       []string{"Ready", "Not needed"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, dir string, args ...string) error {
	sh, err := shell.New(shell.WithLogger(c.logger), shell.WithWD(dir))
	if err != nil {
		return err
	}
	return sh.Command(c.command, args...).Run(ctx)
}

// Init initialises indexer state for a fresh clone.
func (c *Client) Init(ctx context.Context, dir string) error {
	return c.run(ctx, dir, "init", "--embedding-provider", c.embeddingProvider)
}

// Start brings the indexer's backend up for the directory.
func (c *Client) Start(ctx context.Context, dir string) error {
	return c.run(ctx, dir, "start")
}

// Stop shuts the indexer's backend down.
func (c *Client) Stop(ctx context.Context, dir string) error {
	return c.run(ctx, dir, "stop")
}

// Index runs a reconciling index pass. May take a long time on large trees;
// bound it with the context.
func (c *Client) Index(ctx context.Context, dir string) error {
	return c.run(ctx, dir, "index", "--reconcile")
}

// FixConfig rewrites the indexer configuration in place. Required in CoW
// workspaces, whose copied config still references the source tree.
func (c *Client) FixConfig(ctx context.Context, dir string) error {
	return c.run(ctx, dir, "fix-config", "--force")
}

// Uninstall releases any state the indexer owns for the directory.
func (c *Client) Uninstall(ctx context.Context, dir string) error {
	return c.run(ctx, dir, "uninstall")
}

// Status returns the raw status output for the directory.
func (c *Client) Status(ctx context.Context, dir string) (string, error) {
	sh, err := shell.New(shell.WithLogger(c.logger), shell.WithWD(dir))
	if err != nil {
		return "", err
	}
	return sh.Command(c.command, "status").RunAndCaptureStdout(ctx, shell.WithTimeout(statusTimeout))
}

// Ready probes the indexer status in dir and reports whether it is usable by
// the assistant. Any failure reads as not ready.
func (c *Client) Ready(ctx context.Context, dir string) bool {
	out, err := c.Status(ctx, dir)
	if err != nil {
		c.logger.Debug("[Cidx] status failed in %s: %v", dir, err)
		return false
	}
	return c.readyFrom(out)
}

func (c *Client) readyFrom(out string) bool {
	if !strings.Contains(out, c.requiredPattern) {
		return false
	}
	for _, p := range c.anyPatterns {
		if strings.Contains(out, p) {
			return true
		}
	}
	return false
}
