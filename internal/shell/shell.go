// Package shell provides a virtual shell abstraction for executing external
// commands with a working directory, an environment overlay and captured
// output.
//
// It is intended for internal use by batchd only.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/claude-batch/batchd/env"
	"github.com/claude-batch/batchd/logger"
	"github.com/claude-batch/batchd/process"
)

// ErrShellNotStarted is returned when the shell has not started a process.
var ErrShellNotStarted = errors.New("shell not started")

// Shell represents a virtual shell. It handles logging, executing commands,
// and provides hooks for capturing output and exit conditions.
type Shell struct {
	// The running environment for the shell.
	Env *env.Environment

	// Where stdout and stderr of child processes is written unless a
	// command overrides it. Defaults to [io.Discard]; batchd keeps child
	// output out of its own streams.
	Writer io.Writer

	logger logger.Logger

	// The signal used to interrupt a running process.
	interruptSignal process.Signal

	// Amount of time to wait between the interrupt signal and SIGKILL.
	signalGracePeriod time.Duration

	// stdin is an optional input stream for the next command. It remains
	// unexported on the assumption that it's only useful via
	// CloneWithStdin.
	stdin io.Reader

	// The currently-running or last-run process.
	proc atomic.Pointer[process.Process]

	// Current working directory that shell commands get executed in.
	wd string
}

type NewShellOpt = func(*Shell)

func WithEnv(e *env.Environment) NewShellOpt   { return func(s *Shell) { s.Env = e } }
func WithLogger(l logger.Logger) NewShellOpt   { return func(s *Shell) { s.logger = l } }
func WithStdout(w io.Writer) NewShellOpt       { return func(s *Shell) { s.Writer = w } }
func WithWD(wd string) NewShellOpt             { return func(s *Shell) { s.wd = wd } }

func WithInterruptSignal(sig process.Signal) NewShellOpt {
	return func(s *Shell) { s.interruptSignal = sig }
}

func WithSignalGracePeriod(d time.Duration) NewShellOpt {
	return func(s *Shell) { s.signalGracePeriod = d }
}

// New returns a new Shell. The default logger discards, the initial working
// directory is the result of calling [os.Getwd], and the default environment
// variable set is read from [os.Environ].
func New(opts ...NewShellOpt) (*Shell, error) {
	shell := &Shell{}
	for _, opt := range opts {
		opt(shell)
	}

	if shell.logger == nil {
		shell.logger = logger.Discard
	}
	if shell.Env == nil {
		shell.Env = env.FromSlice(os.Environ())
	}
	if shell.Writer == nil {
		shell.Writer = io.Discard
	}
	if shell.wd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to find current working directory: %w", err)
		}
		shell.wd = wd
	}

	return shell, nil
}

// CloneWithStdin returns a copy of the Shell with the provided [io.Reader]
// set as the stdin for the next command. The copy should be discarded after
// one command. For example:
//
//	sh.CloneWithStdin(strings.NewReader("1+1")).Command("bc").Run(ctx)
func (s *Shell) CloneWithStdin(r io.Reader) *Shell {
	// Can't copy the struct wholesale because atomics can't be copied.
	return &Shell{
		Env:               s.Env,
		Writer:            s.Writer,
		logger:            s.logger,
		interruptSignal:   s.interruptSignal,
		signalGracePeriod: s.signalGracePeriod,
		stdin:             r,
		wd:                s.wd,
	}
}

// Getwd returns the current working directory of the shell.
func (s *Shell) Getwd() string { return s.wd }

// Chdir changes the working directory of the shell.
func (s *Shell) Chdir(path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.wd, path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to change working directory: %q does not exist", path)
	}
	s.wd = path
	return nil
}

// Interrupt interrupts the running process, if there is one.
func (s *Shell) Interrupt() {
	if p := s.proc.Load(); p != nil {
		_ = p.Interrupt()
	}
}

// Terminate terminates the running process, if there is one.
func (s *Shell) Terminate() {
	if p := s.proc.Load(); p != nil {
		_ = p.Terminate()
	}
}

// Command prepares a command for execution in the shell.
func (s *Shell) Command(name string, arg ...string) Command {
	return Command{shell: s, name: name, args: arg}
}

// Command is an unstarted command, bound to a shell.
type Command struct {
	shell *Shell
	name  string
	args  []string
}

type runConfig struct {
	stringSearches map[string]bool
	extraEnv       *env.Environment
	stdout         io.Writer
	stderr         io.Writer
	timeout        time.Duration
}

type RunCommandOpt = func(*runConfig)

// WithStringSearch sniffs the combined output streams for each key of m.
// After the run, m[needle] reports whether needle was seen.
func WithStringSearch(m map[string]bool) RunCommandOpt {
	return func(c *runConfig) { c.stringSearches = m }
}

// WithExtraEnv layers additional environment variables over the shell's.
func WithExtraEnv(e *env.Environment) RunCommandOpt {
	return func(c *runConfig) { c.extraEnv = e }
}

// WithTimeout bounds the command's execution time.
func WithTimeout(d time.Duration) RunCommandOpt {
	return func(c *runConfig) { c.timeout = d }
}

// Run runs the command, writing both output streams to the shell's writer.
// A non-zero exit is reported as an error satisfying [IsExitError].
func (c Command) Run(ctx context.Context, opts ...RunCommandOpt) error {
	cfg := runConfig{stdout: c.shell.Writer, stderr: c.shell.Writer}
	for _, opt := range opts {
		opt(&cfg)
	}
	return c.shell.executeCommand(ctx, c, cfg)
}

// RunAndCaptureStdout runs the command and captures stdout to a string,
// trimming surrounding whitespace. Stderr is discarded.
func (c Command) RunAndCaptureStdout(ctx context.Context, opts ...RunCommandOpt) (string, error) {
	var sb strings.Builder
	cfg := runConfig{stdout: &sb, stderr: io.Discard}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := c.shell.executeCommand(ctx, c, cfg); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

func (s *Shell) executeCommand(ctx context.Context, c Command, cfg runConfig) error {
	path, err := exec.LookPath(c.name)
	if err != nil {
		return fmt.Errorf("looking up %q: %w", c.name, err)
	}

	environ := s.Env.Copy()
	environ.Merge(cfg.extraEnv)
	environ.Set("PWD", s.wd)

	stdout := cfg.stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := cfg.stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if len(cfg.stringSearches) > 0 {
		sn := newSniffer(stdout, cfg.stringSearches)
		stdout = sn
		stderr = sniffInto(sn, stderr)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	cmdStr := process.FormatCommand(path, c.args)
	s.logger.Debug("[Shell] $ %s", cmdStr)

	p := process.New(s.logger, process.Config{
		Path:              path,
		Args:              c.args,
		Env:               environ.ToSlice(),
		Dir:               s.wd,
		Stdin:             s.stdin,
		Stdout:            stdout,
		Stderr:            stderr,
		InterruptSignal:   s.interruptSignal,
		SignalGracePeriod: s.signalGracePeriod,
	})
	s.proc.Store(p)

	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("error running %q: %w", cmdStr, err)
	}

	if wr := p.WaitResult(); wr != nil {
		return &ExitError{Code: p.ExitStatus(), Err: fmt.Errorf("%q: %w", cmdStr, wr)}
	}
	return nil
}

// ExitCode extracts an exit code from an error where the platform supports
// it, otherwise returns 0 for no error and 1 for an error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if cause := new(ExitError); errors.As(err, &cause) {
		return cause.Code
	}
	if cause := new(exec.ExitError); errors.As(err, &cause) {
		return cause.ExitCode()
	}
	return 1
}

// IsExitError reports whether err is an [ExitError] or [exec.ExitError].
func IsExitError(err error) bool {
	if cause := new(ExitError); errors.As(err, &cause) {
		return true
	}
	if cause := new(exec.ExitError); errors.As(err, &cause) {
		return true
	}
	return false
}

// ExitError is an error that carries a shell exit code.
type ExitError struct {
	Code int
	Err  error
}

func (ee *ExitError) Error() string { return ee.Err.Error() }

func (ee *ExitError) Unwrap() error { return ee.Err }
