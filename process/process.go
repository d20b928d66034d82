// Package process provides a helper for running and managing a subprocess.
//
// It is the single place in batchd that launches external commands: argument
// vectors are passed straight to the kernel, never through a shell, and both
// output streams are drained concurrently so a chatty child can never
// deadlock on a full pipe.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/claude-batch/batchd/logger"
)

const defaultSignalGracePeriod = 10 * time.Second

// Config holds the configuration for a new process.
type Config struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Signal sent by Interrupt, or on context cancellation. Defaults to
	// SIGTERM.
	InterruptSignal Signal

	// Time allowed between the interrupt signal and SIGKILL to the whole
	// process group.
	SignalGracePeriod time.Duration
}

// Process wraps a running command.
type Process struct {
	logger logger.Logger
	conf   Config

	command *exec.Cmd
	pid     int

	mu            sync.Mutex
	started, done chan struct{}
	waitResult    error
}

func New(l logger.Logger, c Config) *Process {
	if c.InterruptSignal == Signal(0) {
		c.InterruptSignal = SIGTERM
	}
	if c.SignalGracePeriod <= 0 {
		c.SignalGracePeriod = defaultSignalGracePeriod
	}
	return &Process{
		logger:  l,
		conf:    c,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run executes the command and blocks until it finishes. If the context is
// cancelled (or its deadline passes), the process group is interrupted, then
// killed after the grace period. The error reflects problems starting or
// supervising the process; the child's own exit status is reported by
// WaitResult.
func (p *Process) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.command != nil {
		p.mu.Unlock()
		return errors.New("process is already running")
	}
	p.command = exec.Command(p.conf.Path, p.conf.Args...)
	p.mu.Unlock()

	p.command.Dir = p.conf.Dir
	p.command.Stdin = p.conf.Stdin

	// Merge the given env over the top of the parent's so the child still
	// gets PATH and friends.
	p.command.Env = append(os.Environ(), p.conf.Env...)

	// Run the child in its own process group so that signals reach the
	// whole tree under it.
	p.setupProcessGroup()

	var wg sync.WaitGroup

	stdout := p.conf.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := p.conf.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	stdoutPipe, err := p.command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := p.command.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := p.command.Start(); err != nil {
		close(p.done)
		return fmt.Errorf("starting %q: %w", p.conf.Path, err)
	}

	p.pid = p.command.Process.Pid
	close(p.started)

	p.logger.Debug("[Process] %s running with PID %d", FormatCommand(p.conf.Path, p.conf.Args), p.pid)

	// Both streams are read concurrently. exec.Cmd.Wait closes the pipes,
	// so the copies finish on their own.
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stderr, stderrPipe)
	}()

	// Watch for cancellation while the command runs.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("[Process] Context cancelled, interrupting PID %d", p.pid)
			if err := p.interruptProcessGroup(); err != nil {
				p.logger.Error("[Process] Failed to interrupt PGID %d: %v", p.pid, err)
			}
			select {
			case <-watchDone:
			case <-time.After(p.conf.SignalGracePeriod):
				p.logger.Debug("[Process] PID %d did not exit within %v, killing group", p.pid, p.conf.SignalGracePeriod)
				_ = p.terminateProcessGroup()
			}
		case <-watchDone:
		}
	}()

	wg.Wait()
	p.waitResult = p.command.Wait()
	close(watchDone)
	close(p.done)

	p.logger.Debug("[Process] PID %d finished with %v", p.pid, p.waitResult)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Done returns a channel that is closed when the process finishes.
func (p *Process) Done() <-chan struct{} { return p.done }

// Started returns a channel that is closed once the process has started.
func (p *Process) Started() <-chan struct{} { return p.started }

// Pid returns the process id of the child. Only valid after Started.
func (p *Process) Pid() int { return p.pid }

// WaitResult returns the error from waiting on the child: nil for a zero
// exit, an *exec.ExitError otherwise.
func (p *Process) WaitResult() error { return p.waitResult }

// ExitStatus extracts the exit code from the wait result. A child that could
// not be waited on reports -1.
func (p *Process) ExitStatus() int {
	return ExitStatus(p.waitResult)
}

// Interrupt sends the configured interrupt signal to the process group.
func (p *Process) Interrupt() error {
	select {
	case <-p.started:
	default:
		return errors.New("process not started")
	}
	return p.interruptProcessGroup()
}

// Terminate kills the process group outright.
func (p *Process) Terminate() error {
	select {
	case <-p.started:
	default:
		return errors.New("process not started")
	}
	return p.terminateProcessGroup()
}

// ExitStatus extracts an exit code from the error returned by exec.Cmd.Wait.
func ExitStatus(waitResult error) int {
	if waitResult == nil {
		return 0
	}
	if exitErr := new(exec.ExitError); errors.As(waitResult, &exitErr) {
		if s, ok := exitErr.Sys().(syscall.WaitStatus); ok && s.Signaled() {
			// Follow the shell's convention for signal deaths.
			return 128 + int(s.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}
