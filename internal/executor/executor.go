// Package executor launches the assistant CLI for a job.
//
// The production path writes a launcher script into the workspace and spawns
// it detached, so a crash of this service never kills an in-flight
// assistant run. Completion is detected by a sentinel line the script
// appends to the captured output.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/claude-batch/batchd/env"
	"github.com/claude-batch/batchd/internal/cow"
	"github.com/claude-batch/batchd/internal/job"
	"github.com/claude-batch/batchd/logger"
	"github.com/claude-batch/batchd/process"
)

// Mode selects how the assistant CLI is launched.
type Mode int

const (
	// ModeDirect runs the assistant synchronously with captured output.
	// Used by tests and for compatibility.
	ModeDirect Mode = iota
	// ModeDetached writes a launcher script and spawns it detached from
	// this process. Production default.
	ModeDetached
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "detached"
}

// DefaultCommand is the assistant CLI looked up on $PATH.
const DefaultCommand = "claude"

// DefaultArgs are the assistant arguments before any per-job additions.
var DefaultArgs = []string{"--dangerously-skip-permissions", "--print"}

// launchGrace is how long a detached launch waits before checking whether
// the child already died.
const launchGrace = 100 * time.Millisecond

// Executor builds and launches assistant invocations.
type Executor struct {
	logger           logger.Logger
	mode             Mode
	command          string
	args             []string
	systemPromptFlag string
}

type Opt func(*Executor)

func WithMode(m Mode) Opt         { return func(e *Executor) { e.mode = m } }
func WithCommand(cmd string) Opt  { return func(e *Executor) { e.command = cmd } }
func WithArgs(args ...string) Opt { return func(e *Executor) { e.args = args } }

// WithSystemPromptFlag overrides the flag used to attach the indexer system
// prompt. Empty disables the system prompt entirely, for stand-in commands
// that don't accept flags.
func WithSystemPromptFlag(flag string) Opt {
	return func(e *Executor) { e.systemPromptFlag = flag }
}

func New(l logger.Logger, opts ...Opt) *Executor {
	e := &Executor{
		logger:           l,
		mode:             ModeDetached,
		command:          DefaultCommand,
		args:             DefaultArgs,
		systemPromptFlag: "--append-system-prompt",
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Artifact paths inside the workspace. The dotted prefix keeps them out of
// casual listings of the cloned tree.

func ScriptPath(workspace, jobID string) string {
	return filepath.Join(workspace, ".claude-job-"+jobID+".sh")
}

func OutputPath(workspace, jobID string) string {
	return filepath.Join(workspace, ".claude-job-"+jobID+".output")
}

func PIDPath(workspace, jobID string) string {
	return filepath.Join(workspace, ".claude-job-"+jobID+".pid")
}

// Result is the immediate outcome of Execute. In detached mode a successful
// launch reports ExitCode 0 and Output "launched"; the real outcome arrives
// later through CheckCompletion.
type Result struct {
	ExitCode int
	Output   string
	PID      int
}

// Execute launches the assistant for the job. indexerReady reports the
// outcome of the scheduler's readiness probe and only matters when the job
// is indexer-aware.
func (e *Executor) Execute(ctx context.Context, j *job.Job, indexerReady bool) (*Result, error) {
	prompt := ExpandPlaceholders(j.Prompt, j.UploadedFiles)
	args := append([]string{}, e.args...)
	if e.systemPromptFlag != "" {
		args = append(args, e.systemPromptFlag, systemPrompt(j.Options.CidxAware, indexerReady))
	}
	environ := e.buildEnvironment(j)

	if e.mode == ModeDirect {
		return e.runDirect(ctx, j, prompt, args, environ)
	}
	return e.runDetached(j, prompt, args, environ)
}

func (e *Executor) runDirect(ctx context.Context, j *job.Job, prompt string, args []string, environ *env.Environment) (*Result, error) {
	var out bytes.Buffer

	p := process.New(e.logger, process.Config{
		Path:   e.command,
		Args:   args,
		Env:    environ.ToSlice(),
		Dir:    j.WorkspacePath,
		Stdin:  strings.NewReader(prompt),
		Stdout: &out,
		Stderr: &out,
	})
	if err := p.Run(ctx); err != nil {
		return nil, fmt.Errorf("running %s: %w", e.command, err)
	}

	return &Result{
		ExitCode: process.ExitStatus(p.WaitResult()),
		Output:   out.String(),
	}, nil
}

func (e *Executor) runDetached(j *job.Job, prompt string, args []string, environ *env.Environment) (*Result, error) {
	script := ScriptPath(j.WorkspacePath, j.ID)
	output := OutputPath(j.WorkspacePath, j.ID)
	pidFile := PIDPath(j.WorkspacePath, j.ID)

	body := e.buildScript(j.WorkspacePath, prompt, args, environ, output, pidFile)
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		return nil, fmt.Errorf("writing launcher script: %w", err)
	}

	pid, err := process.SpawnDetached("/bin/bash", []string{script}, j.WorkspacePath, environ.ToSlice())
	if err != nil {
		return nil, fmt.Errorf("spawning launcher: %w", err)
	}
	e.logger.Info("[Executor] Launched job %s (pid %d)", j.ID, pid)

	// The launcher can die immediately on a bad interpreter or missing
	// assistant binary. Give it a moment, then surface that now instead
	// of waiting for a completion check that will never see a sentinel.
	time.Sleep(launchGrace)
	if !process.Alive(pid) {
		if c, err := e.completionFrom(output); err == nil && c != nil {
			return &Result{ExitCode: c.ExitCode, Output: c.Output, PID: pid}, nil
		}
		return nil, fmt.Errorf("launcher for job %s exited immediately", j.ID)
	}

	return &Result{ExitCode: 0, Output: "launched", PID: pid}, nil
}

// buildScript renders the launcher. The script owns all escaping: the
// prompt is piped on stdin, never passed positionally.
func (e *Executor) buildScript(workspace, prompt string, args []string, environ *env.Environment, outputFile, pidFile string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -uo pipefail\n\n")

	for _, kv := range environ.ToSlice() {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=\"%s\"\n", k, escapeDoubleQuoted(v))
	}

	fmt.Fprintf(&b, "\ncd \"%s\"\n", escapeDoubleQuoted(workspace))
	fmt.Fprintf(&b, "echo $$ > \"%s\"\n", escapeDoubleQuoted(pidFile))

	quotedArgs := make([]string, len(args))
	for i, a := range args {
		quotedArgs[i] = "\"" + escapeDoubleQuoted(a) + "\""
	}
	fmt.Fprintf(&b, "echo \"%s\" | %s %s >> \"%s\" 2>&1\n",
		escapeDoubleQuoted(prompt), e.command, strings.Join(quotedArgs, " "), escapeDoubleQuoted(outputFile))
	fmt.Fprintf(&b, "echo \"Exit code: $?\" >> \"%s\"\n", escapeDoubleQuoted(outputFile))

	return b.String()
}

// escapeDoubleQuoted neutralises every character bash treats specially
// inside double quotes: backslash, double quote, dollar (parameter and
// command substitution), and backtick. Newlines are literal inside double
// quotes and need no escaping.
func escapeDoubleQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "$", `\$`)
	s = strings.ReplaceAll(s, "`", "\\`")
	return s
}

// passthroughVars are copied from the service's own environment into the
// assistant's.
var passthroughVars = []string{"HOME", "USER", "USERNAME", "LOGNAME", "SHELL", "PATH"}

func (e *Executor) buildEnvironment(j *job.Job) *env.Environment {
	environ := env.New()
	for _, k := range passthroughVars {
		if v, ok := os.LookupEnv(k); ok {
			environ.Set(k, v)
		}
	}
	environ.Set("PWD", j.WorkspacePath)
	environ.Set("CLAUDE_BATCH_JOB_ID", j.ID)
	environ.Set("CLAUDE_BATCH_REPOSITORY", j.Repository)

	keys := make([]string, 0, len(j.Options.Environment))
	for k := range j.Options.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		environ.Set(k, j.Options.Environment[k])
	}
	return environ
}

// ExpandPlaceholders rewrites {{name}} tokens in the prompt. A token naming
// one of the uploads becomes its workspace-relative path; the generic
// {{filename}} token with no matching upload becomes the space-joined list
// of all upload paths.
func ExpandPlaceholders(prompt string, uploads []string) string {
	uploaded := map[string]bool{}
	paths := make([]string, len(uploads))
	for i, name := range uploads {
		uploaded[name] = true
		paths[i] = "./" + cow.UploadsDir + "/" + name
	}

	out := prompt
	for i, name := range uploads {
		out = strings.ReplaceAll(out, "{{"+name+"}}", paths[i])
	}
	if !uploaded["filename"] {
		out = strings.ReplaceAll(out, "{{filename}}", strings.Join(paths, " "))
	}
	return out
}
