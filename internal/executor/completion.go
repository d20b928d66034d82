package executor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/claude-batch/batchd/process"
)

// Sentinel is the line the launcher script appends to the output file once
// the assistant exits. Its presence is the completion signal.
const Sentinel = "Exit code: "

// Completion is the outcome of a completion probe.
type Completion struct {
	// Done means the sentinel was found; ExitCode and Output are valid.
	Done     bool
	ExitCode int
	// Output is the captured output with the sentinel line stripped.
	Output string
	// Died means the launcher process is gone but no sentinel was
	// written, so the run ended without a recorded outcome.
	Died bool
}

// CheckCompletion inspects a detached job's output file. A nil Completion
// with nil error means the job is still running.
func (e *Executor) CheckCompletion(workspace, jobID string, pid *int) (*Completion, error) {
	c, err := e.completionFrom(OutputPath(workspace, jobID))
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	if pid != nil && !process.Alive(*pid) {
		return &Completion{Died: true, Output: readOutputLoose(OutputPath(workspace, jobID))}, nil
	}
	return nil, nil
}

// completionFrom parses the output file for the sentinel. Returns nil when
// the file is missing or the sentinel hasn't been written yet.
func (e *Executor) completionFrom(outputFile string) (*Completion, error) {
	b, err := os.ReadFile(outputFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading output file: %w", err)
	}

	code, rest, found := ParseSentinel(string(b))
	if !found {
		return nil, nil
	}
	return &Completion{Done: true, ExitCode: code, Output: rest}, nil
}

// ParseSentinel looks for the final "Exit code: N" line in captured output.
// When found it returns the code and the output with that line removed.
func ParseSentinel(output string) (code int, rest string, found bool) {
	trimmed := strings.TrimRight(output, "\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := trimmed
	if idx >= 0 {
		last = trimmed[idx+1:]
	}
	if !strings.HasPrefix(last, Sentinel) {
		return 0, output, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(last, Sentinel)))
	if err != nil {
		return 0, output, false
	}
	if idx < 0 {
		return n, "", true
	}
	return n, trimmed[:idx+1], true
}

// ReadPID reads the decimal pid file the launcher wrote, or 0 when absent
// or unparseable.
func ReadPID(workspace, jobID string) int {
	b, err := os.ReadFile(PIDPath(workspace, jobID))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return n
}

func readOutputLoose(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
