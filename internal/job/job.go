// Package job defines the job model and its durable store.
package job

import (
	"strings"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
)

// Status is the observable lifecycle state of a job.
type Status string

const (
	StatusCreated      Status = "created"
	StatusQueued       Status = "queued"
	StatusGitPulling   Status = "git_pulling"
	StatusGitFailed    Status = "git_failed"
	StatusCidxIndexing Status = "cidx_indexing"
	StatusCidxReady    Status = "cidx_ready"
	StatusRunning      Status = "running"
	StatusCancelling   Status = "cancelling"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusTerminated   Status = "terminated"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status is final. Once terminal, a job's
// status never changes again, across restarts included.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusTerminated, StatusCancelled, StatusGitFailed:
		return true
	default:
		return false
	}
}

// PhaseStatus tracks a single preparation phase (git pull, cidx warm-up)
// within a job.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseRunning PhaseStatus = "running"
	PhaseDone    PhaseStatus = "done"
	PhaseFailed  PhaseStatus = "failed"
	PhaseSkipped PhaseStatus = "skipped"
)

// Options are the per-job execution options supplied at creation.
type Options struct {
	TimeoutSeconds int               `json:"timeoutSeconds"`
	GitAware       bool              `json:"gitAware"`
	CidxAware      bool              `json:"cidxAware"`
	Environment    map[string]string `json:"environment,omitempty"`
}

// Job is one assistant-CLI invocation. Fields are exported for the durable
// JSON record; all mutation goes through the store so snapshots stay
// consistent.
type Job struct {
	ID            string   `json:"id"`
	Username      string   `json:"username"`
	Repository    string   `json:"repository"`
	Prompt        string   `json:"prompt"`
	Title         string   `json:"title"`
	UploadedFiles []string `json:"uploadedFiles,omitempty"`
	Options       Options  `json:"options"`

	WorkspacePath string `json:"workspacePath"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	QueuePosition int    `json:"queuePosition"`
	Status        Status `json:"status"`

	ExitCode *int   `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
	PID      *int   `json:"pid,omitempty"`

	GitStatus  PhaseStatus `json:"gitStatus"`
	CidxStatus PhaseStatus `json:"cidxStatus"`

	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
}

// New creates a job in the Created state. The workspace is materialised by
// the caller afterwards.
func New(username, repository, prompt string, opts Options) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Username:   username,
		Repository: repository,
		Prompt:     prompt,
		Title:      Title(prompt),
		Options:    opts,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusCreated,
		GitStatus:  PhasePending,
		CidxStatus: PhasePending,
	}
}

const (
	titleWordLimit = 8
	titleRuneLimit = 60
)

// Title derives a short human-readable title from the prompt, with a random
// pet name appended so similar prompts stay distinguishable in listings.
func Title(prompt string) string {
	suffix := petname.Generate(2, "-")

	words := strings.Fields(prompt)
	if len(words) == 0 {
		return suffix
	}
	if len(words) > titleWordLimit {
		words = words[:titleWordLimit]
	}
	head := strings.Join(words, " ")
	if runes := []rune(head); len(runes) > titleRuneLimit {
		head = string(runes[:titleRuneLimit])
	}
	return head + " (" + suffix + ")"
}
