// Package server is the service façade the HTTP layer talks to. It owns
// authorization (job ownership), the upload size cap, and the mapping of
// every operation onto the core components. It contains no routing or
// request parsing.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/claude-batch/batchd/internal/job"
	"github.com/claude-batch/batchd/internal/repo"
	"github.com/claude-batch/batchd/internal/scheduler"
	"github.com/claude-batch/batchd/internal/staging"
	"github.com/claude-batch/batchd/internal/workspace"
	"github.com/claude-batch/batchd/logger"
)

// ErrUnauthorized is returned when a caller touches a job owned by
// someone else.
var ErrUnauthorized = errors.New("not the job owner")

// ErrResourceExhausted is returned when an upload exceeds the size cap.
var ErrResourceExhausted = errors.New("upload exceeds size limit")

// MaxUploadBytes caps a single uploaded file.
const MaxUploadBytes = 50 << 20

// Service glues the registry, scheduler, staging area, and workspace
// browser behind per-user operations.
type Service struct {
	logger    logger.Logger
	registry  *repo.Registry
	store     *job.Store
	scheduler *scheduler.Scheduler
	staging   *staging.Area
	browser   *workspace.Browser
}

func New(l logger.Logger, registry *repo.Registry, store *job.Store, sched *scheduler.Scheduler, stag *staging.Area, browser *workspace.Browser) *Service {
	return &Service{
		logger:    l,
		registry:  registry,
		store:     store,
		scheduler: sched,
		staging:   stag,
		browser:   browser,
	}
}

// Repositories. Registration is admin-scoped; no per-user ownership.

func (s *Service) RegisterRepository(ctx context.Context, name, gitURL, description string, indexerAware bool) (*repo.Repository, error) {
	return s.registry.Register(ctx, name, gitURL, description, indexerAware)
}

func (s *Service) UnregisterRepository(ctx context.Context, name string) error {
	return s.registry.Unregister(ctx, name)
}

func (s *Service) ListRepositories(ctx context.Context) ([]*repo.Repository, error) {
	return s.registry.ListWithMetadata(ctx)
}

func (s *Service) GetRepository(ctx context.Context, name string) (*repo.Repository, error) {
	return s.registry.Get(ctx, name)
}

// Jobs. Every operation checks the caller owns the job.

// CreateJobRequest is what a client supplies to create a job.
type CreateJobRequest struct {
	Repository string      `json:"repository"`
	Prompt     string      `json:"prompt"`
	Options    job.Options `json:"options"`
}

func (s *Service) CreateJob(ctx context.Context, user string, req CreateJobRequest) (job.Job, error) {
	return s.scheduler.CreateJob(ctx, user, req.Repository, req.Prompt, req.Options)
}

func (s *Service) StartJob(ctx context.Context, user, jobID string) error {
	if _, err := s.owned(user, jobID); err != nil {
		return err
	}
	return s.scheduler.StartJob(ctx, jobID)
}

func (s *Service) CancelJob(ctx context.Context, user, jobID, reason string) error {
	if _, err := s.owned(user, jobID); err != nil {
		return err
	}
	return s.scheduler.Cancel(ctx, jobID, reason)
}

func (s *Service) DeleteJob(ctx context.Context, user, jobID string) error {
	if _, err := s.owned(user, jobID); err != nil {
		return err
	}
	return s.scheduler.Delete(ctx, jobID)
}

func (s *Service) GetJobStatus(ctx context.Context, user, jobID string) (job.Job, error) {
	return s.owned(user, jobID)
}

func (s *Service) ListUserJobs(ctx context.Context, user string) []*job.Job {
	return s.store.ForUser(user)
}

// UploadFile stages a file for a job that hasn't started yet. The stream
// is copied straight to disk; nothing proportional to the file size is
// held in memory.
func (s *Service) UploadFile(ctx context.Context, user, jobID, filename string, r io.Reader, overwrite bool) (string, error) {
	snap, err := s.owned(user, jobID)
	if err != nil {
		return "", err
	}
	if snap.Status != job.StatusCreated {
		return "", fmt.Errorf("%w: uploads are only accepted before start (state %q)", scheduler.ErrIllegalTransition, snap.Status)
	}

	stored, err := s.staging.Stage(jobID, filename, io.LimitReader(r, MaxUploadBytes+1), overwrite)
	if err != nil {
		return "", err
	}

	// The limit reader truncates silently; detect the overflow by size.
	info, err := os.Stat(s.staging.StagedPath(jobID, stored))
	if err != nil {
		return "", err
	}
	if info.Size() > MaxUploadBytes {
		_ = os.Remove(s.staging.StagedPath(jobID, stored))
		return "", fmt.Errorf("%w: %q exceeds %s", ErrResourceExhausted, filename, humanize.Bytes(MaxUploadBytes))
	}

	original := staging.RestoreName(stored)
	err = s.store.Mutate(jobID, func(j *job.Job) error {
		for _, f := range j.UploadedFiles {
			if f == original {
				return nil
			}
		}
		j.UploadedFiles = append(j.UploadedFiles, original)
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("[Service] %s uploaded %s (%s) to job %s", user, original, humanize.Bytes(uint64(info.Size())), jobID)
	return stored, nil
}

// Workspace access.

func (s *Service) ListWorkspace(ctx context.Context, user, jobID, path, mask string, depth int, filter workspace.TypeFilter) ([]workspace.Entry, error) {
	snap, err := s.owned(user, jobID)
	if err != nil {
		return nil, err
	}
	return s.browser.List(snap.WorkspacePath, path, mask, depth, filter)
}

func (s *Service) DownloadWorkspaceFile(ctx context.Context, user, jobID, path string) (io.ReadCloser, os.FileInfo, error) {
	snap, err := s.owned(user, jobID)
	if err != nil {
		return nil, nil, err
	}
	return s.browser.Open(snap.WorkspacePath, path)
}

func (s *Service) ReadWorkspaceFileText(ctx context.Context, user, jobID, path string) (string, error) {
	snap, err := s.owned(user, jobID)
	if err != nil {
		return "", err
	}
	return s.browser.ReadText(snap.WorkspacePath, path)
}

func (s *Service) owned(user, jobID string) (job.Job, error) {
	snap, ok := s.store.Snapshot(jobID)
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %q", job.ErrNotFound, jobID)
	}
	if snap.Username != user {
		return job.Job{}, fmt.Errorf("%w: job %q", ErrUnauthorized, jobID)
	}
	return snap, nil
}
