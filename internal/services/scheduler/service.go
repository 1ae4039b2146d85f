package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

// ErrNotCancellable is returned when cancellation is requested for a job
// that is not in pending or running state.
var ErrNotCancellable = errors.New("job is not cancellable")

// Enqueuer hands a scheduled job to the execution queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, opts map[string]interface{}) error
}

// BackendResolver looks up a generation backend by name.
type BackendResolver interface {
	Get(name string) (interfaces.GenerationBackend, error)
}

// ScheduleRequest carries the immutable inputs for a new generation job.
type ScheduleRequest struct {
	Prompt  string                 `json:"prompt" validate:"required"`
	Backend string                 `json:"backend" validate:"required"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Service creates jobs, hands them to the queue orchestrator and arms their
// progress monitors.
type Service struct {
	storage  interfaces.JobStorage
	enqueuer Enqueuer
	monitor  interfaces.JobMonitor
	backends BackendResolver
	events   interfaces.EventService
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewService creates a job scheduler.
func NewService(storage interfaces.JobStorage, enqueuer Enqueuer, monitor interfaces.JobMonitor, backends BackendResolver, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		storage:  storage,
		enqueuer: enqueuer,
		monitor:  monitor,
		backends: backends,
		events:   events,
		validate: validator.New(),
		logger:   logger,
	}
}

// Schedule persists a new pending job, enqueues it and starts its progress
// monitor. Every call creates exactly one row; there is no deduplication.
// The returned job is still pending; callers must not assume downstream
// processing has started.
func (s *Service) Schedule(ctx context.Context, req *ScheduleRequest) (*models.Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid schedule request: %w", err)
	}

	backend, err := s.backends.Get(req.Backend)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(req.Prompt, req.Backend, req.Params)
	if err := s.storage.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if err := s.enqueuer.Enqueue(ctx, job.ID, req.Options); err != nil {
		// The row exists but is unscheduled; surface that as a hard failure.
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	s.monitor.Watch(job.ID, backend)

	if err := s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventJobScheduled,
		Payload: job.Clone(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish scheduled event")
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("backend", job.Backend).
		Msg("Job scheduled")

	return job, nil
}

// Cancel marks a pending or running job as cancelled and stops its monitor.
// Requests for jobs in any other state are rejected with ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != models.JobStatusPending && job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCancellable, jobID, job.Status)
	}

	updated, err := s.storage.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	s.monitor.Unwatch(jobID)

	if err := s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventJobCancelled,
		Payload: updated.Clone(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish cancelled event")
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	return updated, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return s.storage.GetJob(ctx, jobID)
}

// List returns jobs matching the given filter.
func (s *Service) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.storage.ListJobs(ctx, opts)
}
