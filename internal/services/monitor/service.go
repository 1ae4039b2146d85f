package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

// Service runs one polling task per watched job. Each task polls the job's
// generation backend, reconciles the live report against the persisted job
// state, and publishes progress events until the job is terminal, then
// publishes exactly one completion event and exits.
type Service struct {
	storage  interfaces.JobStorage
	events   interfaces.EventService
	interval time.Duration
	logger   arbor.ILogger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	cancel context.CancelFunc
}

// NewService creates a job progress monitor. interval <= 0 defaults to 2s.
func NewService(storage interfaces.JobStorage, events interfaces.EventService, interval time.Duration, logger arbor.ILogger) *Service {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Service{
		storage:  storage,
		events:   events,
		interval: interval,
		logger:   logger,
		tasks:    make(map[string]*task),
	}
}

// Watch starts a polling task for the job. A second Watch for a job that is
// already being polled is a no-op.
func (s *Service) Watch(jobID string, checker interfaces.ProgressChecker) {
	s.mu.Lock()
	if _, exists := s.tasks[jobID]; exists {
		s.mu.Unlock()
		s.logger.Debug().Str("job_id", jobID).Msg("Monitor already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel}
	s.tasks[jobID] = t
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug().Str("job_id", jobID).Msg("Monitor started")
	go s.poll(ctx, jobID, checker, t)
}

// Unwatch cancels the polling task for a job. Safe to call when no task
// exists.
func (s *Service) Unwatch(jobID string) {
	s.mu.Lock()
	t, ok := s.tasks[jobID]
	if ok {
		delete(s.tasks, jobID)
	}
	s.mu.Unlock()

	if ok {
		t.cancel()
		s.logger.Debug().Str("job_id", jobID).Msg("Monitor stopped")
	}
}

// Watching reports whether a polling task is live for the job.
func (s *Service) Watching(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[jobID]
	return ok
}

// Close cancels every polling task and waits for them to exit.
func (s *Service) Close() {
	s.mu.Lock()
	for jobID, t := range s.tasks {
		t.cancel()
		delete(s.tasks, jobID)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Job monitor closed")
}

// remove drops the watch-table entry, but only if it still belongs to this
// task. An Unwatch followed by a fresh Watch must not lose the new entry to
// the old task's cleanup.
func (s *Service) remove(jobID string, t *task) {
	s.mu.Lock()
	if current, ok := s.tasks[jobID]; ok && current == t {
		delete(s.tasks, jobID)
	}
	s.mu.Unlock()
}

func (s *Service) poll(ctx context.Context, jobID string, checker interfaces.ProgressChecker, t *task) {
	defer s.wg.Done()
	defer s.remove(jobID, t)

	for {
		done, err := s.pollOnce(ctx, jobID, checker)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A transport-level progress failure ends the watch without a
			// completion event.
			s.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Msg("Progress check failed, stopping monitor")
			return
		}
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// pollOnce performs one reconcile cycle. It returns true when the job
// reached a terminal status and the completion event has been published.
func (s *Service) pollOnce(ctx context.Context, jobID string, checker interfaces.ProgressChecker) (bool, error) {
	report, err := checker.CheckProgress(ctx, jobID)
	if err != nil {
		return false, err
	}

	var persisted *persistedState
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		// A store read failure never kills the monitor; reconcile with live
		// data only.
		s.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Msg("Failed to load persisted job state, using live data only")
	} else {
		persisted = snapshotJob(job)
	}

	rec := reconcile(report, persisted)

	progressEvent := models.ProgressEvent{
		JobID:        jobID,
		Status:       rec.Status,
		Progress:     rec.Progress,
		ErrorMessage: rec.ErrorMessage,
	}
	if err := s.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobProgress,
		Payload: progressEvent,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Progress event delivery failed")
	}

	if !rec.Status.Terminal() {
		return false, nil
	}

	completion := buildCompletion(jobID, rec, report, persisted)
	if err := s.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: *completion,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Completion event delivery failed")
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("status", string(rec.Status)).
		Msg("Job reached terminal status, monitor exiting")
	return true, nil
}
