package monitor

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

// BackendResolver looks up a generation backend by name.
type BackendResolver interface {
	Get(name string) (interfaces.GenerationBackend, error)
}

// Resumer periodically sweeps the job store for non-terminal jobs and
// re-arms their monitors. This covers jobs that were in flight when the
// process restarted and jobs whose monitor died on a transport failure.
type Resumer struct {
	storage  interfaces.JobStorage
	backends BackendResolver
	monitor  interfaces.JobMonitor
	cron     *cron.Cron
	schedule string
	logger   arbor.ILogger
}

// NewResumer creates a resume sweeper. An empty schedule disables it.
func NewResumer(schedule string, storage interfaces.JobStorage, backends BackendResolver, monitor interfaces.JobMonitor, logger arbor.ILogger) *Resumer {
	return &Resumer{
		storage:  storage,
		backends: backends,
		monitor:  monitor,
		cron:     cron.New(),
		schedule: schedule,
		logger:   logger,
	}
}

// Start runs one immediate sweep, then schedules recurring sweeps.
func (r *Resumer) Start() error {
	if r.schedule == "" {
		r.logger.Debug().Msg("Monitor resume sweep disabled")
		return nil
	}

	r.Sweep()

	if _, err := r.cron.AddFunc(r.schedule, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()

	r.logger.Info().
		Str("schedule", r.schedule).
		Msg("Monitor resume sweep started")
	return nil
}

// Stop halts the recurring sweep.
func (r *Resumer) Stop() {
	r.cron.Stop()
}

// Sweep re-arms a monitor for every non-terminal job. Watch is idempotent,
// so jobs already being polled are untouched.
func (r *Resumer) Sweep() {
	ctx := context.Background()
	resumed := 0

	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusRunning, models.JobStatusRetrying} {
		jobs, err := r.storage.GetJobsByStatus(ctx, status)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("status", string(status)).
				Msg("Resume sweep failed to list jobs")
			continue
		}

		for _, job := range jobs {
			if r.monitor.Watching(job.ID) {
				continue
			}
			backend, err := r.backends.Get(job.Backend)
			if err != nil {
				r.logger.Warn().
					Err(err).
					Str("job_id", job.ID).
					Str("backend", job.Backend).
					Msg("Cannot resume monitor for job with unknown backend")
				continue
			}
			r.monitor.Watch(job.ID, backend)
			resumed++
		}
	}

	if resumed > 0 {
		r.logger.Info().Int("count", resumed).Msg("Resumed job monitors")
	}
}
