package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

const defaultRetryBackoff = 2 * time.Second

// BackendResolver looks up a generation backend by name.
type BackendResolver interface {
	Get(name string) (interfaces.GenerationBackend, error)
}

// Pool consumes deliveries from the primary queue and executes them on
// their generation backends. It is the only component that writes job
// status transitions during execution.
type Pool struct {
	queue        interfaces.QueueBackend
	storage      interfaces.JobStorage
	backends     BackendResolver
	concurrency  int
	maxAttempts  int
	pollInterval time.Duration
	backoff      time.Duration
	logger       arbor.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates an executor pool. concurrency and maxAttempts below 1
// default to 1; pollInterval <= 0 defaults to 1s.
func NewPool(queue interfaces.QueueBackend, storage interfaces.JobStorage, backends BackendResolver, concurrency, maxAttempts int, pollInterval time.Duration, logger arbor.ILogger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pool{
		queue:        queue,
		storage:      storage,
		backends:     backends,
		concurrency:  concurrency,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		backoff:      defaultRetryBackoff,
		logger:       logger,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}

	p.logger.Info().
		Int("concurrency", p.concurrency).
		Str("queue", p.queue.Name()).
		Msg("Worker pool started")
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	// Stagger worker startup so they do not hammer the queue in lockstep.
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(id) * 100 * time.Millisecond):
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain processes deliveries until the queue is empty or the context ends.
func (p *Pool) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		delivery, ack, err := p.queue.Receive(ctx)
		if err != nil {
			if !errors.Is(err, interfaces.ErrNoMessage) && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("Queue receive failed")
			}
			return
		}

		p.process(ctx, delivery)

		if err := ack(); err != nil {
			p.logger.Warn().
				Err(err).
				Str("job_id", delivery.JobID).
				Msg("Failed to ack delivery")
		}
	}
}

func (p *Pool) process(ctx context.Context, delivery *interfaces.Delivery) {
	job, err := p.storage.GetJob(ctx, delivery.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			p.logger.Warn().Str("job_id", delivery.JobID).Msg("Delivery references unknown job")
			return
		}
		p.logger.Error().Err(err).Str("job_id", delivery.JobID).Msg("Failed to load job")
		return
	}

	// Cancelled (or otherwise finished) before a worker picked it up.
	if job.IsTerminal() {
		p.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Skipping terminal job")
		return
	}

	backend, err := p.backends.Get(job.Backend)
	if err != nil {
		p.fail(ctx, job.ID, err.Error())
		return
	}

	if _, err := p.storage.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, nil); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
		return
	}

	p.execute(ctx, job, backend)
}

// execute runs the generation with retries. Between attempts the job is
// marked retrying and re-read so a cancellation issued mid-flight wins.
func (p *Pool) execute(ctx context.Context, job *models.Job, backend interfaces.GenerationBackend) {
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := backend.Generate(ctx, job)
		if err == nil {
			payload := map[string]interface{}{
				"progress": 1.0,
			}
			if len(result.Images) > 0 {
				payload["images"] = result.Images
			}
			if len(result.GenerationInfo) > 0 {
				payload["generation_info"] = result.GenerationInfo
			}
			if _, err := p.storage.UpdateJobStatus(ctx, job.ID, models.JobStatusSucceeded, payload); err != nil {
				p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job succeeded")
			}
			p.logger.Info().
				Str("job_id", job.ID).
				Int("attempt", attempt).
				Msg("Job succeeded")
			return
		}

		lastErr = err
		p.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Int("attempt", attempt).
			Int("max_attempts", p.maxAttempts).
			Msg("Generation attempt failed")

		if attempt == p.maxAttempts {
			break
		}

		if _, err := p.storage.UpdateJobStatus(ctx, job.ID, models.JobStatusRetrying, map[string]interface{}{
			"error_message": lastErr.Error(),
		}); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff):
		}

		// Cancellation between attempts wins over the retry.
		current, err := p.storage.GetJob(ctx, job.ID)
		if err == nil && current.IsTerminal() {
			p.logger.Info().
				Str("job_id", job.ID).
				Str("status", string(current.Status)).
				Msg("Job finished externally, abandoning retries")
			return
		}
	}

	p.fail(ctx, job.ID, lastErr.Error())
}

func (p *Pool) fail(ctx context.Context, jobID, message string) {
	if _, err := p.storage.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, map[string]interface{}{
		"error_message": message,
	}); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}
	p.logger.Warn().Str("job_id", jobID).Str("error", message).Msg("Job failed")
}
