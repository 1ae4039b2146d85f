package queue

import (
	"context"
	"errors"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
)

// ErrNoQueueConfigured is returned when enqueue is attempted with no
// primary queue backend configured.
var ErrNoQueueConfigured = errors.New("no queue backend configured")

// Orchestrator hands jobs to the primary execution queue, falling back to
// the secondary queue with identical arguments when the primary fails.
// Retry policy does not live here; it belongs to the executing worker.
type Orchestrator struct {
	primary  interfaces.QueueBackend
	fallback interfaces.QueueBackend
	logger   arbor.ILogger
}

// NewOrchestrator creates a queue orchestrator. fallback may be nil.
func NewOrchestrator(primary, fallback interfaces.QueueBackend, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// Enqueue hands a job id to the primary queue, then to the fallback queue if
// the primary fails. When both fail (or neither is configured) the primary
// error is returned; the job row exists but is left unscheduled, which
// callers must treat as a hard failure.
func (o *Orchestrator) Enqueue(ctx context.Context, jobID string, opts map[string]interface{}) error {
	if o.primary == nil {
		return ErrNoQueueConfigured
	}

	primaryErr := o.primary.EnqueueDelivery(ctx, jobID, opts)
	if primaryErr == nil {
		o.logger.Debug().
			Str("job_id", jobID).
			Str("queue", o.primary.Name()).
			Msg("Delivery enqueued")
		return nil
	}

	if o.fallback == nil {
		o.logger.Error().
			Err(primaryErr).
			Str("job_id", jobID).
			Str("queue", o.primary.Name()).
			Msg("Enqueue failed and no fallback queue is configured")
		return primaryErr
	}

	o.logger.Warn().
		Err(primaryErr).
		Str("job_id", jobID).
		Str("queue", o.primary.Name()).
		Str("fallback", o.fallback.Name()).
		Msg("Primary enqueue failed, trying fallback queue")

	if fallbackErr := o.fallback.EnqueueDelivery(ctx, jobID, opts); fallbackErr != nil {
		o.logger.Error().
			Err(fallbackErr).
			Str("job_id", jobID).
			Str("queue", o.fallback.Name()).
			Msg("Fallback enqueue failed")
		// The primary error is the one callers care about.
		return primaryErr
	}

	o.logger.Info().
		Str("job_id", jobID).
		Str("queue", o.fallback.Name()).
		Msg("Delivery enqueued on fallback queue")
	return nil
}
