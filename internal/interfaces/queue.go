package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Receive when the queue is empty.
var ErrNoMessage = errors.New("no messages in queue")

// Delivery is the queue hand-off message for one job. The job row itself is
// durable in the job store; the delivery carries only the id and enqueue
// options.
type Delivery struct {
	JobID      string                 `json:"job_id"`
	Options    map[string]interface{} `json:"options,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// QueueBackend is one execution queue (primary or fallback).
type QueueBackend interface {
	// Name identifies the backend in logs and config.
	Name() string

	// EnqueueDelivery hands a job id to the queue. May fail.
	EnqueueDelivery(ctx context.Context, jobID string, opts map[string]interface{}) error

	// Receive pulls the next delivery, returning an ack function to call
	// after processing. Returns ErrNoMessage when the queue is empty.
	Receive(ctx context.Context) (*Delivery, func() error, error)

	// Close releases queue resources.
	Close() error
}
