package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventJobScheduled EventType = "job_scheduled"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobCancelled EventType = "job_cancelled"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes an event and waits for all handlers to complete.
	// The monitor uses this so per-job event ordering is preserved.
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
