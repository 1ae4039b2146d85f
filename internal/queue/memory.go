package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atelierhq/atelier/internal/interfaces"
)

const defaultMemoryCapacity = 1024

// MemoryQueue is an in-process queue backend. It is the default fallback
// queue and the test double; deliveries do not survive a restart.
type MemoryQueue struct {
	name      string
	ch        chan *interfaces.Delivery
	closeOnce sync.Once
}

// NewMemoryQueue creates an in-memory queue with the given capacity.
// capacity <= 0 uses the default.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryQueue{
		name: "memory",
		ch:   make(chan *interfaces.Delivery, capacity),
	}
}

func (q *MemoryQueue) Name() string {
	return q.name
}

func (q *MemoryQueue) EnqueueDelivery(ctx context.Context, jobID string, opts map[string]interface{}) error {
	delivery := &interfaces.Delivery{
		JobID:      jobID,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}

	select {
	case q.ch <- delivery:
		return nil
	default:
		return fmt.Errorf("memory queue is full (capacity %d)", cap(q.ch))
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*interfaces.Delivery, func() error, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case delivery, ok := <-q.ch:
		if !ok {
			return nil, nil, interfaces.ErrNoMessage
		}
		return delivery, func() error { return nil }, nil
	default:
		return nil, nil, interfaces.ErrNoMessage
	}
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.ch)
	})
	return nil
}
