package queue

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/interfaces"
)

// NewBackend builds a queue backend by configured name.
func NewBackend(name string, config *common.QueueConfig, logger arbor.ILogger) (interfaces.QueueBackend, error) {
	switch name {
	case "goqite":
		return NewGoqiteQueue(&config.Goqite, logger)
	case "nats":
		return NewNATSQueue(&config.NATS, logger)
	case "memory":
		return NewMemoryQueue(0), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", name)
	}
}
