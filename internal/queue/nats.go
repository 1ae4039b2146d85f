package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/interfaces"
)

const natsReceiveWait = 250 * time.Millisecond

// NATSQueue is a queue backend on core NATS. Deliveries are published to a
// subject and consumed through a queue-group subscription so multiple
// processes share the work. Core NATS has no redelivery, so ack is a no-op.
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
	logger  arbor.ILogger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSQueue dials the configured NATS server.
func NewNATSQueue(config *common.NATSConfig, logger arbor.ILogger) (*NATSQueue, error) {
	opts := []nats.Option{
		nats.Name("atelier-queue"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Debug().
		Str("url", config.URL).
		Str("subject", config.Subject).
		Msg("NATS queue initialized")

	return &NATSQueue{
		conn:    conn,
		subject: config.Subject,
		group:   config.Queue,
		logger:  logger,
	}, nil
}

func (q *NATSQueue) Name() string {
	return "nats"
}

func (q *NATSQueue) EnqueueDelivery(ctx context.Context, jobID string, opts map[string]interface{}) error {
	delivery := interfaces.Delivery{
		JobID:      jobID,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}

	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	if err := q.conn.Publish(q.subject, data); err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}
	return q.conn.FlushTimeout(2 * time.Second)
}

func (q *NATSQueue) Receive(ctx context.Context) (*interfaces.Delivery, func() error, error) {
	sub, err := q.subscription()
	if err != nil {
		return nil, nil, err
	}

	msg, err := sub.NextMsg(natsReceiveWait)
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil, interfaces.ErrNoMessage
		}
		return nil, nil, err
	}

	var delivery interfaces.Delivery
	if err := json.Unmarshal(msg.Data, &delivery); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}

	return &delivery, func() error { return nil }, nil
}

func (q *NATSQueue) subscription() (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sub != nil {
		return q.sub, nil
	}

	sub, err := q.conn.QueueSubscribeSync(q.subject, q.group)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", q.subject, err)
	}
	q.sub = sub
	return sub, nil
}

func (q *NATSQueue) Close() error {
	q.mu.Lock()
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
		q.sub = nil
	}
	q.mu.Unlock()

	q.conn.Close()
	return nil
}
