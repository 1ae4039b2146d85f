package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"
	_ "modernc.org/sqlite"

	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/interfaces"
)

// GoqiteQueue is a durable queue backend on top of goqite with a SQLite
// database file. Deliveries survive a process restart; unacked deliveries
// become visible again after the visibility timeout.
type GoqiteQueue struct {
	q      *goqite.Queue
	db     *sql.DB
	logger arbor.ILogger
}

// NewGoqiteQueue opens (or creates) the SQLite database and the goqite
// tables for the configured queue name.
func NewGoqiteQueue(config *common.GoqiteConfig, logger arbor.ILogger) (*GoqiteQueue, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// goqite serializes through a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil {
		// Expected on every startup after the first.
		if !strings.Contains(err.Error(), "already exists") {
			db.Close()
			return nil, fmt.Errorf("failed to set up queue tables: %w", err)
		}
	}

	timeout := 5 * time.Minute
	if config.VisibilityTimeout != "" {
		if d, err := time.ParseDuration(config.VisibilityTimeout); err == nil && d > 0 {
			timeout = d
		}
	}

	opts := goqite.NewOpts{
		DB:      db,
		Name:    config.Name,
		Timeout: timeout,
	}
	if config.MaxReceive > 0 {
		opts.MaxReceive = config.MaxReceive
	}

	logger.Debug().
		Str("path", config.Path).
		Str("queue", config.Name).
		Msg("Goqite queue initialized")

	return &GoqiteQueue{
		q:      goqite.New(opts),
		db:     db,
		logger: logger,
	}, nil
}

func (q *GoqiteQueue) Name() string {
	return "goqite"
}

func (q *GoqiteQueue) EnqueueDelivery(ctx context.Context, jobID string, opts map[string]interface{}) error {
	delivery := interfaces.Delivery{
		JobID:      jobID,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}

	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	return q.q.Send(ctx, goqite.Message{Body: data})
}

// Receive pulls the next delivery and returns an ack function that deletes
// the underlying message. The ack uses a fresh context so a completed job is
// still acked after the receive context has expired.
func (q *GoqiteQueue) Receive(ctx context.Context) (*interfaces.Delivery, func() error, error) {
	msg, err := q.q.Receive(ctx)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		return nil, nil, interfaces.ErrNoMessage
	}

	var delivery interfaces.Delivery
	if err := json.Unmarshal(msg.Body, &delivery); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}

	ack := func() error {
		ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return q.q.Delete(ackCtx, msg.ID)
	}

	return &delivery, ack, nil
}

func (q *GoqiteQueue) Close() error {
	return q.db.Close()
}
