package app

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/backends"
	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/handlers"
	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/queue"
	"github.com/atelierhq/atelier/internal/services/events"
	"github.com/atelierhq/atelier/internal/services/monitor"
	"github.com/atelierhq/atelier/internal/services/scheduler"
	"github.com/atelierhq/atelier/internal/storage/badger"
	"github.com/atelierhq/atelier/internal/worker"
)

// App wires the services and handlers together.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB           *badger.BadgerDB
	JobStorage   interfaces.JobStorage
	EventService interfaces.EventService
	Backends     *backends.Registry

	PrimaryQueue  interfaces.QueueBackend
	FallbackQueue interfaces.QueueBackend
	Orchestrator  *queue.Orchestrator

	Monitor    *monitor.Service
	Resumer    *monitor.Resumer
	Scheduler  *scheduler.Service
	WorkerPool *worker.Pool

	WSHandler     *handlers.WebSocketHandler
	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
}

// New builds the application from configuration. Construction order is
// storage, events, backends, queues, then the services that depend on them.
func New(config *common.Config) (*App, error) {
	logger := common.GetLogger()

	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	a := &App{
		Config:       config,
		Logger:       logger,
		DB:           db,
		JobStorage:   badger.NewJobStorage(db, logger),
		EventService: events.NewService(logger),
		Backends:     backends.NewRegistry(config.Backends, logger),
	}

	a.PrimaryQueue, err = queue.NewBackend(config.Queue.Primary, &config.Queue, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize primary queue: %w", err)
	}

	if config.Queue.Fallback != "" && config.Queue.Fallback != config.Queue.Primary {
		a.FallbackQueue, err = queue.NewBackend(config.Queue.Fallback, &config.Queue, logger)
		if err != nil {
			// A dead fallback should not prevent startup; the orchestrator
			// copes with a nil fallback.
			logger.Warn().
				Err(err).
				Str("queue", config.Queue.Fallback).
				Msg("Failed to initialize fallback queue, continuing without it")
			a.FallbackQueue = nil
		}
	}

	a.Orchestrator = queue.NewOrchestrator(a.PrimaryQueue, a.FallbackQueue, logger)
	a.Monitor = monitor.NewService(a.JobStorage, a.EventService, config.MonitorPollInterval(), logger)
	a.Resumer = monitor.NewResumer(config.Monitor.ResumeSchedule, a.JobStorage, a.Backends, a.Monitor, logger)
	a.Scheduler = scheduler.NewService(a.JobStorage, a.Orchestrator, a.Monitor, a.Backends, a.EventService, logger)

	if config.Worker.Enabled {
		a.WorkerPool = worker.NewPool(
			a.PrimaryQueue,
			a.JobStorage,
			a.Backends,
			config.Worker.Concurrency,
			config.Worker.MaxAttempts,
			config.QueuePollInterval(),
			logger,
		)
	}

	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, logger, &config.WebSocket)
	a.JobHandler = handlers.NewJobHandler(a.Scheduler, logger)
	a.StatusHandler = handlers.NewStatusHandler(a.JobStorage, a.WSHandler, logger)

	logger.Info().
		Str("primary_queue", a.PrimaryQueue.Name()).
		Int("backends", len(config.Backends)).
		Msg("Application initialized")

	return a, nil
}

// Start launches the background components.
func (a *App) Start() error {
	if a.WorkerPool != nil {
		a.WorkerPool.Start()
	}
	return a.Resumer.Start()
}

// Close shuts everything down in reverse dependency order.
func (a *App) Close() {
	a.Resumer.Stop()
	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
	}
	a.Monitor.Close()

	if a.FallbackQueue != nil {
		if err := a.FallbackQueue.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close fallback queue")
		}
	}
	if err := a.PrimaryQueue.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close primary queue")
	}

	a.EventService.Close()

	if err := a.DB.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close job store")
	}

	a.Logger.Info().Msg("Application closed")
}
