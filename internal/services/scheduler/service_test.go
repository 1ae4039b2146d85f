package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/queue"
	"github.com/atelierhq/atelier/internal/services/events"
)

type fakeStorage struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{jobs: make(map[string]*models.Job)}
}

func (f *fakeStorage) CreateJob(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job.Clone()
	return nil
}

func (f *fakeStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (f *fakeStorage) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	job.Status = status
	if result != nil {
		job.Result = result
	}
	return job.Clone(), nil
}

func (f *fakeStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return nil, nil
}

func (f *fakeStorage) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return nil, nil
}

func (f *fakeStorage) CountJobs(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	return 0, nil
}

func (f *fakeStorage) DeleteJob(ctx context.Context, jobID string) error { return nil }

type fakeEnqueuer struct {
	err      error
	enqueued []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobID string, opts map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

type fakeMonitor struct {
	mu        sync.Mutex
	watched   map[string]bool
	unwatched []string
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{watched: make(map[string]bool)}
}

func (f *fakeMonitor) Watch(jobID string, checker interfaces.ProgressChecker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[jobID] = true
}

func (f *fakeMonitor) Unwatch(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, jobID)
	f.unwatched = append(f.unwatched, jobID)
}

func (f *fakeMonitor) Watching(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[jobID]
}

func (f *fakeMonitor) Close() {}

type fakeBackend struct {
	name string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Generate(ctx context.Context, job *models.Job) (*interfaces.GenerationResult, error) {
	return &interfaces.GenerationResult{}, nil
}

func (f *fakeBackend) CheckProgress(ctx context.Context, jobID string) (*interfaces.ProgressReport, error) {
	return &interfaces.ProgressReport{Status: "running"}, nil
}

type fakeResolver struct {
	backends map[string]interfaces.GenerationBackend
}

func (f *fakeResolver) Get(name string) (interfaces.GenerationBackend, error) {
	b, ok := f.backends[name]
	if !ok {
		return nil, errors.New("unknown generation backend: " + name)
	}
	return b, nil
}

func newTestService(t *testing.T) (*Service, *fakeStorage, *fakeEnqueuer, *fakeMonitor) {
	t.Helper()
	storage := newFakeStorage()
	enqueuer := &fakeEnqueuer{}
	monitor := newFakeMonitor()
	resolver := &fakeResolver{backends: map[string]interfaces.GenerationBackend{
		"sd": &fakeBackend{name: "sd"},
	}}
	bus := events.NewService(arbor.NewLogger())
	s := NewService(storage, enqueuer, monitor, resolver, bus, arbor.NewLogger())
	return s, storage, enqueuer, monitor
}

func TestSchedule_CreatesEnqueuesAndWatches(t *testing.T) {
	s, storage, enqueuer, monitor := newTestService(t)

	job, err := s.Schedule(context.Background(), &ScheduleRequest{
		Prompt:  "a red fox",
		Backend: "sd",
		Params:  map[string]interface{}{"steps": 20},
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	stored, err := storage.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "a red fox", stored.Prompt)

	assert.Equal(t, []string{job.ID}, enqueuer.enqueued)
	assert.True(t, monitor.Watching(job.ID))
}

func TestSchedule_RejectsMissingPrompt(t *testing.T) {
	s, _, _, _ := newTestService(t)

	_, err := s.Schedule(context.Background(), &ScheduleRequest{Backend: "sd"})
	assert.Error(t, err)
}

func TestSchedule_RejectsUnknownBackend(t *testing.T) {
	s, storage, _, _ := newTestService(t)

	_, err := s.Schedule(context.Background(), &ScheduleRequest{Prompt: "p", Backend: "nope"})
	require.Error(t, err)

	count, _ := storage.CountJobs(context.Background())
	assert.Equal(t, 0, count)
}

func TestSchedule_EnqueueFailurePropagates(t *testing.T) {
	s, storage, enqueuer, monitor := newTestService(t)
	queueErr := errors.New("queue down")
	enqueuer.err = queueErr

	_, err := s.Schedule(context.Background(), &ScheduleRequest{Prompt: "p", Backend: "sd"})
	require.Error(t, err)
	assert.ErrorIs(t, err, queueErr)

	// The row exists but stays pending and unwatched.
	storage.mu.Lock()
	require.Len(t, storage.jobs, 1)
	for _, job := range storage.jobs {
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.False(t, monitor.Watching(job.ID))
	}
	storage.mu.Unlock()
}

func TestCancel_RunningJob(t *testing.T) {
	s, storage, _, monitor := newTestService(t)

	job, err := s.Schedule(context.Background(), &ScheduleRequest{Prompt: "p", Backend: "sd"})
	require.NoError(t, err)

	_, err = storage.UpdateJobStatus(context.Background(), job.ID, models.JobStatusRunning, nil)
	require.NoError(t, err)

	cancelled, err := s.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.False(t, monitor.Watching(job.ID))
	assert.Contains(t, monitor.unwatched, job.ID)
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	s, storage, _, _ := newTestService(t)

	job, err := s.Schedule(context.Background(), &ScheduleRequest{Prompt: "p", Backend: "sd"})
	require.NoError(t, err)

	_, err = storage.UpdateJobStatus(context.Background(), job.ID, models.JobStatusSucceeded, nil)
	require.NoError(t, err)

	_, err = s.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

type fakeQueue struct {
	name     string
	err      error
	enqueued []string
}

func (f *fakeQueue) Name() string { return f.name }

func (f *fakeQueue) EnqueueDelivery(ctx context.Context, jobID string, opts map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) Receive(ctx context.Context) (*interfaces.Delivery, func() error, error) {
	return nil, nil, interfaces.ErrNoMessage
}

func (f *fakeQueue) Close() error { return nil }

func TestSchedule_FallbackQueueSatisfiesScheduling(t *testing.T) {
	storage := newFakeStorage()
	monitor := newFakeMonitor()
	resolver := &fakeResolver{backends: map[string]interfaces.GenerationBackend{
		"sd": &fakeBackend{name: "sd"},
	}}
	primary := &fakeQueue{name: "primary", err: errors.New("primary down")}
	fallback := &fakeQueue{name: "fallback"}
	orchestrator := queue.NewOrchestrator(primary, fallback, arbor.NewLogger())
	bus := events.NewService(arbor.NewLogger())
	s := NewService(storage, orchestrator, monitor, resolver, bus, arbor.NewLogger())

	job, err := s.Schedule(context.Background(), &ScheduleRequest{Prompt: "p", Backend: "sd"})
	require.NoError(t, err)

	assert.Empty(t, primary.enqueued)
	assert.Equal(t, []string{job.ID}, fallback.enqueued)
	assert.True(t, monitor.Watching(job.ID))
}

func TestCancel_UnknownJob(t *testing.T) {
	s, _, _, _ := newTestService(t)

	_, err := s.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}
