package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/services/events"
)

type fakeStorage struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	err  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{jobs: make(map[string]*models.Job)}
}

func (f *fakeStorage) put(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeStorage) CreateJob(ctx context.Context, job *models.Job) error {
	f.put(job)
	return nil
}

func (f *fakeStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, job := range f.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (f *fakeStorage) CountJobs(ctx context.Context) (int, error) { return len(f.jobs), nil }

func (f *fakeStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	return 0, nil
}

func (f *fakeStorage) DeleteJob(ctx context.Context, jobID string) error { return nil }

type fakeChecker struct {
	mu     sync.Mutex
	report *interfaces.ProgressReport
	err    error
	calls  atomic.Int64
}

func (f *fakeChecker) CheckProgress(ctx context.Context, jobID string) (*interfaces.ProgressReport, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	report := *f.report
	return &report, nil
}

func (f *fakeChecker) set(report *interfaces.ProgressReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report = report
}

type eventRecorder struct {
	mu          sync.Mutex
	progress    []models.ProgressEvent
	completions []models.CompletionEvent
}

func newEventRecorder(t *testing.T, bus interfaces.EventService) *eventRecorder {
	t.Helper()
	r := &eventRecorder{}
	require.NoError(t, bus.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, event interfaces.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.progress = append(r.progress, event.Payload.(models.ProgressEvent))
		return nil
	}))
	require.NoError(t, bus.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.completions = append(r.completions, event.Payload.(models.CompletionEvent))
		return nil
	}))
	return r
}

func (r *eventRecorder) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress)
}

func (r *eventRecorder) completionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completions)
}

func (r *eventRecorder) lastProgress() models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[len(r.progress)-1]
}

func (r *eventRecorder) firstCompletion() models.CompletionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completions[0]
}

func TestService_WatchIsIdempotent(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	storage := newFakeStorage()
	checker := &fakeChecker{report: &interfaces.ProgressReport{Status: "running"}}

	// Long interval so only the immediate first poll of each task runs.
	s := NewService(storage, bus, time.Hour, arbor.NewLogger())
	defer s.Close()

	s.Watch("job-1", checker)
	s.Watch("job-1", checker)

	require.Eventually(t, func() bool {
		return checker.calls.Load() >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int64(1), checker.calls.Load())
	assert.True(t, s.Watching("job-1"))
}

func TestService_ReconcilesPersistedOverLive(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	recorder := newEventRecorder(t, bus)
	storage := newFakeStorage()

	job := models.NewJob("a fox", "sd", nil)
	job.ID = "job-b"
	job.Status = models.JobStatusSucceeded
	job.Result = map[string]interface{}{
		"progress": 1.0,
		"images":   []interface{}{"a.png"},
	}
	storage.put(job)

	progress := 0.1
	checker := &fakeChecker{report: &interfaces.ProgressReport{Status: "running", Progress: &progress}}

	s := NewService(storage, bus, 10*time.Millisecond, arbor.NewLogger())
	defer s.Close()

	s.Watch("job-b", checker)

	require.Eventually(t, func() bool {
		return recorder.completionCount() == 1
	}, time.Second, 10*time.Millisecond)

	last := recorder.lastProgress()
	assert.Equal(t, models.StatusCompleted, last.Status)
	require.NotNil(t, last.Progress)
	assert.Equal(t, 1.0, *last.Progress)

	completion := recorder.firstCompletion()
	assert.Equal(t, models.StatusCompleted, completion.Status)
	assert.Equal(t, []string{"a.png"}, completion.Images)
}

func TestService_TerminalFinality(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	recorder := newEventRecorder(t, bus)
	storage := newFakeStorage()
	checker := &fakeChecker{report: &interfaces.ProgressReport{Status: "succeeded"}}

	s := NewService(storage, bus, 10*time.Millisecond, arbor.NewLogger())
	defer s.Close()

	s.Watch("job-t", checker)

	require.Eventually(t, func() bool {
		return recorder.completionCount() == 1
	}, time.Second, 10*time.Millisecond)

	progressSoFar := recorder.progressCount()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, recorder.completionCount())
	assert.Equal(t, progressSoFar, recorder.progressCount())
	assert.False(t, s.Watching("job-t"))
}

func TestService_UnwatchStopsPolling(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	storage := newFakeStorage()
	checker := &fakeChecker{report: &interfaces.ProgressReport{Status: "running"}}

	s := NewService(storage, bus, 10*time.Millisecond, arbor.NewLogger())
	defer s.Close()

	s.Watch("job-c", checker)
	require.Eventually(t, func() bool {
		return checker.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	s.Unwatch("job-c")
	assert.False(t, s.Watching("job-c"))

	// Let any in-flight poll drain, then confirm the checker goes quiet.
	time.Sleep(50 * time.Millisecond)
	calls := checker.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, checker.calls.Load())
}

func TestService_UnwatchUnknownJobIsNoop(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	s := NewService(newFakeStorage(), bus, time.Hour, arbor.NewLogger())
	defer s.Close()

	s.Unwatch("never-watched")
	assert.False(t, s.Watching("never-watched"))
}

func TestService_StoreFailureKeepsMonitorAlive(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	recorder := newEventRecorder(t, bus)
	storage := newFakeStorage()
	storage.err = errors.New("store offline")

	progress := 0.5
	checker := &fakeChecker{report: &interfaces.ProgressReport{Status: "running", Progress: &progress}}

	s := NewService(storage, bus, 10*time.Millisecond, arbor.NewLogger())
	defer s.Close()

	s.Watch("job-s", checker)

	require.Eventually(t, func() bool {
		return recorder.progressCount() >= 2
	}, time.Second, 10*time.Millisecond)

	assert.True(t, s.Watching("job-s"))
	last := recorder.lastProgress()
	assert.Equal(t, models.StatusProcessing, last.Status)
	require.NotNil(t, last.Progress)
	assert.InDelta(t, 0.5, *last.Progress, 1e-9)
}

func TestService_CheckerFailureStopsMonitorWithoutCompletion(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	recorder := newEventRecorder(t, bus)
	checker := &fakeChecker{err: errors.New("backend unreachable")}

	s := NewService(newFakeStorage(), bus, 10*time.Millisecond, arbor.NewLogger())
	defer s.Close()

	s.Watch("job-e", checker)

	require.Eventually(t, func() bool {
		return !s.Watching("job-e")
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, recorder.completionCount())
	assert.Equal(t, 0, recorder.progressCount())
}

type fakeResolver struct {
	backend interfaces.GenerationBackend
}

func (f *fakeResolver) Get(name string) (interfaces.GenerationBackend, error) {
	if f.backend == nil {
		return nil, errors.New("unknown backend")
	}
	return f.backend, nil
}

type fakeBackend struct {
	fakeChecker
	name string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Generate(ctx context.Context, job *models.Job) (*interfaces.GenerationResult, error) {
	return &interfaces.GenerationResult{}, nil
}

func TestResumer_SweepRearmsNonTerminalJobs(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	storage := newFakeStorage()

	running := models.NewJob("p1", "sd", nil)
	running.Status = models.JobStatusRunning
	storage.put(running)

	done := models.NewJob("p2", "sd", nil)
	done.Status = models.JobStatusSucceeded
	storage.put(done)

	backend := &fakeBackend{name: "sd"}
	backend.report = &interfaces.ProgressReport{Status: "running"}

	s := NewService(storage, bus, time.Hour, arbor.NewLogger())
	defer s.Close()

	r := NewResumer("", storage, &fakeResolver{backend: backend}, s, arbor.NewLogger())
	r.Sweep()

	assert.True(t, s.Watching(running.ID))
	assert.False(t, s.Watching(done.ID))
}
