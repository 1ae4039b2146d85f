package interfaces

import (
	"context"
	"errors"

	"github.com/atelierhq/atelier/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist in the store.
var ErrJobNotFound = errors.New("job not found")

// JobListOptions for listing jobs
type JobListOptions struct {
	Status   string
	Backend  string
	Limit    int
	Offset   int
	OrderBy  string // created_at, started_at, finished_at
	OrderDir string // asc, desc
}

// JobStorage is the durable store for job records.
//
// UpdateJobStatus must set StartedAt exactly once on first entry to running
// and FinishedAt exactly once on first entry to a terminal status; once set,
// neither is ever cleared or changed. The result payload, when provided, is
// overwritten wholesale.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	CountJobs(ctx context.Context) (int, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	DeleteJob(ctx context.Context, jobID string) error
}
