// -----------------------------------------------------------------------
// Generation Job - Durable job record for the generation pipeline
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the internal status vocabulary written by the executor
// (and by explicit cancellation). The monitor only ever reads it.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents one durable generation request.
//
// Prompt, Backend and Params are immutable after creation. Status is mutated
// only by the executing worker or by explicit cancellation. Result is
// overwritten wholesale on each status transition. StartedAt and FinishedAt
// are set exactly once (first entry to running / first entry to a terminal
// status) and never cleared.
type Job struct {
	ID      string                 `json:"id"`
	Prompt  string                 `json:"prompt"`
	Backend string                 `json:"backend"`
	Params  map[string]interface{} `json:"params"`

	Status JobStatus              `json:"status" badgerhold:"index"`
	Result map[string]interface{} `json:"result,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a new pending job with a fresh ID.
func NewJob(prompt, backend string, params map[string]interface{}) *Job {
	if params == nil {
		params = make(map[string]interface{})
	}
	return &Job{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Backend:   backend,
		Params:    params,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
}

// IsTerminal returns true if the job has reached a final status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// ResultPayload returns the structured result payload, or nil when the
// executor has not written one yet.
func (j *Job) ResultPayload() map[string]interface{} {
	if len(j.Result) == 0 {
		return nil
	}
	return j.Result
}

// Duration returns the elapsed execution time in seconds when both
// timestamps are present.
func (j *Job) Duration() (float64, bool) {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0, false
	}
	return j.FinishedAt.Sub(*j.StartedAt).Seconds(), true
}

// Validate validates the job record.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Prompt == "" {
		return fmt.Errorf("job prompt is required")
	}
	if j.Backend == "" {
		return fmt.Errorf("job backend is required")
	}
	return nil
}

// Clone creates a deep copy of the job so callers can hand snapshots to
// other goroutines without sharing the maps.
func (j *Job) Clone() *Job {
	clone := *j

	clone.Params = make(map[string]interface{}, len(j.Params))
	for k, v := range j.Params {
		clone.Params[k] = v
	}

	if j.Result != nil {
		clone.Result = make(map[string]interface{}, len(j.Result))
		for k, v := range j.Result {
			clone.Result[k] = v
		}
	}

	return &clone
}

// ToJSON serializes the job for queue or wire transport.
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job.
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
