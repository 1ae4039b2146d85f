package interfaces

import (
	"context"

	"github.com/atelierhq/atelier/internal/models"
)

// ProgressReport is a point-in-time progress snapshot from a generation
// backend. It is advisory: a backend may legitimately under-report a job
// that finished elsewhere (or forget it entirely), which is why the monitor
// reconciles it against the persisted job state.
type ProgressReport struct {
	Status         string                 `json:"status"`
	Progress       *float64               `json:"progress,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Images         []string               `json:"images,omitempty"`
	GenerationInfo map[string]interface{} `json:"generation_info,omitempty"`
}

// ProgressChecker is the single progress-check capability every generation
// backend satisfies.
type ProgressChecker interface {
	CheckProgress(ctx context.Context, jobID string) (*ProgressReport, error)
}

// GenerationResult is what a backend returns from a completed generation.
type GenerationResult struct {
	Images         []string               `json:"images,omitempty"`
	GenerationInfo map[string]interface{} `json:"generation_info,omitempty"`
}

// GenerationBackend executes generation jobs and reports their progress.
type GenerationBackend interface {
	ProgressChecker

	// Name returns the backend name jobs reference via their backend field.
	Name() string

	// Generate runs the job to completion on the backend.
	Generate(ctx context.Context, job *models.Job) (*GenerationResult, error)
}
