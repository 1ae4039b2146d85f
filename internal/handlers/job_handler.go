package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/services/scheduler"
)

// JobHandler exposes job scheduling, lookup and cancellation over HTTP.
type JobHandler struct {
	scheduler *scheduler.Service
	logger    arbor.ILogger
}

// NewJobHandler creates a job API handler.
func NewJobHandler(sched *scheduler.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		scheduler: sched,
		logger:    logger,
	}
}

// ScheduleJobHandler handles POST /api/jobs.
func (h *JobHandler) ScheduleJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req scheduler.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := h.scheduler.Schedule(r.Context(), &req)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Schedule request rejected")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, presentJob(job))
}

// ListJobsHandler handles GET /api/jobs.
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	opts := &interfaces.JobListOptions{
		Status:  r.URL.Query().Get("status"),
		Backend: r.URL.Query().Get("backend"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			opts.Offset = n
		}
	}

	jobs, err := h.scheduler.List(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	presented := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		presented = append(presented, presentJob(job))
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  presented,
		"count": len(presented),
	})
}

// GetJobHandler handles GET /api/jobs/{id}.
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.scheduler.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "job not found: "+jobID)
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, presentJob(job))
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel.
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	jobID = strings.TrimSuffix(jobID, "/cancel")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.scheduler.Cancel(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrJobNotFound):
			WriteError(w, http.StatusNotFound, "job not found: "+jobID)
		case errors.Is(err, scheduler.ErrNotCancellable):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
			WriteError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	WriteJSON(w, http.StatusOK, presentJob(job))
}

// presentJob shapes a job for the API. The status field carries the
// canonical external vocabulary; raw_status keeps the internal value for
// debugging.
func presentJob(job *models.Job) map[string]interface{} {
	out := map[string]interface{}{
		"id":         job.ID,
		"prompt":     job.Prompt,
		"backend":    job.Backend,
		"params":     job.Params,
		"status":     models.Normalize(string(job.Status)),
		"raw_status": job.Status,
		"created_at": job.CreatedAt.Format(time.RFC3339),
	}
	if job.Result != nil {
		out["result"] = job.Result
	}
	if job.StartedAt != nil {
		out["started_at"] = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		out["finished_at"] = job.FinishedAt.Format(time.RFC3339)
	}
	if seconds, ok := job.Duration(); ok {
		out["duration_seconds"] = seconds
	}
	return out
}
