package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

const defaultGenerateTimeout = 120 * time.Second

// HTTPBackend talks to one generation service over its HTTP API:
// POST /api/generate runs a job to completion, GET /api/progress/{id}
// returns a point-in-time progress snapshot.
type HTTPBackend struct {
	name    string
	baseURL string
	client  *http.Client
	logger  arbor.ILogger
}

// NewHTTPBackend creates a backend client from its configuration.
func NewHTTPBackend(config *common.BackendConfig, logger arbor.ILogger) *HTTPBackend {
	timeout := defaultGenerateTimeout
	if config.Timeout != "" {
		if d, err := time.ParseDuration(config.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	return &HTTPBackend{
		name:    config.Name,
		baseURL: strings.TrimRight(config.URL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (b *HTTPBackend) Name() string {
	return b.name
}

type generateRequest struct {
	JobID  string                 `json:"job_id"`
	Prompt string                 `json:"prompt"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Generate runs the job to completion on the backend service.
func (b *HTTPBackend) Generate(ctx context.Context, job *models.Job) (*interfaces.GenerationResult, error) {
	body, err := json.Marshal(generateRequest{
		JobID:  job.ID,
		Prompt: job.Prompt,
		Params: job.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate request to %s failed: %w", b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend %s returned %d: %s", b.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var result interfaces.GenerationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode generate response: %w", err)
	}

	return &result, nil
}

// CheckProgress fetches the backend's current view of a job. The snapshot is
// advisory and may lag the persisted job state.
func (b *HTTPBackend) CheckProgress(ctx context.Context, jobID string) (*interfaces.ProgressReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/progress/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("progress request to %s failed: %w", b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend %s returned %d: %s", b.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var report interfaces.ProgressReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode progress response: %w", err)
	}

	return &report, nil
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	return strings.TrimSpace(string(data))
}
