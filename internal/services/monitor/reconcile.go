package monitor

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

// errorKeys is the priority order for extracting an error message from a
// persisted result payload. First non-empty string wins.
var errorKeys = []string{"error_message", "error", "detail", "message"}

// persistedState is an ephemeral read-only snapshot of a job row, recomputed
// on every poll.
type persistedState struct {
	status     string
	result     map[string]interface{}
	startedAt  *time.Time
	finishedAt *time.Time
}

// snapshotJob derives the persisted state from a job row. The status comes
// from the row field, falling back to a status key inside the result payload
// when the row field is empty.
func snapshotJob(job *models.Job) *persistedState {
	state := &persistedState{
		status:     string(job.Status),
		result:     job.ResultPayload(),
		startedAt:  job.StartedAt,
		finishedAt: job.FinishedAt,
	}
	if strings.TrimSpace(state.status) == "" && state.result != nil {
		if s, ok := state.result["status"].(string); ok {
			state.status = s
		}
	}
	return state
}

// reconciled is the single merged view of a job's progress: one canonical
// status, one progress value in [0,1] (or absent), one error message.
type reconciled struct {
	Status       models.NormalizedStatus
	Progress     *float64
	ErrorMessage string
}

// reconcile merges a live backend poll with the persisted job state.
// Persisted state is authoritative: it reflects what the executing worker
// actually wrote, whereas the live poll can be stale or reset.
func reconcile(live *interfaces.ProgressReport, persisted *persistedState) reconciled {
	var rec reconciled

	if live != nil {
		rec.Status = models.Normalize(live.Status)
		if live.Progress != nil {
			rec.Progress = clampProgress(*live.Progress)
		}
		rec.ErrorMessage = live.ErrorMessage
	} else {
		rec.Status = models.Normalize("")
	}

	if persisted != nil {
		if strings.TrimSpace(persisted.status) != "" {
			rec.Status = models.Normalize(persisted.status)
		}
		if persisted.result != nil {
			if raw, ok := persisted.result["progress"]; ok {
				if p := normalizeProgress(raw); p != nil {
					rec.Progress = p
				}
			}
			if rec.ErrorMessage == "" {
				rec.ErrorMessage = extractError(persisted.result)
			}
		}
	}

	// A completed job is never reported at less than 100%.
	if rec.Status == models.StatusCompleted && (rec.Progress == nil || *rec.Progress < 1.0) {
		one := 1.0
		rec.Progress = &one
	}

	return rec
}

// normalizeProgress coerces an arbitrary payload value into [0,1].
// Unparseable values are absent, not zero.
func normalizeProgress(raw interface{}) *float64 {
	var value float64
	switch v := raw.(type) {
	case float64:
		value = v
	case float32:
		value = float64(v)
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		value = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		value = f
	default:
		return nil
	}
	return clampProgress(value)
}

// clampProgress maps a raw numeric progress into [0,1]. Values above 1 are
// treated as percentages and divided by 100 before clamping.
func clampProgress(value float64) *float64 {
	if value > 1 {
		value = value / 100
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	return &value
}

// extractError pulls the first non-empty error string out of a persisted
// result payload.
func extractError(result map[string]interface{}) string {
	for _, key := range errorKeys {
		if s, ok := result[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// buildCompletion constructs the one completion event for a job. Images and
// generation metadata come from the live poll when non-empty, otherwise from
// the persisted payload. An empty images list is normalized to nil.
func buildCompletion(jobID string, rec reconciled, live *interfaces.ProgressReport, persisted *persistedState) *models.CompletionEvent {
	event := &models.CompletionEvent{
		JobID:        jobID,
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
	}

	if live != nil && len(live.Images) > 0 {
		event.Images = live.Images
	} else if persisted != nil {
		event.Images = imagesFromPayload(persisted.result)
	}

	if live != nil && len(live.GenerationInfo) > 0 {
		event.GenerationInfo = live.GenerationInfo
	} else if persisted != nil && persisted.result != nil {
		if info, ok := persisted.result["generation_info"].(map[string]interface{}); ok && len(info) > 0 {
			event.GenerationInfo = info
		}
	}

	if persisted != nil && persisted.startedAt != nil && persisted.finishedAt != nil {
		seconds := persisted.finishedAt.Sub(*persisted.startedAt).Seconds()
		event.TotalDurationSeconds = &seconds
	}

	return event
}

// imagesFromPayload extracts the images list from a persisted result
// payload, tolerating both []string and the []interface{} that JSON
// round-tripping produces.
func imagesFromPayload(result map[string]interface{}) []string {
	if result == nil {
		return nil
	}
	switch raw := result["images"].(type) {
	case []string:
		if len(raw) == 0 {
			return nil
		}
		return raw
	case []interface{}:
		images := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				images = append(images, s)
			}
		}
		if len(images) == 0 {
			return nil
		}
		return images
	default:
		return nil
	}
}
