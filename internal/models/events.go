package models

// ProgressEvent is emitted on every monitor poll for a watched job.
// Progress is in [0,1] and omitted when neither the live poll nor the
// persisted payload reported one.
type ProgressEvent struct {
	JobID        string           `json:"job_id"`
	Status       NormalizedStatus `json:"status"`
	Progress     *float64         `json:"progress,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// CompletionEvent is emitted exactly once per watched job, always last.
// Images is nil (not an empty list) when no images were produced, to
// disambiguate "zero results" from "field not populated".
type CompletionEvent struct {
	JobID                string                 `json:"job_id"`
	Status               NormalizedStatus       `json:"status"`
	Images               []string               `json:"images,omitempty"`
	ErrorMessage         string                 `json:"error_message,omitempty"`
	TotalDurationSeconds *float64               `json:"total_duration_seconds,omitempty"`
	GenerationInfo       map[string]interface{} `json:"generation_info,omitempty"`
}
