package models

import "strings"

// NormalizedStatus is the canonical status vocabulary used at every
// external boundary (WebSocket events and the jobs API). All internal
// executor vocabularies collapse into these four values.
type NormalizedStatus string

const (
	StatusQueued     NormalizedStatus = "queued"
	StatusProcessing NormalizedStatus = "processing"
	StatusCompleted  NormalizedStatus = "completed"
	StatusFailed     NormalizedStatus = "failed"
)

// Terminal returns true for the two final canonical values.
func (s NormalizedStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// statusAliases maps every known internal status onto exactly one canonical
// value. Canonical values map to themselves so Normalize is idempotent.
var statusAliases = map[string]NormalizedStatus{
	"queued":      StatusQueued,
	"pending":     StatusQueued,
	"processing":  StatusProcessing,
	"running":     StatusProcessing,
	"retrying":    StatusProcessing,
	"starting":    StatusProcessing,
	"in_progress": StatusProcessing,
	"completed":   StatusCompleted,
	"succeeded":   StatusCompleted,
	"success":     StatusCompleted,
	"done":        StatusCompleted,
	"failed":      StatusFailed,
	"error":       StatusFailed,
	"cancelled":   StatusFailed,
	"canceled":    StatusFailed,
}

// Normalize maps a raw status string onto the canonical vocabulary.
// Unrecognized or empty input maps to processing.
func Normalize(raw string) NormalizedStatus {
	if normalized, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return normalized
	}
	return StatusProcessing
}
