package models

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw      string
		expected NormalizedStatus
	}{
		{"pending", StatusQueued},
		{"queued", StatusQueued},
		{"running", StatusProcessing},
		{"retrying", StatusProcessing},
		{"starting", StatusProcessing},
		{"succeeded", StatusCompleted},
		{"completed", StatusCompleted},
		{"done", StatusCompleted},
		{"failed", StatusFailed},
		{"cancelled", StatusFailed},
		{"canceled", StatusFailed},
		{"error", StatusFailed},
	}

	for _, tc := range cases {
		if got := Normalize(tc.raw); got != tc.expected {
			t.Errorf("Normalize(%q) = %q, expected %q", tc.raw, got, tc.expected)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, s := range []NormalizedStatus{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed} {
		if got := Normalize(string(s)); got != s {
			t.Errorf("Normalize(%q) = %q, canonical values must map to themselves", s, got)
		}
	}
}

func TestNormalize_DefaultsToProcessing(t *testing.T) {
	for _, raw := range []string{"", "   ", "warming_up", "LIMBO", "42"} {
		if got := Normalize(raw); got != StatusProcessing {
			t.Errorf("Normalize(%q) = %q, expected processing default", raw, got)
		}
	}
}

func TestNormalize_CaseInsensitive(t *testing.T) {
	if got := Normalize("  Succeeded "); got != StatusCompleted {
		t.Errorf("Normalize with whitespace/case = %q, expected completed", got)
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	active := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusRetrying}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}
