package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

func floatPtr(f float64) *float64 { return &f }

func TestNormalizeProgress(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		want *float64
	}{
		{"fraction stays", 0.4, floatPtr(0.4)},
		{"percentage divided", 50.0, floatPtr(0.5)},
		{"over 100 percent clamps to one", 150.0, floatPtr(1.0)},
		{"negative clamps to zero", -5.0, floatPtr(0.0)},
		{"exactly one", 1.0, floatPtr(1.0)},
		{"int percentage", 80, floatPtr(0.8)},
		{"numeric string", "0.25", floatPtr(0.25)},
		{"garbage string absent", "soon", nil},
		{"nil absent", nil, nil},
		{"bool absent", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeProgress(tt.raw)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestReconcile_PersistedStatusOverridesLive(t *testing.T) {
	live := &interfaces.ProgressReport{Status: "running", Progress: floatPtr(0.1)}
	persisted := &persistedState{
		status: "succeeded",
		result: map[string]interface{}{"progress": 1.0, "images": []interface{}{"a.png"}},
	}

	rec := reconcile(live, persisted)

	assert.Equal(t, models.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Progress)
	assert.Equal(t, 1.0, *rec.Progress)
}

func TestReconcile_LiveOnlyWhenNoPersistedState(t *testing.T) {
	live := &interfaces.ProgressReport{Status: "running", Progress: floatPtr(0.3)}

	rec := reconcile(live, nil)

	assert.Equal(t, models.StatusProcessing, rec.Status)
	require.NotNil(t, rec.Progress)
	assert.InDelta(t, 0.3, *rec.Progress, 1e-9)
}

func TestReconcile_PersistedProgressOverridesLive(t *testing.T) {
	live := &interfaces.ProgressReport{Status: "running", Progress: floatPtr(0.2)}
	persisted := &persistedState{
		status: "running",
		result: map[string]interface{}{"progress": 75.0},
	}

	rec := reconcile(live, persisted)

	assert.Equal(t, models.StatusProcessing, rec.Status)
	require.NotNil(t, rec.Progress)
	assert.InDelta(t, 0.75, *rec.Progress, 1e-9)
}

func TestReconcile_CompletedForcesFullProgress(t *testing.T) {
	live := &interfaces.ProgressReport{Status: "succeeded", Progress: floatPtr(0.4)}

	rec := reconcile(live, nil)

	assert.Equal(t, models.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Progress)
	assert.Equal(t, 1.0, *rec.Progress)
}

func TestReconcile_CompletedWithAbsentProgress(t *testing.T) {
	rec := reconcile(&interfaces.ProgressReport{Status: "completed"}, nil)

	require.NotNil(t, rec.Progress)
	assert.Equal(t, 1.0, *rec.Progress)
}

func TestReconcile_ErrorMessagePriority(t *testing.T) {
	t.Run("live error wins", func(t *testing.T) {
		live := &interfaces.ProgressReport{Status: "failed", ErrorMessage: "live boom"}
		persisted := &persistedState{
			status: "failed",
			result: map[string]interface{}{"error_message": "persisted boom"},
		}
		rec := reconcile(live, persisted)
		assert.Equal(t, "live boom", rec.ErrorMessage)
	})

	t.Run("persisted keys in priority order", func(t *testing.T) {
		persisted := &persistedState{
			status: "failed",
			result: map[string]interface{}{
				"message": "lowest",
				"error":   "middle",
			},
		}
		rec := reconcile(&interfaces.ProgressReport{Status: "failed"}, persisted)
		assert.Equal(t, "middle", rec.ErrorMessage)
	})

	t.Run("empty strings are skipped", func(t *testing.T) {
		persisted := &persistedState{
			status: "failed",
			result: map[string]interface{}{
				"error_message": "  ",
				"detail":        "disk full",
			},
		}
		rec := reconcile(&interfaces.ProgressReport{Status: "failed"}, persisted)
		assert.Equal(t, "disk full", rec.ErrorMessage)
	})
}

func TestSnapshotJob_StatusFallsBackToResultPayload(t *testing.T) {
	job := &models.Job{
		ID:     "j1",
		Result: map[string]interface{}{"status": "running"},
	}

	state := snapshotJob(job)
	assert.Equal(t, "running", state.status)
}

func TestBuildCompletion_BackfillsFromPersistedPayload(t *testing.T) {
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	persisted := &persistedState{
		status: "succeeded",
		result: map[string]interface{}{
			"images":          []interface{}{"a.png", "b.png"},
			"generation_info": map[string]interface{}{"seed": float64(7)},
		},
		startedAt:  &started,
		finishedAt: &finished,
	}
	rec := reconcile(&interfaces.ProgressReport{Status: "running"}, persisted)

	event := buildCompletion("j1", rec, &interfaces.ProgressReport{Status: "running"}, persisted)

	assert.Equal(t, models.StatusCompleted, event.Status)
	assert.Equal(t, []string{"a.png", "b.png"}, event.Images)
	assert.Equal(t, float64(7), event.GenerationInfo["seed"])
	require.NotNil(t, event.TotalDurationSeconds)
	assert.InDelta(t, 90.0, *event.TotalDurationSeconds, 1e-9)
}

func TestBuildCompletion_LivePayloadWins(t *testing.T) {
	live := &interfaces.ProgressReport{
		Status: "succeeded",
		Images: []string{"live.png"},
	}
	persisted := &persistedState{
		status: "succeeded",
		result: map[string]interface{}{"images": []interface{}{"stale.png"}},
	}
	rec := reconcile(live, persisted)

	event := buildCompletion("j1", rec, live, persisted)
	assert.Equal(t, []string{"live.png"}, event.Images)
	assert.Nil(t, event.TotalDurationSeconds)
}

func TestBuildCompletion_EmptyImagesNormalizedToNil(t *testing.T) {
	persisted := &persistedState{
		status: "succeeded",
		result: map[string]interface{}{"images": []interface{}{}},
	}
	rec := reconcile(&interfaces.ProgressReport{Status: "succeeded"}, persisted)

	event := buildCompletion("j1", rec, &interfaces.ProgressReport{Status: "succeeded"}, persisted)
	assert.Nil(t, event.Images)
}
