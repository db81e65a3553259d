package scheduler

import (
	"context"
	"testing"
	"time"

	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/pipeline"
	"fwi-orchestrator/core/registry"
	"fwi-orchestrator/core/repository"
	"fwi-orchestrator/core/site"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusMap(m map[models.StageKind]map[string]models.JobStatus) pipeline.StatusLookup {
	return func(stage models.StageKind, event string) (models.JobStatus, bool) {
		st, ok := m[stage][event]
		return st, ok
	}
}

func TestMayStartEarly(t *testing.T) {
	s := NewSpeculative(true)

	assert.True(t, s.MayStartEarly(models.StageAdjoint, true))
	assert.True(t, s.MayStartEarly(models.StageGradInterp, true))
	assert.False(t, s.MayStartEarly(models.StageAdjoint, false), "misfit result must exist first")
	assert.False(t, s.MayStartEarly(models.StageForward, true), "only gradient stages start early")
	assert.False(t, s.MayStartEarly(models.StageSmoothing, true))

	off := NewSpeculative(false)
	assert.False(t, off.MayStartEarly(models.StageAdjoint, true))
}

func TestEarlyTasksPerEvent(t *testing.T) {
	s := NewSpeculative(true)
	chain := pipeline.Chain(true)

	status := statusMap(map[models.StageKind]map[string]models.JobStatus{
		models.StageProcessing: {
			"ev_a": models.JobStatusFinished,
			"ev_b": models.JobStatusRunning,
		},
	})

	tasks := s.EarlyTasks([]string{"ev_a", "ev_b"}, chain, status)
	require.Len(t, tasks, 1, "only the event with a finished misfit starts early")
	assert.Equal(t, models.StageAdjoint, tasks[0].Stage)
	assert.Equal(t, "ev_a", tasks[0].Event)
	assert.True(t, tasks[0].Speculative)
}

func TestEarlyTasksAdvanceThroughGradientStages(t *testing.T) {
	s := NewSpeculative(true)
	chain := pipeline.Chain(true)

	status := statusMap(map[models.StageKind]map[string]models.JobStatus{
		models.StageProcessing: {"ev_a": models.JobStatusFinished},
		models.StageAdjoint:    {"ev_a": models.JobStatusFinished},
	})
	tasks := s.EarlyTasks([]string{"ev_a"}, chain, status)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StageGradInterp, tasks[0].Stage)

	// An adjoint still running gates the gradient interpolation.
	status = statusMap(map[models.StageKind]map[string]models.JobStatus{
		models.StageProcessing: {"ev_a": models.JobStatusFinished},
		models.StageAdjoint:    {"ev_a": models.JobStatusRunning},
	})
	assert.Empty(t, s.EarlyTasks([]string{"ev_a"}, chain, status))
}

func TestEarlyTasksDisabled(t *testing.T) {
	s := NewSpeculative(false)
	status := statusMap(map[models.StageKind]map[string]models.JobStatus{
		models.StageProcessing: {"ev_a": models.JobStatusFinished},
	})
	assert.Empty(t, s.EarlyTasks([]string{"ev_a"}, pipeline.Chain(true), status))
}

func TestDiscardAllCancelsSpeculativeOnly(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	remote := site.NewLocalSite(1)
	reg := registry.New(remote, store, 3)

	submit := func(event string, stage models.StageKind, speculative bool) *models.Job {
		job, err := reg.Submit(ctx, models.StageDescriptor{
			IterationID: 7,
			Event:       event,
			Stage:       stage,
			WallTime:    time.Hour,
		}, speculative)
		require.NoError(t, err)
		return job
	}

	forward := submit("ev_a", models.StageForward, false)
	specRunning := submit("ev_a", models.StageAdjoint, true)
	specFinished := submit("ev_b", models.StageAdjoint, true)
	_, err := reg.Apply(ctx, specFinished.ID, site.RemoteFinished)
	require.NoError(t, err)

	s := NewSpeculative(true)
	require.NoError(t, s.DiscardAll(ctx, reg, 7))

	jobs, err := reg.Jobs(7)
	require.NoError(t, err)
	byID := make(map[string]*models.Job)
	for _, j := range jobs {
		byID[j.ID] = j
	}

	assert.Equal(t, models.JobStatusSubmitted, byID[forward.ID].Status, "non-speculative work is untouched")
	assert.Equal(t, models.JobStatusCancelled, byID[specRunning.ID].Status)
	assert.Equal(t, models.JobStatusCancelled, byID[specFinished.ID].Status, "unconsumed finished results are discarded too")
	for _, j := range jobs {
		assert.NotEqual(t, models.JobStatusFailed, j.Status, "discarded work never counts as failed")
	}
}

func TestDiscardAllIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	reg := registry.New(site.NewLocalSite(1), store, 3)

	job, err := reg.Submit(ctx, models.StageDescriptor{
		IterationID: 7,
		Event:       "ev_a",
		Stage:       models.StageAdjoint,
		WallTime:    time.Hour,
	}, true)
	require.NoError(t, err)

	s := NewSpeculative(true)
	require.NoError(t, s.DiscardAll(ctx, reg, 7))
	require.NoError(t, s.DiscardAll(ctx, reg, 7))

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
}
