package monitoring

import (
	"testing"

	"fwi-orchestrator/core/controller"
	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct{ snap controller.Snapshot }

func (f fixedStatus) Status() controller.Snapshot { return f.snap }

func TestPrometheusMetrics(t *testing.T) {
	mem := repository.NewMemoryStore()
	require.NoError(t, mem.CreateJob(&models.Job{
		ID: "j1", IterationID: 5, Stage: models.StageForward, Status: models.JobStatusRunning,
	}))
	require.NoError(t, mem.CreateJob(&models.Job{
		ID: "j2", IterationID: 5, Stage: models.StageAdjoint, Status: models.JobStatusFinished,
		Speculative: true, Reposts: 2,
	}))
	require.NoError(t, mem.CreateJob(&models.Job{
		ID: "j3", IterationID: 4, Stage: models.StageForward, Status: models.JobStatusFinished,
	}))

	me := NewMetricsExporter(mem, fixedStatus{controller.Snapshot{
		IterationID: 5,
		Attempt:     1,
		State:       models.IterComputingMisfit,
		BatchSize:   2,
	}})

	out := me.PrometheusMetrics()
	assert.Contains(t, out, "fwi_iteration 5\n")
	assert.Contains(t, out, "fwi_iteration_attempt 1\n")
	assert.Contains(t, out, "fwi_batch_size 2\n")
	assert.Contains(t, out, `fwi_iteration_state{state="computing-misfit"} 1`)
	assert.Contains(t, out, `fwi_jobs{status="running"} 1`)
	assert.Contains(t, out, `fwi_jobs{status="finished"} 1`, "other iterations are excluded")
	assert.Contains(t, out, `fwi_stage_jobs{stage="adjoint"} 1`)
	assert.Contains(t, out, "fwi_reposts_total 2\n")
	assert.Contains(t, out, "fwi_speculative_jobs 1\n")
}
