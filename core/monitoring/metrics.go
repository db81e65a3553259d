package monitoring

import (
	"fmt"
	"strings"

	"fwi-orchestrator/core/controller"
	"fwi-orchestrator/core/models"
)

// JobLister is the read-only job store surface the exporter consumes
type JobLister interface {
	ListJobsByIteration(iterationID int) ([]*models.Job, error)
}

// StatusSource provides the controller's current snapshot
type StatusSource interface {
	Status() controller.Snapshot
}

// MetricsExporter renders inversion progress in the Prometheus text
// exposition format for scraping dashboards
type MetricsExporter struct {
	jobs JobLister
	ctrl StatusSource
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(jobs JobLister, ctrl StatusSource) *MetricsExporter {
	return &MetricsExporter{jobs: jobs, ctrl: ctrl}
}

// PrometheusMetrics returns the current metrics snapshot
func (me *MetricsExporter) PrometheusMetrics() string {
	snap := me.ctrl.Status()

	var b strings.Builder
	b.WriteString("# HELP fwi_iteration Current iteration number\n")
	b.WriteString("# TYPE fwi_iteration gauge\n")
	fmt.Fprintf(&b, "fwi_iteration %d\n", snap.IterationID)

	b.WriteString("# HELP fwi_iteration_attempt Trial attempt within the current iteration\n")
	b.WriteString("# TYPE fwi_iteration_attempt gauge\n")
	fmt.Fprintf(&b, "fwi_iteration_attempt %d\n", snap.Attempt)

	b.WriteString("# HELP fwi_batch_size Events in the current batch\n")
	b.WriteString("# TYPE fwi_batch_size gauge\n")
	fmt.Fprintf(&b, "fwi_batch_size %d\n", snap.BatchSize)

	fmt.Fprintf(&b, "fwi_iteration_state{state=%q} 1\n", snap.State)

	jobs, err := me.jobs.ListJobsByIteration(snap.IterationID)
	if err != nil {
		return b.String()
	}

	byStatus := make(map[models.JobStatus]int)
	byStage := make(map[models.StageKind]int)
	reposts := 0
	speculative := 0
	for _, j := range jobs {
		byStatus[j.Status]++
		byStage[j.Stage]++
		reposts += j.Reposts
		if j.Speculative {
			speculative++
		}
	}

	b.WriteString("# HELP fwi_jobs Jobs of the current iteration by status\n")
	b.WriteString("# TYPE fwi_jobs gauge\n")
	for _, st := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusSubmitted, models.JobStatusRunning,
		models.JobStatusFinished, models.JobStatusFailed, models.JobStatusCancelled,
	} {
		fmt.Fprintf(&b, "fwi_jobs{status=%q} %d\n", st, byStatus[st])
	}

	b.WriteString("# HELP fwi_stage_jobs Jobs of the current iteration by stage\n")
	b.WriteString("# TYPE fwi_stage_jobs gauge\n")
	for _, stage := range []models.StageKind{
		models.StageModelInterp, models.StageForward, models.StageProcessing,
		models.StageAdjoint, models.StageGradInterp, models.StageSmoothing,
	} {
		fmt.Fprintf(&b, "fwi_stage_jobs{stage=%q} %d\n", stage, byStage[stage])
	}

	b.WriteString("# HELP fwi_reposts_total Remote task re-submissions in the current iteration\n")
	b.WriteString("# TYPE fwi_reposts_total counter\n")
	fmt.Fprintf(&b, "fwi_reposts_total %d\n", reposts)

	b.WriteString("# HELP fwi_speculative_jobs Speculatively started jobs in the current iteration\n")
	b.WriteString("# TYPE fwi_speculative_jobs gauge\n")
	fmt.Fprintf(&b, "fwi_speculative_jobs %d\n", speculative)

	return b.String()
}
