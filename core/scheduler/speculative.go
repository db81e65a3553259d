package scheduler

import (
	"context"
	"log"

	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/pipeline"
	"fwi-orchestrator/core/registry"
)

// Speculative decides when adjoint/gradient work may start before the
// candidate model's accept/reject decision is known. The wasted compute
// on a rejection is bounded: the speculative jobs of one iteration.
type Speculative struct {
	enabled bool
}

// NewSpeculative creates the scheduler; disabled it never authorizes
// early starts
func NewSpeculative(enabled bool) *Speculative {
	return &Speculative{enabled: enabled}
}

// Enabled reports whether speculative execution is on
func (s *Speculative) Enabled() bool { return s.enabled }

// MayStartEarly authorizes submitting a stage before the decision gate.
// Only gradient-producing stages qualify, and only once the event's
// misfit result is available.
func (s *Speculative) MayStartEarly(stage models.StageKind, misfitFinished bool) bool {
	if !s.enabled {
		return false
	}
	if stage != models.StageAdjoint && stage != models.StageGradInterp {
		return false
	}
	return misfitFinished
}

// EarlyTasks returns the gradient-stage tasks that may be submitted now:
// for each event whose misfit processing is finished, the next
// not-yet-submitted adjoint/gradient stage. Returned tasks are tagged
// speculative so a later rejection can discard them.
func (s *Speculative) EarlyTasks(events []string, chain []models.StageKind, status pipeline.StatusLookup) []pipeline.Task {
	if !s.enabled {
		return nil
	}

	var tasks []pipeline.Task
	for _, event := range events {
		misfit, ok := status(models.StageProcessing, event)
		if !ok || misfit != models.JobStatusFinished {
			continue
		}
		for _, stage := range chain {
			if !s.MayStartEarly(stage, true) {
				continue
			}
			if _, exists := status(stage, event); exists {
				continue
			}
			pred, has := pipeline.Predecessor(chain, stage)
			if has {
				st, exists := status(pred, event)
				if !exists || st != models.JobStatusFinished {
					break
				}
			}
			tasks = append(tasks, pipeline.Task{Stage: stage, Event: event, Speculative: true})
			break
		}
	}
	return tasks
}

// DiscardAll cancels every unconsumed speculative job of an iteration
// after its model was rejected. The jobs end cancelled, never failed:
// no retries, no fatal escalation, and their outputs are never read.
func (s *Speculative) DiscardAll(ctx context.Context, reg *registry.Registry, iterationID int) error {
	jobs, err := reg.Jobs(iterationID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.Speculative {
			continue
		}
		if job.Status == models.JobStatusCancelled || job.Status == models.JobStatusFailed {
			continue
		}
		log.Printf("Discarding speculative %s job %s for event %q (iteration %d, was %s)",
			job.Stage, job.ID, job.Event, iterationID, job.Status)
		if err := reg.MarkCancelled(ctx, job.ID, "speculative_discarded_after_rejection"); err != nil {
			return err
		}
	}
	return nil
}
