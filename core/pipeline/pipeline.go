package pipeline

import (
	"fmt"

	"fwi-orchestrator/core/models"
)

// Task is one schedulable unit: a stage applied to an event (or to the
// whole iteration when Event is empty).
type Task struct {
	Stage       models.StageKind
	Event       string
	Speculative bool
}

// stageOrder fixes the dependency order of per-event stages
var stageOrder = map[models.StageKind]int{
	models.StageModelInterp: 0,
	models.StageForward:     1,
	models.StageProcessing:  2,
	models.StageAdjoint:     3,
	models.StageGradInterp:  4,
	models.StageSmoothing:   5,
}

// Chain returns the full per-event stage order. With multi-mesh enabled a
// model interpolation precedes the forward simulation and the gradient is
// interpolated back onto the inversion mesh afterwards.
func Chain(multiMesh bool) []models.StageKind {
	if multiMesh {
		return []models.StageKind{
			models.StageModelInterp,
			models.StageForward,
			models.StageProcessing,
			models.StageAdjoint,
			models.StageGradInterp,
		}
	}
	return []models.StageKind{
		models.StageForward,
		models.StageProcessing,
		models.StageAdjoint,
	}
}

// ValidationChain returns the stages run for held-out validation events:
// simulate and misfit only, never contributing to the gradient
func ValidationChain(multiMesh bool) []models.StageKind {
	if multiMesh {
		return []models.StageKind{
			models.StageModelInterp,
			models.StageForward,
			models.StageProcessing,
		}
	}
	return []models.StageKind{
		models.StageForward,
		models.StageProcessing,
	}
}

// UpTo truncates a chain at the target stage, inclusive
func UpTo(chain []models.StageKind, target models.StageKind) []models.StageKind {
	for i, s := range chain {
		if s == target {
			return chain[:i+1]
		}
	}
	return chain
}

// Predecessor returns the stage that must be finished before stage may be
// submitted for the same event. ok=false for the chain head.
func Predecessor(chain []models.StageKind, stage models.StageKind) (models.StageKind, bool) {
	for i, s := range chain {
		if s == stage {
			if i == 0 {
				return "", false
			}
			return chain[i-1], true
		}
	}
	return "", false
}

// StatusLookup reports the current status of a stage/event pair, ok=false
// when no job has been created for it yet
type StatusLookup func(stage models.StageKind, event string) (models.JobStatus, bool)

// ReadyTasks walks each event's chain up to target and returns the tasks
// whose predecessors are finished but which have no job yet. A later
// stage is only released once its declared predecessor is finished;
// early starts past the target are authorized separately by the
// speculative scheduler.
func ReadyTasks(events []string, chain []models.StageKind, target models.StageKind, status StatusLookup) []Task {
	sub := UpTo(chain, target)

	var ready []Task
	for _, event := range events {
		for _, stage := range sub {
			if _, exists := status(stage, event); exists {
				continue
			}
			pred, has := Predecessor(chain, stage)
			if has {
				st, exists := status(pred, event)
				if !exists || st != models.JobStatusFinished {
					break
				}
			}
			ready = append(ready, Task{Stage: stage, Event: event})
			break // one new stage per event per pass; the next is gated on this one
		}
	}
	return ready
}

// Complete reports whether every event has finished the target stage.
// A permanently failed required stage is surfaced by the registry as a
// fatal error before this is consulted.
func Complete(events []string, target models.StageKind, status StatusLookup) bool {
	for _, event := range events {
		st, ok := status(target, event)
		if !ok || st != models.JobStatusFinished {
			return false
		}
	}
	return true
}

// Validate checks that a chain is well-formed (strictly ascending order)
func Validate(chain []models.StageKind) error {
	last := -1
	for _, s := range chain {
		idx, ok := stageOrder[s]
		if !ok {
			return fmt.Errorf("unknown stage %q", s)
		}
		if idx <= last {
			return fmt.Errorf("stage %q out of order", s)
		}
		last = idx
	}
	return nil
}
