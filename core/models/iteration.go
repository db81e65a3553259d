package models

import "time"

// Iteration owns a model snapshot reference, a selected batch of events
// and the jobs created for them. Once superseded it is never mutated.
type Iteration struct {
	ID        int
	ModelURI  string
	Batch     *Batch
	State     IterationState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IterationState enumerates the controller state machine
type IterationState string

const (
	IterSelectingBatch  IterationState = "selecting-batch"
	IterSimulating      IterationState = "simulating"
	IterComputingMisfit IterationState = "computing-misfit"
	IterValidationCheck IterationState = "validation-check"
	IterGradient        IterationState = "gradient-computation"
	IterSmoothing       IterationState = "smoothing"
	IterUpdating        IterationState = "updating"
	IterAccepted        IterationState = "accepted"
	IterRejected        IterationState = "rejected"
	IterFatalFailure    IterationState = "fatal-failure"
)

// Terminal reports whether the iteration can make no further progress
func (s IterationState) Terminal() bool {
	return s == IterAccepted || s == IterFatalFailure
}
