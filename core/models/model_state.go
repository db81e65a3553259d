package models

import "time"

// ModelState is the current model snapshot plus the trust-region state
// needed to propose the next candidate. Exactly one ModelState is current
// at any time; acceptance swaps it atomically.
type ModelState struct {
	ModelURI    string
	TrustRadius float64
	StepScale   float64 // shrinks on rejection, reset on acceptance
	Iteration   int
	UpdatedAt   time.Time
}

// GradientResult is the aggregated, smoothed gradient handed to the optimizer
type GradientResult struct {
	IterationID   int
	GradientURI   string
	Misfit        float64
	ControlMisfit float64 // misfit over the control group only
	EventCount    int
}

// Candidate is a proposed next model
type Candidate struct {
	ModelURI    string
	TrustRadius float64
	StepScale   float64
}

// Checkpoint is the durable snapshot written after every safe transition
// point and read once at startup to resume.
type Checkpoint struct {
	IterationID int                  `json:"iteration_id"`
	Attempt     int                  `json:"attempt"`
	State       IterationState       `json:"state"`
	Batch       *Batch               `json:"batch,omitempty"`
	JobStatuses map[string]JobStatus `json:"job_statuses,omitempty"`
	ModelURI    string               `json:"model_uri"`  // current accepted model
	TrialURI    string               `json:"trial_uri"`  // candidate under evaluation
	StepScale   float64              `json:"step_scale"`
	TrustRadius float64              `json:"trust_radius"`
	LastMisfit  float64              `json:"last_misfit"`
	HasMisfit   bool                 `json:"has_misfit"`
	UpdatedAt   time.Time            `json:"updated_at"`
}
