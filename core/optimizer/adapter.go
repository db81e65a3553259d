package optimizer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"fwi-orchestrator/core/models"
)

// UpdateRule is the external trust-region optimizer. The numerical update
// mathematics live behind this interface; the adapter only packages
// inputs and interprets decisions.
type UpdateRule interface {
	// ShouldAccept compares the trial model's actual misfit against the
	// rule's predicted improvement over the current model's misfit.
	ShouldAccept(state models.ModelState, prevMisfit, trialMisfit float64) bool
	// NextCandidate proposes the next trial model from the aggregated,
	// smoothed gradient. ok=false when the rule has no further
	// candidates at this state and the fallback must take over.
	NextCandidate(state models.ModelState, grad models.GradientResult) (models.Candidate, bool, error)
}

// SteepestDescent is the fallback update rule: a plain gradient step with
// a configurable initial step, absolute or percentage of model norm.
type SteepestDescent struct {
	InitialStep float64
	Percent     bool
}

// Candidate derives a trial model one (scaled) gradient step away
func (s *SteepestDescent) Candidate(state models.ModelState, gradientURI string, attempt int) models.Candidate {
	step := s.InitialStep * state.StepScale
	unit := "abs"
	if s.Percent {
		unit = "pct"
	}
	return models.Candidate{
		ModelURI: fmt.Sprintf("models/sd_it%04d_try%02d_%s%.6f.h5",
			state.Iteration+1, attempt, unit, step),
		TrustRadius: state.TrustRadius,
		StepScale:   state.StepScale,
	}
}

// Adapter owns the current ModelState and mediates between the controller
// and the update rule. Exactly one ModelState is current at any time;
// acceptance swaps it atomically.
type Adapter struct {
	mu       sync.Mutex
	rule     UpdateRule
	fallback *SteepestDescent

	current    models.ModelState
	lastMisfit float64 // accepted whole-batch misfit, baseline when no control group exists
	hasMisfit  bool
	decided    bool
	accepted   bool
	swaps      int
}

// NewAdapter creates an adapter seeded with the initial model state
func NewAdapter(rule UpdateRule, fallback *SteepestDescent, initial models.ModelState) *Adapter {
	if initial.StepScale == 0 {
		initial.StepScale = 1.0
	}
	return &Adapter{rule: rule, fallback: fallback, current: initial}
}

// Current returns a copy of the current model state
func (a *Adapter) Current() models.ModelState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// SwapCount returns how many times the current model was replaced
func (a *Adapter) SwapCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.swaps
}

// Export returns the state a checkpoint must carry to re-seed the
// adapter on resume
func (a *Adapter) Export() (models.ModelState, float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.lastMisfit, a.hasMisfit
}

// Restore re-seeds the adapter from a checkpoint on resume
func (a *Adapter) Restore(state models.ModelState, lastMisfit float64, hasMisfit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state.StepScale == 0 {
		state.StepScale = 1.0
	}
	a.current = state
	a.lastMisfit = lastMisfit
	a.hasMisfit = hasMisfit
	a.decided = false
}

// Decide interprets the trust-region accept/reject for a trial model.
// trialMisfit and prevMisfit must cover the same event set: batch
// composition changes between iterations, so the caller sums both over
// the control group carried from the previous batch. Rejection is not an
// error: it shrinks the step scale and the controller re-simulates with
// a smaller step.
func (a *Adapter) Decide(trialMisfit, prevMisfit float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	accepted := a.rule.ShouldAccept(a.current, prevMisfit, trialMisfit)
	if !a.hasMisfit {
		// Nothing to compare against for the very first trial.
		accepted = true
	}
	a.decided = true
	a.accepted = accepted
	if !accepted {
		a.current.StepScale *= 0.5
		log.Printf("Trial rejected (misfit %.6g vs %.6g), step scale now %.4g",
			trialMisfit, prevMisfit, a.current.StepScale)
	}
	return accepted
}

// RetryCandidate builds the smaller-step trial model after a rejection,
// using the fallback rule when the primary has no further candidates
func (a *Adapter) RetryCandidate(grad models.GradientResult, attempt int) models.Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cand, ok, err := a.rule.NextCandidate(a.current, grad); err == nil && ok {
		cand.StepScale = a.current.StepScale
		return cand
	}
	return a.fallback.Candidate(a.current, grad.GradientURI, attempt)
}

// ProposeUpdate packages the aggregated, smoothed gradient and scalar
// misfit for the update rule and, on acceptance, atomically swaps the
// current model to the trial before returning the next candidate.
func (a *Adapter) ProposeUpdate(trial models.Candidate, grad models.GradientResult) (models.Candidate, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.decided || !a.accepted {
		return models.Candidate{}, false, nil
	}

	// Acceptance: the trial becomes current. This is the single swap
	// per accepted iteration; aggregation reads completed before the
	// controller reached the updating state.
	a.current = models.ModelState{
		ModelURI:    trial.ModelURI,
		TrustRadius: trial.TrustRadius,
		StepScale:   1.0,
		Iteration:   grad.IterationID,
		UpdatedAt:   time.Now(),
	}
	a.lastMisfit = grad.Misfit
	a.hasMisfit = true
	a.decided = false
	a.swaps++

	next, ok, err := a.rule.NextCandidate(a.current, grad)
	if err != nil {
		return models.Candidate{}, false, err
	}
	if !ok {
		log.Printf("Primary rule exhausted at iteration %d, falling back to steepest descent", grad.IterationID)
		next = a.fallback.Candidate(a.current, grad.GradientURI, 0)
	}
	return next, true, nil
}
