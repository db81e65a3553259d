package optimizer

import (
	"fmt"

	"fwi-orchestrator/core/models"
)

// BasicTrustRegion is the default update rule. It accepts a trial when
// the actual misfit reduction clears the eta threshold, grows the radius
// on acceptance and reports exhaustion once the radius hits its floor so
// the adapter's steepest-descent fallback takes over.
type BasicTrustRegion struct {
	Eta           float64 // required fraction of the previous misfit to improve by
	InitialRadius float64
	MinRadius     float64
	GrowFactor    float64
}

// NewBasicTrustRegion creates the rule with conventional defaults
func NewBasicTrustRegion() *BasicTrustRegion {
	return &BasicTrustRegion{
		Eta:           0.0,
		InitialRadius: 1.0,
		MinRadius:     1e-4,
		GrowFactor:    1.5,
	}
}

// ShouldAccept requires the trial misfit to beat the previous one by at
// least Eta of its magnitude
func (tr *BasicTrustRegion) ShouldAccept(_ models.ModelState, prevMisfit, trialMisfit float64) bool {
	return trialMisfit < prevMisfit*(1.0-tr.Eta)
}

// NextCandidate proposes the next trial model within the (possibly
// grown) trust radius. ok=false once the radius collapses below the
// configured floor.
func (tr *BasicTrustRegion) NextCandidate(state models.ModelState, grad models.GradientResult) (models.Candidate, bool, error) {
	radius := state.TrustRadius
	if radius == 0 {
		radius = tr.InitialRadius
	}
	radius *= state.StepScale
	if radius < tr.MinRadius {
		return models.Candidate{}, false, nil
	}

	return models.Candidate{
		ModelURI: fmt.Sprintf("models/tr_it%04d_r%.6f.h5",
			state.Iteration+1, radius),
		TrustRadius: radius * tr.GrowFactor,
		StepScale:   1.0,
	}, true, nil
}
