package optimizer

import (
	"strings"
	"testing"

	"fwi-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() *Adapter {
	return NewAdapter(NewBasicTrustRegion(), &SteepestDescent{InitialStep: 0.02}, models.ModelState{
		ModelURI:  "models/initial.h5",
		StepScale: 1.0,
	})
}

func TestFirstTrialAlwaysAccepted(t *testing.T) {
	a := newTestAdapter()
	assert.True(t, a.Decide(123.4, 0), "no previous misfit to compare against")
}

func TestDecideRejectsWorseMisfit(t *testing.T) {
	a := newTestAdapter()

	require.True(t, a.Decide(10.0, 0))
	_, accepted, err := a.ProposeUpdate(
		models.Candidate{ModelURI: "models/m1.h5", TrustRadius: 1.0},
		models.GradientResult{IterationID: 1, Misfit: 10.0},
	)
	require.NoError(t, err)
	require.True(t, accepted)

	assert.False(t, a.Decide(10.0, 10.0), "no improvement is a rejection")
	assert.False(t, a.Decide(12.0, 10.0))
	state := a.Current()
	assert.Equal(t, 0.25, state.StepScale, "each rejection halves the step scale")
	assert.Equal(t, "models/m1.h5", state.ModelURI, "rejection never swaps the model")
}

func TestDecideAcceptsImprovedMisfit(t *testing.T) {
	a := newTestAdapter()

	require.True(t, a.Decide(10.0, 0))
	_, accepted, err := a.ProposeUpdate(
		models.Candidate{ModelURI: "models/m1.h5", TrustRadius: 1.0},
		models.GradientResult{IterationID: 1, Misfit: 10.0},
	)
	require.NoError(t, err)
	require.True(t, accepted)

	assert.True(t, a.Decide(8.0, 10.0))
}

func TestDecideComparesOnlyTheSuppliedPair(t *testing.T) {
	a := newTestAdapter()

	require.True(t, a.Decide(10.0, 0))
	_, accepted, err := a.ProposeUpdate(
		models.Candidate{ModelURI: "models/m1.h5", TrustRadius: 1.0},
		models.GradientResult{IterationID: 1, Misfit: 10.0},
	)
	require.NoError(t, err)
	require.True(t, accepted)

	// The stored whole-batch misfit (10.0) covers a different event set
	// and must not leak into a control-group comparison.
	assert.False(t, a.Decide(8.0, 7.0),
		"8.0 is worse than the 7.0 baseline over the same events")
	assert.True(t, a.Decide(6.0, 7.0))
}

func TestProposeUpdateSwapsExactlyOnce(t *testing.T) {
	a := newTestAdapter()
	require.True(t, a.Decide(10.0, 0))

	trial := models.Candidate{ModelURI: "models/m1.h5", TrustRadius: 1.0}
	grad := models.GradientResult{IterationID: 1, GradientURI: "iterations/0001/aggregate.json", Misfit: 10.0}

	next, accepted, err := a.ProposeUpdate(trial, grad)
	require.NoError(t, err)
	require.True(t, accepted)
	assert.NotEmpty(t, next.ModelURI)

	assert.Equal(t, 1, a.SwapCount())
	assert.Equal(t, "models/m1.h5", a.Current().ModelURI)
	assert.Equal(t, 1.0, a.Current().StepScale, "step scale resets on acceptance")

	// A second proposal without a fresh decision must not swap again.
	_, accepted, err = a.ProposeUpdate(trial, grad)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 1, a.SwapCount())
}

func TestProposeUpdateRequiresDecision(t *testing.T) {
	a := newTestAdapter()
	_, accepted, err := a.ProposeUpdate(
		models.Candidate{ModelURI: "models/m1.h5"},
		models.GradientResult{IterationID: 1, Misfit: 5.0},
	)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 0, a.SwapCount())
}

func TestRetryCandidateUsesFallbackWhenRuleExhausted(t *testing.T) {
	a := NewAdapter(NewBasicTrustRegion(), &SteepestDescent{InitialStep: 0.02}, models.ModelState{
		ModelURI:    "models/initial.h5",
		TrustRadius: 1.0,
		// Below the trust-region floor: the rule reports exhaustion.
		StepScale: 1e-6,
	})

	cand := a.RetryCandidate(models.GradientResult{IterationID: 3}, 2)
	assert.True(t, strings.HasPrefix(cand.ModelURI, "models/sd_"),
		"fallback steepest descent proposes the candidate, got %s", cand.ModelURI)
}

func TestRetryCandidatePrefersPrimaryRule(t *testing.T) {
	a := newTestAdapter()
	cand := a.RetryCandidate(models.GradientResult{IterationID: 1}, 1)
	assert.True(t, strings.HasPrefix(cand.ModelURI, "models/tr_"), "got %s", cand.ModelURI)
	assert.Equal(t, a.Current().StepScale, cand.StepScale)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	a := newTestAdapter()
	require.True(t, a.Decide(10.0, 0))
	_, _, err := a.ProposeUpdate(
		models.Candidate{ModelURI: "models/m1.h5", TrustRadius: 2.0},
		models.GradientResult{IterationID: 1, Misfit: 10.0},
	)
	require.NoError(t, err)

	state, misfit, has := a.Export()

	b := NewAdapter(NewBasicTrustRegion(), &SteepestDescent{InitialStep: 0.02}, models.ModelState{})
	b.Restore(state, misfit, has)

	assert.Equal(t, a.Current(), b.Current())
	assert.False(t, b.Decide(11.0, misfit), "restored misfit history drives decisions")
	assert.True(t, b.Decide(4.0, misfit))
}

func TestTrustRegionGrowsRadiusOnNextCandidate(t *testing.T) {
	tr := NewBasicTrustRegion()
	state := models.ModelState{TrustRadius: 1.0, StepScale: 1.0, Iteration: 4}

	cand, ok, err := tr.NextCandidate(state, models.GradientResult{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.5, cand.TrustRadius)

	state.StepScale = 1e-5
	_, ok, err = tr.NextCandidate(state, models.GradientResult{})
	require.NoError(t, err)
	assert.False(t, ok, "radius below floor reports exhaustion")
}
