package expectation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"clinic-usage-backend/internal/model"
)

var testPolicy = Policy{
	DeviationPct:    0.30,
	SigmaMultiplier: 2.0,
	MinSamples:      2,
}

func profileFrom(values ...float64) model.EnergyExpectationProfile {
	var p model.EnergyExpectationProfile
	for _, v := range values {
		Observe(&p, v)
	}
	return p
}

func TestObserve_RunningMeanAndVariance(t *testing.T) {
	p := profileFrom(2, 4, 4, 4, 5, 5, 7, 9)

	assert.EqualValues(t, 8, p.SampleCount)
	assert.InDelta(t, 5.0, p.MeanKwh, 1e-9)
	// Known population variance of this sequence.
	assert.InDelta(t, 4.0, Variance(&p), 1e-9)
}

func TestVariance_RequiresTwoSamples(t *testing.T) {
	p := profileFrom(3.5)
	assert.Zero(t, Variance(&p))
}

func TestCheck_FlagsLargeDeviation(t *testing.T) {
	// Tight history around 1.0 kWh.
	p := profileFrom(0.98, 1.0, 1.02, 1.0, 0.99, 1.01)

	v := Check([]model.EnergyExpectationProfile{p}, 1.6, testPolicy)
	assert.True(t, v.Anomalous)
	assert.InDelta(t, 0.6, v.DeviationPct, 0.01)
	assert.InDelta(t, 1.0, v.ExpectedKwh, 0.01)
}

func TestCheck_WithinThresholdNotFlagged(t *testing.T) {
	p := profileFrom(0.98, 1.0, 1.02, 1.0)

	v := Check([]model.EnergyExpectationProfile{p}, 1.1, testPolicy)
	assert.False(t, v.Anomalous)
	assert.Greater(t, v.DeviationPct, 0.0)
}

func TestCheck_AbsoluteGuardSuppressesTinyOverages(t *testing.T) {
	// Expected consumption is minuscule and noisy; a 40% relative overage
	// clears the percentage threshold but not the sigma band.
	p := profileFrom(0.001, 0.003, 0.0005, 0.0015)

	v := Check([]model.EnergyExpectationProfile{p}, 0.0021, testPolicy)
	assert.Greater(t, v.DeviationPct, testPolicy.DeviationPct)
	assert.False(t, v.Anomalous)
}

func TestCheck_InsufficientData(t *testing.T) {
	single := profileFrom(1.0)
	v := Check([]model.EnergyExpectationProfile{single}, 5.0, testPolicy)
	assert.False(t, v.Anomalous)
	assert.Equal(t, model.ConfidenceInsufficient, v.Confidence)

	v = Check(nil, 5.0, testPolicy)
	assert.Equal(t, model.ConfidenceInsufficient, v.Confidence)
}

func TestConfidenceLevels(t *testing.T) {
	assert.Equal(t, model.ConfidenceHigh, confidence(40, 2, 2))
	assert.Equal(t, model.ConfidenceMedium, confidence(6, 2, 2))
	assert.Equal(t, model.ConfidenceLow, confidence(2, 1, 2))
	assert.Equal(t, model.ConfidenceInsufficient, confidence(0, 0, 1))
}

func TestObserve_MatchesBatchComputation(t *testing.T) {
	values := []float64{1.2, 0.8, 1.5, 1.1, 0.9, 1.3}
	p := profileFrom(values...)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var m2 float64
	for _, v := range values {
		m2 += (v - mean) * (v - mean)
	}

	assert.InDelta(t, mean, p.MeanKwh, 1e-9)
	assert.InDelta(t, m2/float64(len(values)), Variance(&p), 1e-9)
	assert.False(t, math.IsNaN(p.M2))
}
