// Package expectation maintains running statistics of historical energy
// consumption per equipment/service profile and flags live sessions whose
// consumption deviates from them.
package expectation

import (
	"math"

	"clinic-usage-backend/internal/model"
)

// Policy holds the anomaly-detection thresholds.
type Policy struct {
	// DeviationPct is the relative overage (0.30 = 30%) required to flag.
	DeviationPct    float64
	SigmaMultiplier float64
	// MinSamples is the minimum profile sample count before the variance
	// is meaningful. Below it the check reports insufficient_data.
	MinSamples int
}

// Observe folds one finalized-session energy value into a profile using
// Welford's online algorithm.
func Observe(p *model.EnergyExpectationProfile, kwh float64) {
	p.SampleCount++
	delta := kwh - p.MeanKwh
	p.MeanKwh += delta / float64(p.SampleCount)
	p.M2 += delta * (kwh - p.MeanKwh)
}

// Variance returns the population variance of a profile, or 0 when there
// are not enough samples for it to mean anything.
func Variance(p *model.EnergyExpectationProfile) float64 {
	if p.SampleCount < 2 {
		return 0
	}
	return p.M2 / float64(p.SampleCount)
}

// Verdict is the outcome of a live deviation check.
type Verdict struct {
	Anomalous    bool
	DeviationPct float64
	ExpectedKwh  float64
	Confidence   model.ConfidenceLevel
}

// Check compares a session's accumulated energy against the expectation
// profiles of its contributing services. Profiles with too few samples are
// skipped; they still lower the confidence of the result.
func Check(profiles []model.EnergyExpectationProfile, actualKwh float64, pol Policy) Verdict {
	var (
		expected    float64
		variance    float64
		valid       int
		sampleCount int64
	)
	for i := range profiles {
		p := &profiles[i]
		if int(p.SampleCount) < pol.MinSamples {
			continue
		}
		expected += p.MeanKwh
		variance += Variance(p)
		valid++
		sampleCount += p.SampleCount
	}

	v := Verdict{Confidence: confidence(sampleCount, valid, len(profiles))}
	if valid == 0 || expected <= 0 {
		v.Confidence = model.ConfidenceInsufficient
		return v
	}
	v.ExpectedKwh = expected
	v.DeviationPct = (actualKwh - expected) / expected

	if v.DeviationPct <= pol.DeviationPct {
		return v
	}
	// Absolute guard: a large relative overage on a tiny expected value is
	// not worth an insight. The actual energy must clear the mean by the
	// larger of the sigma band and the relative band.
	stdDev := math.Sqrt(variance)
	band := math.Max(stdDev*pol.SigmaMultiplier, expected*pol.DeviationPct)
	if actualKwh > expected+band {
		v.Anomalous = true
	}
	return v
}

// confidence combines how much history backs the profiles with the
// fraction of profiles that had enough samples to contribute.
func confidence(sampleCount int64, valid, total int) model.ConfidenceLevel {
	if valid == 0 || total == 0 {
		return model.ConfidenceInsufficient
	}
	countScore := math.Min(float64(sampleCount)/20.0, 1.0)
	validFraction := float64(valid) / float64(total)
	score := 0.5*countScore + 0.5*validFraction

	switch {
	case score >= 0.8:
		return model.ConfidenceHigh
	case score >= 0.6:
		return model.ConfidenceMedium
	case score >= 0.3:
		return model.ConfidenceLow
	default:
		return model.ConfidenceInsufficient
	}
}
