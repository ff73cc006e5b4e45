package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-usage-backend/internal/model"
)

var testCfg = Config{
	DefaultPowerThresholdW: 0.1,
	BoundaryMargin:         15 * time.Second,
}

func f64(v float64) *float64 { return &v }
func b(v bool) *bool         { return &v }

func newActiveSession(start time.Time) *model.UsageSession {
	return &model.UsageSession{
		ID:               1,
		AppointmentID:    10,
		DeviceID:         "shellyplus1pm-a8032ab12345",
		StartedAt:        start,
		EstimatedMinutes: 30,
		CurrentStatus:    model.StatusActive,
		PowerThresholdW:  0.1,
	}
}

func TestApply_PauseResumeRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)

	step := 8 * time.Second
	samples := []Sample{
		{RelayOn: b(true), PowerW: f64(5), ObservedAt: start},
		{RelayOn: b(false), PowerW: f64(0), ObservedAt: start.Add(step)},
		{RelayOn: b(false), PowerW: f64(0), ObservedAt: start.Add(2 * step)},
		{RelayOn: b(true), PowerW: f64(5), ObservedAt: start.Add(3 * step)},
	}

	var changes []Change
	for _, smp := range samples {
		changes = append(changes, Apply(s, smp, testCfg))
	}

	assert.True(t, changes[1].Paused)
	assert.True(t, changes[3].Resumed)
	assert.Equal(t, model.StatusActive, s.CurrentStatus)

	require.Len(t, s.PauseIntervals, 1)
	assert.Equal(t, start.Add(step), s.PauseIntervals[0].PausedAt)
	require.NotNil(t, s.PauseIntervals[0].ResumedAt)
	assert.Equal(t, start.Add(3*step), *s.PauseIntervals[0].ResumedAt)

	// Only the final resumed interval counts; the paused stretch is excluded.
	assert.InDelta(t, step.Minutes(), s.ActualMinutes, 1e-9)
	assert.Nil(t, s.PausedAt)
	assert.Empty(t, string(s.EndedReason))
}

func TestApply_ActualMinutesMonotonic(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)

	samples := []Sample{
		{RelayOn: b(true), PowerW: f64(5), ObservedAt: start},
		{RelayOn: b(true), PowerW: f64(5), ObservedAt: start.Add(8 * time.Second)},
		{RelayOn: b(true), PowerW: f64(0.05), ObservedAt: start.Add(16 * time.Second)}, // below threshold
		{RelayOn: b(false), ObservedAt: start.Add(24 * time.Second)},
		{RelayOn: b(true), PowerW: f64(7), ObservedAt: start.Add(32 * time.Second)},
		{RelayOn: b(true), PowerW: f64(7), ObservedAt: start.Add(40 * time.Second)},
	}

	prev := 0.0
	for i, smp := range samples {
		ch := Apply(s, smp, testCfg)
		assert.GreaterOrEqual(t, s.ActualMinutes, prev, "sample %d decreased actualMinutes", i)
		if ch.CountedMinutes > 0 {
			on := smp.RelayOn != nil && *smp.RelayOn
			overThreshold := smp.PowerW != nil && *smp.PowerW > 0.1
			assert.True(t, on && overThreshold, "sample %d counted time without qualifying", i)
		}
		prev = s.ActualMinutes
	}
}

func TestApply_DuplicateSampleIsNoOp(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)

	smp := Sample{RelayOn: b(true), PowerW: f64(5), ObservedAt: start.Add(8 * time.Second)}
	Apply(s, Sample{RelayOn: b(true), PowerW: f64(5), ObservedAt: start}, testCfg)
	Apply(s, smp, testCfg)
	minutes := s.ActualMinutes
	intervals := len(s.PauseIntervals)

	// Redelivery of the same reading must not double-count.
	Apply(s, smp, testCfg)
	assert.Equal(t, minutes, s.ActualMinutes)
	assert.Equal(t, intervals, len(s.PauseIntervals))
	assert.Equal(t, model.StatusActive, s.CurrentStatus)
}

func TestApply_OutOfOrderSampleClampsDelta(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)

	Apply(s, Sample{RelayOn: b(true), PowerW: f64(5), ObservedAt: start}, testCfg)
	Apply(s, Sample{RelayOn: b(true), PowerW: f64(5), ObservedAt: start.Add(16 * time.Second)}, testCfg)
	minutes := s.ActualMinutes

	// A stale retry from before the watermark adds nothing.
	Apply(s, Sample{RelayOn: b(true), PowerW: f64(5), ObservedAt: start.Add(8 * time.Second)}, testCfg)
	assert.Equal(t, minutes, s.ActualMinutes)
	require.NotNil(t, s.LastSampleAt)
	assert.Equal(t, start.Add(16*time.Second), *s.LastSampleAt)
}

func TestApply_FirstCountNormalizesStart(t *testing.T) {
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(created)

	// Device sits idle for two minutes after assignment.
	Apply(s, Sample{RelayOn: b(true), PowerW: f64(0), ObservedAt: created.Add(1 * time.Minute)}, testCfg)
	powerOn := created.Add(2 * time.Minute)
	Apply(s, Sample{RelayOn: b(true), PowerW: f64(120), ObservedAt: powerOn}, testCfg)

	assert.Equal(t, powerOn, s.StartedAt)
	assert.Zero(t, s.ActualMinutes)
	assert.True(t, s.CountingStarted)
}

func TestAccumulateEnergy_CounterResetClamped(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)

	totals := []float64{100, 100, 95, 110}
	for i, wh := range totals {
		Apply(s, Sample{
			RelayOn:       b(true),
			PowerW:        f64(50),
			TotalEnergyWh: f64(wh),
			ObservedAt:    start.Add(time.Duration(i) * 8 * time.Second),
		}, testCfg)
	}

	// 0 + 0 + 15 Wh; the reset at index 2 never subtracts.
	assert.InDelta(t, 0.015, s.EnergyConsumptionKwh, 1e-9)
}

func TestAccumulateEnergy_PowerEstimateWithoutCounter(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)

	Apply(s, Sample{RelayOn: b(true), PowerW: f64(60), ObservedAt: start}, testCfg)
	Apply(s, Sample{RelayOn: b(true), PowerW: f64(60), ObservedAt: start.Add(time.Minute)}, testCfg)

	// 60 W for one minute = 1 Wh = 0.001 kWh.
	assert.InDelta(t, 0.001, s.EnergyConsumptionKwh, 1e-9)
}

func TestApply_Classification(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name          string
		actualMinutes float64
		sample        Sample
		wantClass     Class
		wantWarning   bool
	}{
		{
			name:          "relay on under estimate",
			actualMinutes: 10,
			sample:        Sample{RelayOn: b(true), PowerW: f64(50), ObservedAt: start.Add(8 * time.Second)},
			wantClass:     ClassInProgress,
		},
		{
			name:          "relay on over estimate",
			actualMinutes: 31,
			sample:        Sample{RelayOn: b(true), PowerW: f64(50), ObservedAt: start.Add(8 * time.Second)},
			wantClass:     ClassOverConsuming,
			wantWarning:   true,
		},
		{
			name:          "relay off within tolerance",
			actualMinutes: 30.1, // inside the 15s margin
			sample:        Sample{RelayOn: b(false), ObservedAt: start.Add(8 * time.Second)},
			wantClass:     ClassCompletedOK,
		},
		{
			name:          "relay off over estimate",
			actualMinutes: 32,
			sample:        Sample{RelayOn: b(false), ObservedAt: start.Add(8 * time.Second)},
			wantClass:     ClassOverStopped,
			wantWarning:   true,
		},
		{
			name:          "relay off under estimate",
			actualMinutes: 20,
			sample:        Sample{RelayOn: b(false), ObservedAt: start.Add(8 * time.Second)},
			wantClass:     ClassCompletedOK,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newActiveSession(start)
			s.CountingStarted = true
			s.ActualMinutes = tc.actualMinutes

			ch := Apply(s, tc.sample, testCfg)
			assert.Equal(t, tc.wantClass, ch.Classification)
			assert.Equal(t, tc.wantWarning, ch.Warning)
		})
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)
	s.ActualMinutes = 31

	now := start.Add(31 * time.Minute)
	require.True(t, Finalize(s, model.ReasonAutoShutdown, now))
	assert.Equal(t, model.StatusCompleted, s.CurrentStatus)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, now, *s.EndedAt)
	assert.Equal(t, model.ReasonAutoShutdown, s.EndedReason)
	assert.Equal(t, model.OutcomeExtended, s.UsageOutcome)

	// Second call is a no-op success, nothing moves.
	later := now.Add(time.Minute)
	assert.False(t, Finalize(s, model.ReasonManual, later))
	assert.Equal(t, now, *s.EndedAt)
	assert.Equal(t, model.ReasonAutoShutdown, s.EndedReason)
}

func TestFinalize_ClosesOpenPauseInterval(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newActiveSession(start)
	Apply(s, Sample{RelayOn: b(true), PowerW: f64(5), ObservedAt: start}, testCfg)
	Apply(s, Sample{RelayOn: b(false), ObservedAt: start.Add(8 * time.Second)}, testCfg)
	require.Equal(t, model.StatusPaused, s.CurrentStatus)

	now := start.Add(time.Minute)
	require.True(t, Finalize(s, model.ReasonManual, now))
	require.Len(t, s.PauseIntervals, 1)
	require.NotNil(t, s.PauseIntervals[0].ResumedAt)
	assert.Equal(t, now, *s.PauseIntervals[0].ResumedAt)
	assert.Equal(t, model.OutcomeEarly, s.UsageOutcome)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, model.OutcomeEarly, outcome(20, 30))
	assert.Equal(t, model.OutcomeOnTime, outcome(30, 30))
	assert.Equal(t, model.OutcomeExtended, outcome(31, 30))
}
