package session

import (
	"time"

	"clinic-usage-backend/internal/model"
)

// Sample is one telemetry reading after JSON binding. Pointer fields are
// absent when the device did not report them.
type Sample struct {
	DeviceID      string
	PowerW        *float64
	RelayOn       *bool
	TotalEnergyWh *float64
	ObservedAt    time.Time
}

// Config holds the thresholds the state machine evaluates against.
type Config struct {
	DefaultPowerThresholdW float64
	// BoundaryMargin is the tolerance window applied to the over-estimate
	// check, both for the displayed classification and for the shutdown
	// warning.
	BoundaryMargin time.Duration
}

// Class is the display classification recomputed on every sample. It is
// never persisted.
type Class string

const (
	ClassInProgress    Class = "in_progress"
	ClassCompletedOK   Class = "completed_ok"
	ClassOverConsuming Class = "over_consuming"
	ClassOverStopped   Class = "over_stopped"
)

// Change summarizes what a single sample did to a session.
type Change struct {
	CountedMinutes float64
	EnergyAddedKwh float64
	Paused         bool
	Resumed        bool
	Classification Class
	// Warning is true when accumulated usage exceeds the estimate beyond
	// the boundary margin; the auto-shutdown controller keys off it.
	Warning bool
}

// Apply mutates the session in place for one telemetry sample and returns
// what changed. It is a pure in-memory transition: persistence and locking
// are the caller's concern.
//
// Samples at or before the last processed timestamp contribute a zero time
// delta, which makes reprocessing a duplicate delivery a no-op for time
// integration.
func Apply(s *model.UsageSession, smp Sample, cfg Config) Change {
	var ch Change

	threshold := s.PowerThresholdW
	if threshold <= 0 {
		threshold = cfg.DefaultPowerThresholdW
	}

	last := s.StartedAt
	if s.LastSampleAt != nil {
		last = *s.LastSampleAt
	}
	deltaMinutes := smp.ObservedAt.Sub(last).Minutes()
	if deltaMinutes < 0 {
		deltaMinutes = 0
	}

	relayKnown := smp.RelayOn != nil
	relayOn := relayKnown && *smp.RelayOn
	shouldCount := relayOn && smp.PowerW != nil && *smp.PowerW > threshold &&
		s.CurrentStatus != model.StatusCompleted

	if shouldCount {
		if !s.CountingStarted {
			// The device just began drawing power for the first time.
			// Normalize the start so dead time between assignment and
			// actual usage is excluded from the accumulated minutes.
			s.CountingStarted = true
			s.StartedAt = smp.ObservedAt
		} else {
			s.ActualMinutes += deltaMinutes
			ch.CountedMinutes = deltaMinutes
		}
	}

	ch.EnergyAddedKwh = accumulateEnergy(s, smp, shouldCount, deltaMinutes)

	switch {
	case s.CurrentStatus == model.StatusActive && relayKnown && !relayOn:
		s.CurrentStatus = model.StatusPaused
		t := smp.ObservedAt
		s.PausedAt = &t
		s.PauseIntervals = append(s.PauseIntervals, model.PauseInterval{PausedAt: t})
		s.EndedReason = model.ReasonPowerOffResumable
		ch.Paused = true
	case s.CurrentStatus == model.StatusPaused && relayOn:
		s.CurrentStatus = model.StatusActive
		s.PausedAt = nil
		if n := len(s.PauseIntervals); n > 0 && s.PauseIntervals[n-1].ResumedAt == nil {
			t := smp.ObservedAt
			s.PauseIntervals[n-1].ResumedAt = &t
		}
		s.EndedReason = ""
		ch.Resumed = true
	}

	// Snapshot bookkeeping. LastSampleAt advances on every sample, counted
	// or not, so gaps are never integrated twice.
	s.LastPowerW = smp.PowerW
	if relayKnown {
		s.LastRelayOn = smp.RelayOn
	}
	if smp.ObservedAt.After(last) || s.LastSampleAt == nil {
		t := smp.ObservedAt
		s.LastSampleAt = &t
	}

	ch.Warning = overEstimate(s, cfg)
	ch.Classification = classify(s, relayOn, shouldCount, ch.Warning)
	return ch
}

// accumulateEnergy applies monotonic-counter semantics when the device
// reports a cumulative total, clamping negative deltas (counter resets) to
// zero. Without a counter it falls back to a P*dt estimate while actively
// counting, which is acceptable at ~8s sampling.
func accumulateEnergy(s *model.UsageSession, smp Sample, counting bool, deltaMinutes float64) float64 {
	if smp.TotalEnergyWh != nil {
		var added float64
		if s.LastTotalEnergyWh != nil {
			deltaWh := *smp.TotalEnergyWh - *s.LastTotalEnergyWh
			if deltaWh > 0 {
				added = deltaWh / 1000.0
			}
		}
		s.LastTotalEnergyWh = smp.TotalEnergyWh
		s.EnergyConsumptionKwh += added
		return added
	}
	if counting && smp.PowerW != nil {
		added := *smp.PowerW * deltaMinutes / 60000.0
		s.EnergyConsumptionKwh += added
		return added
	}
	return 0
}

// overEstimate applies the single configured tolerance window. The same
// check drives both the displayed classification and the auto-shutdown
// trigger, so the two can never disagree at the boundary.
func overEstimate(s *model.UsageSession, cfg Config) bool {
	if s.EstimatedMinutes <= 0 {
		return false
	}
	margin := cfg.BoundaryMargin.Minutes()
	return s.ActualMinutes > s.EstimatedMinutes+margin
}

func classify(s *model.UsageSession, relayOn, counting, over bool) Class {
	switch {
	case relayOn && counting && over:
		return ClassOverConsuming
	case !relayOn && over:
		return ClassOverStopped
	case !relayOn:
		return ClassCompletedOK
	default:
		return ClassInProgress
	}
}

// Classify recomputes the display classification from the session's last
// telemetry snapshot. Read paths use it so the reported status never goes
// stale between samples.
func Classify(s *model.UsageSession, cfg Config) Class {
	threshold := s.PowerThresholdW
	if threshold <= 0 {
		threshold = cfg.DefaultPowerThresholdW
	}
	relayOn := s.LastRelayOn != nil && *s.LastRelayOn
	counting := relayOn && s.LastPowerW != nil && *s.LastPowerW > threshold &&
		s.CurrentStatus != model.StatusCompleted
	return classify(s, relayOn, counting, overEstimate(s, cfg))
}

// Finalize closes a session. It is idempotent: a second call on a
// COMPLETED session changes nothing. EndedAt and the terminal status are
// always set together.
func Finalize(s *model.UsageSession, reason model.EndedReason, now time.Time) bool {
	if s.CurrentStatus == model.StatusCompleted {
		return false
	}
	if s.CurrentStatus == model.StatusPaused {
		if n := len(s.PauseIntervals); n > 0 && s.PauseIntervals[n-1].ResumedAt == nil {
			t := now
			s.PauseIntervals[n-1].ResumedAt = &t
		}
		s.PausedAt = nil
	}
	s.CurrentStatus = model.StatusCompleted
	s.EndedAt = &now
	s.EndedReason = reason
	s.UsageOutcome = outcome(s.ActualMinutes, s.EstimatedMinutes)
	return true
}

func outcome(actual, estimated float64) model.UsageOutcome {
	diff := actual - estimated
	switch {
	case diff < 0:
		return model.OutcomeEarly
	case diff > 0:
		return model.OutcomeExtended
	default:
		return model.OutcomeOnTime
	}
}
