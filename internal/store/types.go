package store

import "time"

// SampleRange bounds a telemetry history query.
type SampleRange struct {
	From time.Time
	To   time.Time
}

// InsightCandidate carries the data needed to record an anomaly. The store
// suppresses it when an unresolved insight of the same type already exists
// for the appointment.
type InsightCandidate struct {
	AppointmentID int64
	SessionID     int64
	InsightType   string
	Confidence    string
	DeviationPct  float64
	ActualKwh     float64
	ExpectedKwh   float64
}
