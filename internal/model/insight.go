package model

import "time"

// InsightType classifies a device usage anomaly.
type InsightType string

const (
	InsightExcessiveEnergy InsightType = "EXCESSIVE_ENERGY"
)

// ConfidenceLevel grades how trustworthy an insight is, based on the
// amount of historical data behind the expectation profiles.
type ConfidenceLevel string

const (
	ConfidenceHigh         ConfidenceLevel = "high"
	ConfidenceMedium       ConfidenceLevel = "medium"
	ConfidenceLow          ConfidenceLevel = "low"
	ConfidenceInsufficient ConfidenceLevel = "insufficient_data"
)

// DeviceUsageInsight is an immutable anomaly record. At most one unresolved
// insight may exist per (appointment, type); repeated qualifying samples
// must not create duplicates.
type DeviceUsageInsight struct {
	ID            int64           `gorm:"primaryKey" json:"id"`
	AppointmentID int64           `gorm:"index;not null" json:"appointmentId"`
	SessionID     int64           `gorm:"index;not null" json:"sessionId"`
	InsightType   InsightType     `gorm:"size:32;not null" json:"insightType"`
	Confidence    ConfidenceLevel `gorm:"size:24;not null" json:"confidence"`
	DeviationPct  float64         `gorm:"not null" json:"deviationPct"`
	ActualKwh     float64         `gorm:"not null" json:"actualKwh"`
	ExpectedKwh   float64         `gorm:"not null" json:"expectedKwh"`
	Resolved      bool            `gorm:"index;not null" json:"resolved"`
	CreatedAt     time.Time       `json:"createdAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt"`
}
