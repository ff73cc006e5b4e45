package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a usage session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "ACTIVE"
	StatusPaused    SessionStatus = "PAUSED"
	StatusCompleted SessionStatus = "COMPLETED"
)

// EndedReason records why a session stopped accumulating, or why it ended.
// ReasonPowerOffResumable is a pause marker, not a terminal reason: the
// session stays open and may resume when the relay comes back on.
type EndedReason string

const (
	ReasonPowerOffResumable EndedReason = "POWER_OFF_RESUMABLE"
	ReasonAutoShutdown      EndedReason = "AUTO_SHUTDOWN"
	ReasonManual            EndedReason = "MANUAL"
	ReasonSuperseded        EndedReason = "SUPERSEDED"
)

// UsageOutcome compares accumulated usage against the estimate at finalization.
type UsageOutcome string

const (
	OutcomeEarly    UsageOutcome = "EARLY"
	OutcomeOnTime   UsageOutcome = "ON_TIME"
	OutcomeExtended UsageOutcome = "EXTENDED"
)

// PauseInterval is one relay-off stretch within a session.
type PauseInterval struct {
	PausedAt  time.Time  `json:"pausedAt"`
	ResumedAt *time.Time `json:"resumedAt,omitempty"`
}

// PauseIntervals is stored as a JSON column. Entries are append-only; only
// the last entry's ResumedAt is ever filled in.
type PauseIntervals []PauseInterval

// Value implements driver.Valuer.
func (p PauseIntervals) Value() (driver.Value, error) {
	if p == nil {
		p = PauseIntervals{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *PauseIntervals) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = PauseIntervals{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported pause interval column type %T", src)
	}
}

// UsageSession tracks one appointment/device pairing from activation to
// completion. At most one session per device (and per assignment) may be
// ACTIVE or PAUSED at a time.
type UsageSession struct {
	ID                          int64  `gorm:"primaryKey" json:"id"`
	AppointmentID               int64  `gorm:"index;not null" json:"appointmentId"`
	EquipmentID                 int64  `gorm:"not null" json:"equipmentId"`
	EquipmentClinicAssignmentID int64  `gorm:"index;not null" json:"equipmentClinicAssignmentId"`
	DeviceID                    string `gorm:"index;size:64;not null" json:"deviceId"`
	ClinicID                    string `gorm:"size:64" json:"clinicId"`

	StartedAt            time.Time  `gorm:"not null" json:"startedAt"`
	EndedAt              *time.Time `json:"endedAt"`
	EstimatedMinutes     float64    `gorm:"not null" json:"estimatedMinutes"`
	ActualMinutes        float64    `gorm:"not null" json:"actualMinutes"`
	EnergyConsumptionKwh float64    `gorm:"not null" json:"energyConsumptionKwh"`

	CurrentStatus  SessionStatus  `gorm:"size:16;index;not null" json:"currentStatus"`
	PausedAt       *time.Time     `json:"pausedAt"`
	PauseIntervals PauseIntervals `gorm:"type:text" json:"pauseIntervals"`
	EndedReason    EndedReason    `gorm:"size:32" json:"endedReason,omitempty"`
	UsageOutcome   UsageOutcome   `gorm:"size:16" json:"usageOutcome,omitempty"`

	// Last telemetry snapshot, structured columns rather than a JSON blob.
	LastPowerW        *float64   `json:"lastPowerW"`
	LastRelayOn       *bool      `json:"lastRelayOn"`
	LastTotalEnergyWh *float64   `json:"lastTotalEnergyWh"`
	PowerThresholdW   float64    `gorm:"not null" json:"powerThresholdW"`
	LastSampleAt      *time.Time `json:"lastSampleAt"`

	// CountingStarted flips once the device first draws power above the
	// threshold; at that moment StartedAt is normalized to the sample time
	// so dead time before real usage is excluded.
	CountingStarted bool `gorm:"not null" json:"-"`

	AutoShutdownEnabled bool `gorm:"not null" json:"autoShutdownEnabled"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Open reports whether the session still accepts telemetry.
func (s *UsageSession) Open() bool {
	return s.CurrentStatus == StatusActive || s.CurrentStatus == StatusPaused
}
