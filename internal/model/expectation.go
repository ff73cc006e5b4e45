package model

import "time"

// EnergyExpectationProfile is a Welford accumulator over historical
// per-session energy consumption for one (equipment, service) pairing.
// It is read during live deviation checks and updated only when a session
// finalizes.
type EnergyExpectationProfile struct {
	EquipmentID int64 `gorm:"primaryKey;autoIncrement:false"`
	ServiceID   int64 `gorm:"primaryKey;autoIncrement:false"`

	SampleCount int64   `gorm:"not null"`
	MeanKwh     float64 `gorm:"not null"`
	M2          float64 `gorm:"not null"`

	UpdatedAt time.Time
}
