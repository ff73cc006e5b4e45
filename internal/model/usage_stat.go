package model

import "time"

// DailyUsageStat is the per-equipment, per-day rollup fed by session
// finalization. Buckets are incremented exactly once per finalized
// session; re-finalizing is a no-op upstream.
type DailyUsageStat struct {
	Day         time.Time `gorm:"primaryKey;autoIncrement:false"`
	EquipmentID int64     `gorm:"primaryKey;autoIncrement:false"`
	ClinicID    string    `gorm:"primaryKey;size:64"`

	Sessions  int64   `gorm:"not null"`
	Minutes   float64 `gorm:"not null"`
	EnergyKwh float64 `gorm:"not null"`

	UpdatedAt time.Time
}
