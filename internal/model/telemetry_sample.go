package model

import "time"

// TelemetrySample is one raw reading from a smart plug. The table is
// append-only and written on every ingest regardless of whether the sample
// resolved to a session; it is the ground truth for audits and charts.
// With TimescaleDB enabled it becomes a hypertable on observed_at.
type TelemetrySample struct {
	ID            int64     `gorm:"autoIncrement" json:"id"`
	DeviceID      string    `gorm:"size:64;not null;index;primaryKey" json:"deviceId"`
	SessionID     *int64    `gorm:"index" json:"sessionId"`
	PowerW        *float64  `json:"powerW"`
	RelayOn       *bool     `json:"relayOn"`
	TotalEnergyWh *float64  `json:"totalEnergyWh"`
	ObservedAt    time.Time `gorm:"not null;index;primaryKey" json:"observedAt"`
}
