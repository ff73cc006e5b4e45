package model

import "time"

// The types below are projections of records owned by the surrounding
// clinic product. This service reads them to resolve assignments and to
// compute estimated usage time; it never writes them.

// Appointment is the minimal appointment projection.
type Appointment struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	ClinicID  string    `gorm:"size:64;index" json:"clinicId"`
	StartsAt  time.Time `json:"startsAt"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	// Associations
	Services []ClinicService `gorm:"many2many:appointment_services;" json:"services,omitempty"`
}

// ClinicService is a billable service with a nominal duration.
type ClinicService struct {
	ID              int64  `gorm:"primaryKey" json:"id"`
	Name            string `gorm:"size:256;not null" json:"name"`
	DurationMinutes int    `gorm:"not null" json:"durationMinutes"`
}

// ServiceEquipmentRequirement declares that a service needs a piece of
// equipment for its full duration.
type ServiceEquipmentRequirement struct {
	ServiceID   int64 `gorm:"primaryKey;autoIncrement:false"`
	EquipmentID int64 `gorm:"primaryKey;autoIncrement:false"`
}

// Equipment is the equipment catalog projection.
type Equipment struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:256;not null" json:"name"`
}

// EquipmentClinicAssignment binds a piece of equipment, a clinic, and the
// smart plug currently wired to it.
type EquipmentClinicAssignment struct {
	ID                  int64   `gorm:"primaryKey" json:"id"`
	EquipmentID         int64   `gorm:"index;not null" json:"equipmentId"`
	ClinicID            string  `gorm:"size:64;index" json:"clinicId"`
	DeviceID            string  `gorm:"index;size:64" json:"deviceId"`
	CredentialID        string  `gorm:"size:64" json:"credentialId"`
	AutoShutdownEnabled bool    `gorm:"not null" json:"autoShutdownEnabled"`
	PowerThresholdW     float64 `json:"powerThresholdW"`

	// Associations
	Equipment Equipment `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
