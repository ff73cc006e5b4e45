package model

import "time"

// PushSubscription holds the information for a browser push subscription.
// Subscribers follow specific appointments and receive usage events.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Appointments []*Appointment `gorm:"many2many:subscription_appointment_mapping;"`
}
