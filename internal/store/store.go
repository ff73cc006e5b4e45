package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"clinic-usage-backend/internal/expectation"
	"clinic-usage-backend/internal/model"
	"clinic-usage-backend/internal/parse"
	"clinic-usage-backend/internal/session"
)

// ErrNoOpenSession is returned when a device has no ACTIVE or PAUSED
// session. Telemetry callers treat it as a non-error (updated:false).
var ErrNoOpenSession = errors.New("no open usage session")

// ErrConflictingSession is returned when an assignment would violate the
// one-open-session-per-device invariant.
var ErrConflictingSession = errors.New("conflicting open usage session")

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB

	// Telemetry.
	AppendSample(ctx context.Context, sample *model.TelemetrySample) error
	SamplesForDevice(ctx context.Context, deviceID string, r SampleRange) ([]model.TelemetrySample, error)

	// Sessions.
	ResolveOpenSession(ctx context.Context, deviceID string) (*model.UsageSession, error)
	MutateSession(ctx context.Context, id int64, fn func(tx *gorm.DB, s *model.UsageSession) error) (*model.UsageSession, error)
	CreateSession(ctx context.Context, s *model.UsageSession, now time.Time) error
	GetSession(ctx context.Context, id int64) (*model.UsageSession, error)
	SessionsForAppointment(ctx context.Context, appointmentID int64) ([]model.UsageSession, error)

	// Assignment support.
	GetAssignment(ctx context.Context, id int64) (*model.EquipmentClinicAssignment, error)
	EstimatedMinutes(ctx context.Context, appointmentID, equipmentID int64) (float64, error)
	ServiceIDsRequiringEquipment(ctx context.Context, appointmentID, equipmentID int64) ([]int64, error)

	// Expectation profiles.
	ProfilesFor(ctx context.Context, equipmentID int64, serviceIDs []int64) ([]model.EnergyExpectationProfile, error)

	// Insights.
	CreateInsightIfAbsent(ctx context.Context, cand InsightCandidate) (bool, error)
	InsightsForAppointment(ctx context.Context, appointmentID int64) ([]model.DeviceUsageInsight, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// AppendSample writes one raw telemetry row. It runs before any session
// mutation so the audit log survives downstream failures.
func (s *gormStore) AppendSample(ctx context.Context, sample *model.TelemetrySample) error {
	if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
		return fmt.Errorf("failed to append telemetry sample for device %s: %w", sample.DeviceID, err)
	}
	return nil
}

func (s *gormStore) SamplesForDevice(ctx context.Context, deviceID string, r SampleRange) ([]model.TelemetrySample, error) {
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if !r.From.IsZero() {
		q = q.Where("observed_at >= ?", r.From)
	}
	if !r.To.IsZero() {
		q = q.Where("observed_at <= ?", r.To)
	}
	var samples []model.TelemetrySample
	if err := q.Order("observed_at ASC").Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("failed to query samples for device %s: %w", deviceID, err)
	}
	return samples, nil
}

// ResolveOpenSession finds the ACTIVE/PAUSED session for a device. The
// primary path matches the stored deviceId. When a plug was re-registered
// under a new identifier the fallback matches the assignment whose device
// shares the same MAC, and self-heals by writing the current deviceId back
// onto the session.
func (s *gormStore) ResolveOpenSession(ctx context.Context, deviceID string) (*model.UsageSession, error) {
	var session model.UsageSession
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND current_status IN ?", deviceID, openStatuses()).
		First(&session).Error
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to resolve session by device %s: %w", deviceID, err)
	}

	assignment, err := s.assignmentForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		return nil, ErrNoOpenSession
	}

	err = s.db.WithContext(ctx).
		Where("equipment_clinic_assignment_id = ? AND current_status IN ?", assignment.ID, openStatuses()).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoOpenSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session by assignment %d: %w", assignment.ID, err)
	}

	if session.DeviceID != deviceID {
		log.Printf("session %d: healing device id %q -> %q", session.ID, session.DeviceID, deviceID)
		if err := s.db.WithContext(ctx).Model(&session).Update("device_id", deviceID).Error; err != nil {
			return nil, fmt.Errorf("failed to heal device id on session %d: %w", session.ID, err)
		}
		session.DeviceID = deviceID
	}
	return &session, nil
}

// assignmentForDevice matches an assignment by exact device id first, then
// by physical identity (same MAC under a different registered name).
func (s *gormStore) assignmentForDevice(ctx context.Context, deviceID string) (*model.EquipmentClinicAssignment, error) {
	var assignment model.EquipmentClinicAssignment
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&assignment).Error
	if err == nil {
		return &assignment, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up assignment for device %s: %w", deviceID, err)
	}

	parsed, perr := parse.ParseDeviceID(deviceID)
	if perr != nil {
		return nil, nil
	}
	var candidates []model.EquipmentClinicAssignment
	if err := s.db.WithContext(ctx).Where("device_id LIKE ?", "%"+parsed.MAC).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to scan assignments for device %s: %w", deviceID, err)
	}
	for i := range candidates {
		if parse.SameDevice(candidates[i].DeviceID, deviceID) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// MutateSession runs a read-modify-write of one session inside a
// transaction. The caller is responsible for serializing mutations of the
// same device (the ingestor holds a per-device mutex); the transaction
// guarantees the write is atomic and rolls back on error, leaving the
// previous state for the next sample to retry against.
func (s *gormStore) MutateSession(ctx context.Context, id int64, fn func(tx *gorm.DB, sess *model.UsageSession) error) (*model.UsageSession, error) {
	var session model.UsageSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, id).Error; err != nil {
			return fmt.Errorf("failed to load session %d: %w", id, err)
		}
		if err := fn(tx, &session); err != nil {
			return err
		}
		if err := tx.Save(&session).Error; err != nil {
			return fmt.Errorf("failed to save session %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateSession activates a new session. Any open session for the same
// appointment is finalized (SUPERSEDED) first, through the same finalize
// path and hooks as a manual stop, so its energy still feeds the daily
// bucket and the expectation profiles. An open session on the same device
// or assignment belonging to a different appointment is a conflict.
func (s *gormStore) CreateSession(ctx context.Context, sess *model.UsageSession, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []model.UsageSession
		if err := tx.
			Where("current_status IN ?", openStatuses()).
			Where("appointment_id = ? OR device_id = ? OR equipment_clinic_assignment_id = ?",
				sess.AppointmentID, sess.DeviceID, sess.EquipmentClinicAssignmentID).
			Find(&open).Error; err != nil {
			return fmt.Errorf("failed to scan for open sessions: %w", err)
		}

		for i := range open {
			prior := &open[i]
			if prior.AppointmentID != sess.AppointmentID {
				return fmt.Errorf("%w: session %d on device %s", ErrConflictingSession, prior.ID, prior.DeviceID)
			}
			serviceIDs, err := serviceIDsRequiringEquipment(tx, prior.AppointmentID, prior.EquipmentID)
			if err != nil {
				return err
			}
			if session.Finalize(prior, model.ReasonSuperseded, now) {
				if err := FinalizationHooks(tx, prior, serviceIDs, expectation.Observe); err != nil {
					return err
				}
			}
			if err := tx.Save(prior).Error; err != nil {
				return fmt.Errorf("failed to supersede session %d: %w", prior.ID, err)
			}
		}

		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("failed to create usage session: %w", err)
		}
		return nil
	})
}

func (s *gormStore) GetSession(ctx context.Context, id int64) (*model.UsageSession, error) {
	var session model.UsageSession
	if err := s.db.WithContext(ctx).First(&session, id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *gormStore) SessionsForAppointment(ctx context.Context, appointmentID int64) ([]model.UsageSession, error) {
	var sessions []model.UsageSession
	err := s.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("started_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions for appointment %d: %w", appointmentID, err)
	}
	return sessions, nil
}

func (s *gormStore) GetAssignment(ctx context.Context, id int64) (*model.EquipmentClinicAssignment, error) {
	var assignment model.EquipmentClinicAssignment
	if err := s.db.WithContext(ctx).First(&assignment, id).Error; err != nil {
		return nil, err
	}
	return &assignment, nil
}

// EstimatedMinutes sums the durations of the appointment's services that
// declare a requirement on the given equipment.
func (s *gormStore) EstimatedMinutes(ctx context.Context, appointmentID, equipmentID int64) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).
		Model(&model.ClinicService{}).
		Select("COALESCE(SUM(clinic_services.duration_minutes), 0)").
		Joins("JOIN appointment_services aps ON aps.clinic_service_id = clinic_services.id").
		Joins("JOIN service_equipment_requirements req ON req.service_id = clinic_services.id").
		Where("aps.appointment_id = ? AND req.equipment_id = ?", appointmentID, equipmentID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute estimated minutes for appointment %d: %w", appointmentID, err)
	}
	return total, nil
}

func (s *gormStore) ServiceIDsRequiringEquipment(ctx context.Context, appointmentID, equipmentID int64) ([]int64, error) {
	return serviceIDsRequiringEquipment(s.db.WithContext(ctx), appointmentID, equipmentID)
}

func serviceIDsRequiringEquipment(db *gorm.DB, appointmentID, equipmentID int64) ([]int64, error) {
	var ids []int64
	err := db.
		Model(&model.ClinicService{}).
		Joins("JOIN appointment_services aps ON aps.clinic_service_id = clinic_services.id").
		Joins("JOIN service_equipment_requirements req ON req.service_id = clinic_services.id").
		Where("aps.appointment_id = ? AND req.equipment_id = ?", appointmentID, equipmentID).
		Pluck("clinic_services.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list contributing services for appointment %d: %w", appointmentID, err)
	}
	return ids, nil
}

func (s *gormStore) ProfilesFor(ctx context.Context, equipmentID int64, serviceIDs []int64) ([]model.EnergyExpectationProfile, error) {
	if len(serviceIDs) == 0 {
		return nil, nil
	}
	var profiles []model.EnergyExpectationProfile
	err := s.db.WithContext(ctx).
		Where("equipment_id = ? AND service_id IN ?", equipmentID, serviceIDs).
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load expectation profiles for equipment %d: %w", equipmentID, err)
	}
	return profiles, nil
}

// CreateInsightIfAbsent inserts an insight unless an unresolved one of the
// same type already exists for the appointment. Returns whether a row was
// created. The existence check and the insert share a transaction so
// repeated anomalous samples cannot race a duplicate in.
func (s *gormStore) CreateInsightIfAbsent(ctx context.Context, cand InsightCandidate) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.DeviceUsageInsight{}).
			Where("appointment_id = ? AND insight_type = ? AND resolved = ?",
				cand.AppointmentID, cand.InsightType, false).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check for existing insight: %w", err)
		}
		if count > 0 {
			return nil
		}

		insight := model.DeviceUsageInsight{
			AppointmentID: cand.AppointmentID,
			SessionID:     cand.SessionID,
			InsightType:   model.InsightType(cand.InsightType),
			Confidence:    model.ConfidenceLevel(cand.Confidence),
			DeviationPct:  cand.DeviationPct,
			ActualKwh:     cand.ActualKwh,
			ExpectedKwh:   cand.ExpectedKwh,
		}
		if err := tx.Create(&insight).Error; err != nil {
			return fmt.Errorf("failed to create insight: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func (s *gormStore) InsightsForAppointment(ctx context.Context, appointmentID int64) ([]model.DeviceUsageInsight, error) {
	var insights []model.DeviceUsageInsight
	err := s.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("created_at DESC").
		Find(&insights).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query insights for appointment %d: %w", appointmentID, err)
	}
	return insights, nil
}

// FinalizationHooks runs the downstream bookkeeping for a session that
// just transitioned to COMPLETED: the daily time-series bucket, the
// expectation-profile feed, and the insight sweep. Callers invoke it only
// on the finalizing transition, which keeps re-finalization from
// double-appending.
func FinalizationHooks(tx *gorm.DB, sess *model.UsageSession, serviceIDs []int64, observe func(*model.EnergyExpectationProfile, float64)) error {
	day := sess.EndedAt.UTC().Truncate(24 * time.Hour)
	stat := model.DailyUsageStat{
		Day:         day,
		EquipmentID: sess.EquipmentID,
		ClinicID:    sess.ClinicID,
		Sessions:    1,
		Minutes:     sess.ActualMinutes,
		EnergyKwh:   sess.EnergyConsumptionKwh,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "equipment_id"}, {Name: "clinic_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"sessions":   gorm.Expr("daily_usage_stats.sessions + 1"),
			"minutes":    gorm.Expr("daily_usage_stats.minutes + ?", sess.ActualMinutes),
			"energy_kwh": gorm.Expr("daily_usage_stats.energy_kwh + ?", sess.EnergyConsumptionKwh),
		}),
	}).Create(&stat).Error
	if err != nil {
		return fmt.Errorf("failed to update daily usage bucket: %w", err)
	}

	for _, serviceID := range serviceIDs {
		var profile model.EnergyExpectationProfile
		err := tx.Where("equipment_id = ? AND service_id = ?", sess.EquipmentID, serviceID).
			First(&profile).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			profile = model.EnergyExpectationProfile{EquipmentID: sess.EquipmentID, ServiceID: serviceID}
		} else if err != nil {
			return fmt.Errorf("failed to load profile (%d,%d): %w", sess.EquipmentID, serviceID, err)
		}
		observe(&profile, sess.EnergyConsumptionKwh)
		if err := tx.Save(&profile).Error; err != nil {
			return fmt.Errorf("failed to save profile (%d,%d): %w", sess.EquipmentID, serviceID, err)
		}
	}

	now := time.Now().UTC()
	err = tx.Model(&model.DeviceUsageInsight{}).
		Where("session_id = ? AND resolved = ?", sess.ID, false).
		Updates(map[string]any{"resolved": true, "resolved_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to sweep insights for session %d: %w", sess.ID, err)
	}
	return nil
}

func openStatuses() []model.SessionStatus {
	return []model.SessionStatus{model.StatusActive, model.StatusPaused}
}
