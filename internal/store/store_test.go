package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clinic-usage-backend/internal/model"
)

func newTestStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:store_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Appointment{},
		&model.ClinicService{},
		&model.ServiceEquipmentRequirement{},
		&model.Equipment{},
		&model.EquipmentClinicAssignment{},
		&model.UsageSession{},
		&model.TelemetrySample{},
		&model.EnergyExpectationProfile{},
		&model.DeviceUsageInsight{},
		&model.DailyUsageStat{},
	))
	return NewGormStore(db), db
}

func openSession(deviceID string, assignmentID int64) *model.UsageSession {
	return &model.UsageSession{
		AppointmentID:               1,
		EquipmentID:                 2,
		EquipmentClinicAssignmentID: assignmentID,
		DeviceID:                    deviceID,
		StartedAt:                   time.Now().UTC(),
		EstimatedMinutes:            30,
		CurrentStatus:               model.StatusActive,
		PauseIntervals:              model.PauseIntervals{},
		PowerThresholdW:             0.1,
	}
}

func TestResolveOpenSession_ByDeviceID(t *testing.T) {
	s, db := newTestStore(t)
	sess := openSession("shellyplus1pm-a8032ab12345", 3)
	require.NoError(t, db.Create(sess).Error)

	got, err := s.ResolveOpenSession(context.Background(), "shellyplus1pm-a8032ab12345")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestResolveOpenSession_NoSession(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.ResolveOpenSession(context.Background(), "shellyplus1pm-a8032ab12345")
	assert.ErrorIs(t, err, ErrNoOpenSession)
}

func TestResolveOpenSession_SelfHealsReRegisteredDevice(t *testing.T) {
	s, db := newTestStore(t)

	// The plug was re-registered under a new model name, same MAC. The
	// assignment and the session still carry the old identifier.
	oldID := "shellyplug-a8032ab12345"
	newID := "shellyplus1pm-a8032ab12345"

	require.NoError(t, db.Create(&model.EquipmentClinicAssignment{
		ID: 3, EquipmentID: 2, DeviceID: oldID,
	}).Error)
	sess := openSession(oldID, 3)
	require.NoError(t, db.Create(sess).Error)

	got, err := s.ResolveOpenSession(context.Background(), newID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, newID, got.DeviceID)

	// The heal persisted.
	var reloaded model.UsageSession
	require.NoError(t, db.First(&reloaded, sess.ID).Error)
	assert.Equal(t, newID, reloaded.DeviceID)
}

func TestResolveOpenSession_IgnoresCompleted(t *testing.T) {
	s, db := newTestStore(t)
	sess := openSession("shellyplus1pm-a8032ab12345", 3)
	now := time.Now().UTC()
	sess.CurrentStatus = model.StatusCompleted
	sess.EndedAt = &now
	require.NoError(t, db.Create(sess).Error)

	_, err := s.ResolveOpenSession(context.Background(), "shellyplus1pm-a8032ab12345")
	assert.ErrorIs(t, err, ErrNoOpenSession)
}

func TestCreateSession_RejectsForeignConflict(t *testing.T) {
	s, db := newTestStore(t)
	prior := openSession("shellyplus1pm-a8032ab12345", 3)
	require.NoError(t, db.Create(prior).Error)

	next := openSession("shellyplus1pm-a8032ab12345", 3)
	next.AppointmentID = 99
	err := s.CreateSession(context.Background(), next, time.Now().UTC())
	assert.ErrorIs(t, err, ErrConflictingSession)
}

func TestCreateSession_SupersedesSameAppointment(t *testing.T) {
	s, db := newTestStore(t)
	prior := openSession("shellyplug-a8032ab12345", 3)
	prior.CurrentStatus = model.StatusPaused
	pausedAt := time.Now().UTC().Add(-time.Minute)
	prior.PausedAt = &pausedAt
	prior.PauseIntervals = model.PauseIntervals{{PausedAt: pausedAt}}
	require.NoError(t, db.Create(prior).Error)

	now := time.Now().UTC()
	next := openSession("shellyplus1pm-ffffffffffff", 4)
	require.NoError(t, s.CreateSession(context.Background(), next, now))

	var old model.UsageSession
	require.NoError(t, db.First(&old, prior.ID).Error)
	assert.Equal(t, model.StatusCompleted, old.CurrentStatus)
	assert.Equal(t, model.ReasonSuperseded, old.EndedReason)
	require.NotNil(t, old.EndedAt)
	require.Len(t, old.PauseIntervals, 1)
	assert.NotNil(t, old.PauseIntervals[0].ResumedAt)
}

func TestCreateSession_SupersedeRunsFinalizationHooks(t *testing.T) {
	s, db := newTestStore(t)

	// Appointment 1 has one service that requires equipment 2, so the
	// superseded session's energy must reach that profile.
	require.NoError(t, db.Create(&model.Appointment{
		ID:       1,
		Services: []model.ClinicService{{ID: 1, Name: "Laser therapy", DurationMinutes: 30}},
	}).Error)
	require.NoError(t, db.Create(&model.ServiceEquipmentRequirement{ServiceID: 1, EquipmentID: 2}).Error)

	prior := openSession("shellyplug-a8032ab12345", 3)
	prior.ClinicID = "clinic-1"
	prior.ActualMinutes = 20
	prior.EnergyConsumptionKwh = 0.9
	require.NoError(t, db.Create(prior).Error)

	require.NoError(t, db.Create(&model.DeviceUsageInsight{
		AppointmentID: 1,
		SessionID:     prior.ID,
		InsightType:   model.InsightExcessiveEnergy,
		Confidence:    model.ConfidenceLow,
	}).Error)

	next := openSession("shellyplus1pm-ffffffffffff", 4)
	require.NoError(t, s.CreateSession(context.Background(), next, time.Now().UTC()))

	var old model.UsageSession
	require.NoError(t, db.First(&old, prior.ID).Error)
	assert.Equal(t, model.StatusCompleted, old.CurrentStatus)
	assert.Equal(t, model.ReasonSuperseded, old.EndedReason)

	// The same hooks a manual stop runs: profile feed, daily bucket,
	// insight sweep.
	var profile model.EnergyExpectationProfile
	require.NoError(t, db.First(&profile).Error)
	assert.EqualValues(t, 1, profile.SampleCount)
	assert.InDelta(t, 0.9, profile.MeanKwh, 1e-9)

	var stat model.DailyUsageStat
	require.NoError(t, db.First(&stat).Error)
	assert.EqualValues(t, 1, stat.Sessions)
	assert.InDelta(t, 20, stat.Minutes, 1e-9)
	assert.InDelta(t, 0.9, stat.EnergyKwh, 1e-9)

	var insight model.DeviceUsageInsight
	require.NoError(t, db.First(&insight).Error)
	assert.True(t, insight.Resolved)
}

func TestEstimatedMinutes_SumsOnlyRequiringServices(t *testing.T) {
	s, db := newTestStore(t)

	laser := model.ClinicService{ID: 1, Name: "Laser therapy", DurationMinutes: 30}
	massage := model.ClinicService{ID: 2, Name: "Massage", DurationMinutes: 45}
	ultrasound := model.ClinicService{ID: 3, Name: "Ultrasound", DurationMinutes: 20}
	appt := model.Appointment{
		ID:       1,
		Services: []model.ClinicService{laser, massage, ultrasound},
	}
	require.NoError(t, db.Create(&appt).Error)

	// Only laser and ultrasound need equipment 7.
	require.NoError(t, db.Create(&model.ServiceEquipmentRequirement{ServiceID: 1, EquipmentID: 7}).Error)
	require.NoError(t, db.Create(&model.ServiceEquipmentRequirement{ServiceID: 3, EquipmentID: 7}).Error)

	total, err := s.EstimatedMinutes(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.InDelta(t, 50, total, 1e-9)

	ids, err := s.ServiceIDsRequiringEquipment(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, ids)
}

func TestCreateInsightIfAbsent_Dedupes(t *testing.T) {
	s, _ := newTestStore(t)

	cand := InsightCandidate{
		AppointmentID: 1,
		SessionID:     2,
		InsightType:   string(model.InsightExcessiveEnergy),
		Confidence:    string(model.ConfidenceMedium),
		DeviationPct:  0.8,
		ActualKwh:     1.8,
		ExpectedKwh:   1.0,
	}

	created, err := s.CreateInsightIfAbsent(context.Background(), cand)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateInsightIfAbsent(context.Background(), cand)
	require.NoError(t, err)
	assert.False(t, created)

	insights, err := s.InsightsForAppointment(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.False(t, insights[0].Resolved)
}

func TestSamplesForDevice_Range(t *testing.T) {
	s, _ := newTestStore(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p := float64(i * 10)
		require.NoError(t, s.AppendSample(context.Background(), &model.TelemetrySample{
			DeviceID:   "shellyplus1pm-a8032ab12345",
			PowerW:     &p,
			ObservedAt: base.Add(time.Duration(i) * 8 * time.Second),
		}))
	}

	got, err := s.SamplesForDevice(context.Background(), "shellyplus1pm-a8032ab12345", SampleRange{
		From: base.Add(8 * time.Second),
		To:   base.Add(24 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].ObservedAt.Before(got[2].ObservedAt))
}

func TestMutateSession_RollsBackOnError(t *testing.T) {
	s, db := newTestStore(t)
	sess := openSession("shellyplus1pm-a8032ab12345", 3)
	require.NoError(t, db.Create(sess).Error)

	_, err := s.MutateSession(context.Background(), sess.ID, func(_ *gorm.DB, target *model.UsageSession) error {
		target.ActualMinutes = 99
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	var reloaded model.UsageSession
	require.NoError(t, db.First(&reloaded, sess.ID).Error)
	assert.Zero(t, reloaded.ActualMinutes)
}
