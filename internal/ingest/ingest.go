// Package ingest accepts raw smart-plug telemetry and drives the usage
// session pipeline: raw-sample logging, state machine update, deviation
// check, and the auto-shutdown decision.
package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"clinic-usage-backend/internal/bus"
	"clinic-usage-backend/internal/expectation"
	"clinic-usage-backend/internal/metrics"
	"clinic-usage-backend/internal/model"
	"clinic-usage-backend/internal/session"
	"clinic-usage-backend/internal/shutdown"
	"clinic-usage-backend/internal/store"
)

// Result is what the telemetry endpoint reports back to the push source.
type Result struct {
	Updated        bool    `json:"updated"`
	Warning        bool    `json:"warning,omitempty"`
	EndedReason    *string `json:"endedReason,omitempty"`
	InsightCreated bool    `json:"insightCreated,omitempty"`
}

// Service processes telemetry samples. Samples for different devices are
// handled concurrently; samples for the same device are serialized by a
// per-device mutex so all session mutations are linearized without a
// global lock.
type Service struct {
	store     store.Store
	shutdown  *shutdown.Controller
	publisher bus.Publisher
	metrics   *metrics.Metrics

	sessionCfg    session.Config
	insightPolicy expectation.Policy

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires the ingestion pipeline.
func NewService(s store.Store, ctrl *shutdown.Controller, pub bus.Publisher, m *metrics.Metrics,
	sessionCfg session.Config, insightPolicy expectation.Policy) *Service {
	return &Service{
		store:         s,
		shutdown:      ctrl,
		publisher:     pub,
		metrics:       m,
		sessionCfg:    sessionCfg,
		insightPolicy: insightPolicy,
		locks:         make(map[string]*sync.Mutex),
	}
}

// deviceLock returns the mutex serializing one device's samples.
func (svc *Service) deviceLock(deviceID string) *sync.Mutex {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	l, ok := svc.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		svc.locks[deviceID] = l
	}
	return l
}

// ProcessSample handles one telemetry reading. A sample that resolves to
// no session is not an error: the raw point is still logged for charting
// and the caller gets updated:false.
func (svc *Service) ProcessSample(ctx context.Context, smp session.Sample) (Result, error) {
	started := time.Now()
	defer func() {
		svc.metrics.SampleDuration.Observe(time.Since(started).Seconds())
	}()

	lock := svc.deviceLock(smp.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	// The raw sample is persisted before anything else, including session
	// resolution; it is the audit ground truth and must survive any
	// downstream failure.
	raw := &model.TelemetrySample{
		DeviceID:      smp.DeviceID,
		PowerW:        smp.PowerW,
		RelayOn:       smp.RelayOn,
		TotalEnergyWh: smp.TotalEnergyWh,
		ObservedAt:    smp.ObservedAt,
	}
	if err := svc.store.AppendSample(ctx, raw); err != nil {
		log.Printf("failed to append raw sample for device %s: %v", smp.DeviceID, err)
	}

	sess, err := svc.store.ResolveOpenSession(ctx, smp.DeviceID)
	if err != nil && !errors.Is(err, store.ErrNoOpenSession) {
		return Result{}, err
	}

	if sess == nil {
		svc.metrics.SamplesIngested.WithLabelValues("unmatched").Inc()
		return Result{Updated: false}, nil
	}
	svc.metrics.SamplesIngested.WithLabelValues("matched").Inc()

	// Backfill the session id onto the already persisted row.
	raw.SessionID = &sess.ID
	if err := svc.store.DB().WithContext(ctx).Model(raw).Update("session_id", sess.ID).Error; err != nil {
		log.Printf("failed to tag raw sample for device %s with session %d: %v", smp.DeviceID, sess.ID, err)
	}

	var ch session.Change
	updated, err := svc.store.MutateSession(ctx, sess.ID, func(_ *gorm.DB, s *model.UsageSession) error {
		ch = session.Apply(s, smp, svc.sessionCfg)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if ch.Paused || ch.Resumed {
		svc.publishStatusChange(ctx, updated, ch)
	}

	res := Result{Updated: true, Warning: ch.Warning}
	res.InsightCreated = svc.checkDeviation(ctx, updated)

	reason, err := svc.shutdown.Maybe(ctx, updated, ch.Warning)
	if err != nil {
		log.Printf("auto-shutdown failed for session %d: %v", updated.ID, err)
	}
	switch {
	case reason != "":
		r := string(reason)
		res.EndedReason = &r
	case updated.EndedReason != "":
		r := string(updated.EndedReason)
		res.EndedReason = &r
	}
	return res, nil
}

// checkDeviation compares the session's accumulated energy against the
// expectation profiles of its contributing services and records at most
// one unresolved insight per appointment and type.
func (svc *Service) checkDeviation(ctx context.Context, sess *model.UsageSession) bool {
	if !sess.Open() || sess.EnergyConsumptionKwh <= 0 {
		return false
	}

	serviceIDs, err := svc.store.ServiceIDsRequiringEquipment(ctx, sess.AppointmentID, sess.EquipmentID)
	if err != nil {
		log.Printf("deviation check skipped for session %d: %v", sess.ID, err)
		return false
	}
	profiles, err := svc.store.ProfilesFor(ctx, sess.EquipmentID, serviceIDs)
	if err != nil {
		log.Printf("deviation check skipped for session %d: %v", sess.ID, err)
		return false
	}

	verdict := expectation.Check(profiles, sess.EnergyConsumptionKwh, svc.insightPolicy)
	if !verdict.Anomalous {
		return false
	}

	created, err := svc.store.CreateInsightIfAbsent(ctx, store.InsightCandidate{
		AppointmentID: sess.AppointmentID,
		SessionID:     sess.ID,
		InsightType:   string(model.InsightExcessiveEnergy),
		Confidence:    string(verdict.Confidence),
		DeviationPct:  verdict.DeviationPct,
		ActualKwh:     sess.EnergyConsumptionKwh,
		ExpectedKwh:   verdict.ExpectedKwh,
	})
	if err != nil {
		log.Printf("failed to record insight for session %d: %v", sess.ID, err)
		return false
	}
	if created {
		svc.metrics.InsightsCreated.Inc()
		svc.publish(ctx, bus.Event{
			Type:          bus.EventUsageInsight,
			AppointmentID: sess.AppointmentID,
			DeviceUsageID: sess.ID,
			DeviceID:      sess.DeviceID,
			OccurredAt:    time.Now().UTC(),
			Fields: map[string]any{
				"insightType":  string(model.InsightExcessiveEnergy),
				"deviationPct": verdict.DeviationPct,
				"confidence":   string(verdict.Confidence),
			},
		})
	}
	return created
}

func (svc *Service) publishStatusChange(ctx context.Context, sess *model.UsageSession, ch session.Change) {
	fields := map[string]any{
		"usageStatus":   string(ch.Classification),
		"currentStatus": string(sess.CurrentStatus),
	}
	if sess.EndedReason != "" {
		fields["endedReason"] = string(sess.EndedReason)
	}
	svc.publish(ctx, bus.Event{
		Type:          bus.EventUsageStatusChange,
		AppointmentID: sess.AppointmentID,
		DeviceUsageID: sess.ID,
		DeviceID:      sess.DeviceID,
		OccurredAt:    time.Now().UTC(),
		Fields:        fields,
	})
}

func (svc *Service) publish(ctx context.Context, ev bus.Event) {
	if err := svc.publisher.Publish(ctx, ev); err != nil {
		log.Printf("failed to publish %s for session %d: %v", ev.Type, ev.DeviceUsageID, err)
	}
}
