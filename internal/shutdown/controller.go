// Package shutdown decides when a usage session has run past its estimate
// and closes it out, commanding the physical plug off when allowed.
package shutdown

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"clinic-usage-backend/internal/bus"
	"clinic-usage-backend/internal/expectation"
	"clinic-usage-backend/internal/gateway"
	"clinic-usage-backend/internal/metrics"
	"clinic-usage-backend/internal/model"
	"clinic-usage-backend/internal/session"
	"clinic-usage-backend/internal/store"
)

// Controller finalizes over-running sessions.
type Controller struct {
	store     store.Store
	gateway   gateway.Controller
	publisher bus.Publisher
	metrics   *metrics.Metrics
}

// NewController wires the auto-shutdown decision path.
func NewController(s store.Store, gw gateway.Controller, pub bus.Publisher, m *metrics.Metrics) *Controller {
	return &Controller{store: s, gateway: gw, publisher: pub, metrics: m}
}

// Maybe runs the shutdown decision for a session whose latest sample
// raised the over-estimate warning. It returns the terminal reason when
// the session was finalized, or empty when no action was taken.
//
// The relay command is best effort: a timeout or rejection is logged and
// the session still closes, since the billing record must not be held
// hostage to a flaky relay connection.
func (c *Controller) Maybe(ctx context.Context, sess *model.UsageSession, warning bool) (model.EndedReason, error) {
	if !warning || !sess.Open() {
		return "", nil
	}

	relayOn := sess.LastRelayOn != nil && *sess.LastRelayOn
	if relayOn && !sess.AutoShutdownEnabled {
		// The device keeps running; the session stays flagged over_consuming.
		return "", nil
	}

	if relayOn {
		c.commandOff(ctx, sess)
	}

	finalized, err := c.Finalize(ctx, sess.ID, model.ReasonAutoShutdown)
	if err != nil {
		return "", err
	}
	if !finalized {
		// Lost a race with a concurrent manual stop; that is a success.
		return "", nil
	}

	c.publish(ctx, bus.Event{
		Type:          bus.EventAutoShutdown,
		AppointmentID: sess.AppointmentID,
		DeviceUsageID: sess.ID,
		DeviceID:      sess.DeviceID,
		OccurredAt:    time.Now().UTC(),
		Fields: map[string]any{
			"actualMinutes":    sess.ActualMinutes,
			"estimatedMinutes": sess.EstimatedMinutes,
		},
	})
	return model.ReasonAutoShutdown, nil
}

func (c *Controller) commandOff(ctx context.Context, sess *model.UsageSession) {
	credentialID := ""
	if assignment, err := c.store.GetAssignment(ctx, sess.EquipmentClinicAssignmentID); err == nil {
		credentialID = assignment.CredentialID
	} else {
		log.Printf("session %d: could not load assignment %d for credentials: %v",
			sess.ID, sess.EquipmentClinicAssignmentID, err)
	}

	if err := c.gateway.ControlDevice(ctx, credentialID, sess.DeviceID, gateway.ActionOff); err != nil {
		log.Printf("session %d: power-off command failed for device %s: %v", sess.ID, sess.DeviceID, err)
		c.metrics.DeviceCommands.WithLabelValues(string(gateway.ActionOff), "error").Inc()
		return
	}
	c.metrics.DeviceCommands.WithLabelValues(string(gateway.ActionOff), "ok").Inc()
}

// Finalize closes a session with the given reason and runs the
// finalization hooks exactly once. A second call for an already COMPLETED
// session reports finalized=false with no error and touches nothing.
func (c *Controller) Finalize(ctx context.Context, sessionID int64, reason model.EndedReason) (bool, error) {
	now := time.Now().UTC()
	finalized := false

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	serviceIDs, err := c.store.ServiceIDsRequiringEquipment(ctx, sess.AppointmentID, sess.EquipmentID)
	if err != nil {
		return false, err
	}

	updated, err := c.store.MutateSession(ctx, sessionID, func(tx *gorm.DB, s *model.UsageSession) error {
		if !session.Finalize(s, reason, now) {
			return nil
		}
		finalized = true
		return store.FinalizationHooks(tx, s, serviceIDs, expectation.Observe)
	})
	if err != nil {
		return false, err
	}
	if finalized {
		c.metrics.SessionsFinalized.WithLabelValues(string(reason)).Inc()
		*sess = *updated
	}
	return finalized, nil
}

// Stop is the manual stop entry point. It finalizes with reason MANUAL
// and notifies subscribers; stopping a COMPLETED session is a no-op
// success.
func (c *Controller) Stop(ctx context.Context, sessionID int64) (*model.UsageSession, error) {
	finalized, err := c.Finalize(ctx, sessionID, model.ReasonManual)
	if err != nil {
		return nil, err
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if finalized {
		c.publish(ctx, bus.Event{
			Type:          bus.EventUsageStatusChange,
			AppointmentID: sess.AppointmentID,
			DeviceUsageID: sess.ID,
			DeviceID:      sess.DeviceID,
			OccurredAt:    time.Now().UTC(),
			Fields:        map[string]any{"endedReason": string(model.ReasonManual)},
		})
	}
	return sess, nil
}

func (c *Controller) publish(ctx context.Context, ev bus.Event) {
	if err := c.publisher.Publish(ctx, ev); err != nil {
		log.Printf("failed to publish %s for session %d: %v", ev.Type, ev.DeviceUsageID, err)
	}
}
