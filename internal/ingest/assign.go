package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"clinic-usage-backend/internal/bus"
	"clinic-usage-backend/internal/gateway"
	"clinic-usage-backend/internal/model"
	"clinic-usage-backend/internal/parse"
)

// AssignRequest binds a smart plug to an appointment.
type AssignRequest struct {
	AppointmentID               int64
	EquipmentClinicAssignmentID int64
	DeviceID                    string
	TurnOnDevice                bool
	// DeviceName, when set, renames the plug in the relay cloud so staff
	// can recognize it in the vendor app.
	DeviceName string
	ClinicID   string
}

// Assigner activates usage sessions when a device is assigned to an
// appointment. The power-on command runs asynchronously; its outcome is
// reported over the event bus, never in the HTTP response.
type Assigner struct {
	svc     *Service
	gateway gateway.Controller
}

// NewAssigner wires the assignment flow onto an ingest service.
func NewAssigner(svc *Service, gw gateway.Controller) *Assigner {
	return &Assigner{svc: svc, gateway: gw}
}

// Assign validates the request, computes the estimated usage time from the
// appointment's services that require this equipment, and creates the
// ACTIVE session. Prior open sessions of the same appointment are
// force-completed first; an open session for another appointment on the
// same device or assignment is a conflict the caller sees.
func (a *Assigner) Assign(ctx context.Context, req AssignRequest) (*model.UsageSession, error) {
	if _, err := parse.ParseDeviceID(req.DeviceID); err != nil {
		log.Printf("assignment for appointment %d uses non-standard device id %q", req.AppointmentID, req.DeviceID)
	}

	assignment, err := a.svc.store.GetAssignment(ctx, req.EquipmentClinicAssignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load equipment assignment %d: %w", req.EquipmentClinicAssignmentID, err)
	}

	estimated, err := a.svc.store.EstimatedMinutes(ctx, req.AppointmentID, assignment.EquipmentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &model.UsageSession{
		AppointmentID:               req.AppointmentID,
		EquipmentID:                 assignment.EquipmentID,
		EquipmentClinicAssignmentID: assignment.ID,
		DeviceID:                    req.DeviceID,
		ClinicID:                    req.ClinicID,
		StartedAt:                   now,
		EstimatedMinutes:            estimated,
		CurrentStatus:               model.StatusActive,
		PauseIntervals:              model.PauseIntervals{},
		PowerThresholdW:             assignment.PowerThresholdW,
		AutoShutdownEnabled:         assignment.AutoShutdownEnabled,
	}
	if err := a.svc.store.CreateSession(ctx, sess, now); err != nil {
		return nil, err
	}

	a.svc.publish(ctx, bus.Event{
		Type:          bus.EventDeviceAssigned,
		AppointmentID: sess.AppointmentID,
		DeviceUsageID: sess.ID,
		DeviceID:      sess.DeviceID,
		OccurredAt:    now,
		Fields:        map[string]any{"estimatedMinutes": estimated},
	})

	if req.TurnOnDevice || req.DeviceName != "" {
		go a.activateDevice(sess, assignment.CredentialID, req)
	}
	return sess, nil
}

// activateDevice runs detached from the request; power-on completion is
// reported out-of-band on the bus. The rename is cosmetic and best effort.
func (a *Assigner) activateDevice(sess *model.UsageSession, credentialID string, req AssignRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if req.DeviceName != "" {
		if err := a.gateway.RenameDevice(ctx, credentialID, sess.DeviceID, req.DeviceName); err != nil {
			log.Printf("rename failed for device %s (session %d): %v", sess.DeviceID, sess.ID, err)
		}
	}
	if !req.TurnOnDevice {
		return
	}

	ev := bus.Event{
		AppointmentID: sess.AppointmentID,
		DeviceUsageID: sess.ID,
		DeviceID:      sess.DeviceID,
		OccurredAt:    time.Now().UTC(),
		Fields:        map[string]any{"action": string(gateway.ActionOn)},
	}

	if err := a.gateway.ControlDevice(ctx, credentialID, sess.DeviceID, gateway.ActionOn); err != nil {
		log.Printf("power-on failed for device %s (session %d): %v", sess.DeviceID, sess.ID, err)
		a.svc.metrics.DeviceCommands.WithLabelValues(string(gateway.ActionOn), "error").Inc()
		ev.Type = bus.EventDeviceControlFailed
		ev.Fields["error"] = err.Error()
	} else {
		a.svc.metrics.DeviceCommands.WithLabelValues(string(gateway.ActionOn), "ok").Inc()
		ev.Type = bus.EventDeviceControlCompleted
	}
	a.svc.publish(ctx, ev)
}
