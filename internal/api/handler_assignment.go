package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"clinic-usage-backend/internal/ingest"
	"clinic-usage-backend/internal/store"
)

type assignDeviceRequest struct {
	EquipmentClinicAssignmentID int64  `json:"equipmentClinicAssignmentId" binding:"required"`
	DeviceID                    string `json:"deviceId" binding:"required"`
	TurnOnDevice                bool   `json:"turnOnDevice"`
	DeviceName                  string `json:"deviceName"`
}

// PostAssignDevice handles POST /api/appointments/{appointment_id}/device.
// It activates a usage session for the appointment on the given plug. The
// optional power-on command runs in the background; its outcome arrives as
// a device_control_completed or device_control_failed event.
func (h *Handler) PostAssignDevice(c *gin.Context) {
	appointmentID, err := strconv.ParseInt(c.Param("appointment_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid appointment ID"})
		return
	}

	var req assignDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.assigner.Assign(c.Request.Context(), ingest.AssignRequest{
		AppointmentID:               appointmentID,
		EquipmentClinicAssignmentID: req.EquipmentClinicAssignmentID,
		DeviceID:                    req.DeviceID,
		TurnOnDevice:                req.TurnOnDevice,
		DeviceName:                  req.DeviceName,
		ClinicID:                    c.GetHeader(h.clinicHeader),
	})
	switch {
	case errors.Is(err, store.ErrConflictingSession):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "equipment assignment not found"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, sess)
}
