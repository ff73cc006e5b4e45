package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clinic-usage-backend/internal/model"
	"clinic-usage-backend/internal/session"
	"clinic-usage-backend/internal/store"
)

type telemetryRequest struct {
	DeviceID      string     `json:"deviceId" binding:"required"`
	PowerW        *float64   `json:"currentPower"`
	RelayOn       *bool      `json:"relayOn"`
	TotalEnergyWh *float64   `json:"totalEnergy"`
	ObservedAt    *time.Time `json:"observedAt"`
}

// PostTelemetry handles the POST /api/telemetry request. The body is one
// smart-plug reading pushed by the device cloud; a reading that matches no
// open session is still logged and answered with updated:false.
func (h *Handler) PostTelemetry(c *gin.Context) {
	var req telemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	observedAt := time.Now().UTC()
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}

	result, err := h.ingest.ProcessSample(c.Request.Context(), session.Sample{
		DeviceID:      req.DeviceID,
		PowerW:        req.PowerW,
		RelayOn:       req.RelayOn,
		TotalEnergyWh: req.TotalEnergyWh,
		ObservedAt:    observedAt,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetDeviceTelemetry handles GET /api/devices/{device_id}/telemetry. The
// optional from/to query params are RFC3339; the response is the raw
// sample series for charting, oldest first.
func (h *Handler) GetDeviceTelemetry(c *gin.Context) {
	deviceID := c.Param("device_id")

	var r struct {
		From, To time.Time
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' timestamp format, use RFC3339"})
			return
		}
		r.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' timestamp format, use RFC3339"})
			return
		}
		r.To = t
	}

	samples, err := h.store.SamplesForDevice(c.Request.Context(), deviceID, store.SampleRange{From: r.From, To: r.To})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if samples == nil {
		samples = []model.TelemetrySample{}
	}
	c.JSON(http.StatusOK, samples)
}
