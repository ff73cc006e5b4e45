package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"clinic-usage-backend/internal/model"
	"clinic-usage-backend/internal/session"
)

// sessionResponse flattens a usage session with its live classification.
type sessionResponse struct {
	model.UsageSession
	UsageStatus string `json:"usageStatus"`
}

func (h *Handler) sessionView(s model.UsageSession) sessionResponse {
	return sessionResponse{
		UsageSession: s,
		UsageStatus:  string(session.Classify(&s, h.sessionCfg)),
	}
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	sess, err := h.store.GetSession(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.sessionView(*sess))
}

// PostStopSession handles POST /api/sessions/{id}/stop. Stopping an
// already completed session succeeds without changing anything.
func (h *Handler) PostStopSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	sess, err := h.shutdown.Stop(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.sessionView(*sess))
}

// GetAppointmentSessions handles GET /api/appointments/{appointment_id}/sessions.
func (h *Handler) GetAppointmentSessions(c *gin.Context) {
	appointmentID, err := strconv.ParseInt(c.Param("appointment_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid appointment ID"})
		return
	}

	sessions, err := h.store.SessionsForAppointment(c.Request.Context(), appointmentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		response = append(response, h.sessionView(s))
	}
	c.JSON(http.StatusOK, response)
}

// GetAppointmentInsights handles GET /api/appointments/{appointment_id}/insights.
func (h *Handler) GetAppointmentInsights(c *gin.Context) {
	appointmentID, err := strconv.ParseInt(c.Param("appointment_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid appointment ID"})
		return
	}

	insights, err := h.store.InsightsForAppointment(c.Request.Context(), appointmentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if insights == nil {
		insights = []model.DeviceUsageInsight{}
	}
	c.JSON(http.StatusOK, insights)
}
