package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"clinic-usage-backend/config"
	"clinic-usage-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(handler *Handler, cfg *config.ServerConfig) *gin.Engine {
	r := gin.Default()

	// Initialize middleware
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, cfg.RequestIPHeader)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl, cfg.ClinicIDHeader)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API group
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		// POST /api/telemetry
		api.POST("/telemetry", handler.PostTelemetry)

		// GET /api/devices/{device_id}/telemetry?from=...&to=...
		api.GET("/devices/:device_id/telemetry", caching, handler.GetDeviceTelemetry)

		// POST /api/appointments/{appointment_id}/device
		api.POST("/appointments/:appointment_id/device", handler.PostAssignDevice)

		// GET /api/appointments/{appointment_id}/sessions
		api.GET("/appointments/:appointment_id/sessions", handler.GetAppointmentSessions)

		// GET /api/appointments/{appointment_id}/insights
		api.GET("/appointments/:appointment_id/insights", handler.GetAppointmentInsights)

		// GET /api/sessions/{id}, POST /api/sessions/{id}/stop
		api.GET("/sessions/:id", handler.GetSession)
		api.POST("/sessions/:id/stop", handler.PostStopSession)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
