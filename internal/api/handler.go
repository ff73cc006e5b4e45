package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"clinic-usage-backend/internal/ingest"
	"clinic-usage-backend/internal/session"
	"clinic-usage-backend/internal/shutdown"
	"clinic-usage-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store      store.Store
	ingest     *ingest.Service
	assigner   *ingest.Assigner
	shutdown   *shutdown.Controller
	webpush    *webpush.Options
	sessionCfg session.Config

	clinicHeader string
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, ing *ingest.Service, asn *ingest.Assigner, ctrl *shutdown.Controller,
	webpushOptions *webpush.Options, sessionCfg session.Config, clinicHeader string) *Handler {
	return &Handler{
		store:        s,
		ingest:       ing,
		assigner:     asn,
		shutdown:     ctrl,
		webpush:      webpushOptions,
		sessionCfg:   sessionCfg,
		clinicHeader: clinicHeader,
	}
}
