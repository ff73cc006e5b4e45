package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"clinic-usage-backend/config"
	"clinic-usage-backend/internal/api"
	"clinic-usage-backend/internal/bus"
	"clinic-usage-backend/internal/db"
	"clinic-usage-backend/internal/expectation"
	"clinic-usage-backend/internal/gateway"
	"clinic-usage-backend/internal/ingest"
	"clinic-usage-backend/internal/metrics"
	"clinic-usage-backend/internal/notification"
	"clinic-usage-backend/internal/session"
	"clinic-usage-backend/internal/shutdown"
	"clinic-usage-backend/internal/store"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "usage-backend ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	// Check for VAPID keys
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Fatalf("VAPID keys must be configured. Please generate them and add them to your config file.")
	}

	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	logger.Println("data store initialized")

	m := metrics.NewDefault()

	// Outbound events fan out to web push subscribers and, when enabled,
	// the AMQP exchange for downstream consumers.
	workers := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, &webpushOptions)
	workers.Start(ctx)
	publisher := bus.Fanout{workers}

	var amqpPub *bus.AMQPPublisher
	if cfg.Bus.Enabled {
		amqpPub = bus.NewAMQPPublisher(cfg.Bus.URL, cfg.Bus.Exchange)
		publisher = append(publisher, amqpPub)
		logger.Printf("event bus enabled, exchange %q", cfg.Bus.Exchange)
	}

	sessionCfg := session.Config{
		DefaultPowerThresholdW: cfg.Telemetry.PowerThresholdW,
		BoundaryMargin:         cfg.Telemetry.BoundaryMargin,
	}
	insightPolicy := expectation.Policy{
		DeviationPct:    cfg.Insight.DeviationPct,
		SigmaMultiplier: cfg.Insight.SigmaMultiplier,
		MinSamples:      cfg.Insight.MinSamples,
	}

	gw := gateway.New(&cfg.Gateway)
	ctrl := shutdown.NewController(appStore, gw, publisher, m)
	ingestSvc := ingest.NewService(appStore, ctrl, publisher, m, sessionCfg, insightPolicy)
	assigner := ingest.NewAssigner(ingestSvc, gw)

	// Initialize router
	handler := api.NewHandler(appStore, ingestSvc, assigner, ctrl,
		&webpushOptions, sessionCfg, cfg.Server.ClinicIDHeader)
	router := api.NewRouter(handler, &cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	if amqpPub != nil {
		if err := amqpPub.Close(); err != nil {
			logger.Printf("event bus close: %v", err)
		}
	}

	logger.Println("Server gracefully stopped")
}
