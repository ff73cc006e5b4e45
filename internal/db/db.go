package db

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clinic-usage-backend/config"
	"clinic-usage-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Println("Running database migrations...")
	if err := db.AutoMigrate(
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
		&model.PushSubscription{},
	); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}

	if cfg.EnableTimescale {
		log.Println("TimescaleDB is enabled, applying TimescaleDB-specific DDL...")
		if err := applyTimescaleDDL(db); err != nil {
			log.Printf("Warning: failed to apply some TimescaleDB DDL: %v. Continuing without them.", err)
		}
	}

	log.Println("Database initialization complete.")
	return db, nil
}

// applyTimescaleDDL turns the telemetry log into a hypertable. Samples
// arrive roughly every 8 seconds per device, so this is the only table
// that benefits from time partitioning.
func applyTimescaleDDL(db *gorm.DB) error {
	ddls := []string{
		"CREATE EXTENSION IF NOT EXISTS timescaledb;",

		"SELECT create_hypertable('telemetry_samples', 'observed_at', if_not_exists => TRUE);",

		"CREATE INDEX IF NOT EXISTS idx_telemetry_samples_device_observed_at " +
			"ON telemetry_samples (device_id, observed_at DESC);",

		// Raw samples older than a year are charted at most in aggregate.
		"SELECT add_retention_policy('telemetry_samples', INTERVAL '365 days', if_not_exists => TRUE);",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
