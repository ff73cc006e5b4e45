package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Insight    InsightConfig    `yaml:"insight"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Bus        BusConfig        `yaml:"bus"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	ClinicIDHeader  string  `yaml:"clinic_id_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	EnableTimescale        bool   `yaml:"enable_timescale"`
}

// TelemetryConfig holds the thresholds driving the usage session state machine.
type TelemetryConfig struct {
	// PowerThresholdW is the default wattage above which a relay-on device
	// counts as actively consuming. Assignments may override it per device.
	PowerThresholdW float64 `yaml:"power_threshold_watts"`
	// BoundaryMarginSeconds is the single tolerance window applied both to
	// the displayed usage classification and to the auto-shutdown trigger.
	BoundaryMarginSeconds int           `yaml:"boundary_margin_seconds"`
	BoundaryMargin        time.Duration `yaml:"-"` // Ignored by YAML parser
}

// InsightConfig holds the anomaly-detection policy for energy consumption.
type InsightConfig struct {
	// DeviationPct is the relative overage (0.30 = 30%) that qualifies as
	// anomalous when the absolute guard also passes.
	DeviationPct    float64 `yaml:"deviation_pct"`
	SigmaMultiplier float64 `yaml:"sigma_multiplier"`
	MinSamples      int     `yaml:"min_samples"`
}

// GatewayConfig holds the cloud relay control endpoint configuration.
type GatewayConfig struct {
	BaseURL        string            `yaml:"base_url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Timeout        time.Duration     `yaml:"-"`
	HTTPProxy      string            `yaml:"http_proxy"`
}

// BusConfig holds the event bus (AMQP) configuration.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Telemetry.PowerThresholdW <= 0 {
		cfg.Telemetry.PowerThresholdW = 0.1
	}
	if cfg.Telemetry.BoundaryMarginSeconds <= 0 {
		cfg.Telemetry.BoundaryMarginSeconds = 15
	}
	cfg.Telemetry.BoundaryMargin = time.Duration(cfg.Telemetry.BoundaryMarginSeconds) * time.Second

	if cfg.Insight.DeviationPct <= 0 {
		cfg.Insight.DeviationPct = 0.30
	}
	if cfg.Insight.SigmaMultiplier <= 0 {
		cfg.Insight.SigmaMultiplier = 2.0
	}
	if cfg.Insight.MinSamples < 2 {
		cfg.Insight.MinSamples = 2
	}

	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 5
	}
	cfg.Gateway.Timeout = time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second

	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 60
	}
	if cfg.Server.ClinicIDHeader == "" {
		cfg.Server.ClinicIDHeader = "X-Clinic-ID"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	return &cfg, nil
}
