package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

// Store types
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Store     StoreConfig             `yaml:"store"`
	Logging   logger.Config           `yaml:"logging"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Jobs      JobsConfig              `yaml:"jobs"`
	Offers    OffersConfig            `yaml:"offers"`
	Backends  backends.BackendConfigs `yaml:"backends"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the persistence layer
type StoreConfig struct {
	Type        string `yaml:"type"` // memory | postgres
	DatabaseURL string `yaml:"database_url"`
}

// SchedulerConfig configures the background loop
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	CostInterval time.Duration `yaml:"cost_interval"`
}

// JobsConfig tunes the job processor
type JobsConfig struct {
	PendingBackoff      time.Duration                        `yaml:"pending_backoff"`
	MaxOffersTried      int                                  `yaml:"max_offers_tried"`
	ProvisioningTimeout time.Duration                        `yaml:"provisioning_timeout"`
	BareMetalTimeout    time.Duration                        `yaml:"bare_metal_timeout"`
	BackendTimeouts     map[models.BackendType]time.Duration `yaml:"backend_timeouts"`
}

// OffersConfig tunes offer collection
type OffersConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", ShutdownTimeout: 15 * time.Second},
		Store:   StoreConfig{Type: StoreMemory},
		Logging: logger.Config{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			TickInterval: 5 * time.Second,
			Workers:      8,
			QueueSize:    256,
			CostInterval: time.Minute,
		},
		Jobs: JobsConfig{
			PendingBackoff: time.Minute,
			MaxOffersTried: 15,
		},
		Offers: OffersConfig{Timeout: 30 * time.Second, CacheTTL: time.Minute},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path uses the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.Type = getEnv("STORE", c.Store.Type)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate checks the configuration for values the server cannot start with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store: database_url is required for postgres")
		}
	default:
		return fmt.Errorf("store: unknown type %q", c.Store.Type)
	}
	if c.Server.Port == "" {
		return errors.New("server: port is required")
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler: tick_interval must be positive")
	}
	if c.Scheduler.Workers < 1 {
		return errors.New("scheduler: workers must be at least 1")
	}
	if c.Scheduler.QueueSize < 1 {
		return errors.New("scheduler: queue_size must be at least 1")
	}
	if c.Jobs.PendingBackoff < 0 || c.Jobs.ProvisioningTimeout < 0 {
		return errors.New("jobs: durations must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
