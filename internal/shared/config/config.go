// Package config loads worker and server settings from a YAML file and
// ORCHARD_-prefixed environment variables via viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Worker holds the knobs recognized at worker startup.
type Worker struct {
	DatabaseURL      string        `mapstructure:"database_url"`
	WorkerID         string        `mapstructure:"worker_id"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	PollMinInterval  time.Duration `mapstructure:"poll_min_interval"`
	PollMaxInterval  time.Duration `mapstructure:"poll_max_interval"`
	Concurrency      int           `mapstructure:"concurrency"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	WorkflowDir      string        `mapstructure:"workflow_dir"`
	LogLevel         string        `mapstructure:"log_level"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	MetricsPort      int           `mapstructure:"metrics_port"`
}

// Server holds the knobs recognized at API server startup.
type Server struct {
	DatabaseURL      string        `mapstructure:"database_url"`
	ListenAddr       string        `mapstructure:"listen_addr"`
	MaxRetries       int           `mapstructure:"max_retries"`
	LogLevel         string        `mapstructure:"log_level"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	StatusCacheSize  int           `mapstructure:"status_cache_size"`
	ArchiveAfter     time.Duration `mapstructure:"archive_after"`
	ArchiveSchedule  string        `mapstructure:"archive_schedule"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	WorkflowDir      string        `mapstructure:"workflow_dir"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCHARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// DefaultWorkerID returns the advisory identity stamped into locked_by.
func DefaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// LoadWorker reads worker configuration, applying the documented defaults.
func LoadWorker(path string) (Worker, error) {
	v, err := newViper(path)
	if err != nil {
		return Worker{}, err
	}

	v.SetDefault("worker_id", DefaultWorkerID())
	v.SetDefault("lease_duration", "300s")
	v.SetDefault("recovery_interval", "30s")
	v.SetDefault("poll_min_interval", "200ms")
	v.SetDefault("poll_max_interval", "10s")
	v.SetDefault("concurrency", 2)
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("workflow_dir", "workflows")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9464)

	var cfg Worker
	if err := v.Unmarshal(&cfg); err != nil {
		return Worker{}, fmt.Errorf("unmarshal worker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Worker{}, err
	}
	return cfg, nil
}

// Validate rejects values the lease protocol cannot operate with.
func (c Worker) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive, got %s", c.LeaseDuration)
	}
	if c.PollMinInterval <= 0 || c.PollMaxInterval < c.PollMinInterval {
		return fmt.Errorf("poll interval bounds invalid: min=%s max=%s", c.PollMinInterval, c.PollMaxInterval)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// LoadServer reads API server configuration, applying defaults.
func LoadServer(path string) (Server, error) {
	v, err := newViper(path)
	if err != nil {
		return Server{}, err
	}

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("max_retries", 3)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9464)
	v.SetDefault("status_cache_size", 1024)
	v.SetDefault("archive_after", "720h")
	v.SetDefault("archive_schedule", "0 3 * * *")
	v.SetDefault("workflow_dir", "workflows")
	v.SetDefault("shutdown_timeout", "30s")

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return Server{}, fmt.Errorf("unmarshal server config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return Server{}, fmt.Errorf("database_url is required")
	}
	return cfg, nil
}
