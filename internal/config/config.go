// Package config loads and validates schedbench configuration via Viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/scrapeloop/schedbench/internal/scheduler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Service ServiceConfig    `mapstructure:"service"`
	Run     RunConfig        `mapstructure:"run"`
	Tiers   []scheduler.Tier `mapstructure:"team_tiers"`
	API     APIConfig        `mapstructure:"api"`
	DB      DBConfig         `mapstructure:"db"`
	Archive ArchiveConfig    `mapstructure:"archive"`
	PubSub  PubSubConfig     `mapstructure:"pubsub"`
	Verbose bool             `mapstructure:"verbose"`
}

// ServiceConfig locates the queue service.
type ServiceConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	JobTimeoutMs   int64  `mapstructure:"job_timeout_ms"`
}

// RunConfig governs the stress run itself.
type RunConfig struct {
	DurationSeconds       int  `mapstructure:"duration_seconds"`
	WorkerConcurrency     int  `mapstructure:"worker_concurrency"`
	JobProcessingDelayMs  int  `mapstructure:"job_processing_delay_ms"`
	MetricsBufferSize     int  `mapstructure:"metrics_buffer_size"`
	ReportIntervalSeconds int  `mapstructure:"report_interval_seconds"`
	CorrectnessChecking   bool `mapstructure:"correctness_checking"`
}

// APIConfig controls the status HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DBConfig controls optional run-summary persistence.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// ArchiveConfig selects where the final report blob is written.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Duration returns the configured run length.
func (c Config) Duration() time.Duration {
	return time.Duration(c.Run.DurationSeconds) * time.Second
}

// JobProcessingDelay returns the simulated per-job processing time.
func (c Config) JobProcessingDelay() time.Duration {
	return time.Duration(c.Run.JobProcessingDelayMs) * time.Millisecond
}

// ReportInterval returns the progress print cadence.
func (c Config) ReportInterval() time.Duration {
	return time.Duration(c.Run.ReportIntervalSeconds) * time.Second
}

// ServiceTimeout returns the per-call HTTP timeout.
func (c Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Service.TimeoutSeconds) * time.Second
}

// Load unmarshals and validates a Config from the given Viper instance.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the reference configuration values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.url", "http://localhost:8090")
	v.SetDefault("service.timeout_seconds", 15)
	v.SetDefault("service.job_timeout_ms", 60_000)
	v.SetDefault("run.duration_seconds", 60)
	v.SetDefault("run.worker_concurrency", 64)
	v.SetDefault("run.job_processing_delay_ms", 5000)
	v.SetDefault("run.metrics_buffer_size", 1000)
	v.SetDefault("run.report_interval_seconds", 5)
	v.SetDefault("run.correctness_checking", true)
	v.SetDefault("team_tiers", []map[string]any{
		{"name": "small", "team_count": 3, "concurrency_limit": 2, "jobs_per_second": 5.0},
		{"name": "large", "team_count": 1, "concurrency_limit": 10, "jobs_per_second": 20.0},
	})
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8091)
	v.SetDefault("db.table", "run_summaries")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.local_dir", "data/reports")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("verbose", false)
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	if c.Service.URL == "" {
		return fmt.Errorf("service.url is required")
	}
	if c.Run.DurationSeconds <= 0 {
		return fmt.Errorf("run.duration_seconds must be positive, got %d", c.Run.DurationSeconds)
	}
	if c.Run.WorkerConcurrency <= 0 {
		return fmt.Errorf("run.worker_concurrency must be positive, got %d", c.Run.WorkerConcurrency)
	}
	if c.Run.JobProcessingDelayMs <= 0 {
		return fmt.Errorf("run.job_processing_delay_ms must be positive, got %d", c.Run.JobProcessingDelayMs)
	}
	if c.Run.MetricsBufferSize <= 0 {
		return fmt.Errorf("run.metrics_buffer_size must be positive, got %d", c.Run.MetricsBufferSize)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one team tier is required")
	}
	for _, tier := range c.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("tier name is required")
		}
		if tier.TeamCount <= 0 {
			return fmt.Errorf("tier %s: team_count must be positive, got %d", tier.Name, tier.TeamCount)
		}
		if tier.ConcurrencyLimit <= 0 {
			return fmt.Errorf("tier %s: concurrency_limit must be positive, got %d", tier.Name, tier.ConcurrencyLimit)
		}
		if tier.JobsPerSecond <= 0 {
			return fmt.Errorf("tier %s: jobs_per_second must be positive, got %v", tier.Name, tier.JobsPerSecond)
		}
	}
	if c.Archive.Provider != "noop" && c.Archive.Provider != "local" && c.Archive.Provider != "gcs" {
		return fmt.Errorf("unknown archive provider: %s", c.Archive.Provider)
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket is required for the gcs provider")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id are required when pubsub is enabled")
	}
	return nil
}
