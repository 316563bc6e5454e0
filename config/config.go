// Package config loads the worker configuration from the environment and an
// optional YAML file.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL string `mapstructure:"database_url"`

	// Queue
	RedisURL          string `mapstructure:"redis_url"`
	QueueName         string `mapstructure:"queue_name"`
	JobMaxAttempts    int    `mapstructure:"job_max_attempts"`
	JobRetryBackoffMs int    `mapstructure:"job_retry_backoff_ms"`

	// Scheduler
	SchedulerPollIntervalMs int `mapstructure:"scheduler_poll_interval_ms"`
	SchedulerToleranceMs    int `mapstructure:"scheduler_tolerance_ms"`

	// Executor
	WorkerConcurrency int `mapstructure:"worker_concurrency"`
	RunTimeoutMs      int `mapstructure:"run_timeout_ms"`
	MaxLinksToCheck   int `mapstructure:"max_links_to_check"`
	LinkCheckRPS      int `mapstructure:"link_check_rps"`

	// Reconciler
	ReconcileIntervalMs int `mapstructure:"reconcile_interval_ms"`
	StaleRunMarginMs    int `mapstructure:"stale_run_margin_ms"`

	// Browser
	ChromePath      string `mapstructure:"chrome_path"`
	BrowserHeadless bool   `mapstructure:"browser_headless"`
	ViewportWidth   int    `mapstructure:"viewport_width"`
	ViewportHeight  int    `mapstructure:"viewport_height"`
	UserAgent       string `mapstructure:"user_agent"`

	// Artifacts
	ArtifactStore     string `mapstructure:"artifact_store"`
	ArtifactDir       string `mapstructure:"artifact_dir"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3Region          string `mapstructure:"s3_region"`
	S3Bucket          string `mapstructure:"s3_bucket"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3URLTTLHours     int    `mapstructure:"s3_url_ttl_hours"`

	// Notifications
	SMTPHost        string `mapstructure:"smtp_host"`
	SMTPPort        int    `mapstructure:"smtp_port"`
	SMTPUser        string `mapstructure:"smtp_user"`
	SMTPPassword    string `mapstructure:"smtp_password"`
	SMTPFrom        string `mapstructure:"smtp_from"`
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	AppURL          string `mapstructure:"app_url"`

	// Server
	ServerPort string `mapstructure:"server_port"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "postgres://localhost/qa_playwright?sslmode=disable")

	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue_name", "scenarios")
	v.SetDefault("job_max_attempts", 3)
	v.SetDefault("job_retry_backoff_ms", 5000)

	v.SetDefault("scheduler_poll_interval_ms", 30000)
	v.SetDefault("scheduler_tolerance_ms", 0) // 0 means the poll interval

	v.SetDefault("worker_concurrency", 2)
	v.SetDefault("run_timeout_ms", 60000)
	v.SetDefault("max_links_to_check", 50)
	v.SetDefault("link_check_rps", 5)

	v.SetDefault("reconcile_interval_ms", 60000)
	v.SetDefault("stale_run_margin_ms", 120000)

	v.SetDefault("chrome_path", "")
	v.SetDefault("browser_headless", true)
	v.SetDefault("viewport_width", 1280)
	v.SetDefault("viewport_height", 720)
	v.SetDefault("user_agent", "QA Playwright Monitor/1.0")

	v.SetDefault("artifact_store", "s3")
	v.SetDefault("artifact_dir", "./artifacts")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_bucket", "qa-artifacts")
	v.SetDefault("s3_access_key_id", "")
	v.SetDefault("s3_secret_access_key", "")
	v.SetDefault("s3_url_ttl_hours", 168)

	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_user", "")
	v.SetDefault("smtp_password", "")
	v.SetDefault("smtp_from", "")
	v.SetDefault("slack_webhook_url", "")
	v.SetDefault("app_url", "http://localhost:3000")

	v.SetDefault("server_port", "8080")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Load reads configuration from the environment, on top of the YAML file at
// path when path is not empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.AutomaticEnv()
	if err := v.BindEnv("run_timeout_ms", "RUN_TIMEOUT_MS", "PLAYWRIGHT_TIMEOUT_MS"); err != nil {
		return nil, errors.Wrap(err, "bind run timeout")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.ArtifactStore = strings.ToLower(strings.TrimSpace(cfg.ArtifactStore))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the components rely on
func (c *Config) Validate() error {
	switch {
	case c.WorkerConcurrency < 1:
		return errors.Newf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	case c.SchedulerPollIntervalMs <= 0:
		return errors.Newf("SCHEDULER_POLL_INTERVAL_MS must be positive, got %d", c.SchedulerPollIntervalMs)
	case c.SchedulerToleranceMs != 0 && c.SchedulerToleranceMs < c.SchedulerPollIntervalMs:
		return errors.WithHint(
			errors.Newf("SCHEDULER_TOLERANCE_MS (%d) is below the poll interval (%d)", c.SchedulerToleranceMs, c.SchedulerPollIntervalMs),
			"firings between two ticks would be missed; leave it unset to use the poll interval",
		)
	case c.RunTimeoutMs <= 0:
		return errors.Newf("RUN_TIMEOUT_MS must be positive, got %d", c.RunTimeoutMs)
	case c.MaxLinksToCheck < 0:
		return errors.Newf("MAX_LINKS_TO_CHECK must not be negative, got %d", c.MaxLinksToCheck)
	case c.JobMaxAttempts < 1:
		return errors.Newf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.JobMaxAttempts)
	case c.ArtifactStore != "s3" && c.ArtifactStore != "local":
		return errors.Newf("ARTIFACT_STORE must be s3 or local, got %q", c.ArtifactStore)
	case c.ArtifactStore == "s3" && c.S3Bucket == "":
		return errors.New("S3_BUCKET is required when ARTIFACT_STORE=s3")
	}
	return nil
}

// PollInterval is the scheduler tick period
func (c *Config) PollInterval() time.Duration {
	return ms(c.SchedulerPollIntervalMs)
}

// Tolerance is the scheduler due window
func (c *Config) Tolerance() time.Duration {
	if c.SchedulerToleranceMs == 0 {
		return c.PollInterval()
	}
	return ms(c.SchedulerToleranceMs)
}

// RunTimeout is the hard limit on one script execution
func (c *Config) RunTimeout() time.Duration {
	return ms(c.RunTimeoutMs)
}

// RetryBackoff is the base delay between job attempts
func (c *Config) RetryBackoff() time.Duration {
	return ms(c.JobRetryBackoffMs)
}

// ReconcileInterval is the period of the stale run sweep
func (c *Config) ReconcileInterval() time.Duration {
	return ms(c.ReconcileIntervalMs)
}

// StaleRunMargin is how long past its timeout a run may stay running
func (c *Config) StaleRunMargin() time.Duration {
	return ms(c.StaleRunMarginMs)
}

// S3URLTTL is the lifetime of presigned artifact links
func (c *Config) S3URLTTL() time.Duration {
	return time.Duration(c.S3URLTTLHours) * time.Hour
}

// InMemoryQueue reports whether the in-process queue was selected
func (c *Config) InMemoryQueue() bool {
	return strings.HasPrefix(c.RedisURL, "memory://")
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
