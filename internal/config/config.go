// Package config loads engine configuration from a YAML file with
// environment variable overrides. Secrets live in env vars (or a local
// .env during development), never in the YAML file itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Gmail    GmailConfig    `yaml:"gmail"`
	SES      SESConfig      `yaml:"ses"`
	Tracking TrackingConfig `yaml:"tracking"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, honoring container environments.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for the quota ledger,
// circuit breaker, and distributed locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ConsumerTuning sizes one job category's worker pool.
type ConsumerTuning struct {
	Concurrency   int     `yaml:"concurrency"`
	BatchSize     int     `yaml:"batch_size"`
	PollSeconds   int     `yaml:"poll_seconds"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// PollInterval returns the poll interval as a duration.
func (c ConsumerTuning) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// QueueConfig tunes the per-category consumer pools.
type QueueConfig struct {
	Prepare ConsumerTuning `yaml:"prepare"`
	Send    ConsumerTuning `yaml:"send"`
	Scan    ConsumerTuning `yaml:"scan"`

	MaxAttempts int `yaml:"max_attempts"`
}

// BreakerConfig tunes the per-sender circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// Cooldown returns the open-state cooldown as a duration.
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// ScheduleConfig tunes the quota-aware scheduler.
type ScheduleConfig struct {
	HorizonDays           int `yaml:"horizon_days"`
	DefaultPacingMinutes  int `yaml:"default_pacing_minutes"`
	ActivationPollSeconds int `yaml:"activation_poll_seconds"`
}

// ActivationPoll returns the activation poll interval as a duration.
func (c ScheduleConfig) ActivationPoll() time.Duration {
	return time.Duration(c.ActivationPollSeconds) * time.Second
}

// GmailConfig holds the OAuth client used for per-sender Gmail access.
type GmailConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the API timeout as a duration.
func (c GmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES settings for senders routed through SES.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the API timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrackingConfig holds open/click tracking settings. Secret signs
// tracking URLs so delivery IDs cannot be forged.
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
	Enabled bool   `yaml:"enabled"`
}

// NotifyConfig holds the campaign completion webhook.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LoggingConfig controls log level and PII redaction.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// RedactEnabled defaults to true when unset.
func (c LoggingConfig) RedactEnabled() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	defTuning := func(t *ConsumerTuning, conc, batch int, rate float64) {
		if t.Concurrency == 0 {
			t.Concurrency = conc
		}
		if t.BatchSize == 0 {
			t.BatchSize = batch
		}
		if t.PollSeconds == 0 {
			t.PollSeconds = 1
		}
		if t.RatePerSecond == 0 {
			t.RatePerSecond = rate
		}
	}
	defTuning(&cfg.Queue.Prepare, 2, 5, 0)
	defTuning(&cfg.Queue.Send, 8, 20, 10)
	defTuning(&cfg.Queue.Scan, 2, 5, 0)
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.CooldownSeconds == 0 {
		cfg.Breaker.CooldownSeconds = 900
	}

	if cfg.Schedule.HorizonDays == 0 {
		cfg.Schedule.HorizonDays = 30
	}
	if cfg.Schedule.DefaultPacingMinutes == 0 {
		cfg.Schedule.DefaultPacingMinutes = 2
	}
	if cfg.Schedule.ActivationPollSeconds == 0 {
		cfg.Schedule.ActivationPollSeconds = 15
	}

	if cfg.Gmail.TimeoutSeconds == 0 {
		cfg.Gmail.TimeoutSeconds = 30
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Notify.TimeoutSeconds == 0 {
		cfg.Notify.TimeoutSeconds = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
}

// Validate checks the settings a running engine cannot do without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Tracking.Enabled && c.Tracking.Secret == "" {
		return fmt.Errorf("tracking.secret is required when tracking is enabled")
	}
	if c.Tracking.Enabled && c.Tracking.BaseURL == "" {
		return fmt.Errorf("tracking.base_url is required when tracking is enabled")
	}
	if c.SES.Enabled && c.SES.AccessKey == "" && os.Getenv("AWS_EXECUTION_ENV") == "" {
		return fmt.Errorf("ses.access_key is required when ses is enabled outside AWS")
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is read first when present, so secrets can live there
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Gmail.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Gmail.ClientSecret = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
