// Package config loads the immutable runtime configuration for workers and
// the reaper. The struct is built once at process start and passed into
// constructors; nothing reads the environment after that.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "OUTFLOW"

// Config carries every tunable the queue, engine, and reaper recognize.
type Config struct {
	DatabaseURL string `mapstructure:"database_url" validate:"required"`
	EventBus    string `mapstructure:"event_bus"    validate:"oneof=kafka gochannel"`
	// Comma-separated broker list, required when event_bus is kafka.
	KafkaBrokers string `mapstructure:"kafka_brokers" validate:"required_if=EventBus kafka"`
	RedisURL     string `mapstructure:"redis_url"`

	// Lease duration applied by every claim.
	LeaseSeconds int `mapstructure:"lease_seconds" validate:"min=1"`
	// Maximum items handed to a worker per claim call.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`
	// Default outbox attempt budget for enqueued items.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// Minimum time a RUNNING item must be untouched after lease expiry
	// before the reaper reclaims it.
	ReaperStaleThresholdSeconds int `mapstructure:"reaper_stale_threshold_seconds" validate:"min=1"`
	// Delay applied to reaped items before they become claimable again.
	ReaperRetryDelaySeconds int `mapstructure:"reaper_retry_delay_seconds" validate:"min=0"`
	ReaperMaxBatch          int `mapstructure:"reaper_max_batch" validate:"min=1"`

	// Hard per-step execution timeout.
	StepTimeoutSeconds int `mapstructure:"step_timeout_seconds" validate:"min=1"`
	// Per-step retry budget inside one execution.
	StepMaxRetries int `mapstructure:"step_max_retries" validate:"min=0"`

	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds" validate:"min=1"`
	BackoffCapSeconds  int `mapstructure:"backoff_cap_seconds"  validate:"min=1"`

	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"min=1"`

	LogLevel string `mapstructure:"log_level"`
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) ReaperStaleThreshold() time.Duration {
	return time.Duration(c.ReaperStaleThresholdSeconds) * time.Second
}

func (c *Config) ReaperRetryDelay() time.Duration {
	return time.Duration(c.ReaperRetryDelaySeconds) * time.Second
}

// Brokers splits the configured Kafka broker list.
func (c *Config) Brokers() []string {
	return strings.Split(c.KafkaBrokers, ",")
}

// Load reads configuration from OUTFLOW_* environment variables on top of
// the documented defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range []string{
		"database_url",
		"event_bus",
		"kafka_brokers",
		"redis_url",
		"lease_seconds",
		"batch_size",
		"max_attempts",
		"reaper_stale_threshold_seconds",
		"reaper_retry_delay_seconds",
		"reaper_max_batch",
		"step_timeout_seconds",
		"step_max_retries",
		"backoff_base_seconds",
		"backoff_cap_seconds",
		"poll_interval_seconds",
		"log_level",
	} {
		err := v.BindEnv(key)
		if err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := &Config{}

	err := v.Unmarshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("event_bus", "gochannel")
	v.SetDefault("lease_seconds", 300)
	v.SetDefault("batch_size", 10)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("reaper_stale_threshold_seconds", 600)
	v.SetDefault("reaper_retry_delay_seconds", 60)
	v.SetDefault("reaper_max_batch", 100)
	v.SetDefault("step_timeout_seconds", 60)
	v.SetDefault("step_max_retries", 3)
	v.SetDefault("backoff_base_seconds", 30)
	v.SetDefault("backoff_cap_seconds", 3600)
	v.SetDefault("poll_interval_seconds", 5)
	v.SetDefault("log_level", "info")
}
