// Package config loads the engine settings from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string `yaml:"log_level"    validate:"omitempty,oneof=debug info warn error"`
	Port        int    `yaml:"port"         validate:"min=1,max=65535"`
	DatabaseURL string `yaml:"database_url" validate:"required"`

	EventBus struct {
		Type    string   `yaml:"type"    validate:"oneof=gochannel kafka"`
		Brokers []string `yaml:"brokers" validate:"required_if=Type kafka"`
	} `yaml:"event_bus"`

	Trigger struct {
		// Combine applies to tasks with both clauses and no combine mode of their own.
		Combine models.CombineMode `yaml:"combine" validate:"oneof=any all"`
	} `yaml:"trigger"`

	Checkpoint struct {
		Keep int `yaml:"keep" validate:"min=1"`
	} `yaml:"checkpoint"`

	Lock struct {
		TTL time.Duration `yaml:"ttl" validate:"gt=0"`
		// RedisURL switches to the Redis locker when set.
		RedisURL string `yaml:"redis_url" validate:"omitempty,url"`
	} `yaml:"lock"`

	Engine struct {
		// URL of the execution engine; empty runs with a logging engine.
		URL     string        `yaml:"url"     validate:"omitempty,url"`
		Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	} `yaml:"engine"`

	Webhook struct {
		Timeout    time.Duration `yaml:"timeout"     validate:"gt=0"`
		Retries    int           `yaml:"retries"     validate:"min=0,max=10"`
		RetryDelay time.Duration `yaml:"retry_delay" validate:"min=0"`
	} `yaml:"webhook"`

	Scheduler struct {
		Spec      string        `yaml:"spec"`
		DueWindow time.Duration `yaml:"due_window" validate:"gt=0"`
	} `yaml:"scheduler"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()

	return c
}

// Load reads path, applies defaults and validates the result. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	c.ApplyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Port == 0 {
		c.Port = 9091
	}

	if c.DatabaseURL == "" {
		c.DatabaseURL = "file://./data"
	}

	if c.EventBus.Type == "" {
		c.EventBus.Type = "gochannel"
	}

	if c.Trigger.Combine == "" {
		c.Trigger.Combine = models.CombineAny
	}

	if c.Checkpoint.Keep == 0 {
		c.Checkpoint.Keep = 5
	}

	if c.Lock.TTL == 0 {
		c.Lock.TTL = 30 * time.Minute
	}

	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = 10 * time.Second
	}

	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 10 * time.Second
	}

	if c.Webhook.Retries == 0 {
		c.Webhook.Retries = 3
	}

	if c.Webhook.RetryDelay == 0 {
		c.Webhook.RetryDelay = time.Second
	}

	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "@every 1m"
	}

	if c.Scheduler.DueWindow == 0 {
		c.Scheduler.DueWindow = 24 * time.Hour
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "taskflow"
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
