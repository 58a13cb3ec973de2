// Package config loads quoteflow service configuration from YAML or
// JSON files. Durations are written as Go duration strings ("30s",
// "2m") and validated at load time.
package config

import (
	"fmt"
	"time"

	"github.com/quoteflow/quoteflow/retry"
)

// Config is the root service configuration.
type Config struct {
	Log        Log        `yaml:"log,omitempty" json:"log,omitempty"`
	Store      StoreConf  `yaml:"store,omitempty" json:"store,omitempty"`
	Dispatcher Dispatcher `yaml:"dispatcher,omitempty" json:"dispatcher,omitempty"`
	Engine     EngineConf `yaml:"engine,omitempty" json:"engine,omitempty"`
}

// Log configures the structured logger.
type Log struct {
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
}

// StoreConf selects and configures the persistence backend.
type StoreConf struct {
	// Driver is "sqlite" or "memory". Defaults to sqlite.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`

	// Path is the SQLite database file. Ignored for memory.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Dispatcher configures the stage job queues.
type Dispatcher struct {
	BufferSize  int    `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BaseWait    string `yaml:"base_wait,omitempty" json:"base_wait,omitempty"`
	MaxWait     string `yaml:"max_wait,omitempty" json:"max_wait,omitempty"`
}

// EngineConf configures the orchestrator.
type EngineConf struct {
	Concurrency  int    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	StageTimeout string `yaml:"stage_timeout,omitempty" json:"stage_timeout,omitempty"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Log:   Log{Level: "info"},
		Store: StoreConf{Driver: "sqlite", Path: "quoteflow.db"},
		Dispatcher: Dispatcher{
			BufferSize:  256,
			MaxAttempts: 3,
			BaseWait:    "1s",
			MaxWait:     "30s",
		},
		Engine: EngineConf{Concurrency: 4},
	}
}

// Validate checks the configuration for malformed values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	if c.Dispatcher.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if c.Engine.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative")
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	if _, err := c.StageTimeout(); err != nil {
		return err
	}
	return nil
}

// RetryPolicy converts the dispatcher settings into a retry policy.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	policy := retry.DefaultPolicy()
	if c.Dispatcher.MaxAttempts > 0 {
		policy.MaxAttempts = c.Dispatcher.MaxAttempts
	}
	if c.Dispatcher.BaseWait != "" {
		wait, err := time.ParseDuration(c.Dispatcher.BaseWait)
		if err != nil {
			return policy, fmt.Errorf("invalid base_wait: %w", err)
		}
		policy.BaseWait = wait
	}
	if c.Dispatcher.MaxWait != "" {
		wait, err := time.ParseDuration(c.Dispatcher.MaxWait)
		if err != nil {
			return policy, fmt.Errorf("invalid max_wait: %w", err)
		}
		policy.MaxWait = wait
	}
	return policy, nil
}

// StageTimeout parses the per-stage execution bound. Zero disables it.
func (c *Config) StageTimeout() (time.Duration, error) {
	if c.Engine.StageTimeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(c.Engine.StageTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid stage_timeout: %w", err)
	}
	return timeout, nil
}
