package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blemgr/internal/task"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	// Adapter is the HCI controller used for power and bonding control on Linux.
	Adapter string `yaml:"adapter" default:"hci0"`

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Scan        ScanConfig        `yaml:"scan"`
	Bonding     BondingConfig     `yaml:"bonding"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Callbacks   CallbacksConfig   `yaml:"callbacks"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// SchedulerConfig tunes the task queue.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" default:"50ms"`
	// ArmDwell of zero keeps a task ARMED for exactly one tick.
	ArmDwell       time.Duration `yaml:"arm_dwell" default:"0s"`
	DefaultTimeout time.Duration `yaml:"default_timeout" default:"12500ms"`
	// Timeouts is keyed by task kind name (e.g. "bond", "read"). A negative
	// value disables the timeout; zero is rejected.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
	// Priorities is keyed by task kind name, valued by priority name.
	Priorities     map[string]string `yaml:"priorities"`
	PerDeviceLanes bool              `yaml:"per_device_lanes" default:"false"`
	HistorySize    uint32            `yaml:"history_size" default:"256"`
}

// ScanConfig bounds how long scans hold the queue.
type ScanConfig struct {
	// MinScanTime is how long a scan runs before higher priority work may preempt it.
	MinScanTime time.Duration `yaml:"min_scan_time" default:"500ms"`
	// IdealMinScanTime is how long an open-ended scan runs before yielding
	// voluntarily to waiting work.
	IdealMinScanTime time.Duration `yaml:"ideal_min_scan_time" default:"5s"`
}

type BondingConfig struct {
	AlwaysBondOnConnect bool `yaml:"always_bond_on_connect" default:"false"`
	RetryLimit          int  `yaml:"retry_limit" default:"2"`
}

type ReconnectConfig struct {
	OnRediscovery bool `yaml:"on_rediscovery" default:"true"`
}

type CallbacksConfig struct {
	// PostToMain marshals listener delivery onto the dispatch loop.
	PostToMain bool `yaml:"post_to_main" default:"true"`
}

type DiagnosticsConfig struct {
	UhOhThrottle  time.Duration `yaml:"uhoh_throttle" default:"30s"`
	PanicOnAssert bool          `yaml:"panic_on_assert" default:"false"`
}

type PersistenceConfig struct {
	Database DatabaseConfig `yaml:"database"`
	// WriteThrough makes cache saves hit the disk unless a caller opts out.
	WriteThrough bool `yaml:"write_through" default:"true"`
}

type DatabaseConfig struct {
	// Path of the SQLite file. Empty keeps the caches in memory.
	Path        string `yaml:"path" default:""`
	WALMode     bool   `yaml:"wal_mode" default:"true"`
	BusyTimeout int    `yaml:"busy_timeout" default:"5"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" default:"false"`
	Broker      string `yaml:"broker" default:"tcp://localhost:1883"`
	ClientID    string `yaml:"client_id" default:"blemgr"`
	TopicPrefix string `yaml:"topic_prefix" default:"blemgr"`
	QoS         byte   `yaml:"qos" default:"1"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The loading order is:
//  1. Default values (struct tags)
//  2. YAML file values, when path is not empty
//  3. Environment variables BLEMGR_LOG_LEVEL, BLEMGR_DATABASE_PATH, BLEMGR_MQTT_BROKER
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLEMGR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BLEMGR_DATABASE_PATH"); v != "" {
		cfg.Persistence.Database.Path = v
	}
	if v := os.Getenv("BLEMGR_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.ArmDwell < 0 {
		errs = append(errs, errors.New("scheduler.arm_dwell must not be negative"))
	}
	if c.Scan.MinScanTime < 0 || c.Scan.IdealMinScanTime < c.Scan.MinScanTime {
		errs = append(errs, errors.New("scan.ideal_min_scan_time must be at least scan.min_scan_time"))
	}
	if c.Bonding.RetryLimit < 0 {
		errs = append(errs, errors.New("bonding.retry_limit must not be negative"))
	}
	if _, err := c.TaskTimeouts(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TaskPriorities(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.Enabled && c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// TaskTimeouts resolves the per-kind timeout overrides.
func (c *Config) TaskTimeouts() (map[task.Kind]time.Duration, error) {
	out := make(map[task.Kind]time.Duration, len(c.Scheduler.Timeouts))
	for name, d := range c.Scheduler.Timeouts {
		k, err := task.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timeouts: %w", err)
		}
		switch {
		case d == 0:
			return nil, fmt.Errorf("scheduler.timeouts.%s: zero timeout, use a negative value to disable it", name)
		case d < 0:
			d = task.Infinite
		}
		out[k] = d
	}
	return out, nil
}

// TaskPriorities resolves the per-kind priority overrides.
func (c *Config) TaskPriorities() (map[task.Kind]task.Priority, error) {
	out := make(map[task.Kind]task.Priority, len(c.Scheduler.Priorities))
	for name, p := range c.Scheduler.Priorities {
		k, err := task.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("scheduler.priorities: %w", err)
		}
		prio, err := task.ParsePriority(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("scheduler.priorities.%s: %w", name, err)
		}
		out[k] = prio
	}
	return out, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
