package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blesched/internal/scheduler"
	"github.com/srg/blesched/internal/trace"
)

// SchedulerConfig tunes scan/connect arbitration
type SchedulerConfig struct {
	StopDelay        time.Duration `yaml:"stop_delay" default:"100ms"`
	ContinuousScan   time.Duration `yaml:"continuous_scan" default:"10s"`
	ScanInterruption time.Duration `yaml:"scan_interruption" default:"1s"`
	AttemptSettle    time.Duration `yaml:"attempt_settle" default:"200ms"`
	MailboxSize      int           `yaml:"mailbox_size" default:"64"`
}

type ConnectConfig struct {
	// DefaultTimeout applies to Connect calls without an explicit timeout
	DefaultTimeout time.Duration `yaml:"default_timeout" default:"60s"`
	// OperationTimeout bounds every GATT operation once it has started
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"30s"`
}

type ScanConfig struct {
	// SubscriberBuffer is the number of advertisements buffered per scan before the oldest is dropped
	SubscriberBuffer int `yaml:"subscriber_buffer" default:"128"`
}

type TraceConfig struct {
	BufferSize uint32 `yaml:"buffer_size" default:"256"`
}

type NotificationConfig struct {
	// BufferSize is the byte capacity of a notification stream
	BufferSize int `yaml:"buffer_size" default:"4096"`
}

// Config holds application configuration
type Config struct {
	LogLevel     logrus.Level       `yaml:"log_level"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Connect      ConnectConfig      `yaml:"connect"`
	Scan         ScanConfig         `yaml:"scan"`
	Trace        TraceConfig        `yaml:"trace"`
	Notification NotificationConfig `yaml:"notification"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep their default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with
func (c *Config) Validate() error {
	switch {
	case c.Scheduler.StopDelay < 0:
		return fmt.Errorf("scheduler.stop_delay must be >= 0")
	case c.Scheduler.ContinuousScan <= 0:
		return fmt.Errorf("scheduler.continuous_scan must be > 0")
	case c.Scheduler.ScanInterruption < 0:
		return fmt.Errorf("scheduler.scan_interruption must be >= 0")
	case c.Scheduler.AttemptSettle < 0:
		return fmt.Errorf("scheduler.attempt_settle must be >= 0")
	case c.Scheduler.MailboxSize <= 0:
		return fmt.Errorf("scheduler.mailbox_size must be > 0")
	case c.Connect.DefaultTimeout <= 0:
		return fmt.Errorf("connect.default_timeout must be > 0")
	case c.Connect.OperationTimeout <= 0:
		return fmt.Errorf("connect.operation_timeout must be > 0")
	case c.Scan.SubscriberBuffer <= 0:
		return fmt.Errorf("scan.subscriber_buffer must be > 0")
	case c.Trace.BufferSize == 0 || c.Trace.BufferSize > trace.MaxBufferSize:
		return fmt.Errorf("trace.buffer_size must be in 1..%d", trace.MaxBufferSize)
	case c.Notification.BufferSize <= 0:
		return fmt.Errorf("notification.buffer_size must be > 0")
	}
	return nil
}

// SchedulerOptions converts the scheduler section
func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		StopDelay:        c.Scheduler.StopDelay,
		ContinuousScan:   c.Scheduler.ContinuousScan,
		ScanInterruption: c.Scheduler.ScanInterruption,
		AttemptSettle:    c.Scheduler.AttemptSettle,
		MailboxSize:      c.Scheduler.MailboxSize,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
