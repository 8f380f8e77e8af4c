package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.StopDelay)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.ContinuousScan)
	assert.Equal(t, time.Second, cfg.Scheduler.ScanInterruption)
	assert.Equal(t, 200*time.Millisecond, cfg.Scheduler.AttemptSettle)
	assert.Equal(t, 64, cfg.Scheduler.MailboxSize)
	assert.Equal(t, 60*time.Second, cfg.Connect.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.Connect.OperationTimeout)
	assert.Equal(t, 128, cfg.Scan.SubscriberBuffer)
	assert.Equal(t, uint32(256), cfg.Trace.BufferSize)
	assert.Equal(t, 4096, cfg.Notification.BufferSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blesched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
scheduler:
  stop_delay: 50ms
  continuous_scan: 30s
connect:
  default_timeout: 15s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.StopDelay)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ContinuousScan)
	assert.Equal(t, 15*time.Second, cfg.Connect.DefaultTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.ScanInterruption, "unset keys MUST keep their default")

	opts := cfg.SchedulerOptions()
	assert.Equal(t, 50*time.Millisecond, opts.StopDelay)
	assert.Equal(t, 64, opts.MailboxSize)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err, "missing file MUST fail")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scheduler: [not, a, map]"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err, "malformed YAML MUST fail")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("scheduler:\n  mailbox_size: 0\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "mailbox_size")

	cfg, err := Load("")
	require.NoError(t, err, "empty path MUST yield defaults")
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
