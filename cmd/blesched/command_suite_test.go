package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blesched/internal/radio"
	"github.com/srg/blesched/internal/testutils"
)

// Test device addresses for consistent fake peripheral identification
const (
	TestDeviceAddress1 = "aa:bb:cc:dd:ee:01"
	TestDeviceAddress2 = "aa:bb:cc:dd:ee:02"
)

// fastConfig keeps scheduler delays short so commands finish quickly
const fastConfig = `
scheduler:
  stop_delay: 10ms
  continuous_scan: 2s
  scan_interruption: 50ms
  attempt_settle: 5ms
connect:
  default_timeout: 1s
  operation_timeout: 2s
`

// CommandTestSuite runs commands against a FakeRadio injected through driverFactory.
// All cmd/blesched test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	Helper *testutils.TestHelper
	Radio  *testutils.FakeRadio

	configPath      string
	originalFactory func(*logrus.Logger) (radio.Driver, error)
}

// CommandResult is the outcome of one command execution
type CommandResult struct {
	Stdout string
	Stderr string
	Err    error
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.configPath = filepath.Join(s.T().TempDir(), "blesched.yaml")
	s.Require().NoError(os.WriteFile(s.configPath, []byte(fastConfig), 0o600), "config fixture MUST be written")

	s.originalFactory = driverFactory
	driverFactory = func(*logrus.Logger) (radio.Driver, error) {
		if s.Radio == nil {
			return nil, errors.New("no fake radio: call WithPeripherals first")
		}
		return s.Radio, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	driverFactory = s.originalFactory
	s.Radio = nil
}

// WithPeripherals creates the fake radio the next command will use
func (s *CommandTestSuite) WithPeripherals(peripherals ...*testutils.FakePeripheral) *testutils.FakeRadio {
	s.Radio = s.Helper.Radio(peripherals...)
	return s.Radio
}

// Execute runs the blesched command line with args and the fast test configuration
func (s *CommandTestSuite) Execute(args ...string) CommandResult {
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(args, "--config", s.configPath))
	err := root.Execute()
	return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

// Start runs Execute in the background. The result is delivered once the command returns.
func (s *CommandTestSuite) Start(args ...string) <-chan CommandResult {
	done := make(chan CommandResult, 1)
	go func() { done <- s.Execute(args...) }()
	return done
}

// Wait returns the result of a command started with Start
func (s *CommandTestSuite) Wait(done <-chan CommandResult, timeout time.Duration) CommandResult {
	select {
	case res := <-done:
		return res
	case <-time.After(timeout):
		s.FailNow("command MUST finish", "still running after %s", timeout)
		return CommandResult{}
	}
}

// heartRateMonitor is a connectable peripheral advertising the Heart Rate service
func heartRateMonitor() *testutils.FakePeripheral {
	return testutils.NewFakePeripheral(TestDeviceAddress1).
		WithName("Polar H10").
		Advertising("180d").
		WithService("180d").
		WithCharacteristic("2a37", "read,notify", []byte{0x06, 0x48}).
		WithCharacteristic("2a38", "read", []byte{0x01})
}

// batteryTag is a connectable peripheral advertising the Battery service
func batteryTag() *testutils.FakePeripheral {
	return testutils.NewFakePeripheral(TestDeviceAddress2).
		WithName("Tag").
		Advertising("180f").
		WithService("180f").
		WithCharacteristic("2a19", "read", []byte{0x64})
}
