package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blesched/internal/radio"
	"github.com/srg/blesched/internal/radio/goble"
	"github.com/srg/blesched/pkg/central"
	"github.com/srg/blesched/pkg/config"
)

// driverFactory creates the radio driver (can be overridden in tests)
var driverFactory = func(logger *logrus.Logger) (radio.Driver, error) {
	return goble.New(logger)
}

// session is one adapter opened for the lifetime of a command
type session struct {
	cmd     *cobra.Command
	cfg     *config.Config
	logger  *logrus.Logger
	adapter *central.Adapter
	trace   bool
}

func openSession(cmd *cobra.Command) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	driver, err := driverFactory(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE radio: %w", err)
	}
	adapter, err := central.NewAdapter(driver, cfg, logger)
	if err != nil {
		return nil, err
	}
	adapter.Start(cmd.Context())

	trace, _ := cmd.Flags().GetBool("trace")
	return &session{cmd: cmd, cfg: cfg, logger: logger, adapter: adapter, trace: trace}, nil
}

// Close shuts the adapter down and prints the trace when requested
func (s *session) Close() error {
	err := s.adapter.Close()
	if s.trace {
		w := s.cmd.ErrOrStderr()
		for _, ev := range s.adapter.Trace() {
			fmt.Fprintln(w, ev)
		}
	}
	return err
}

// closeSession folds the Close error into *errp unless an earlier error is already set
func closeSession(s *session, errp *error) {
	if err := s.Close(); err != nil && *errp == nil {
		*errp = err
	}
}

func parseAddress(s string) (ble.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("device address required")
	}
	return ble.NewAddr(s), nil
}

func parseUUID(s string) (ble.UUID, error) {
	u, err := ble.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

func parseUUIDs(list []string) ([]ble.UUID, error) {
	var out []ble.UUID
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		u, err := parseUUID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// isTerminal reports whether w writes to an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
