package goble

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blesched/internal/radio"
)

// CoreBluetooth reports its manager state as "have=N"
var managerState = regexp.MustCompile(`have=(\d+)`)

// NormalizeError maps known go-ble error strings to structured radio errors.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	if m := managerState.FindStringSubmatch(msg); m != nil && strings.Contains(msg, "invalid state") {
		n, _ := strconv.Atoi(m[1])
		return &radio.RadioUnavailableError{State: adapterState(n), Err: err}
	}
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return &radio.RadioUnavailableError{State: radio.StateOff, Err: err}
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", radio.ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	default:
		return err
	}
}

// adapterState maps a CBManagerState value
func adapterState(n int) radio.AdapterState {
	switch n {
	case 1:
		return radio.StateTransitioning
	case 2:
		return radio.StateUnsupported
	case 3:
		return radio.StateUnauthorized
	case 4:
		return radio.StateOff
	case 5:
		return radio.StateOn
	default:
		return radio.StateUnknown
	}
}

// statusOf converts a go-ble completion error into a driver status
func statusOf(err error) radio.Status {
	if err == nil {
		return radio.StatusSuccess
	}
	var att ble.ATTError
	if errors.As(err, &att) {
		return radio.Status(att)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return radio.StatusConnectionTimeout
	}
	return radio.StatusFailure
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
