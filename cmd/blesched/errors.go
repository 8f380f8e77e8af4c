package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesched/pkg/central"
)

// Command-level errors
var (
	// ErrNotConnectable means every connection attempt of a pattern passed
	// without the peripheral accepting.
	ErrNotConnectable = errors.New("peripheral was not connectable")
)

// FormatUserError turns an error chain into a one-line message with a hint
// where the cause is actionable.
func FormatUserError(err error) string {
	var unavailable *central.RadioUnavailableError
	var timeout *central.TimeoutError

	switch {
	case errors.As(err, &unavailable):
		return fmt.Sprintf("%s; check that Bluetooth is enabled and this program may use it", err)
	case errors.As(err, &timeout):
		return fmt.Sprintf("%s; make sure the peripheral is advertising and in range", err)
	case errors.Is(err, central.ErrConnectionLost):
		return fmt.Sprintf("%s; the peripheral went away", err)
	case errors.Is(err, central.ErrNotFound):
		return fmt.Sprintf("%s; use 'blesched connect' to list services and characteristics", err)
	default:
		return err.Error()
	}
}
