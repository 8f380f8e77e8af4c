//go:build !darwin && !linux

package goble

import (
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/blesched/internal/radio"
)

func newDevice() (ble.Device, error) {
	return nil, &radio.RadioUnavailableError{State: radio.StateUnsupported, Err: errUnsupportedOS(runtime.GOOS)}
}

type errUnsupportedOS string

func (e errUnsupportedOS) Error() string {
	return "no bluetooth driver for " + string(e)
}
