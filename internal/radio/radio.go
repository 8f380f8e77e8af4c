// Package radio defines the boundary between the connection core and the
// native Bluetooth LE radio driver.
//
// Driver primitives return as soon as the request has been handed to the
// radio. Their outcome is reported later as an Event, delivered on whatever
// goroutine the driver owns. Consumers must never assume callbacks arrive on
// the goroutine that issued the request.
package radio

import (
	"github.com/go-ble/ble"
)

// AdapterState describes the availability of the Bluetooth LE adapter
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateOn
	StateOff
	StateUnsupported
	StateUnauthorized
	StateTransitioning
)

func (s AdapterState) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StateTransitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// Handler receives driver events. It may be invoked concurrently from driver goroutines.
type Handler func(Event)

// Scanner is the scan half of the driver
type Scanner interface {
	// StartScan starts scanning. A nil filter set means all services.
	StartScan(filters []ble.UUID) error
	StopScan() error
}

// Driver is the native radio collaborator consumed by the core.
type Driver interface {
	Scanner

	// State reports the current adapter state.
	State() AdapterState

	// SetScanHandler installs the receiver of Advertisement and ScanFailed events.
	SetScanHandler(h Handler)

	// Connect allocates a native connection handle and starts connecting.
	// Every subsequent event for the handle is delivered to h.
	Connect(addr ble.Addr, h Handler) (GATT, error)
}

// GATT is a native connection handle. Every request returns immediately;
// completion is reported through the Handler passed to Driver.Connect.
type GATT interface {
	Addr() ble.Addr

	// Disconnect requests link termination (or aborts a pending connect).
	Disconnect() error
	// Close releases the native handle. No events are delivered afterwards.
	Close() error

	DiscoverServices() error
	DiscoverCharacteristics(svc *ble.Service) error
	ReadCharacteristic(c *ble.Characteristic) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, withResponse bool) error
	SetNotify(c *ble.Characteristic, enabled bool) error
	RequestMTU(mtu int) error
}
