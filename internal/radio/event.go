package radio

import (
	"time"

	"github.com/go-ble/ble"
)

// Event is a completion or notification delivered by the driver.
// The concrete types below form a closed set.
type Event interface {
	event()
}

// ConnState is the link state reported by ConnectionStateChanged
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Advertisement is a received advertising report
type Advertisement struct {
	Addr      ble.Addr
	Name      string
	RSSI      int
	TxPower   int
	Services  []ble.UUID
	Payload   []byte
	Timestamp time.Time
}

// ScanFailed reports a driver-level scan failure. The scan session is over.
type ScanFailed struct {
	Err error
}

// ConnectionStateChanged reports a link state transition for a handle.
type ConnectionStateChanged struct {
	GATT   GATT
	State  ConnState
	Status Status
}

type ServicesDiscovered struct {
	GATT     GATT
	Services []*ble.Service
	Status   Status
}

type CharacteristicsDiscovered struct {
	GATT            GATT
	Service         *ble.Service
	Characteristics []*ble.Characteristic
	Status          Status
}

type CharacteristicRead struct {
	GATT           GATT
	Characteristic *ble.Characteristic
	Value          []byte
	Status         Status
}

type CharacteristicWritten struct {
	GATT           GATT
	Characteristic *ble.Characteristic
	Status         Status
}

// NotifyChanged completes a SetNotify request
type NotifyChanged struct {
	GATT           GATT
	Characteristic *ble.Characteristic
	Enabled        bool
	Status         Status
}

type MTUChanged struct {
	GATT   GATT
	MTU    int
	Status Status
}

// CharacteristicChanged carries a notification or indication value
type CharacteristicChanged struct {
	GATT           GATT
	Characteristic *ble.Characteristic
	Value          []byte
}

func (Advertisement) event()             {}
func (ScanFailed) event()                {}
func (ConnectionStateChanged) event()    {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (CharacteristicRead) event()        {}
func (CharacteristicWritten) event()     {}
func (NotifyChanged) event()             {}
func (MTUChanged) event()                {}
func (CharacteristicChanged) event()     {}

// HasService reports whether the advertisement lists any of the given services
func (a Advertisement) HasService(services []ble.UUID) bool {
	for _, s := range services {
		if ContainsUUID(a.Services, s) {
			return true
		}
	}
	return false
}

// ContainsUUID reports whether set holds u. An empty set holds nothing.
func ContainsUUID(set []ble.UUID, u ble.UUID) bool {
	for _, v := range set {
		if v.Equal(u) {
			return true
		}
	}
	return false
}
