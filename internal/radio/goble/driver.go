// Package goble implements radio.Driver on top of github.com/go-ble/ble.
//
// go-ble exposes blocking calls. The driver turns each of them into a
// fire-and-forget request whose outcome is delivered as a radio.Event.
package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesched/internal/groutine"
	"github.com/srg/blesched/internal/radio"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// stopScanGrace bounds how long StopScan waits for go-ble to wind the scan down
const stopScanGrace = 2 * time.Second

var _ radio.Driver = (*Driver)(nil)

// Driver is a radio.Driver backed by a go-ble device
type Driver struct {
	dev    ble.Device
	logger *logrus.Logger
	state  atomic.Int32

	mu          sync.Mutex
	scanHandler radio.Handler
	scanCancel  context.CancelFunc
	scanDone    chan struct{}
}

// New opens the platform device. An adapter that cannot be used is reported
// as a radio.RadioUnavailableError.
func New(logger *logrus.Logger) (*Driver, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		logger.WithError(err).Error("Failed to create BLE device")
		err = NormalizeError(err)
		var unavailable *radio.RadioUnavailableError
		if !errors.As(err, &unavailable) {
			err = &radio.RadioUnavailableError{State: radio.StateUnknown, Err: err}
		}
		return nil, err
	}

	d := &Driver{dev: dev, logger: logger}
	d.state.Store(int32(radio.StateOn))
	return d, nil
}

// State reports the adapter state last observed by the driver
func (d *Driver) State() radio.AdapterState {
	return radio.AdapterState(d.state.Load())
}

func (d *Driver) SetScanHandler(h radio.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanHandler = h
}

// StartScan starts a duplicate-reporting scan. go-ble has no native service
// filter, so advertisements are matched against filters before delivery.
func (d *Driver) StartScan(filters []ble.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanCancel != nil {
		return errors.New("scan already in progress")
	}
	handler := d.scanHandler
	if handler == nil {
		return errors.New("no scan handler installed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.scanCancel, d.scanDone = cancel, done

	d.logger.WithField("services", filters).Debug("go-ble scan starting")
	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		defer close(done)
		err := d.dev.Scan(ctx, true, func(a ble.Advertisement) {
			adv := convertAdvertisement(a)
			if filters != nil && !adv.HasService(filters) {
				return
			}
			handler(adv)
		})
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}

		err = NormalizeError(err)
		var unavailable *radio.RadioUnavailableError
		if errors.As(err, &unavailable) {
			d.state.Store(int32(unavailable.State))
		}
		d.logger.WithError(err).Warn("go-ble scan failed")
		d.mu.Lock()
		if d.scanDone == done {
			d.scanCancel, d.scanDone = nil, nil
		}
		d.mu.Unlock()
		handler(radio.ScanFailed{Err: err})
	})
	return nil
}

// StopScan stops the scan and waits briefly for go-ble to release the radio
func (d *Driver) StopScan() error {
	d.mu.Lock()
	cancel, done := d.scanCancel, d.scanDone
	d.scanCancel, d.scanDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(stopScanGrace):
		return errors.New("timed out waiting for scan to stop")
	}
}

// Connect allocates a handle and starts dialing addr in the background
func (d *Driver) Connect(addr ble.Addr, h radio.Handler) (radio.GATT, error) {
	if h == nil {
		return nil, errors.New("connect requires an event handler")
	}
	if st := d.State(); st != radio.StateOn {
		return nil, &radio.RadioUnavailableError{State: st}
	}
	g := newGATT(d, addr, h)
	g.dial()
	return g, nil
}

func convertAdvertisement(a ble.Advertisement) radio.Advertisement {
	services := append([]ble.UUID(nil), a.Services()...)
	services = append(services, a.OverflowService()...)
	for _, sd := range a.ServiceData() {
		if !radio.ContainsUUID(services, sd.UUID) {
			services = append(services, sd.UUID)
		}
	}
	return radio.Advertisement{
		Addr:      a.Addr(),
		Name:      a.LocalName(),
		RSSI:      a.RSSI(),
		TxPower:   a.TxPowerLevel(),
		Services:  services,
		Payload:   a.ManufacturerData(),
		Timestamp: time.Now(),
	}
}
