// Package central is the application-facing BLE central API.
//
// An Adapter owns one radio driver and one scheduler. Scans and connection
// requests from any number of callers are arbitrated by the scheduler so the
// radio is never asked to scan and connect at the same time. Every connection
// runs its GATT operations through its own serial queue.
package central

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesched/internal/radio"
	"github.com/srg/blesched/internal/ringchan"
	"github.com/srg/blesched/internal/scheduler"
	"github.com/srg/blesched/internal/trace"
	"github.com/srg/blesched/pkg/config"
)

// ErrClosed is returned by an Adapter that has been closed
var ErrClosed = errors.New("adapter closed")

// Adapter is the entry point of the central API
type Adapter struct {
	driver   radio.Driver
	cfg      *config.Config
	logger   *logrus.Logger
	sched    *scheduler.Scheduler
	recorder *trace.Recorder

	peripherals *hashmap.Map[string, *Peripheral]

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewAdapter wires driver to a new scheduler. cfg and logger may be nil.
func NewAdapter(driver radio.Driver, cfg *config.Config, logger *logrus.Logger) (*Adapter, error) {
	if driver == nil {
		return nil, errors.New("adapter requires a radio driver")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	recorder, err := trace.NewRecorder(cfg.Trace.BufferSize)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		driver:      driver,
		cfg:         cfg,
		logger:      logger,
		sched:       scheduler.New(driver, cfg.SchedulerOptions(), logger),
		recorder:    recorder,
		peripherals: hashmap.New[string, *Peripheral](),
	}
	driver.SetScanHandler(a.handleScanEvent)
	return a, nil
}

// Start runs the scheduler until ctx is done or Close is called
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil || a.closed {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.sched.Start(ctx)
	a.logger.Debug("Adapter started")
}

// Close disconnects every connection, stops the scheduler and waits for it to wind down.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()

	var errs []error
	a.peripherals.Range(func(_ string, p *Peripheral) bool {
		for _, c := range p.Connections() {
			if err := c.forceClose(); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})

	if cancel != nil {
		cancel()
		<-a.sched.Done()
	}
	a.logger.Debug("Adapter closed")
	return errors.Join(errs...)
}

// State reports the adapter state as seen by the driver
func (a *Adapter) State() AdapterState {
	return a.driver.State()
}

func (a *Adapter) requireOn() error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if st := a.driver.State(); st != radio.StateOn {
		return &radio.RadioUnavailableError{State: st}
	}
	return nil
}

// Scan subscribes to advertisements of peripherals offering any of services.
// No services means every advertisement. Several scans share one radio scan
// whose filters are the union of theirs.
func (a *Adapter) Scan(services ...ble.UUID) (*Scan, error) {
	if err := a.requireOn(); err != nil {
		return nil, err
	}

	s := &Scan{
		adapter: a,
		ring:    ringchan.New[*Advertisement](a.cfg.Scan.SubscriberBuffer),
	}
	s.sub = scheduler.NewSubscription(services,
		func(adv radio.Advertisement) { s.ring.Send(a.advertisement(adv)) },
		s.end)
	if err := a.sched.Subscribe(s.sub); err != nil {
		return nil, ErrClosed
	}
	a.logger.WithFields(logrus.Fields{
		"subscription": s.sub.ID(),
		"services":     services,
	}).Debug("Scan subscribed")
	return s, nil
}

// Peripheral returns the peripheral at addr, creating it on first use
func (a *Adapter) Peripheral(addr ble.Addr) *Peripheral {
	key := addr.String()
	if p, ok := a.peripherals.Get(key); ok {
		return p
	}
	p, _ := a.peripherals.GetOrInsert(key, newPeripheral(a, addr))
	return p
}

// Peripherals returns every peripheral seen or requested so far
func (a *Adapter) Peripherals() []*Peripheral {
	out := make([]*Peripheral, 0, a.peripherals.Len())
	a.peripherals.Range(func(_ string, p *Peripheral) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Trace drains the recorded operation lifecycle events
func (a *Adapter) Trace() []trace.Event {
	return a.recorder.Drain()
}

// Snapshot reports the scheduler state
func (a *Adapter) Snapshot(ctx context.Context) (scheduler.Snapshot, error) {
	return a.sched.Snapshot(ctx)
}

func (a *Adapter) handleScanEvent(ev radio.Event) {
	if adv, ok := ev.(radio.Advertisement); ok {
		a.Peripheral(adv.Addr).observe(adv)
	}
	a.sched.HandleScanEvent(ev)
}

func (a *Adapter) advertisement(adv radio.Advertisement) *Advertisement {
	return &Advertisement{
		Peripheral: a.Peripheral(adv.Addr),
		Name:       adv.Name,
		RSSI:       adv.RSSI,
		TxPower:    adv.TxPower,
		Services:   adv.Services,
		Payload:    adv.Payload,
		Timestamp:  adv.Timestamp,
	}
}
