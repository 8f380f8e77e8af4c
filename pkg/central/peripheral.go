package central

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesched/internal/radio"
	"github.com/srg/blesched/internal/scheduler"
)

// Peripheral is a remote device known to the adapter, either because it was
// seen while scanning or because it was requested by address.
type Peripheral struct {
	adapter *Adapter
	addr    ble.Addr
	logger  *logrus.Entry

	connections *hashmap.Map[uint64, *Connection]
	lastAdv     atomic.Pointer[radio.Advertisement]
}

func newPeripheral(a *Adapter, addr ble.Addr) *Peripheral {
	return &Peripheral{
		adapter:     a,
		addr:        addr,
		logger:      a.logger.WithField("address", addr.String()),
		connections: hashmap.New[uint64, *Connection](),
	}
}

func (p *Peripheral) Addr() ble.Addr { return p.addr }

func (p *Peripheral) Address() string { return p.addr.String() }

// Name returns the local name of the last advertisement, if any
func (p *Peripheral) Name() string {
	if adv := p.lastAdv.Load(); adv != nil {
		return adv.Name
	}
	return ""
}

// LastAdvertisement returns the most recent advertisement seen from the
// peripheral, or nil. Its timestamp is a natural ConnectPattern reference.
func (p *Peripheral) LastAdvertisement() *Advertisement {
	adv := p.lastAdv.Load()
	if adv == nil {
		return nil
	}
	return p.adapter.advertisement(*adv)
}

func (p *Peripheral) observe(adv radio.Advertisement) {
	p.lastAdv.Store(&adv)
}

// IsConnected reports whether any connection to the peripheral is established
func (p *Peripheral) IsConnected() bool {
	connected := false
	p.connections.Range(func(_ uint64, c *Connection) bool {
		connected = c.IsConnected()
		return !connected
	})
	return connected
}

// Connections returns the live connections, including those still connecting
func (p *Peripheral) Connections() []*Connection {
	var out []*Connection
	p.connections.Range(func(_ uint64, c *Connection) bool {
		out = append(out, c)
		return true
	})
	return out
}

// InvalidateServiceCache drops the discovered services of every connection
// so the next DiscoverServices asks the peripheral again.
func (p *Peripheral) InvalidateServiceCache() {
	p.connections.Range(func(_ uint64, c *Connection) bool {
		c.invalidateServices()
		return true
	})
	p.logger.Debug("Service cache invalidated")
}

// Connect makes a single connection attempt lasting at most timeout. A
// non-positive timeout uses the configured default. The attempt expiring is
// reported as a TimeoutError.
func (p *Peripheral) Connect(ctx context.Context, timeout time.Duration) (*Connection, error) {
	if timeout <= 0 {
		timeout = p.adapter.cfg.Connect.DefaultTimeout
	}
	c, err := p.connect(ctx, scheduler.ConnectParams{Window: timeout, Attempts: 1})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &radio.TimeoutError{Op: "connect", After: timeout}
	}
	return c, nil
}

// ConnectPattern connects to a peripheral whose connectable windows recur
// every period. Attempts open before ahead of each instant aligned to ref's
// timestamp and each lasts before+after. A nil ref aligns to the Unix epoch.
//
// It returns a nil connection and a nil error once every attempt has been used.
func (p *Peripheral) ConnectPattern(ctx context.Context, ref *Advertisement, period, before, after time.Duration, attempts int) (*Connection, error) {
	return p.connect(ctx, patternParams(ref, period, before, after, attempts))
}

func patternParams(ref *Advertisement, period, before, after time.Duration, attempts int) scheduler.ConnectParams {
	anchor := time.Unix(0, 0)
	if ref != nil {
		anchor = ref.Timestamp
	}
	return scheduler.ConnectParams{
		Reference: anchor.Add(-before),
		Period:    period,
		Window:    before + after,
		Attempts:  attempts,
	}
}

// Disconnect disconnects every live connection, canceling those still connecting
func (p *Peripheral) Disconnect(ctx context.Context) error {
	var errs []error
	for _, c := range p.Connections() {
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Peripheral) connect(ctx context.Context, params scheduler.ConnectParams) (*Connection, error) {
	if err := p.adapter.requireOn(); err != nil {
		return nil, err
	}

	c := newConnection(p)
	gatt, err := c.connect(ctx, params)
	if err != nil || gatt == nil {
		_ = c.forceClose()
		return nil, err
	}
	return c, nil
}

func (p *Peripheral) remember(c *Connection) {
	p.connections.Set(c.id, c)
}

func (p *Peripheral) forget(c *Connection) {
	p.connections.Del(c.id)
}
