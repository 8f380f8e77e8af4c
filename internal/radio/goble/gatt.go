package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesched/internal/groutine"
	"github.com/srg/blesched/internal/radio"
)

// eventBuffer bounds the per-handle event backlog
const eventBuffer = 64

var errNoClient = errors.New("handle is not connected")

// gatt is one native connection handle. Requests run go-ble's blocking calls
// on their own goroutine; every outcome goes through a single event pump so
// the handler sees events in order.
type gatt struct {
	driver  *Driver
	addr    ble.Addr
	handler radio.Handler
	logger  *logrus.Entry

	ctx        context.Context
	cancel     context.CancelFunc
	dialCancel context.CancelFunc
	events     chan radio.Event

	mu     sync.Mutex
	client ble.Client
	local  bool
	closed bool
}

func newGATT(d *Driver, addr ble.Addr, h radio.Handler) *gatt {
	ctx, cancel := context.WithCancel(context.Background())
	g := &gatt{
		driver:  d,
		addr:    addr,
		handler: h,
		logger:  d.logger.WithField("address", addr.String()),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan radio.Event, eventBuffer),
	}
	groutine.Go(ctx, "goble-events/"+addr.String(), g.pump)
	return g
}

func (g *gatt) pump(ctx context.Context) {
	for {
		select {
		case ev := <-g.events:
			g.handler(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (g *gatt) emit(ev radio.Event) {
	select {
	case g.events <- ev:
	case <-g.ctx.Done():
	}
}

func (g *gatt) Addr() ble.Addr { return g.addr }

func (g *gatt) dial() {
	dialCtx, dialCancel := context.WithCancel(g.ctx)
	g.dialCancel = dialCancel

	groutine.Go(g.ctx, "goble-dial/"+g.addr.String(), func(ctx context.Context) {
		defer dialCancel()
		g.logger.Debug("Dialing BLE device...")
		client, err := g.driver.dev.Dial(dialCtx, g.addr)
		if err != nil {
			status := radio.StatusConnectionFailedToEstablish
			g.mu.Lock()
			if g.local {
				status = radio.StatusLocalTerminated
			}
			g.mu.Unlock()
			g.logger.WithError(err).WithField("status", status).Debug("Dial failed")
			g.emit(radio.ConnectionStateChanged{GATT: g, State: radio.Disconnected, Status: status})
			return
		}

		g.mu.Lock()
		if g.closed || g.local {
			closed := g.closed
			g.mu.Unlock()
			_ = client.CancelConnection()
			if !closed {
				g.emit(radio.ConnectionStateChanged{GATT: g, State: radio.Disconnected, Status: radio.StatusLocalTerminated})
			}
			return
		}
		g.client = client
		g.mu.Unlock()

		g.emit(radio.ConnectionStateChanged{GATT: g, State: radio.Connected, Status: radio.StatusSuccess})
		g.monitor(ctx, client)
	})
}

// monitor reports the link going down
func (g *gatt) monitor(ctx context.Context, client ble.Client) {
	select {
	case <-client.Disconnected():
	case <-ctx.Done():
		return
	}

	g.mu.Lock()
	status := radio.StatusRemoteTerminated
	if g.local {
		status = radio.StatusLocalTerminated
	}
	g.client = nil
	g.mu.Unlock()

	g.logger.WithField("status", status).Debug("BLE link down")
	g.emit(radio.ConnectionStateChanged{GATT: g, State: radio.Disconnected, Status: status})
}

func (g *gatt) Disconnect() error {
	g.mu.Lock()
	g.local = true
	client := g.client
	g.mu.Unlock()

	if client == nil {
		// still dialing: abandoning the dial reports Disconnected
		g.dialCancel()
		return nil
	}
	groutine.Go(g.ctx, "goble-disconnect/"+g.addr.String(), func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			g.logger.WithError(err).Warn("Failed to cancel connection")
		}
	})
	return nil
}

func (g *gatt) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.local = true
	client := g.client
	g.client = nil
	g.mu.Unlock()

	g.cancel()
	if client != nil {
		return NormalizeError(client.CancelConnection())
	}
	return nil
}

// request runs fn against the connected client on its own goroutine
func (g *gatt) request(name string, fn func(ble.Client)) error {
	g.mu.Lock()
	client, closed := g.client, g.closed
	g.mu.Unlock()

	if closed || client == nil {
		return errNoClient
	}
	groutine.Go(g.ctx, name+"/"+g.addr.String(), func(context.Context) {
		fn(client)
	})
	return nil
}

func (g *gatt) DiscoverServices() error {
	return g.request("goble-discover-services", func(c ble.Client) {
		services, err := c.DiscoverServices(nil)
		g.emit(radio.ServicesDiscovered{GATT: g, Services: services, Status: statusOf(err)})
	})
}

// DiscoverCharacteristics also discovers descriptors of notifying
// characteristics, go-ble needs their CCCD to subscribe.
func (g *gatt) DiscoverCharacteristics(svc *ble.Service) error {
	return g.request("goble-discover-characteristics", func(c ble.Client) {
		chars, err := c.DiscoverCharacteristics(nil, svc)
		if err == nil {
			for _, ch := range chars {
				if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
					continue
				}
				if _, derr := c.DiscoverDescriptors(nil, ch); derr != nil {
					g.logger.WithError(derr).WithField("characteristic", ch.UUID.String()).Debug("Descriptor discovery failed")
				}
			}
		}
		g.emit(radio.CharacteristicsDiscovered{GATT: g, Service: svc, Characteristics: chars, Status: statusOf(err)})
	})
}

func (g *gatt) ReadCharacteristic(ch *ble.Characteristic) error {
	return g.request("goble-read", func(c ble.Client) {
		value, err := c.ReadCharacteristic(ch)
		g.emit(radio.CharacteristicRead{GATT: g, Characteristic: ch, Value: value, Status: statusOf(err)})
	})
}

func (g *gatt) WriteCharacteristic(ch *ble.Characteristic, value []byte, withResponse bool) error {
	return g.request("goble-write", func(c ble.Client) {
		err := c.WriteCharacteristic(ch, value, !withResponse)
		g.emit(radio.CharacteristicWritten{GATT: g, Characteristic: ch, Status: statusOf(err)})
	})
}

func (g *gatt) SetNotify(ch *ble.Characteristic, enabled bool) error {
	indicate := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0
	return g.request("goble-notify", func(c ble.Client) {
		var err error
		if enabled {
			err = c.Subscribe(ch, indicate, func(value []byte) {
				g.emit(radio.CharacteristicChanged{GATT: g, Characteristic: ch, Value: append([]byte(nil), value...)})
			})
		} else {
			err = c.Unsubscribe(ch, indicate)
		}
		g.emit(radio.NotifyChanged{GATT: g, Characteristic: ch, Enabled: enabled, Status: statusOf(err)})
	})
}

func (g *gatt) RequestMTU(mtu int) error {
	return g.request("goble-mtu", func(c ble.Client) {
		got, err := c.ExchangeMTU(mtu)
		g.emit(radio.MTUChanged{GATT: g, MTU: got, Status: statusOf(err)})
	})
}
