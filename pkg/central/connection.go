package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesched/internal/groutine"
	"github.com/srg/blesched/internal/operation"
	"github.com/srg/blesched/internal/radio"
	"github.com/srg/blesched/internal/scheduler"
)

// DefaultMTU is the ATT MTU of a fresh link
const DefaultMTU = 23

// eventBacklog bounds driver events waiting for the connection dispatcher
const eventBacklog = 64

var lastConnectionID atomic.Uint64

// Connection is one link to a peripheral. GATT requests issued on it run one
// at a time through its operation queue, in call order.
type Connection struct {
	id         uint64
	peripheral *Peripheral
	adapter    *Adapter
	logger     *logrus.Entry
	queue      *operation.Queue
	events     chan radio.Event

	mu              sync.Mutex
	gatt            radio.GATT
	aborted         radio.GATT
	connected       bool
	opened          bool
	mtu             int
	discover        *operation.Operation[[]*ble.Service]
	disconnect      *operation.Operation[struct{}]
	characteristics map[*ble.Service][]*ble.Characteristic
	streams         map[*ble.Characteristic][]*NotificationStream

	closed chan struct{}
	once   sync.Once
	err    error
}

func newConnection(p *Peripheral) *Connection {
	id := lastConnectionID.Add(1)
	name := fmt.Sprintf("connection-%d/%s", id, p.Address())
	c := &Connection{
		id:              id,
		peripheral:      p,
		adapter:         p.adapter,
		logger:          p.logger.WithField("connection", id),
		queue:           operation.NewQueue(name, p.adapter.logger, p.adapter.recorder),
		events:          make(chan radio.Event, eventBacklog),
		mtu:             DefaultMTU,
		characteristics: map[*ble.Service][]*ble.Characteristic{},
		streams:         map[*ble.Characteristic][]*NotificationStream{},
		closed:          make(chan struct{}),
	}
	groutine.Go(context.Background(), name+"/events", c.dispatch)
	p.remember(c)
	return c
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Peripheral() *Peripheral { return c.peripheral }

func (c *Connection) fields() logrus.Fields {
	return logrus.Fields{
		"address":    c.peripheral.Address(),
		"connection": c.id,
	}
}

// IsConnected reports whether the link is up
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// MTU returns the negotiated ATT MTU
func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Closed is closed once the connection has ended for any reason
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Err returns why the connection ended. It is nil while connected and after
// a requested disconnect.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

// Idle waits until every operation issued so far has settled
func (c *Connection) Idle(ctx context.Context) error {
	return c.queue.WaitIdle(ctx)
}

// attempt is the scheduler.Target view of a connection
type attempt struct {
	c *Connection
}

func (a attempt) Dial() error      { return a.c.dial() }
func (a attempt) Connecting() bool { return a.c.connecting() }
func (a attempt) Disconnect() bool { return a.c.abortAttempt() }
func (a attempt) Release() bool    { return a.c.releaseAttempt() }

// dial holds the lock across Connect so that early events wait for the handle to be recorded
func (c *Connection) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	gatt, err := c.adapter.driver.Connect(c.peripheral.Addr(), c.handle)
	if err != nil {
		return err
	}
	c.gatt = gatt
	c.aborted = nil
	return nil
}

func (c *Connection) connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatt != nil && !c.connected
}

// abortAttempt disconnects the handle of an attempt in progress. The
// link-down event that follows is not reported as an attempt failure.
func (c *Connection) abortAttempt() bool {
	c.mu.Lock()
	gatt := c.gatt
	if gatt == nil || c.connected {
		c.mu.Unlock()
		return gatt != nil
	}
	c.aborted = gatt
	c.mu.Unlock()

	if err := gatt.Disconnect(); err != nil {
		c.logger.WithError(err).Debug("Failed to abort connection attempt")
	}
	return true
}

// releaseAttempt closes the handle of an attempt that did not connect
func (c *Connection) releaseAttempt() bool {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.release()
}

// release closes and forgets the held handle
func (c *Connection) release() bool {
	c.mu.Lock()
	gatt := c.gatt
	c.gatt = nil
	c.connected = false
	c.mu.Unlock()

	if gatt == nil {
		return false
	}
	if err := gatt.Close(); err != nil {
		c.logger.WithError(err).Debug("Failed to close connection handle")
	}
	return true
}

// setOpened keeps the scheduler's active connection count in step with the link
func (c *Connection) setOpened(open bool) {
	c.mu.Lock()
	changed := c.opened != open
	c.opened = open
	c.mu.Unlock()
	switch {
	case !changed:
	case open:
		c.adapter.sched.ConnectionOpened()
	default:
		c.adapter.sched.ConnectionClosed()
	}
}

// handle is the driver event handler of every handle this connection dials
func (c *Connection) handle(ev radio.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Connection) dispatch(ctx context.Context) {
	c.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Event dispatcher started")
	for {
		select {
		case ev := <-c.events:
			c.onEvent(ev)
		case <-c.closed:
			return
		}
	}
}

func gattOf(ev radio.Event) radio.GATT {
	switch e := ev.(type) {
	case radio.ConnectionStateChanged:
		return e.GATT
	case radio.ServicesDiscovered:
		return e.GATT
	case radio.CharacteristicsDiscovered:
		return e.GATT
	case radio.CharacteristicRead:
		return e.GATT
	case radio.CharacteristicWritten:
		return e.GATT
	case radio.NotifyChanged:
		return e.GATT
	case radio.MTUChanged:
		return e.GATT
	case radio.CharacteristicChanged:
		return e.GATT
	}
	return nil
}

func (c *Connection) onEvent(ev radio.Event) {
	c.mu.Lock()
	current, aborted := c.gatt, c.aborted
	c.mu.Unlock()

	gatt := gattOf(ev)
	if gatt == nil || gatt != current {
		c.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Event for a released handle, dropped")
		return
	}

	switch e := ev.(type) {
	case radio.ConnectionStateChanged:
		if e.State == radio.Connected {
			c.onConnected(e.GATT)
			return
		}
		if e.GATT == aborted {
			c.logger.WithField("status", e.Status).Debug("Aborted attempt reported link down")
			return
		}
		c.onDisconnected(e.Status)

	case radio.ServicesDiscovered:
		if op, ok := operation.CurrentAs[*operation.Operation[[]*ble.Service]](c.queue, operation.KindDiscoverServices); ok {
			if !e.Status.OK() {
				op.Failf(e.Status, "service discovery failed")
				return
			}
			op.Complete(e.Services)
			return
		}
		c.unmatched(ev)

	case radio.CharacteristicsDiscovered:
		if op, ok := operation.CurrentAs[*operation.Operation[[]*ble.Characteristic]](c.queue, operation.KindDiscoverCharacteristics); ok {
			if !e.Status.OK() {
				op.Failf(e.Status, "characteristic discovery failed")
				return
			}
			c.mu.Lock()
			c.characteristics[e.Service] = e.Characteristics
			c.mu.Unlock()
			op.Complete(e.Characteristics)
			return
		}
		c.unmatched(ev)

	case radio.CharacteristicRead:
		if op, ok := operation.CurrentAs[*operation.Operation[[]byte]](c.queue, operation.KindReadCharacteristic); ok {
			if !e.Status.OK() {
				op.Failf(e.Status, "read of %s failed", e.Characteristic.UUID)
				return
			}
			op.Complete(e.Value)
			return
		}
		c.unmatched(ev)

	case radio.CharacteristicWritten:
		if op, ok := operation.CurrentAs[*operation.Operation[struct{}]](c.queue, operation.KindWriteCharacteristic); ok {
			if !e.Status.OK() {
				op.Failf(e.Status, "write of %s failed", e.Characteristic.UUID)
				return
			}
			op.Complete(struct{}{})
			return
		}
		c.unmatched(ev)

	case radio.NotifyChanged:
		kind := operation.KindDisableNotify
		if e.Enabled {
			kind = operation.KindEnableNotify
		}
		if op, ok := operation.CurrentAs[*operation.Operation[struct{}]](c.queue, kind); ok {
			if !e.Status.OK() {
				op.Failf(e.Status, "%s of %s failed", kind, e.Characteristic.UUID)
				return
			}
			op.Complete(struct{}{})
			return
		}
		c.unmatched(ev)

	case radio.MTUChanged:
		if op, ok := operation.CurrentAs[*operation.Operation[int]](c.queue, operation.KindRequestMTU); ok {
			if !e.Status.OK() {
				op.Failf(e.Status, "MTU request failed")
				return
			}
			c.mu.Lock()
			c.mtu = e.MTU
			c.mu.Unlock()
			op.Complete(e.MTU)
			return
		}
		c.unmatched(ev)

	case radio.CharacteristicChanged:
		c.mu.Lock()
		streams := append([]*NotificationStream(nil), c.streams[e.Characteristic]...)
		c.mu.Unlock()
		for _, s := range streams {
			s.push(e.Value)
		}
	}
}

func (c *Connection) unmatched(ev radio.Event) {
	c.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("No matching operation, callback dropped")
}

func (c *Connection) onConnected(gatt radio.GATT) {
	con, ok := operation.CurrentAs[*scheduler.ConnectOperation](c.queue, operation.KindConnect)
	if !ok {
		c.logger.Warn("Unexpected connection, closing handle")
		c.release()
		return
	}

	// the scheduler must count the link before it can plan around the settled attempt
	c.setOpened(true)

	c.mu.Lock()
	won := c.gatt == gatt && c.aborted != gatt && con.Complete(gatt)
	if won {
		c.connected = true
		c.mtu = DefaultMTU
	}
	c.mu.Unlock()

	if !won {
		c.logger.Debug("Connected after the attempt was abandoned")
		c.setOpened(false)
		return
	}
	c.logger.Info("Connected")
}

func (c *Connection) onDisconnected(status radio.Status) {
	if op, ok := operation.CurrentAs[*operation.Operation[struct{}]](c.queue, operation.KindDisconnect); ok {
		c.logger.WithField("status", status).Debug("Link down after disconnect request")
		c.finish(nil)
		op.Complete(struct{}{})
		return
	}

	if !c.IsConnected() {
		if con, ok := operation.CurrentAs[*scheduler.ConnectOperation](c.queue, operation.KindConnect); ok {
			c.logger.WithField("status", status).Debug("Connection attempt failed")
			con.AttemptFailed(status)
			c.release()
			c.adapter.sched.Reschedule()
		}
		return
	}

	err := &radio.ConnectionError{State: radio.ConnectionLost, Status: status, Msg: "connection lost"}
	c.logger.WithError(err).Warn("Connection lost")
	c.queue.Abort(err)
	c.finish(err)
}

// finish ends the connection once: the handle is released, streams end and
// the scheduler learns the connection is gone.
func (c *Connection) finish(err error) {
	c.once.Do(func() {
		c.release()

		c.mu.Lock()
		c.err = err
		streams := c.streams
		c.streams = map[*ble.Characteristic][]*NotificationStream{}
		c.mu.Unlock()

		for _, list := range streams {
			for _, s := range list {
				s.end()
			}
		}
		c.setOpened(false)
		c.peripheral.forget(c)
		close(c.closed)
		c.logger.WithError(err).Info("Disconnected")
	})
}

// forceClose ends the connection without waiting for the queue
func (c *Connection) forceClose() error {
	c.mu.Lock()
	gatt, connected := c.gatt, c.connected
	c.mu.Unlock()

	var err error
	if gatt != nil && connected {
		err = gatt.Disconnect()
	}
	c.finish(nil)
	c.queue.Abort(&radio.CanceledError{Op: "connection"})
	return err
}

// connect runs a connect operation through the queue and the scheduler
func (c *Connection) connect(ctx context.Context, params scheduler.ConnectParams) (radio.GATT, error) {
	con, err := scheduler.NewConnectOperation(attempt{c}, params,
		func(con *scheduler.ConnectOperation) error {
			return c.adapter.sched.Enqueue(con)
		}, c.fields())
	if err != nil {
		return nil, err
	}
	c.queue.Submit(con, 0)

	gatt, err := con.Wait(ctx)
	if ctx.Err() != nil && !con.Settled() {
		c.logger.Debug("Connect abandoned by caller")
		c.adapter.sched.Cancel(con)
		gatt, err = con.Wait(context.Background())
	}
	return gatt, err
}

func (c *Connection) handleOrErr() (radio.GATT, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gatt == nil || !c.connected {
		return nil, radio.ErrNotConnected
	}
	return c.gatt, nil
}

// Disconnect closes the link once every earlier operation has run. A connect
// still in progress is canceled first. Repeated calls share one operation.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	op := c.disconnect
	created := op == nil
	if created {
		op = operation.New[struct{}](operation.KindDisconnect, func(op *operation.Operation[struct{}]) error {
			gatt, err := c.handleOrErr()
			if err != nil {
				c.finish(nil)
				op.Complete(struct{}{})
				return nil
			}
			return gatt.Disconnect()
		},
			operation.WithFields[struct{}](c.fields()),
			operation.WithTimeoutHandler(func(*operation.Operation[struct{}]) {
				c.logger.Warn("Disconnect timed out, closing handle")
				c.finish(nil)
			}))
		c.disconnect = op
	}
	c.mu.Unlock()

	if created {
		if con, ok := operation.CurrentAs[*scheduler.ConnectOperation](c.queue, operation.KindConnect); ok {
			c.logger.Debug("Disconnect requested while connecting, canceling connect")
			c.adapter.sched.Cancel(con)
		}
		c.queue.Submit(op, c.adapter.cfg.Connect.OperationTimeout)
	}

	_, err := op.Wait(ctx)
	if errors.Is(err, radio.ErrCanceled) {
		select {
		case <-c.closed:
			return nil
		default:
		}
	}
	return err
}
