package central

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesched/internal/operation"
	"github.com/srg/blesched/internal/radio"
)

// ErrNotFound reports a service or characteristic the peripheral does not offer
var ErrNotFound = errors.New("not found")

// Generic Access service and its Device Name characteristic
var (
	GenericAccessUUID = ble.UUID16(0x1800)
	DeviceNameUUID    = ble.UUID16(0x2A00)
)

// run submits a GATT request to the queue and waits for its completion
// event. A ctx expiry cancels the operation.
func run[T any](ctx context.Context, c *Connection, kind operation.Kind, fields logrus.Fields, request func(radio.GATT) error) (T, error) {
	all := c.fields()
	for k, v := range fields {
		all[k] = v
	}
	op := operation.New[T](kind, func(*operation.Operation[T]) error {
		gatt, err := c.handleOrErr()
		if err != nil {
			return err
		}
		return request(gatt)
	}, operation.WithFields[T](all))
	c.queue.Submit(op, c.adapter.cfg.Connect.OperationTimeout)
	return await(ctx, op)
}

func await[T any](ctx context.Context, op *operation.Operation[T]) (T, error) {
	v, err := op.Wait(ctx)
	if ctx.Err() != nil && !op.Settled() {
		op.Cancel()
		return op.Wait(context.Background())
	}
	return v, err
}

// DiscoverServices returns the services of the peripheral. Discovery runs at
// most once per connection; concurrent and later calls share its result. A
// failed discovery may be retried.
func (c *Connection) DiscoverServices(ctx context.Context) ([]*ble.Service, error) {
	c.mu.Lock()
	op := c.discover
	created := op == nil
	if created {
		op = operation.New[[]*ble.Service](operation.KindDiscoverServices, func(*operation.Operation[[]*ble.Service]) error {
			gatt, err := c.handleOrErr()
			if err != nil {
				return err
			}
			return gatt.DiscoverServices()
		}, operation.WithFields[[]*ble.Service](c.fields()))
		c.discover = op
	}
	c.mu.Unlock()

	if created {
		c.queue.Submit(op, c.adapter.cfg.Connect.OperationTimeout)
	}

	services, err := op.Wait(ctx)
	if err != nil && op.Settled() {
		c.mu.Lock()
		if c.discover == op {
			c.discover = nil
		}
		c.mu.Unlock()
	}
	return services, err
}

func (c *Connection) invalidateServices() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discover != nil && c.discover.Settled() {
		c.discover = nil
	}
	c.characteristics = map[*ble.Service][]*ble.Characteristic{}
}

// DiscoverCharacteristics returns the characteristics of svc, discovering
// them on first use
func (c *Connection) DiscoverCharacteristics(ctx context.Context, svc *ble.Service) ([]*ble.Characteristic, error) {
	c.mu.Lock()
	cached, ok := c.characteristics[svc]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	return run[[]*ble.Characteristic](ctx, c, operation.KindDiscoverCharacteristics,
		logrus.Fields{"service": svc.UUID.String()},
		func(gatt radio.GATT) error { return gatt.DiscoverCharacteristics(svc) })
}

// Service finds a discovered service by UUID
func (c *Connection) Service(ctx context.Context, uuid ble.UUID) (*ble.Service, error) {
	services, err := c.DiscoverServices(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if svc.UUID.Equal(uuid) {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", uuid, ErrNotFound)
}

// Characteristic finds a characteristic, discovering services and
// characteristics as needed
func (c *Connection) Characteristic(ctx context.Context, service, char ble.UUID) (*ble.Characteristic, error) {
	svc, err := c.Service(ctx, service)
	if err != nil {
		return nil, err
	}
	chars, err := c.DiscoverCharacteristics(ctx, svc)
	if err != nil {
		return nil, err
	}
	for _, ch := range chars {
		if ch.UUID.Equal(char) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("characteristic %s of service %s: %w", char, service, ErrNotFound)
}

// Read reads the value of ch
func (c *Connection) Read(ctx context.Context, ch *ble.Characteristic) ([]byte, error) {
	return run[[]byte](ctx, c, operation.KindReadCharacteristic,
		logrus.Fields{"characteristic": ch.UUID.String()},
		func(gatt radio.GATT) error { return gatt.ReadCharacteristic(ch) })
}

// Write writes value to ch
func (c *Connection) Write(ctx context.Context, ch *ble.Characteristic, value []byte, withResponse bool) error {
	_, err := run[struct{}](ctx, c, operation.KindWriteCharacteristic,
		logrus.Fields{"characteristic": ch.UUID.String(), "bytes": len(value), "with_response": withResponse},
		func(gatt radio.GATT) error { return gatt.WriteCharacteristic(ch, value, withResponse) })
	return err
}

// EnableNotifications turns on notifications (or indications) of ch.
// Values are delivered to the streams returned by Subscribe.
func (c *Connection) EnableNotifications(ctx context.Context, ch *ble.Characteristic) error {
	_, err := run[struct{}](ctx, c, operation.KindEnableNotify,
		logrus.Fields{"characteristic": ch.UUID.String()},
		func(gatt radio.GATT) error { return gatt.SetNotify(ch, true) })
	return err
}

func (c *Connection) DisableNotifications(ctx context.Context, ch *ble.Characteristic) error {
	_, err := run[struct{}](ctx, c, operation.KindDisableNotify,
		logrus.Fields{"characteristic": ch.UUID.String()},
		func(gatt radio.GATT) error { return gatt.SetNotify(ch, false) })
	return err
}

// Subscribe returns a stream receiving every value ch notifies from now on.
// The stream ends when it is closed or when the connection ends.
func (c *Connection) Subscribe(ch *ble.Characteristic) *NotificationStream {
	s := newNotificationStream(c, ch, c.adapter.cfg.Notification.BufferSize)
	select {
	case <-c.closed:
		s.end()
		return s
	default:
	}

	c.mu.Lock()
	c.streams[ch] = append(c.streams[ch], s)
	c.mu.Unlock()
	return s
}

func (c *Connection) removeStream(s *NotificationStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.streams[s.char]
	for i, other := range list {
		if other == s {
			c.streams[s.char] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.streams[s.char]) == 0 {
		delete(c.streams, s.char)
	}
}

// RequestMTU negotiates the ATT MTU and returns the value granted
func (c *Connection) RequestMTU(ctx context.Context, mtu int) (int, error) {
	return run[int](ctx, c, operation.KindRequestMTU,
		logrus.Fields{"mtu": mtu},
		func(gatt radio.GATT) error { return gatt.RequestMTU(mtu) })
}

// RequestMaximumWrite asks for writes of n bytes and returns the largest
// write payload the link actually allows
func (c *Connection) RequestMaximumWrite(ctx context.Context, n int) (int, error) {
	mtu, err := c.RequestMTU(ctx, n+3)
	if err != nil {
		return 0, err
	}
	return mtu - 3, nil
}

// DeviceName reads the Generic Access device name
func (c *Connection) DeviceName(ctx context.Context) (string, error) {
	ch, err := c.Characteristic(ctx, GenericAccessUUID, DeviceNameUUID)
	if err != nil {
		return "", err
	}
	value, err := c.Read(ctx, ch)
	if err != nil {
		return "", err
	}
	return string(value), nil
}
