package central

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/smallnest/ringbuffer"
)

// NotificationStream buffers the values notified by one characteristic.
// A notification that does not fit in the free space is dropped whole.
type NotificationStream struct {
	conn *Connection
	char *ble.Characteristic
	buf  *ringbuffer.RingBuffer

	mu      sync.Mutex
	signal  chan struct{}
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newNotificationStream(conn *Connection, ch *ble.Characteristic, size int) *NotificationStream {
	return &NotificationStream{
		conn:   conn,
		char:   ch,
		buf:    ringbuffer.New(size),
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Characteristic returns the characteristic the stream listens to
func (s *NotificationStream) Characteristic() *ble.Characteristic { return s.char }

func (s *NotificationStream) push(value []byte) {
	if len(value) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}
	if s.buf.Free() < len(value) {
		s.dropped.Add(1)
		return
	}
	if _, err := s.buf.Write(value); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		s.dropped.Add(1)
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Read implements io.Reader. It blocks until data is available and returns
// io.EOF once the stream is closed and drained.
func (s *NotificationStream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext is Read bounded by ctx
func (s *NotificationStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := s.buf.TryRead(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		select {
		case <-s.signal:
		case <-s.closed:
			if s.buf.IsEmpty() {
				return 0, io.EOF
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Buffered returns the number of unread bytes
func (s *NotificationStream) Buffered() int {
	return s.buf.Length()
}

// Dropped returns the number of notifications lost to a full buffer
func (s *NotificationStream) Dropped() int64 {
	return s.dropped.Load()
}

// Done is closed when the stream stops receiving, either because it was
// closed or because the connection went away.
func (s *NotificationStream) Done() <-chan struct{} {
	return s.closed
}

// Close detaches the stream from its connection. Notifications on the
// peripheral stay enabled; use Connection.DisableNotifications for that.
func (s *NotificationStream) Close() error {
	s.conn.removeStream(s)
	s.end()
	return nil
}

func (s *NotificationStream) end() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.closed)
		s.mu.Unlock()
	})
}
