// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel wraps a buffered channel so that producers never block: when the
// buffer is full the oldest element is discarded. Order is preserved for the
// elements that survive.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
//
// A RingChannel expects a single producer; Send after Close is a no-op.
type RingChannel[T any] struct {
	ch        chan T
	closeOnce sync.Once
	closed    atomic.Bool

	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	if rc.closed.Load() {
		return false
	}

	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.written.Add(1)
	return dropped
}

// Close closes the underlying channel. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.closeOnce.Do(func() {
		rc.closed.Store(true)
		close(rc.ch)
	})
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Stats returns the number of elements written and overwritten so far.
func (rc *RingChannel[T]) Stats() (written, overwritten int64) {
	return rc.written.Load(), rc.overwritten.Load()
}
