// Package operation implements settleable asynchronous units of work and the
// per-device queue that executes them one at a time.
//
// An Operation is started by the Queue and settled later, usually by a driver
// callback matched to the queue's current operation. Settlement is first-wins:
// only the first Complete/Fail/Cancel has effect, so a duplicate callback, a
// connection-lost abort and a timeout may all race safely.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/internal/radio"
)

// Kind discriminates the operations a queue may be executing.
type Kind int

const (
	KindCustom Kind = iota
	KindConnect
	KindDisconnect
	KindDiscoverServices
	KindDiscoverCharacteristics
	KindReadCharacteristic
	KindWriteCharacteristic
	KindEnableNotify
	KindDisableNotify
	KindRequestMTU
)

var kindNames = [...]string{
	KindCustom:                  "Operation",
	KindConnect:                 "Connect",
	KindDisconnect:              "Disconnect",
	KindDiscoverServices:        "DiscoverServices",
	KindDiscoverCharacteristics: "DiscoverCharacteristics",
	KindReadCharacteristic:      "ReadCharacteristic",
	KindWriteCharacteristic:     "WriteCharacteristic",
	KindEnableNotify:            "EnableNotify",
	KindDisableNotify:           "DisableNotify",
	KindRequestMTU:              "RequestMTU",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// State is the lifecycle state of an operation.
//
//	Created → [Delayed] → Started → {Completed | Failed | Canceled | TimedOut}
type State int32

const (
	StateCreated State = iota
	StateDelayed
	StateStarted
	StateCompleted
	StateFailed
	StateCanceled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDelayed:
		return "delayed"
	case StateStarted:
		return "started"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the state is one of the four settled states
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Op is the queue-facing side of an operation.
type Op interface {
	ID() uint64
	Kind() Kind
	String() string
	Fields() logrus.Fields
	State() State
	Done() <-chan struct{}
	Err() error

	// StartDelay is the idle wait the queue inserts before Start.
	StartDelay() time.Duration
	// Start performs the protocol side effect. A returned error settles the operation as failed.
	Start() error
	// OnTimeout gives the operation a chance to clean up before a timeout abort.
	OnTimeout()
	// Abort settles the operation with err unless it has already settled.
	Abort(err error) bool
	// Cancel settles the operation as canceled unless it has already settled.
	Cancel() bool

	markDelayed()
}

var lastID atomic.Uint64

// Operation is a single asynchronous unit of work producing a T.
// It doubles as the future handed back to the submitter.
type Operation[T any] struct {
	id     uint64
	kind   Kind
	delay  time.Duration
	fields logrus.Fields

	start     func(*Operation[T]) error
	onTimeout func(*Operation[T])

	state   atomic.Int32
	settled atomic.Bool
	done    chan struct{}
	value   T
	err     error
}

// Option configures an Operation
type Option[T any] func(*Operation[T])

// WithStartDelay makes the queue idle for d before starting the operation
func WithStartDelay[T any](d time.Duration) Option[T] {
	return func(o *Operation[T]) { o.delay = d }
}

// WithFields adds log scope fields
func WithFields[T any](fields logrus.Fields) Option[T] {
	return func(o *Operation[T]) {
		for k, v := range fields {
			o.fields[k] = v
		}
	}
}

// WithTimeoutHandler sets protocol-specific cleanup invoked before a timeout abort
func WithTimeoutHandler[T any](fn func(*Operation[T])) Option[T] {
	return func(o *Operation[T]) { o.onTimeout = fn }
}

// New creates an operation of the given kind. start may be nil for operations
// settled purely from the outside.
func New[T any](kind Kind, start func(*Operation[T]) error, opts ...Option[T]) *Operation[T] {
	o := &Operation[T]{
		id:     lastID.Add(1),
		kind:   kind,
		fields: logrus.Fields{},
		start:  start,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Operation[T]) ID() uint64 { return o.id }

func (o *Operation[T]) Kind() Kind { return o.kind }

func (o *Operation[T]) String() string {
	return fmt.Sprintf("%s[%d]", o.kind, o.id)
}

// Fields returns the log scope of the operation
func (o *Operation[T]) Fields() logrus.Fields {
	f := make(logrus.Fields, len(o.fields)+2)
	for k, v := range o.fields {
		f[k] = v
	}
	f["operation"] = o.String()
	f["operation_id"] = o.id
	return f
}

func (o *Operation[T]) State() State { return State(o.state.Load()) }

func (o *Operation[T]) StartDelay() time.Duration { return o.delay }

// Done is closed once the operation has settled
func (o *Operation[T]) Done() <-chan struct{} { return o.done }

// Settled reports whether the operation has reached a terminal state
func (o *Operation[T]) Settled() bool { return o.settled.Load() }

// Err returns the settlement error. Only meaningful after Done is closed.
func (o *Operation[T]) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Result returns the settled value and error. It does not block; before
// settlement it returns the zero value and a nil error.
func (o *Operation[T]) Result() (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	default:
		var zero T
		return zero, nil
	}
}

// Wait blocks until the operation settles or ctx is done. A ctx expiry does
// not affect the operation itself.
func (o *Operation[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (o *Operation[T]) Start() error {
	if o.settled.Load() {
		return nil
	}
	o.state.CompareAndSwap(int32(StateCreated), int32(StateStarted))
	o.state.CompareAndSwap(int32(StateDelayed), int32(StateStarted))
	if o.start == nil {
		return nil
	}
	return o.start(o)
}

func (o *Operation[T]) markDelayed() {
	o.state.CompareAndSwap(int32(StateCreated), int32(StateDelayed))
}

func (o *Operation[T]) OnTimeout() {
	if o.onTimeout != nil {
		o.onTimeout(o)
	}
}

// Complete settles the operation successfully
func (o *Operation[T]) Complete(v T) bool {
	return o.settle(StateCompleted, v, nil)
}

// Fail settles the operation with err. Timeout and cancellation errors map to
// their dedicated terminal states.
func (o *Operation[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New(o.String() + " failed")
	}
	var zero T
	switch {
	case errors.Is(err, radio.ErrTimeout):
		return o.settle(StateTimedOut, zero, err)
	case errors.Is(err, radio.ErrCanceled):
		return o.settle(StateCanceled, zero, err)
	default:
		return o.settle(StateFailed, zero, err)
	}
}

// Failf settles the operation with a ConnectionError carrying the driver status
func (o *Operation[T]) Failf(status radio.Status, format string, args ...any) bool {
	return o.Fail(radio.StatusError(fmt.Sprintf(format, args...), status))
}

func (o *Operation[T]) Abort(err error) bool {
	return o.Fail(err)
}

func (o *Operation[T]) Cancel() bool {
	var zero T
	return o.settle(StateCanceled, zero, &radio.CanceledError{Op: o.String()})
}

func (o *Operation[T]) settle(st State, v T, err error) bool {
	if !o.settled.CompareAndSwap(false, true) {
		return false
	}
	o.value = v
	o.err = err
	o.state.Store(int32(st))
	close(o.done)
	return true
}
