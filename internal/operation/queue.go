package operation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/internal/groutine"
	"github.com/srg/blesched/internal/radio"
)

// Reporter receives operation lifecycle events for diagnostics.
// Implementations must not block.
type Reporter interface {
	Report(op Op, state State)
}

// link is one element of the queue chain. finished is closed once the
// operation has settled and every earlier link has finished.
type link struct {
	finished chan struct{}
}

type slot struct {
	op Op
}

// Queue executes operations strictly one at a time in submission order.
//
// There is no lock: each submission captures the previous tail of the chain
// and waits for it before starting, so operation N+1 starts only after
// operation N has settled, however it settled.
type Queue struct {
	name     string
	logger   *logrus.Entry
	reporter Reporter

	tail    atomic.Pointer[link]
	current atomic.Pointer[slot]
}

// NewQueue creates an empty queue. reporter may be nil.
func NewQueue(name string, logger *logrus.Logger, reporter Reporter) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		name:     name,
		logger:   logger.WithField("queue", name),
		reporter: reporter,
	}
}

// Submit appends op to the queue. A positive timeout aborts the operation with
// a TimeoutError if it has not settled that long after it was started; the
// operation's OnTimeout runs first.
func (q *Queue) Submit(op Op, timeout time.Duration) {
	log := q.logger.WithFields(op.Fields())
	log.Debug("Enqueuing operation")

	next := &link{finished: make(chan struct{})}
	prev := q.tail.Swap(next)
	q.report(op, StateCreated)

	groutine.Go(context.Background(), q.name+"/"+op.String(), func(context.Context) {
		q.run(prev, next, op, timeout, log)
	})
}

func (q *Queue) run(prev, next *link, op Op, timeout time.Duration, log *logrus.Entry) {
	defer close(next.finished)

	if prev != nil {
		<-prev.finished
	}
	q.current.Store(&slot{op: op})

	if isDone(op) {
		log.WithField("state", op.State()).Debug("Operation settled before start")
		q.report(op, op.State())
		return
	}

	if delay := op.StartDelay(); delay > 0 {
		log.WithField("delay", delay).Debug("Operation pre-delay")
		op.markDelayed()
		q.report(op, StateDelayed)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-op.Done():
			t.Stop()
		}
	}

	var timer *time.Timer
	if timeout > 0 {
		log.WithField("timeout", timeout).Debug("Operation starting with timeout")
		timer = time.AfterFunc(timeout, func() { q.expire(op, timeout, log) })
	} else {
		log.Debug("Operation starting without timeout")
	}

	q.start(op, log)
	<-op.Done()
	if timer != nil {
		timer.Stop()
	}

	switch st := op.State(); st {
	case StateCompleted:
		log.Debug("Operation completed successfully")
	case StateCanceled:
		log.Debug("Operation has been canceled")
	default:
		log.WithError(op.Err()).WithField("state", st).Debug("Operation has failed with an error")
	}
	q.report(op, op.State())
}

func (q *Queue) start(op Op, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s crashed on start: %v", op, r)
			log.WithError(err).Error("Operation crashed on start")
			op.Abort(err)
		}
	}()

	if isDone(op) {
		return
	}
	q.report(op, StateStarted)
	if err := op.Start(); err != nil {
		log.WithError(err).Debug("Operation failed to start")
		op.Abort(err)
	}
}

func (q *Queue) expire(op Op, timeout time.Duration, log *logrus.Entry) {
	if isDone(op) {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Operation OnTimeout handler crashed")
			}
		}()
		op.OnTimeout()
	}()
	if op.Abort(&radio.TimeoutError{Op: op.String(), After: timeout}) {
		log.WithField("timeout", timeout).Debug("Operation timed out")
	}
}

func (q *Queue) report(op Op, st State) {
	if q.reporter != nil {
		q.reporter.Report(op, st)
	}
}

// Abort settles the currently executing operation with err. Queued operations
// are not affected.
func (q *Queue) Abort(err error) bool {
	if cur := q.current.Load(); cur != nil {
		return cur.op.Abort(err)
	}
	return false
}

// Current returns the executing operation if it is of the given kind and has not settled yet.
func (q *Queue) Current(kind Kind) (Op, bool) {
	cur := q.current.Load()
	if cur == nil || cur.op.Kind() != kind || isDone(cur.op) {
		return nil, false
	}
	return cur.op, true
}

// CurrentAs is Current narrowed to the concrete operation type registered for kind.
func CurrentAs[T Op](q *Queue, kind Kind) (T, bool) {
	var zero T
	op, ok := q.Current(kind)
	if !ok {
		return zero, false
	}
	typed, ok := op.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Idle returns a channel closed once every operation submitted so far has settled.
func (q *Queue) Idle() <-chan struct{} {
	if tail := q.tail.Load(); tail != nil {
		return tail.finished
	}
	return closedChan
}

// WaitIdle blocks until the queue has drained or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	select {
	case <-q.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsIdle reports whether every submitted operation has settled.
func (q *Queue) IsIdle() bool {
	return isClosed(q.Idle())
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func isDone(op Op) bool {
	return isClosed(op.Done())
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Enqueue submits op and returns it as the caller's future.
func Enqueue[T any](q *Queue, op *Operation[T], timeout time.Duration) *Operation[T] {
	q.Submit(op, timeout)
	return op
}
