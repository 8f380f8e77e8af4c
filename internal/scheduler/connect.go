package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/internal/operation"
	"github.com/srg/blesched/internal/radio"
)

// Target is the connection context a ConnectOperation dials on behalf of.
// It owns the native handle of the attempt in progress.
type Target interface {
	// Dial allocates a native connection handle and starts connecting.
	Dial() error
	// Connecting reports whether the attempt still holds its native handle.
	Connecting() bool
	// Disconnect asks the driver to abort the held handle's link. It reports
	// whether a handle was held.
	Disconnect() bool
	// Release closes and forgets the held handle. It reports whether a handle was held.
	Release() bool
}

// ConnectParams describes a pattern-based connection request.
type ConnectParams struct {
	// Reference anchors attempt alignment. A zero value means the Unix epoch.
	Reference time.Time
	// Period aligns attempts to Reference modulo Period. Zero attempts as soon as possible.
	Period time.Duration
	// Window is the time each attempt is given before it is aborted.
	Window time.Duration
	// Attempts is the number of attempts before giving up.
	Attempts int
}

func (p ConnectParams) validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("attempts must be >= 1, got %d", p.Attempts)
	}
	if p.Window <= 0 {
		return fmt.Errorf("attempt window must be > 0, got %s", p.Window)
	}
	if p.Period < 0 {
		return fmt.Errorf("period must be >= 0, got %s", p.Period)
	}
	return nil
}

// ConnectOperation is a queue operation that connects through the scheduler,
// retrying in time-boxed attempts aligned to the peripheral's advertising pattern.
//
// It settles with the connected handle, with a nil handle once every attempt
// has been used, or with an error.
type ConnectOperation struct {
	*operation.Operation[radio.GATT]

	target    Target
	reference time.Time
	period    time.Duration
	window    time.Duration

	remaining atomic.Int32
	started   atomic.Int32
	status    atomic.Int32
	cancel    atomic.Bool
}

// NewConnectOperation creates a connect operation for target. start runs when
// the owning queue starts the operation and is expected to register it with a
// Scheduler.
func NewConnectOperation(target Target, p ConnectParams, start func(*ConnectOperation) error, fields logrus.Fields) (*ConnectOperation, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Reference.IsZero() {
		p.Reference = time.Unix(0, 0)
	}

	c := &ConnectOperation{
		target:    target,
		reference: p.Reference,
		period:    p.Period,
		window:    p.Window,
	}
	c.remaining.Store(int32(p.Attempts))

	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["period"] = p.Period
	fields["window"] = p.Window
	fields["attempts"] = p.Attempts

	c.Operation = operation.New[radio.GATT](operation.KindConnect,
		func(*operation.Operation[radio.GATT]) error {
			if start == nil {
				return nil
			}
			return start(c)
		},
		operation.WithFields[radio.GATT](fields))
	return c, nil
}

// NextAttempt returns the earliest permissible attempt time not before after.
func (c *ConnectOperation) NextAttempt(after time.Time) time.Time {
	return NextAttempt(c.reference, c.period, after)
}

// NextAttempt rounds after up to the next instant congruent to reference
// modulo period. A zero period returns after unchanged.
func NextAttempt(reference time.Time, period time.Duration, after time.Time) time.Time {
	if period <= 0 {
		return after
	}
	align := after.Sub(reference) % period
	if align < 0 {
		align += period
	}
	if align == 0 {
		return after
	}
	return after.Add(period - align)
}

// Remaining returns the number of attempts left
func (c *ConnectOperation) Remaining() int {
	return int(c.remaining.Load())
}

// AttemptsStarted returns the number of attempts started so far
func (c *ConnectOperation) AttemptsStarted() int {
	return int(c.started.Load())
}

// Window returns the duration of one attempt
func (c *ConnectOperation) Window() time.Duration {
	return c.window
}

// AttemptFailed records the status of a connection-failed callback for the
// attempt in progress. The scheduler uses it to decide whether to retry.
func (c *ConnectOperation) AttemptFailed(status radio.Status) {
	c.status.Store(int32(status))
}

func (c *ConnectOperation) lastStatus() radio.Status {
	return radio.Status(c.status.Load())
}

func (c *ConnectOperation) cancelRequested() bool {
	return c.cancel.Load()
}

// startAttempt dials the target and returns the end of the attempt window.
func (c *ConnectOperation) startAttempt(now time.Time) (time.Time, error) {
	c.status.Store(int32(radio.StatusSuccess))
	c.started.Add(1)
	if err := c.target.Dial(); err != nil {
		return time.Time{}, err
	}
	return now.Add(c.window), nil
}

// succeeded reports whether the operation settled with a live handle
func (c *ConnectOperation) succeeded() bool {
	gatt, err := c.Result()
	return c.Settled() && err == nil && gatt != nil
}
