// Package scheduler arbitrates a single radio between scanning and connection
// attempts. One goroutine owns all scheduler state; every other goroutine talks
// to it by posting messages into a bounded mailbox.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blesched/internal/groutine"
	"github.com/srg/blesched/internal/radio"
)

// ErrStopped is returned when posting to a scheduler whose loop has exited.
var ErrStopped = errors.New("scheduler stopped")

// Options tunes the scheduler timing.
type Options struct {
	// StopDelay is kept between stopping a scan and starting a connection attempt.
	StopDelay time.Duration
	// ContinuousScan is the window after which a scan that produced nothing is interrupted.
	ContinuousScan time.Duration
	// ScanInterruption is how long an unproductive scan stays off.
	ScanInterruption time.Duration
	// AttemptSettle is waited after each teardown step of a failed attempt.
	AttemptSettle time.Duration
	// MailboxSize bounds the number of queued messages.
	MailboxSize int
}

// DefaultOptions returns the stock timing
func DefaultOptions() Options {
	return Options{
		StopDelay:        100 * time.Millisecond,
		ContinuousScan:   10 * time.Second,
		ScanInterruption: time.Second,
		AttemptSettle:    200 * time.Millisecond,
		MailboxSize:      64,
	}
}

type message struct {
	apply      func()
	reschedule bool
}

type waitResult int

const (
	waitElapsed waitResult = iota
	waitRescheduled
	waitSettled
	waitStopped
)

// Snapshot is a point-in-time view of the scheduler state
type Snapshot struct {
	Scanning          bool
	Filters           []ble.UUID
	Pending           []uint64
	Subscriptions     int
	ActiveConnections int
}

// Scheduler decides, pass after pass, whether the radio scans or serves the
// connect operation whose next aligned attempt comes first.
type Scheduler struct {
	scanner radio.Scanner
	opts    Options
	logger  *logrus.Entry
	now     func() time.Time

	mailbox chan message
	done    chan struct{}

	// stopping unblocks senders once shutdown begins; stopped, guarded by
	// stopMu, rejects every post after the final drain
	stopping chan struct{}
	stopMu   sync.RWMutex
	stopped  bool

	// owned by the loop goroutine
	pending     *orderedmap.OrderedMap[uint64, *ConnectOperation]
	subs        *registry
	scanning    bool
	filters     []ble.UUID
	advSeen     bool
	connections int
	inflight    *ConnectOperation
}

// New creates a scheduler driving scanner. Run must be called to start it.
func New(scanner radio.Scanner, opts Options, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultOptions().MailboxSize
	}
	return &Scheduler{
		scanner:  scanner,
		opts:     opts,
		logger:   logger.WithField("component", "scheduler"),
		now:      time.Now,
		mailbox:  make(chan message, opts.MailboxSize),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
		pending:  orderedmap.New[uint64, *ConnectOperation](),
		subs:     newRegistry(),
	}
}

// Start runs the loop on a named goroutine until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	groutine.Go(ctx, "scheduler", func(ctx context.Context) {
		_ = s.Run(ctx)
	})
}

// Done is closed once the loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Run executes the scheduling loop until ctx is done. Pending operations are
// canceled and subscriptions terminated on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Scheduler running")
	defer close(s.done)
	defer s.shutdown()

	for {
		if s.waitUntil(ctx, time.Time{}, nil) == waitStopped {
			return ctx.Err()
		}
		for {
			again, err := s.schedule(ctx)
			if err != nil {
				return err
			}
			if !again {
				break
			}
		}
	}
}

// post queues fn for the loop. A message it accepts is always applied, by
// the loop or by the shutdown drain.
func (s *Scheduler) post(reschedule bool, fn func()) error {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.mailbox <- message{apply: fn, reschedule: reschedule}:
		return nil
	case <-s.stopping:
		return ErrStopped
	}
}

// Enqueue registers a started connect operation for scheduling
func (s *Scheduler) Enqueue(con *ConnectOperation) error {
	return s.post(true, func() {
		if con.Settled() {
			return
		}
		if con.cancelRequested() {
			con.Cancel()
			return
		}
		s.pending.Set(con.ID(), con)
		s.logger.WithFields(con.Fields()).Debug("Connect operation scheduled")
	})
}

// Dequeue removes a connect operation without settling it
func (s *Scheduler) Dequeue(con *ConnectOperation) {
	_ = s.post(true, func() {
		s.pending.Delete(con.ID())
	})
}

// Cancel settles con as canceled. An attempt in progress is torn down first.
func (s *Scheduler) Cancel(con *ConnectOperation) {
	con.cancel.Store(true)
	if err := s.post(true, func() {
		if s.inflight == con {
			return
		}
		s.pending.Delete(con.ID())
		con.Cancel()
	}); err != nil {
		con.Cancel()
	}
}

// Reschedule interrupts the current wait and replans
func (s *Scheduler) Reschedule() {
	_ = s.post(true, func() {})
}

// Subscribe adds a scan subscription
func (s *Scheduler) Subscribe(sub *Subscription) error {
	return s.post(true, func() {
		s.subs.add(sub)
		s.logger.WithFields(logrus.Fields{
			"subscription": sub.id,
			"services":     sub.services,
		}).Debug("Scan subscription added")
	})
}

// Unsubscribe removes a scan subscription
func (s *Scheduler) Unsubscribe(sub *Subscription) {
	_ = s.post(true, func() {
		if s.subs.remove(sub.id) {
			s.logger.WithField("subscription", sub.id).Debug("Scan subscription removed")
		}
	})
}

// ConnectionOpened tells the scheduler a connection became active
func (s *Scheduler) ConnectionOpened() {
	_ = s.post(true, func() { s.connections++ })
}

// ConnectionClosed tells the scheduler an active connection went away
func (s *Scheduler) ConnectionClosed() {
	_ = s.post(true, func() {
		if s.connections > 0 {
			s.connections--
		}
	})
}

// HandleScanEvent is the driver scan handler. Advertisements are dropped
// rather than blocking the driver when the mailbox is full.
func (s *Scheduler) HandleScanEvent(ev radio.Event) {
	switch e := ev.(type) {
	case radio.Advertisement:
		select {
		case s.mailbox <- message{apply: func() { s.advertisement(e) }}:
		default:
			s.logger.WithField("addr", e.Addr).Debug("Mailbox full, advertisement dropped")
		}
	case radio.ScanFailed:
		_ = s.post(true, func() { s.scanFailed(e.Err) })
	}
}

// Snapshot returns the scheduler state as seen by the loop
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	err := s.post(false, func() {
		snap := Snapshot{
			Scanning:          s.scanning,
			Filters:           append([]ble.UUID(nil), s.filters...),
			Subscriptions:     s.subs.len(),
			ActiveConnections: s.connections,
		}
		for pair := s.pending.Oldest(); pair != nil; pair = pair.Next() {
			snap.Pending = append(snap.Pending, pair.Key)
		}
		ch <- snap
	})
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-ch:
		return snap, nil
	case <-s.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Scheduler) advertisement(adv radio.Advertisement) {
	s.advSeen = true
	s.subs.dispatch(adv)
}

func (s *Scheduler) scanFailed(err error) {
	s.logger.WithError(err).Error("Scan failed")
	s.scanning = false
	s.filters = nil
	s.subs.fail(&radio.ScanError{Err: err})
}

// drain applies every queued message and reports whether any asked for a reschedule
func (s *Scheduler) drain() bool {
	reschedule := false
	for {
		select {
		case m := <-s.mailbox:
			m.apply()
			reschedule = reschedule || m.reschedule
		default:
			return reschedule
		}
	}
}

// waitUntil processes messages until deadline, a rescheduling message, the
// settled channel or ctx. A zero deadline waits without a time limit.
func (s *Scheduler) waitUntil(ctx context.Context, deadline time.Time, settled <-chan struct{}) waitResult {
	if s.drain() {
		return waitRescheduled
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := deadline.Sub(s.now())
		if d <= 0 {
			return waitElapsed
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return waitStopped
		case m := <-s.mailbox:
			m.apply()
			if m.reschedule {
				return waitRescheduled
			}
		case <-timeout:
			return waitElapsed
		case <-settled:
			return waitSettled
		}
	}
}

// sleep waits for d leaving the mailbox untouched
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) wantScan() bool {
	return s.subs.len() > 0
}

func (s *Scheduler) prune() {
	for pair := s.pending.Oldest(); pair != nil; {
		next := pair.Next()
		if pair.Value.Settled() {
			s.pending.Delete(pair.Key)
		}
		pair = next
	}
}

// next returns the pending operation with the earliest aligned attempt time.
// Ties go to the operation registered first.
func (s *Scheduler) next(after time.Time) (*ConnectOperation, time.Time) {
	var (
		best     *ConnectOperation
		bestTime time.Time
	)
	for pair := s.pending.Oldest(); pair != nil; pair = pair.Next() {
		t := pair.Value.NextAttempt(after)
		if best == nil || t.Before(bestTime) {
			best, bestTime = pair.Value, t
		}
	}
	return best, bestTime
}

// schedule runs one planning pass and reports whether another pass should follow immediately.
func (s *Scheduler) schedule(ctx context.Context) (bool, error) {
	s.drain()
	s.prune()

	now := s.now()
	after := now
	if s.scanning {
		after = after.Add(s.opts.StopDelay)
	}
	con, at := s.next(after)

	s.logger.WithFields(logrus.Fields{
		"pending":     s.pending.Len(),
		"subscribers": s.subs.len(),
		"scanning":    s.scanning,
		"connections": s.connections,
	}).Debug("Scheduling")

	if con != nil && s.wantScan() && s.connections == 0 && at.Sub(now) > s.opts.StopDelay {
		if err := s.ensureScanning(ctx); err != nil {
			return false, err
		}
		if !s.scanning {
			return true, nil
		}
		switch s.waitUntil(ctx, at.Add(-s.opts.StopDelay), nil) {
		case waitStopped:
			return false, ctx.Err()
		case waitRescheduled:
			return true, nil
		}
	}

	if s.scanning && (con != nil || !s.wantScan()) {
		s.logger.Debug("Stopping scan")
		s.stopScan()
		if err := s.sleep(ctx, s.opts.StopDelay); err != nil {
			return false, err
		}
	}

	if con != nil {
		s.logger.WithFields(con.Fields()).WithField("at", at).Debug("Waiting for attempt")
		switch s.waitUntil(ctx, at, nil) {
		case waitStopped:
			return false, ctx.Err()
		case waitRescheduled:
			return true, nil
		}
		return true, s.attempt(ctx, con)
	}

	if s.wantScan() && s.connections == 0 {
		return s.scanContinuously(ctx)
	}
	return false, nil
}

// scanContinuously keeps scanning while advertisements keep arriving and
// pauses the scan after a silent window.
func (s *Scheduler) scanContinuously(ctx context.Context) (bool, error) {
	for {
		if err := s.ensureScanning(ctx); err != nil {
			return false, err
		}
		if !s.scanning {
			// start failed and subscribers are gone
			return true, nil
		}
		for {
			s.advSeen = false
			switch s.waitUntil(ctx, s.now().Add(s.opts.ContinuousScan), nil) {
			case waitStopped:
				return false, ctx.Err()
			case waitRescheduled:
				return true, nil
			}
			if !s.advSeen {
				break
			}
		}

		s.logger.Debug("No advertisements, interrupting scan")
		s.stopScan()
		switch s.waitUntil(ctx, s.now().Add(s.opts.ScanInterruption), nil) {
		case waitStopped:
			return false, ctx.Err()
		case waitRescheduled:
			return true, nil
		}
	}
}

// ensureScanning starts the scan, or restarts it when the subscriber filter set changed.
func (s *Scheduler) ensureScanning(ctx context.Context) error {
	filters := s.subs.filters()
	if s.scanning {
		if sameFilters(filters, s.filters) {
			return nil
		}
		s.logger.WithField("services", filters).Debug("Scan filters changed, restarting scan")
		s.stopScan()
		if err := s.sleep(ctx, s.opts.StopDelay); err != nil {
			return err
		}
	}

	s.logger.WithField("services", filters).Debug("Starting scan")
	if err := s.scanner.StartScan(filters); err != nil {
		s.scanFailed(err)
		return nil
	}
	s.scanning = true
	s.filters = filters
	return nil
}

func (s *Scheduler) stopScan() {
	if !s.scanning {
		return
	}
	if err := s.scanner.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop scan")
	}
	s.scanning = false
	s.filters = nil
}

// attempt runs one connection attempt of con and its bookkeeping
func (s *Scheduler) attempt(ctx context.Context, con *ConnectOperation) error {
	log := s.logger.WithFields(con.Fields())
	log.WithField("remaining", con.Remaining()).Debug("Starting connection attempt")

	end, err := con.startAttempt(s.now())
	if err != nil {
		log.WithError(err).Warn("Connection attempt failed to start")
		s.pending.Delete(con.ID())
		con.Fail(err)
		return nil
	}

	s.inflight = con
	defer func() { s.inflight = nil }()

	for {
		switch s.waitUntil(ctx, end, con.Done()) {
		case waitStopped:
			s.teardown(con)
			return ctx.Err()
		case waitSettled:
			s.settled(con)
			return nil
		case waitRescheduled:
			if con.Settled() {
				s.settled(con)
				return nil
			}
			if con.cancelRequested() {
				s.teardown(con)
				s.pending.Delete(con.ID())
				con.Cancel()
				return nil
			}
			if con.target.Connecting() {
				continue
			}
		}
		break
	}

	return s.endAttempt(ctx, con)
}

// settled handles an in-flight operation settled from outside the loop
func (s *Scheduler) settled(con *ConnectOperation) {
	s.pending.Delete(con.ID())
	if con.succeeded() {
		s.logger.WithFields(con.Fields()).Debug("Connection attempt succeeded")
		return
	}
	s.teardown(con)
}

// teardown releases the attempt handle without settle delays
func (s *Scheduler) teardown(con *ConnectOperation) {
	con.target.Disconnect()
	con.target.Release()
}

// endAttempt tears the failed attempt down, consumes one attempt and settles
// the operation when no attempt is left or the failure is not transient.
func (s *Scheduler) endAttempt(ctx context.Context, con *ConnectOperation) error {
	log := s.logger.WithFields(con.Fields())
	log.Debug("Ending connection attempt")

	if con.target.Disconnect() {
		log.Debug("Attempt window elapsed, disconnecting")
		if err := s.sleep(ctx, s.opts.AttemptSettle); err != nil {
			con.target.Release()
			return err
		}
	}
	if con.target.Release() {
		log.Debug("Releasing connection handle")
		if err := s.sleep(ctx, s.opts.AttemptSettle); err != nil {
			return err
		}
	}

	if con.Settled() {
		s.pending.Delete(con.ID())
		return nil
	}
	if con.cancelRequested() {
		s.pending.Delete(con.ID())
		con.Cancel()
		return nil
	}

	remaining := con.remaining.Add(-1)
	status := con.lastStatus()
	switch {
	case !status.Transient():
		log.WithField("status", status).Warn("Connection attempt failed")
		s.pending.Delete(con.ID())
		con.Fail(radio.StatusError("connection attempt failed", status))
	case remaining <= 0:
		log.Warn("Final connection attempt failed")
		s.pending.Delete(con.ID())
		con.Complete(nil)
	default:
		log.WithField("remaining", remaining).Info("Connection attempt failed, will retry")
	}
	return nil
}

func (s *Scheduler) shutdown() {
	close(s.stopping)
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()

	s.stopScan()
	if s.inflight != nil {
		s.teardown(s.inflight)
	}
	s.drain()
	for pair := s.pending.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Cancel()
	}
	s.pending = orderedmap.New[uint64, *ConnectOperation]()
	s.subs.fail(&radio.CanceledError{Op: "scan"})
	s.logger.Debug("Scheduler stopped")
}
