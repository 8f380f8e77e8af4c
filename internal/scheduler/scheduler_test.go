package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blesched/internal/radio"
	"github.com/srg/blesched/internal/scheduler"
)

// recorder is a radio.Scanner that logs scanner calls and dials in order
type recorder struct {
	mu       sync.Mutex
	events   []string
	times    []time.Time
	filters  [][]ble.UUID
	startErr error
}

func (r *recorder) mark(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.times = append(r.times, time.Now())
}

func (r *recorder) StartScan(filters []ble.UUID) error {
	r.mu.Lock()
	err := r.startErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.mark("start")
	r.mu.Lock()
	r.filters = append(r.filters, filters)
	r.mu.Unlock()
	return nil
}

func (r *recorder) StopScan() error {
	r.mark("stop")
	return nil
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) LastFilters() []ble.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.filters) == 0 {
		return nil
	}
	return r.filters[len(r.filters)-1]
}

func (r *recorder) TimeOf(ev string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == ev {
			return r.times[i]
		}
	}
	return time.Time{}
}

// fakeTarget stands in for a connection under construction
type fakeTarget struct {
	name string
	rec  *recorder

	mu          sync.Mutex
	held        bool
	dials       []time.Time
	disconnects int
	releases    int
	onDial      func()
}

func (t *fakeTarget) Dial() error {
	t.mu.Lock()
	t.held = true
	t.dials = append(t.dials, time.Now())
	hook := t.onDial
	t.mu.Unlock()

	if t.rec != nil {
		t.rec.mark("dial:" + t.name)
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (t *fakeTarget) Connecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

func (t *fakeTarget) Disconnect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held {
		t.disconnects++
	}
	return t.held
}

func (t *fakeTarget) Release() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.held
	if held {
		t.releases++
	}
	t.held = false
	return held
}

// drop simulates the driver closing the handle after a failure callback
func (t *fakeTarget) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held = false
}

func (t *fakeTarget) Dials() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.dials...)
}

func (t *fakeTarget) Releases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// stubGATT is a connected handle nobody talks to
type stubGATT struct {
	radio.GATT
}

type SchedulerTestSuite struct {
	suite.Suite

	rec    *recorder
	sched  *scheduler.Scheduler
	opts   scheduler.Options
	ctx    context.Context
	cancel context.CancelFunc
}

func (suite *SchedulerTestSuite) SetupTest() {
	suite.rec = &recorder{}
	suite.opts = scheduler.Options{
		StopDelay:        20 * time.Millisecond,
		ContinuousScan:   2 * time.Second,
		ScanInterruption: 100 * time.Millisecond,
		AttemptSettle:    10 * time.Millisecond,
	}
	suite.ctx, suite.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (suite *SchedulerTestSuite) TearDownTest() {
	suite.cancel()
	if suite.sched != nil {
		<-suite.sched.Done()
		suite.sched = nil
	}
}

func (suite *SchedulerTestSuite) start() {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	suite.sched = scheduler.New(suite.rec, suite.opts, logger)
	suite.sched.Start(suite.ctx)
}

func (suite *SchedulerTestSuite) target(name string) *fakeTarget {
	return &fakeTarget{name: name, rec: suite.rec}
}

func (suite *SchedulerTestSuite) connect(t *fakeTarget, p scheduler.ConnectParams) *scheduler.ConnectOperation {
	con, err := scheduler.NewConnectOperation(t, p, func(c *scheduler.ConnectOperation) error {
		return suite.sched.Enqueue(c)
	}, nil)
	suite.Require().NoError(err, "MUST create connect operation")
	return con
}

func (suite *SchedulerTestSuite) wait(con *scheduler.ConnectOperation) (radio.GATT, error) {
	ctx, cancel := context.WithTimeout(suite.ctx, 5*time.Second)
	defer cancel()
	gatt, err := con.Wait(ctx)
	suite.Require().NotErrorIs(err, context.DeadlineExceeded, "operation MUST settle in time")
	return gatt, err
}

func (suite *SchedulerTestSuite) TestConnectsOnFirstAttempt() {
	// GOAL: A reachable peripheral connects on the first attempt
	//
	// TEST SCENARIO: target completes on dial → operation settles with the handle → one attempt used

	suite.start()
	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{Window: time.Second, Attempts: 3})
	t.onDial = func() { go con.Complete(stubGATT{}) }

	suite.Require().NoError(con.Start())
	gatt, err := suite.wait(con)

	suite.Assert().NoError(err, "connect MUST succeed")
	suite.Assert().NotNil(gatt, "connect MUST yield a handle")
	suite.Assert().Equal(1, con.AttemptsStarted(), "MUST use exactly one attempt")
	suite.Assert().Equal(0, t.Releases(), "successful handle MUST NOT be released")
}

func (suite *SchedulerTestSuite) TestExhaustsAttempts() {
	// GOAL: An unreachable peripheral gets exactly N attempts then a nil result
	//
	// TEST SCENARIO: target never connects, 3 attempts → nil handle, no error → 3 dials and releases

	suite.start()
	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{Window: 50 * time.Millisecond, Attempts: 3})

	suite.Require().NoError(con.Start())
	gatt, err := suite.wait(con)

	suite.Assert().NoError(err, "exhaustion MUST NOT be an error")
	suite.Assert().Nil(gatt, "exhaustion MUST yield no handle")
	suite.Assert().Len(t.Dials(), 3, "MUST dial exactly three times")
	suite.Assert().Equal(3, t.Releases(), "every failed attempt MUST release its handle")
	suite.Assert().Equal(0, con.Remaining())
}

func (suite *SchedulerTestSuite) TestNonTransientFailure() {
	// GOAL: A genuine driver failure ends the operation without retrying
	//
	// TEST SCENARIO: failure callback with an auth status → ConnectionError carrying the status → single attempt

	suite.start()
	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{Window: time.Second, Attempts: 3})
	t.onDial = func() {
		go func() {
			con.AttemptFailed(radio.StatusInsufficientAuthentication)
			t.drop()
			suite.sched.Reschedule()
		}()
	}

	suite.Require().NoError(con.Start())
	_, err := suite.wait(con)

	suite.Require().Error(err)
	suite.Assert().ErrorIs(err, radio.ErrConnection, "MUST fail with a connection error")
	var cerr *radio.ConnectionError
	suite.Require().ErrorAs(err, &cerr)
	suite.Assert().Equal(radio.StatusInsufficientAuthentication, cerr.Status)
	suite.Assert().Len(t.Dials(), 1, "MUST NOT retry")
}

func (suite *SchedulerTestSuite) TestTransientFailureRetries() {
	// GOAL: A transient establishment failure is retried
	//
	// TEST SCENARIO: every attempt fails with a timeout status, 2 attempts → both used → nil handle

	suite.start()
	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{Window: time.Second, Attempts: 2})
	t.onDial = func() {
		go func() {
			con.AttemptFailed(radio.StatusConnectionFailedToEstablish)
			t.drop()
			suite.sched.Reschedule()
		}()
	}

	suite.Require().NoError(con.Start())
	gatt, err := suite.wait(con)

	suite.Assert().NoError(err)
	suite.Assert().Nil(gatt)
	suite.Assert().Len(t.Dials(), 2, "MUST retry once")
}

func (suite *SchedulerTestSuite) TestCancelBeforeAttempt() {
	// GOAL: Canceling a pending operation never dials
	//
	// TEST SCENARIO: attempt aligned far in the future → cancel → Canceled, no dial, not pending

	suite.start()
	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{
		Reference: time.Now().Add(5 * time.Second),
		Period:    time.Minute,
		Window:    time.Second,
		Attempts:  1,
	})

	suite.Require().NoError(con.Start())
	suite.Eventually(func() bool {
		snap, err := suite.sched.Snapshot(suite.ctx)
		return err == nil && len(snap.Pending) == 1
	}, time.Second, 10*time.Millisecond, "operation MUST be pending")

	suite.sched.Cancel(con)
	_, err := suite.wait(con)

	suite.Assert().ErrorIs(err, radio.ErrCanceled, "MUST settle as canceled")
	suite.Assert().Empty(t.Dials(), "MUST NOT dial")

	snap, err := suite.sched.Snapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Assert().Empty(snap.Pending, "canceled operation MUST leave the scheduler")
}

func (suite *SchedulerTestSuite) TestCancelDuringAttempt() {
	// GOAL: Canceling an in-flight attempt releases the handle and settles as canceled
	//
	// TEST SCENARIO: long window, cancel after dial → Canceled → handle released once

	suite.start()
	dialed := make(chan struct{})
	t := suite.target("a")
	t.onDial = func() { close(dialed) }
	con := suite.connect(t, scheduler.ConnectParams{Window: 5 * time.Second, Attempts: 1})

	suite.Require().NoError(con.Start())
	select {
	case <-dialed:
	case <-time.After(2 * time.Second):
		suite.FailNow("attempt MUST start")
	}

	suite.sched.Cancel(con)
	_, err := suite.wait(con)

	suite.Assert().ErrorIs(err, radio.ErrCanceled)
	suite.Assert().Equal(1, t.Releases(), "in-flight handle MUST be released")
	suite.Assert().Equal(1, con.Remaining(), "cancellation MUST NOT consume an attempt")
}

func (suite *SchedulerTestSuite) TestTieGoesToFirstSubmitted() {
	// GOAL: Operations with identical attempt times are served in submission order
	//
	// TEST SCENARIO: two unaligned operations queued before the loop runs → first dials first

	suite.start()
	a := suite.target("a")
	b := suite.target("b")
	conA := suite.connect(a, scheduler.ConnectParams{Window: time.Second, Attempts: 1})
	conB := suite.connect(b, scheduler.ConnectParams{Window: time.Second, Attempts: 1})
	a.onDial = func() { go conA.Complete(stubGATT{}) }
	b.onDial = func() { go conB.Complete(stubGATT{}) }

	suite.Require().NoError(conA.Start())
	suite.Require().NoError(conB.Start())
	_, errA := suite.wait(conA)
	_, errB := suite.wait(conB)

	suite.Require().NoError(errA)
	suite.Require().NoError(errB)
	suite.Assert().Equal([]string{"dial:a", "dial:b"}, suite.rec.Events(), "MUST dial in submission order")
}

func (suite *SchedulerTestSuite) TestAttemptsAlignToPeriod() {
	// GOAL: Attempts start on the advertising pattern of the peripheral
	//
	// TEST SCENARIO: 300ms period anchored now, 2 failed attempts → each dial lands on a period boundary

	suite.start()
	period := 300 * time.Millisecond
	ref := time.Now()
	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{
		Reference: ref,
		Period:    period,
		Window:    50 * time.Millisecond,
		Attempts:  2,
	})

	suite.Require().NoError(con.Start())
	_, err := suite.wait(con)
	suite.Require().NoError(err)

	dials := t.Dials()
	suite.Require().Len(dials, 2)
	for i, d := range dials {
		offset := d.Sub(ref) % period
		suite.Assert().Less(offset, 80*time.Millisecond, "dial %d MUST be aligned to the period, offset %s", i, offset)
	}
	suite.Assert().GreaterOrEqual(dials[1].Sub(dials[0]), period-50*time.Millisecond, "attempts MUST be a period apart")
}

func (suite *SchedulerTestSuite) TestScanPausedForAttempt() {
	// GOAL: Scanning stops before an attempt and resumes afterwards while subscribers remain
	//
	// TEST SCENARIO: active scan → connect → stop, settle delay, dial → scan restarts

	suite.start()
	sub := scheduler.NewSubscription(nil, func(radio.Advertisement) {}, nil)
	suite.Require().NoError(suite.sched.Subscribe(sub))
	suite.Eventually(func() bool {
		return len(suite.rec.Events()) == 1
	}, time.Second, 10*time.Millisecond, "scan MUST start")

	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{Window: time.Second, Attempts: 1})
	t.onDial = func() { go con.Complete(stubGATT{}) }
	suite.Require().NoError(con.Start())
	_, err := suite.wait(con)
	suite.Require().NoError(err)

	suite.Eventually(func() bool {
		return len(suite.rec.Events()) == 4
	}, time.Second, 10*time.Millisecond, "scan MUST resume")
	suite.Assert().Equal([]string{"start", "stop", "dial:a", "start"}, suite.rec.Events())

	gap := suite.rec.TimeOf("dial:a").Sub(suite.rec.TimeOf("stop"))
	suite.Assert().GreaterOrEqual(gap, suite.opts.StopDelay, "dial MUST wait the stop delay")
}

func (suite *SchedulerTestSuite) TestNoScanWhileConnected() {
	// GOAL: Scanning is suppressed while any connection is active
	//
	// TEST SCENARIO: connection open → subscribe → no scan → connection closed → scan starts

	suite.start()
	suite.sched.ConnectionOpened()
	sub := scheduler.NewSubscription(nil, func(radio.Advertisement) {}, nil)
	suite.Require().NoError(suite.sched.Subscribe(sub))

	time.Sleep(100 * time.Millisecond)
	suite.Assert().Empty(suite.rec.Events(), "MUST NOT scan with an active connection")

	suite.sched.ConnectionClosed()
	suite.Eventually(func() bool {
		return len(suite.rec.Events()) > 0
	}, time.Second, 10*time.Millisecond, "scan MUST start once the connection is gone")
}

func (suite *SchedulerTestSuite) TestFilterUnion() {
	// GOAL: The driver filter is the union of subscriber filters, or none if one wants everything
	//
	// TEST SCENARIO: subscribe A → [A] → add B → restart with [A B] → add unfiltered → restart unfiltered

	a := ble.UUID16(0x180D)
	b := ble.UUID16(0x180F)
	noop := func(radio.Advertisement) {}

	suite.start()
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription([]ble.UUID{a}, noop, nil)))
	suite.Eventually(func() bool {
		f := suite.rec.LastFilters()
		return len(f) == 1 && f[0].Equal(a)
	}, time.Second, 10*time.Millisecond, "scan MUST filter on A")

	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription([]ble.UUID{b}, noop, nil)))
	suite.Eventually(func() bool {
		f := suite.rec.LastFilters()
		return len(f) == 2 && radio.ContainsUUID(f, a) && radio.ContainsUUID(f, b)
	}, time.Second, 10*time.Millisecond, "scan MUST restart filtering on A and B")

	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription(nil, noop, nil)))
	suite.Eventually(func() bool {
		return suite.rec.LastFilters() == nil && len(suite.rec.Events()) == 5
	}, time.Second, 10*time.Millisecond, "scan MUST restart unfiltered")
	suite.Assert().Equal([]string{"start", "stop", "start", "stop", "start"}, suite.rec.Events())
}

func (suite *SchedulerTestSuite) TestDispatchHonorsSubscriberFilter() {
	// GOAL: Each subscriber only sees advertisements matching its own filter
	//
	// TEST SCENARIO: subscribers for A and for all → advertise A and B → A-subscriber sees 1, all-subscriber sees 2

	a := ble.UUID16(0x180D)
	b := ble.UUID16(0x180F)

	var mu sync.Mutex
	got := map[string][]string{}
	collect := func(name string) func(radio.Advertisement) {
		return func(adv radio.Advertisement) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], adv.Name)
		}
	}

	suite.start()
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription([]ble.UUID{a}, collect("a"), nil)))
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription(nil, collect("all"), nil)))

	suite.sched.HandleScanEvent(radio.Advertisement{Name: "hr", Services: []ble.UUID{a}})
	suite.sched.HandleScanEvent(radio.Advertisement{Name: "battery", Services: []ble.UUID{b}})

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["all"]) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	suite.Assert().Equal([]string{"hr"}, got["a"], "filtered subscriber MUST only see matching advertisements")
	suite.Assert().Equal([]string{"hr", "battery"}, got["all"], "advertisements MUST arrive in order")
}

func (suite *SchedulerTestSuite) TestScanFailureTerminatesSubscriptions() {
	// GOAL: A driver scan failure reaches every subscriber and ends their subscriptions
	//
	// TEST SCENARIO: two subscribers → ScanFailed → both fail with ScanError → registry empty

	var mu sync.Mutex
	var errs []error
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}

	suite.start()
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription(nil, func(radio.Advertisement) {}, fail)))
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription(nil, func(radio.Advertisement) {}, fail)))
	suite.Eventually(func() bool { return len(suite.rec.Events()) > 0 }, time.Second, 10*time.Millisecond)

	suite.sched.HandleScanEvent(radio.ScanFailed{Err: errors.New("radio reset")})

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 2
	}, time.Second, 10*time.Millisecond, "both subscribers MUST be failed")

	mu.Lock()
	for _, err := range errs {
		suite.Assert().ErrorIs(err, radio.ErrScan)
	}
	mu.Unlock()

	snap, err := suite.sched.Snapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Assert().Zero(snap.Subscriptions)
	suite.Assert().False(snap.Scanning)
}

func (suite *SchedulerTestSuite) TestStartScanError() {
	// GOAL: A scan that cannot start fails its subscribers instead of spinning
	//
	// TEST SCENARIO: scanner refuses to start → subscriber failed with ScanError

	suite.rec.startErr = fmt.Errorf("adapter busy")
	failed := make(chan error, 1)

	suite.start()
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription(nil, func(radio.Advertisement) {}, func(err error) {
		failed <- err
	})))

	select {
	case err := <-failed:
		suite.Assert().ErrorIs(err, radio.ErrScan)
	case <-time.After(time.Second):
		suite.Fail("subscriber MUST be failed")
	}
}

func (suite *SchedulerTestSuite) TestSilentScanIsInterrupted() {
	// GOAL: A scan producing nothing is paused and later resumed
	//
	// TEST SCENARIO: short continuous window, no advertisements → start, stop, start

	suite.opts.ContinuousScan = 80 * time.Millisecond
	suite.opts.ScanInterruption = 50 * time.Millisecond
	suite.start()
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription(nil, func(radio.Advertisement) {}, nil)))

	suite.Eventually(func() bool {
		return len(suite.rec.Events()) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	suite.Assert().Equal([]string{"start", "stop", "start"}, suite.rec.Events()[:3])
}

func (suite *SchedulerTestSuite) TestShutdownCancelsPending() {
	// GOAL: Stopping the scheduler settles every pending operation
	//
	// TEST SCENARIO: pending far-future operation → cancel context → operation canceled, scan subscription failed

	suite.start()
	failed := make(chan error, 1)
	suite.Require().NoError(suite.sched.Subscribe(scheduler.NewSubscription(nil, func(radio.Advertisement) {}, func(err error) {
		failed <- err
	})))
	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{
		Reference: time.Now().Add(time.Hour),
		Period:    2 * time.Hour,
		Window:    time.Second,
		Attempts:  1,
	})
	suite.Require().NoError(con.Start())
	suite.Eventually(func() bool {
		snap, err := suite.sched.Snapshot(suite.ctx)
		return err == nil && len(snap.Pending) == 1
	}, time.Second, 10*time.Millisecond)

	suite.cancel()
	<-suite.sched.Done()

	_, err := con.Wait(context.Background())
	suite.Assert().ErrorIs(err, radio.ErrCanceled)
	suite.Assert().ErrorIs(<-failed, radio.ErrCanceled)
	suite.Assert().ErrorIs(suite.sched.Enqueue(con), scheduler.ErrStopped)
}

func (suite *SchedulerTestSuite) TestUnsubscribeStopsScan() {
	// GOAL: Removing the last subscriber ends its stream and stops scanning
	//
	// TEST SCENARIO: subscribe → scan starts → unsubscribe → end(nil) → scan stops

	ended := make(chan error, 1)
	sub := scheduler.NewSubscription(nil, func(radio.Advertisement) {}, func(err error) { ended <- err })

	suite.start()
	suite.Require().NoError(suite.sched.Subscribe(sub))
	suite.Eventually(func() bool { return len(suite.rec.Events()) == 1 }, time.Second, 10*time.Millisecond)

	suite.sched.Unsubscribe(sub)

	select {
	case err := <-ended:
		suite.Assert().NoError(err, "graceful removal MUST end without error")
	case <-time.After(time.Second):
		suite.FailNow("subscription MUST be ended")
	}
	suite.Eventually(func() bool {
		return len(suite.rec.Events()) == 2
	}, time.Second, 10*time.Millisecond, "scan MUST stop")
	suite.Assert().Equal([]string{"start", "stop"}, suite.rec.Events())
}

func (suite *SchedulerTestSuite) TestScanNotResumedWithoutSubscribers() {
	// GOAL: After an attempt, scanning resumes only if a subscription remains
	//
	// TEST SCENARIO: active scan → connect → subscriber leaves during the attempt → attempt succeeds → no new scan

	suite.start()
	sub := scheduler.NewSubscription(nil, func(radio.Advertisement) {}, nil)
	suite.Require().NoError(suite.sched.Subscribe(sub))
	suite.Eventually(func() bool {
		return len(suite.rec.Events()) == 1
	}, time.Second, 10*time.Millisecond, "scan MUST start")

	t := suite.target("a")
	con := suite.connect(t, scheduler.ConnectParams{Window: time.Second, Attempts: 1})
	t.onDial = func() {
		go func() {
			suite.sched.Unsubscribe(sub)
			con.Complete(stubGATT{})
		}()
	}
	suite.Require().NoError(con.Start())
	_, err := suite.wait(con)
	suite.Require().NoError(err)

	suite.Eventually(func() bool {
		snap, err := suite.sched.Snapshot(suite.ctx)
		return err == nil && snap.Subscriptions == 0 && len(snap.Pending) == 0
	}, time.Second, 10*time.Millisecond, "subscription and operation MUST be gone")
	time.Sleep(100 * time.Millisecond)

	suite.Assert().Equal([]string{"start", "stop", "dial:a"}, suite.rec.Events(), "scan MUST NOT restart without subscribers")
	snap, err := suite.sched.Snapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Assert().False(snap.Scanning)
}

func (suite *SchedulerTestSuite) TestPostsRacingShutdownAreSettled() {
	// GOAL: Every subscription or operation the scheduler accepts is settled when it stops, even when posted during shutdown
	//
	// TEST SCENARIO: repeatedly cancel the loop while subscribing and enqueueing → accepted subscriptions end,
	// every operation settles

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		sched := scheduler.New(&recorder{}, suite.opts, logger)
		sched.Start(ctx)

		ended := make(chan error, 1)
		sub := scheduler.NewSubscription(nil, func(radio.Advertisement) {}, func(err error) { ended <- err })
		con, err := scheduler.NewConnectOperation(suite.target("a"), scheduler.ConnectParams{
			Reference: time.Now().Add(time.Hour),
			Period:    2 * time.Hour,
			Window:    time.Second,
			Attempts:  1,
		}, func(c *scheduler.ConnectOperation) error { return sched.Enqueue(c) }, nil)
		suite.Require().NoError(err)

		accepted := make(chan bool, 1)
		go func() {
			ok := sched.Subscribe(sub) == nil
			if err := con.Start(); err != nil {
				con.Fail(err)
			}
			accepted <- ok
		}()
		cancel()
		<-sched.Done()

		if <-accepted {
			select {
			case err := <-ended:
				suite.Assert().ErrorIs(err, radio.ErrCanceled, "iteration %d: accepted subscription MUST end canceled", i)
			case <-time.After(time.Second):
				suite.FailNow("accepted subscription MUST be ended", "iteration %d", i)
			}
		}

		waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
		_, err = con.Wait(waitCtx)
		waitCancel()
		suite.Require().NotErrorIs(err, context.DeadlineExceeded, "iteration %d: operation MUST settle", i)
		suite.Assert().Error(err, "iteration %d: operation MUST NOT connect", i)
	}
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}
