package operation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blesched/internal/operation"
	"github.com/srg/blesched/internal/radio"
)

type reportLog struct {
	mu     sync.Mutex
	states map[uint64][]operation.State
}

func (r *reportLog) Report(op operation.Op, st operation.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = map[uint64][]operation.State{}
	}
	r.states[op.ID()] = append(r.states[op.ID()], st)
}

func (r *reportLog) For(id uint64) []operation.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]operation.State(nil), r.states[id]...)
}

type QueueTestSuite struct {
	suite.Suite

	queue    *operation.Queue
	reporter *reportLog
	ctx      context.Context
	cancel   context.CancelFunc
}

func (suite *QueueTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	suite.reporter = &reportLog{}
	suite.queue = operation.NewQueue("test", logger, suite.reporter)
	suite.ctx, suite.cancel = context.WithTimeout(context.Background(), 5*time.Second)
}

func (suite *QueueTestSuite) TearDownTest() {
	suite.cancel()
}

func (suite *QueueTestSuite) TestSerialExecution() {
	// GOAL: Operations run one at a time in submission order
	//
	// TEST SCENARIO: 10 ops settling asynchronously → start order matches submission → never two active

	var mu sync.Mutex
	var order []int
	active := 0
	maxActive := 0

	ops := make([]*operation.Operation[int], 10)
	for i := range ops {
		i := i
		ops[i] = operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, func(op *operation.Operation[int]) error {
			mu.Lock()
			order = append(order, i)
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			go func() {
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				op.Complete(i)
			}()
			return nil
		}), 0)
	}

	suite.Require().NoError(suite.queue.WaitIdle(suite.ctx), "queue MUST drain")

	mu.Lock()
	defer mu.Unlock()
	suite.Assert().Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order, "operations MUST start in FIFO order")
	suite.Assert().Equal(1, maxActive, "at most one operation MUST be active")
	for i, op := range ops {
		v, err := op.Result()
		suite.Assert().NoError(err)
		suite.Assert().Equal(i, v)
	}
}

func (suite *QueueTestSuite) TestFailureDoesNotBlockQueue() {
	// GOAL: A failed operation does not stall those after it
	//
	// TEST SCENARIO: start error, start panic, then a normal op → first two failed → third completes

	failing := operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, func(*operation.Operation[int]) error {
		return errors.New("refused")
	}), 0)
	panicking := operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, func(*operation.Operation[int]) error {
		panic("driver exploded")
	}), 0)
	ok := operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, func(op *operation.Operation[int]) error {
		op.Complete(1)
		return nil
	}), 0)

	_, err := ok.Wait(suite.ctx)
	suite.Require().NoError(err)

	suite.Assert().Equal(operation.StateFailed, failing.State())
	suite.Assert().ErrorContains(failing.Err(), "refused")
	suite.Assert().Equal(operation.StateFailed, panicking.State())
	suite.Assert().ErrorContains(panicking.Err(), "crashed on start")
}

func (suite *QueueTestSuite) TestTimeout() {
	// GOAL: An operation that never settles is timed out after its cleanup hook ran
	//
	// TEST SCENARIO: op never completes, 30ms timeout → OnTimeout invoked → TimedOut with TimeoutError

	cleaned := make(chan struct{})
	op := operation.Enqueue(suite.queue, operation.New[int](operation.KindReadCharacteristic,
		func(*operation.Operation[int]) error { return nil },
		operation.WithTimeoutHandler[int](func(*operation.Operation[int]) { close(cleaned) }),
	), 30*time.Millisecond)

	_, err := op.Wait(suite.ctx)

	suite.Assert().ErrorIs(err, radio.ErrTimeout, "MUST time out")
	suite.Assert().Equal(operation.StateTimedOut, op.State())
	select {
	case <-cleaned:
	default:
		suite.Fail("OnTimeout MUST run before the abort")
	}
}

func (suite *QueueTestSuite) TestTimeoutNotArmedDuringPreDelay() {
	// GOAL: The timeout counts from the start, not from submission
	//
	// TEST SCENARIO: 60ms pre-delay, 40ms timeout, completes 10ms after start → completes, not timed out

	start := time.Now()
	var startedAt time.Time
	op := operation.Enqueue(suite.queue, operation.New[int](operation.KindWriteCharacteristic,
		func(op *operation.Operation[int]) error {
			startedAt = time.Now()
			time.AfterFunc(10*time.Millisecond, func() { op.Complete(7) })
			return nil
		},
		operation.WithStartDelay[int](60*time.Millisecond),
	), 40*time.Millisecond)

	v, err := op.Wait(suite.ctx)

	suite.Require().NoError(err, "pre-delay MUST NOT count against the timeout")
	suite.Assert().Equal(7, v)
	suite.Assert().GreaterOrEqual(startedAt.Sub(start), 60*time.Millisecond, "start MUST follow the pre-delay")
	suite.Assert().Contains(suite.reporter.For(op.ID()), operation.StateDelayed)
}

func (suite *QueueTestSuite) TestSettledBeforeStartIsSkipped() {
	// GOAL: An operation canceled while queued never starts
	//
	// TEST SCENARIO: blocker running → queued op canceled → blocker completes → queued start never invoked

	blocker := operation.New[int](operation.KindCustom, func(*operation.Operation[int]) error { return nil })
	operation.Enqueue(suite.queue, blocker, 0)

	started := false
	queued := operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, func(*operation.Operation[int]) error {
		started = true
		return nil
	}), 0)

	queued.Cancel()
	blocker.Complete(0)
	suite.Require().NoError(suite.queue.WaitIdle(suite.ctx))

	suite.Assert().False(started, "canceled operation MUST NOT start")
	suite.Assert().Equal(operation.StateCanceled, queued.State())
}

func (suite *QueueTestSuite) TestAbortAffectsCurrentOnly() {
	// GOAL: Queue.Abort settles the executing operation and leaves queued ones alone
	//
	// TEST SCENARIO: first op running, second queued → Abort → first failed → second runs normally

	running := make(chan struct{})
	first := operation.Enqueue(suite.queue, operation.New[int](operation.KindDiscoverServices, func(*operation.Operation[int]) error {
		close(running)
		return nil
	}), 0)
	second := operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, func(op *operation.Operation[int]) error {
		op.Complete(2)
		return nil
	}), 0)

	<-running
	cur, ok := suite.queue.Current(operation.KindDiscoverServices)
	suite.Require().True(ok, "first operation MUST be current")
	suite.Assert().Equal(first.ID(), cur.ID())

	_, ok = suite.queue.Current(operation.KindReadCharacteristic)
	suite.Assert().False(ok, "Current MUST match the kind")

	suite.Assert().True(suite.queue.Abort(radio.ErrConnectionLost))

	v, err := second.Wait(suite.ctx)
	suite.Require().NoError(err)
	suite.Assert().Equal(2, v)
	suite.Assert().ErrorIs(first.Err(), radio.ErrConnectionLost)
}

func (suite *QueueTestSuite) TestCurrentAs() {
	running := make(chan struct{})
	op := operation.New[[]byte](operation.KindReadCharacteristic, func(*operation.Operation[[]byte]) error {
		close(running)
		return nil
	})
	operation.Enqueue(suite.queue, op, 0)
	<-running

	got, ok := operation.CurrentAs[*operation.Operation[[]byte]](suite.queue, operation.KindReadCharacteristic)
	suite.Require().True(ok)
	suite.Assert().Same(op, got)

	_, ok = operation.CurrentAs[*operation.Operation[int]](suite.queue, operation.KindReadCharacteristic)
	suite.Assert().False(ok, "CurrentAs MUST reject a mismatched type")

	op.Complete([]byte{1})
	suite.Require().NoError(suite.queue.WaitIdle(suite.ctx))
	_, ok = operation.CurrentAs[*operation.Operation[[]byte]](suite.queue, operation.KindReadCharacteristic)
	suite.Assert().False(ok, "settled operation MUST NOT be current")
}

func (suite *QueueTestSuite) TestIdle() {
	suite.Assert().True(suite.queue.IsIdle(), "empty queue MUST be idle")

	op := operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, nil), 0)
	suite.Assert().False(suite.queue.IsIdle(), "queue with an unsettled operation MUST NOT be idle")

	op.Complete(0)
	suite.Require().NoError(suite.queue.WaitIdle(suite.ctx))
	suite.Assert().True(suite.queue.IsIdle())
}

func (suite *QueueTestSuite) TestReporterSeesLifecycle() {
	op := operation.Enqueue(suite.queue, operation.New[int](operation.KindCustom, func(op *operation.Operation[int]) error {
		op.Complete(0)
		return nil
	}), 0)
	suite.Require().NoError(suite.queue.WaitIdle(suite.ctx))

	suite.Assert().Equal([]operation.State{
		operation.StateCreated,
		operation.StateStarted,
		operation.StateCompleted,
	}, suite.reporter.For(op.ID()))
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
