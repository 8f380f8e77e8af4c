// Package trace keeps a bounded history of operation lifecycle events for
// diagnostics. Recording never blocks: once the buffer is full the oldest
// events are overwritten.
package trace

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blesched/internal/operation"
)

// MaxBufferSize guards against accidental misconfiguration
const MaxBufferSize uint32 = 1 << 16

// Event is one recorded lifecycle transition
type Event struct {
	Time        time.Time
	OperationID uint64
	Operation   string
	Kind        operation.Kind
	State       operation.State
	Err         string
}

func (e Event) String() string {
	s := fmt.Sprintf("%s %s %s", e.Time.Format("15:04:05.000"), e.Operation, e.State)
	if e.Err != "" {
		s += ": " + e.Err
	}
	return s
}

// Recorder implements operation.Reporter on top of an overlapped ring buffer.
type Recorder struct {
	buffer      mpmc.RichOverlappedRingBuffer[Event]
	recorded    atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
	now         func() time.Time
}

// NewRecorder creates a recorder keeping up to size events
func NewRecorder(size uint32) (*Recorder, error) {
	if size == 0 {
		return nil, fmt.Errorf("trace buffer size must be > 0")
	}
	if size > MaxBufferSize {
		return nil, fmt.Errorf("trace buffer size %d exceeds maximum %d", size, MaxBufferSize)
	}
	return &Recorder{
		buffer: mpmc.NewOverlappedRingBuffer[Event](size),
		now:    time.Now,
	}, nil
}

// Report records a lifecycle transition of op
func (r *Recorder) Report(op operation.Op, st operation.State) {
	ev := Event{
		Time:        r.now(),
		OperationID: op.ID(),
		Operation:   op.String(),
		Kind:        op.Kind(),
		State:       st,
	}
	if st.Terminal() {
		if err := op.Err(); err != nil {
			ev.Err = err.Error()
		}
	}

	overwrites, err := r.buffer.EnqueueM(ev)
	if err != nil {
		r.errors.Add(1)
		return
	}
	r.overwritten.Add(int64(overwrites))
	r.recorded.Add(1)
}

// Drain removes and returns every buffered event, oldest first
func (r *Recorder) Drain() []Event {
	var out []Event
	for !r.buffer.IsEmpty() {
		ev, err := r.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// Stats returns the number of recorded, overwritten and failed records
func (r *Recorder) Stats() (recorded, overwritten, failed int64) {
	return r.recorded.Load(), r.overwritten.Load(), r.errors.Load()
}
