package central

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/blesched/internal/ringchan"
	"github.com/srg/blesched/internal/scheduler"
)

// Advertisement is an advertising report tied to its Peripheral
type Advertisement struct {
	Peripheral *Peripheral
	Name       string
	RSSI       int
	TxPower    int
	Services   []ble.UUID
	Payload    []byte
	Timestamp  time.Time
}

// Address returns the advertiser address
func (a *Advertisement) Address() string {
	return a.Peripheral.Address()
}

func (a *Advertisement) String() string {
	services := make([]string, len(a.Services))
	for i, u := range a.Services {
		services[i] = u.String()
	}
	return fmt.Sprintf("%s name=%q rssi=%d services=[%s]", a.Address(), a.Name, a.RSSI, strings.Join(services, ","))
}

// Scan is one scan subscription. Advertisements are delivered on C; when the
// buffer is full the oldest undelivered one is dropped.
type Scan struct {
	adapter *Adapter
	sub     *scheduler.Subscription
	ring    *ringchan.RingChannel[*Advertisement]

	mu   sync.Mutex
	err  error
	once sync.Once
}

// C delivers advertisements until the scan ends
func (s *Scan) C() <-chan *Advertisement {
	return s.ring.C()
}

// Err reports why the scan ended. It is nil while the scan runs and after Close.
func (s *Scan) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of advertisements lost to a full buffer
func (s *Scan) Dropped() int64 {
	_, overwritten := s.ring.Stats()
	return overwritten
}

// Close ends the subscription. The radio scan stops once no subscription is left.
func (s *Scan) Close() {
	s.adapter.sched.Unsubscribe(s.sub)
}

// end runs on the scheduler loop when the subscription is removed or fails
func (s *Scan) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.ring.Close()
	})
}
