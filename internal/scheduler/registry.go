package scheduler

import (
	"sync/atomic"

	"github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blesched/internal/radio"
)

var lastSubscriptionID atomic.Uint64

// Subscription is a registered scan consumer. Services restricts delivery to
// advertisements listing at least one of them; an empty list accepts all.
type Subscription struct {
	id       uint64
	services []ble.UUID
	deliver  func(radio.Advertisement)
	end      func(error)
}

// NewSubscription creates a scan subscription. deliver and end run on the
// scheduler goroutine and must not block. end is called once when the
// subscription leaves the scheduler, with a nil error after Unsubscribe.
func NewSubscription(services []ble.UUID, deliver func(radio.Advertisement), end func(error)) *Subscription {
	if len(services) == 0 {
		services = nil
	}
	return &Subscription{
		id:       lastSubscriptionID.Add(1),
		services: services,
		deliver:  deliver,
		end:      end,
	}
}

func (s *Subscription) ID() uint64 { return s.id }

// Services returns the service filter, nil when unfiltered
func (s *Subscription) Services() []ble.UUID { return s.services }

func (s *Subscription) accepts(adv radio.Advertisement) bool {
	return s.services == nil || adv.HasService(s.services)
}

// DeriveFilters merges per-subscriber service filters into the driver filter.
// It returns nil, meaning unfiltered, as soon as one subscriber wants every service.
func DeriveFilters(sets ...[]ble.UUID) []ble.UUID {
	if len(sets) == 0 {
		return nil
	}
	var union []ble.UUID
	for _, set := range sets {
		if len(set) == 0 {
			return nil
		}
		for _, u := range set {
			if !radio.ContainsUUID(union, u) {
				union = append(union, u)
			}
		}
	}
	return union
}

// sameFilters compares filter sets regardless of order
func sameFilters(a, b []ble.UUID) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for _, u := range a {
		if !radio.ContainsUUID(b, u) {
			return false
		}
	}
	return true
}

// registry holds scan subscriptions in registration order. Owned by the scheduler loop.
type registry struct {
	subs *orderedmap.OrderedMap[uint64, *Subscription]
}

func newRegistry() *registry {
	return &registry{subs: orderedmap.New[uint64, *Subscription]()}
}

func (r *registry) add(s *Subscription) {
	r.subs.Set(s.id, s)
}

func (r *registry) remove(id uint64) bool {
	sub, ok := r.subs.Delete(id)
	if ok && sub.end != nil {
		sub.end(nil)
	}
	return ok
}

func (r *registry) len() int {
	return r.subs.Len()
}

func (r *registry) filters() []ble.UUID {
	sets := make([][]ble.UUID, 0, r.subs.Len())
	for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
		sets = append(sets, pair.Value.services)
	}
	return DeriveFilters(sets...)
}

func (r *registry) dispatch(adv radio.Advertisement) int {
	n := 0
	for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.deliver != nil && pair.Value.accepts(adv) {
			pair.Value.deliver(adv)
			n++
		}
	}
	return n
}

// fail terminates every subscription with err and empties the registry
func (r *registry) fail(err error) {
	for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.end != nil {
			pair.Value.end(err)
		}
	}
	r.subs = orderedmap.New[uint64, *Subscription]()
}
