// Package bus fans task and skill lifecycle events out to in-process
// listeners such as the poller wakeup and the heartbeat recorder.
//
// Publish never blocks. A subscriber whose buffer is full loses the event
// and the loss is counted on its Subscription.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

type Event struct {
	Topic   string
	Payload any
	At      time.Time
	// Seq increases by one per Publish on a given Bus.
	Seq uint64
}

type Subscription struct {
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// wants reports whether topic starts with one of the prefixes. An empty
// prefix list, or an empty prefix, selects every topic.
func (s *Subscription) wants(topic string) bool {
	return len(s.prefixes) == 0 || slices.ContainsFunc(s.prefixes, func(p string) bool {
		return strings.HasPrefix(topic, p)
	})
}

type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
	seq  atomic.Uint64
	now  func() time.Time
}

func New() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers a listener for topics beginning with any of prefixes.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	sub := &Subscription{
		prefixes: slices.Clone(prefixes),
		ch:       make(chan Event, defaultBufferSize),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.subs, sub)
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(sub.ch)
}

// Publish delivers to every matching subscriber. Safe on a nil Bus.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload, At: b.now(), Seq: b.seq.Add(1)}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
