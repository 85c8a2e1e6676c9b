package stream

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrBusClosed    = errors.New("event bus closed")
	ErrSlowConsumer = errors.New("subscriber fell too far behind")
)

// DefaultQueueLimit bounds how many undelivered events a subscriber may hold.
const DefaultQueueLimit = 65536

// Bus fans events for one session out to its subscribers.
//
// Publish never blocks and never drops: every subscriber has its own queue
// drained by a dedicated goroutine onto its channel. A subscriber whose queue
// exceeds the limit is detached with ErrSlowConsumer instead of silently
// losing events. Sequence numbers are assigned under one lock, so all
// subscribers observe the same total order.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	seq    uint64
	limit  int
	closed bool
}

// NewBus creates a bus. limit <= 0 selects DefaultQueueLimit.
func NewBus(limit int) *Bus {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Bus{
		subs:  make(map[*Subscription]struct{}),
		limit: limit,
	}
}

// Subscribe registers a new subscriber. Events published before this call
// are not replayed.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	s := &Subscription{
		bus:    b,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	go s.pump()

	return s, nil
}

// Publish stamps e with the next sequence number and queues it for every
// subscriber.
func (b *Bus) Publish(e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	b.seq++
	e.Seq = b.seq
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	for s := range b.subs {
		if !s.push(e, b.limit) {
			delete(b.subs, s)
		}
	}
	return nil
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events. Subscribers receive everything already
// queued, then their channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for s := range b.subs {
		s.drain()
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one observer's view of a session's events.
type Subscription struct {
	bus *Bus
	out chan Event

	mu       sync.Mutex
	queue    []Event
	draining bool
	err      error

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed after Close, after the
// bus closes and the backlog is delivered, or after the subscriber is
// detached for lagging.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscriber. Undelivered events are discarded. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.bus.remove(s)
}

// Err reports why the subscription ended early, if it did.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// push queues e. It reports false when the subscriber is gone or has just
// been detached for lagging. Called with the bus lock held.
func (s *Subscription) push(e Event, limit int) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	if len(s.queue) >= limit {
		s.err = ErrSlowConsumer
		s.queue = nil
		s.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	s.wake()
	return true
}

func (s *Subscription) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.draining {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
