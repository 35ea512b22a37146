// Package events is the in-process publish/subscribe channel that fans model
// progress and readiness out to feature modules, the reconciler and remote
// websocket clients.
package events

import "sync"

// Reporter publishes events.
type Reporter interface {
	Report(Event)
}

// Bus delivers every published event to every subscriber attached at the
// moment of publication. Each subscriber has an unbounded FIFO queue, so a
// slow consumer never blocks the publisher and never loses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

var _ Reporter = (*Bus)(nil)

// Subscribe attaches a new subscriber. Events published before this call are
// not replayed. On a closed bus the returned subscription is already closed.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:      b,
		wake:     make(chan struct{}, 1),
		out:      make(chan Event),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
	}
	go s.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.stop()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish enqueues e for every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.push(e)
	}
}

func (b *Bus) Report(e Event) { b.Publish(e) }

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus *Bus

	mu    sync.Mutex
	queue []Event

	wake      chan struct{}
	out       chan Event
	done      chan struct{}
	draining  chan struct{}
	once      sync.Once
	drainOnce sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event { return s.out }

// Close detaches the subscriber. Undelivered events are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

// Detach stops delivery of new events but keeps delivering the ones already
// queued; C is closed once the queue is empty. Close still discards.
func (s *Subscription) Detach() {
	s.bus.remove(s)
	s.drainOnce.Do(func() { close(s.draining) })
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			case <-s.draining:
				return
			}
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
