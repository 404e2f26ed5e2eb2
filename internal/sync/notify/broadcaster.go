// Package notify provides fan-out of events to subscribers with unbounded
// per-subscriber queues, so a slow reader never blocks the publisher.
package notify

import "sync"

// Broadcaster delivers every published item to each matching subscriber in
// publish order.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe registers a subscriber. filter may be nil to receive everything.
// The returned cancel func stops delivery and closes the channel; it is safe
// to call more than once. Subscribing to a closed broadcaster returns a
// closed channel.
func (b *Broadcaster[T]) Subscribe(filter func(T) bool) (<-chan T, func()) {
	s := &subscriber[T]{
		filter: filter,
		wake:   make(chan struct{}, 1),
		out:    make(chan T),
		stop:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.cancel()
	}
	return s.out, cancel
}

// Publish queues item for every matching subscriber. It never blocks.
func (b *Broadcaster[T]) Publish(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.filter == nil || s.filter(item) {
			s.push(item)
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drains queued items to each subscriber and then closes its channel.
// Later publishes are dropped.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.finish()
		delete(b.subs, id)
	}
}

type subscriber[T any] struct {
	filter func(T) bool

	mu       sync.Mutex
	queue    []T
	finished bool

	wake     chan struct{}
	out      chan T
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber[T]) push(item T) {
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		item := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- item:
		case <-s.stop:
			return
		}
	}
}
