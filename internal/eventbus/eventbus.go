// Package eventbus provides the in-process pub/sub fabric carrying campaign,
// delivery and reply events between the dispatch core and observers.
package eventbus

import "sync"

// Event is an arbitrary value published on the bus; subscribers type-switch
// on the concrete event structs they care about.
type Event any

// EventBus fans published events out to every subscriber.
type EventBus interface {
	Publish(Event)
	Subscribe() <-chan Event
	Unsubscribe(<-chan Event)
	Close()
}

const defaultBuffer = 16

// Bus is the channel-backed EventBus. Publishing never blocks: a subscriber
// whose buffer is full misses the event rather than stalling a dispatch.
type Bus struct {
	mu     sync.RWMutex
	subs   map[<-chan Event]chan Event
	buffer int
	closed bool
}

// New creates a Bus with the default per-subscriber buffer.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event), buffer: defaultBuffer}
}

// Publish delivers the event to all current subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its receive channel. After
// Close the returned channel is already closed.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[sub]
	if !ok {
		return
	}
	delete(b.subs, sub)
	close(ch)
}

// Close shuts the bus down and closes every subscriber channel. Further
// publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
