package stimulus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/timzifer/pulseinj/injector"
)

// ErrBufferOverflow is returned when a push overwrites the oldest event.
var ErrBufferOverflow = errors.New("event buffer overflow")

// EventBuffer is a fixed-size FIFO ring of framing events. It is safe for one
// producer goroutine and the tick loop to use concurrently.
type EventBuffer struct {
	capacity int

	mu      sync.Mutex
	events  []injector.Event
	head    int
	size    int
	dropped uint64
}

// NewEventBuffer constructs a buffer holding up to capacity events.
func NewEventBuffer(capacity int) (*EventBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("event buffer must have positive capacity, got %d", capacity)
	}
	return &EventBuffer{capacity: capacity, events: make([]injector.Event, capacity)}, nil
}

// Capacity returns the maximum number of queued events.
func (b *EventBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

// Push queues an event. When the buffer is full the oldest event is
// overwritten, counted as dropped and ErrBufferOverflow is returned.
func (b *EventBuffer) Push(ev injector.Event) error {
	if b == nil {
		return errors.New("event buffer is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < b.capacity {
		b.events[(b.head+b.size)%b.capacity] = ev
		b.size++
		return nil
	}
	b.events[b.head] = ev
	b.head = (b.head + 1) % b.capacity
	b.dropped++
	return ErrBufferOverflow
}

// Pop removes the oldest queued event.
func (b *EventBuffer) Pop() (injector.Event, bool) {
	if b == nil {
		return injector.Event{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return injector.Event{}, false
	}
	ev := b.events[b.head]
	b.events[b.head] = injector.Event{}
	b.head = (b.head + 1) % b.capacity
	b.size--
	return ev, true
}

// Len returns the number of queued events.
func (b *EventBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the number of overwritten events.
func (b *EventBuffer) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear discards all queued events without counting them as dropped.
func (b *EventBuffer) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	for i := range b.events {
		b.events[i] = injector.Event{}
	}
	b.head = 0
	b.size = 0
	b.mu.Unlock()
}
