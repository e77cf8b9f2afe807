package events

import "sync"

// ChannelEvent fans a value out to registered channels. Sends never block:
// a listener whose channel is full misses that notification.
// With replayLast set, the most recent value is offered to new listeners so
// late subscribers (the UI attaching after the session connects) start from
// current state instead of waiting for the next change.
type ChannelEvent[T any] struct {
	mu         sync.Mutex
	listeners  map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       T
	haveLast   bool
}

func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		listeners:  make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Listen registers ch and returns a deregistration func.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("events: channel cannot be nil")
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = ch
	replay := e.replayLast && e.haveLast
	last := e.last
	e.mu.Unlock()

	if replay {
		select {
		case ch <- last:
		default:
		}
	}
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify sends value to every registered channel without blocking.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.haveLast = true
	}
	targets := make([]chan<- T, 0, len(e.listeners))
	for _, ch := range e.listeners {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
