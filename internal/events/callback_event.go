package events

import "sync"

// CallbackEvent is the function-callback sibling of ChannelEvent. Callbacks
// run synchronously on the notifying goroutine, outside the internal lock.
type CallbackEvent[T any] struct {
	mu         sync.Mutex
	listeners  map[uint64]func(T)
	nextID     uint64
	replayLast bool
	last       T
	haveLast   bool
}

func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:  make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// Listen registers callback and returns a deregistration func. With
// replayLast set and a prior Notify, callback is invoked immediately with
// the last value.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("events: callback cannot be nil")
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	replay := e.replayLast && e.haveLast
	last := e.last
	e.mu.Unlock()

	if replay {
		callback(last)
	}
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify invokes every registered callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.haveLast = true
	}
	targets := make([]func(T), 0, len(e.listeners))
	for _, fn := range e.listeners {
		targets = append(targets, fn)
	}
	e.mu.Unlock()

	for _, fn := range targets {
		fn(value)
	}
}

func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
