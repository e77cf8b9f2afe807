// Package handoff provides the lock-free hand-off channels that connect the
// BLE notification goroutine to the UI poll loop and the audio callback.
//
// Two shapes are needed:
//
//   - PlotQueue: every sample matters and arrival order matters, so it is an
//     unbounded FIFO drained whole on each UI tick.
//   - LatestValue: only the most recent value matters (current load, timer
//     running flag), so it is a capacity-1 slot where a write evicts any
//     unread value. Both ends are non-blocking, which makes it safe to touch
//     from the real-time audio callback.
package handoff

import "sync"

// Sample is one tared weight reading from the sensor. T is the device
// timestamp in seconds since the sensor booted.
type Sample struct {
	T      float64
	Weight float64
}

// PlotQueue is an unbounded, order-preserving FIFO of samples. The producer
// is the notification dispatch; the consumer drains the whole backlog each
// poll tick, so the queue never grows beyond one tick's worth of samples in
// steady state.
type PlotQueue struct {
	mu      sync.Mutex
	backlog []Sample
}

func NewPlotQueue() *PlotQueue {
	return &PlotQueue{}
}

func (q *PlotQueue) Push(s Sample) {
	q.mu.Lock()
	q.backlog = append(q.backlog, s)
	q.mu.Unlock()
}

// DrainAll removes and returns the entire backlog in arrival order.
// Returns nil when empty.
func (q *PlotQueue) DrainAll() []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return nil
	}
	out := q.backlog
	q.backlog = nil
	return out
}

func (q *PlotQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// LatestValue is a capacity-1 overwrite slot: Put replaces any unread value,
// TryGet never blocks. The sole invariant is that a TryGet after any burst of
// Puts observes the last value written.
//
// Built on a 1-buffered channel so neither side ever holds a mutex across an
// operation the other side could be blocked on.
type LatestValue[T any] struct {
	ch chan T
}

func NewLatestValue[T any]() *LatestValue[T] {
	return &LatestValue[T]{ch: make(chan T, 1)}
}

// Put stores v, discarding any unread previous value. Never blocks.
func (l *LatestValue[T]) Put(v T) {
	for {
		select {
		case l.ch <- v:
			return
		default:
			// Slot occupied: evict and retry. The retry loop covers the
			// race where a concurrent TryGet empties the slot between the
			// failed send and the eviction.
			select {
			case <-l.ch:
			default:
			}
		}
	}
}

// TryGet returns the pending value, if any. Never blocks.
func (l *LatestValue[T]) TryGet() (T, bool) {
	select {
	case v := <-l.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}
