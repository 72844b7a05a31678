// Package ringchan provides a bounded drop-oldest channel.
//
// Listeners of the manager must never block the delivery loop, yet their
// consumers (terminal output, a broker connection) may stall. A RingChannel
// sits between the two: producers always succeed and a slow reader loses the
// oldest items first.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded buffer with overwrite-oldest semantics. Readers
// range over C or call Receive; both see items in send order.
//
//	rc := ringchan.New[manager.DiscoveryEvent](64)
//	go func() {
//		for e := range rc.C() {
//			render(e)
//		}
//	}()
//	rc.Send(e) // never blocks
type RingChannel[T any] struct {
	ch chan T

	// mu serialises producers so drop-then-send stays atomic, and guards
	// closed against a concurrent Close.
	mu     sync.Mutex
	closed bool

	metrics metrics
}

// New creates a RingChannel holding at most capacity items.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T { return rc.ch }

// Send enqueues v, discarding the oldest item when full. It reports false
// only when the channel is closed.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		rc.metrics.rejected.Add(1)
		return false
	}
	for {
		select {
		case rc.ch <- v:
			rc.metrics.written.Add(1)
			return true
		default:
		}
		// The reader may drain concurrently, so the drop is best effort and
		// the send is retried.
		select {
		case <-rc.ch:
			rc.metrics.overwritten.Add(1)
		default:
		}
	}
}

// TrySend enqueues v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		rc.metrics.rejected.Add(1)
		return false
	}
	select {
	case rc.ch <- v:
		rc.metrics.written.Add(1)
		return true
	default:
		rc.metrics.rejected.Add(1)
		return false
	}
}

// Receive blocks until an item is available. ok is false once the channel
// is closed and drained.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.processed.Add(1)
	}
	return v, ok
}

// TryReceive returns the oldest item without blocking.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.processed.Add(1)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close stops accepting items. Buffered items stay readable. Calling Close
// twice is harmless.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Metrics is a snapshot of the channel counters. Reads through C are not
// counted as Processed.
type Metrics struct {
	Written     int64
	Overwritten int64
	Rejected    int64
	Processed   int64
}

type metrics struct {
	written     atomic.Int64
	overwritten atomic.Int64
	rejected    atomic.Int64
	processed   atomic.Int64
}

// Metrics returns the current counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     rc.metrics.written.Load(),
		Overwritten: rc.metrics.overwritten.Load(),
		Rejected:    rc.metrics.rejected.Load(),
		Processed:   rc.metrics.processed.Load(),
	}
}
