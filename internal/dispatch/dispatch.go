// Package dispatch delivers observer events either inline or on a designated
// delivery goroutine.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/groutine"
)

// Loop is a delivery goroutine consuming queued events in FIFO order.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	signal  chan struct{}
	gid     atomic.Uint64
	pending atomic.Int64
	logger  *logrus.Logger
}

// NewLoop creates a loop; nothing is delivered until Run or RunAsync.
func NewLoop(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{signal: make(chan struct{}, 1), logger: logger}
}

// Enqueue appends fn to the delivery queue. It never blocks.
func (l *Loop) Enqueue(fn func()) {
	l.pending.Add(1)
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued or running deliveries.
func (l *Loop) Pending() int { return int(l.pending.Load()) }

// OnLoop reports whether the caller runs on the delivery goroutine.
func (l *Loop) OnLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// Run delivers queued events on the calling goroutine until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	l.gid.Store(groutine.GetGID())
	defer l.gid.Store(0)

	for {
		l.flush()
		select {
		case <-ctx.Done():
			l.flush()
			return
		case <-l.signal:
		}
	}
}

// RunAsync starts Run on a named goroutine.
func (l *Loop) RunAsync(ctx context.Context) {
	groutine.Go(ctx, "dispatch-loop", l.Run)
}

// Flush delivers everything queued so far on the calling goroutine. Hosts that
// pump their own main loop call it instead of Run.
func (l *Loop) Flush() {
	l.gid.Store(groutine.GetGID())
	defer l.gid.Store(0)
	l.flush()
}

func (l *Loop) flush() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			deliver(l.logger, fn)
			l.pending.Add(-1)
		}
	}
}

func deliver(logger *logrus.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).Error("Listener panicked")
		}
	}()
	fn()
}

// Dispatcher decides per event whether delivery is inline or marshaled to
// the loop. The decision is made at dispatch time.
type Dispatcher struct {
	loop    *Loop
	marshal func() bool
	logger  *logrus.Logger
}

// NewDispatcher creates a dispatcher. marshal is consulted for every event;
// a nil loop forces inline delivery.
func NewDispatcher(loop *Loop, marshal func() bool, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if marshal == nil {
		marshal = func() bool { return false }
	}
	return &Dispatcher{loop: loop, marshal: marshal, logger: logger}
}

// Dispatch delivers fn. When marshaling is on and the caller is not on the
// loop, fn is queued. Inline delivery also queues while earlier events are
// still pending on the loop so per-listener order is kept.
func (d *Dispatcher) Dispatch(fn func()) {
	if d.loop == nil {
		deliver(d.logger, fn)
		return
	}
	if d.loop.OnLoop() {
		deliver(d.logger, fn)
		return
	}
	if d.marshal() || d.loop.Pending() > 0 {
		d.loop.Enqueue(fn)
		return
	}
	deliver(d.logger, fn)
}

// Wrap returns a function delivering events to listener through d. A nil
// listener yields a no-op.
func Wrap[E any](d *Dispatcher, listener func(E)) func(E) {
	if listener == nil {
		return func(E) {}
	}
	return func(e E) {
		d.Dispatch(func() { listener(e) })
	}
}
