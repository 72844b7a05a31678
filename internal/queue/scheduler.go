// Package queue serializes radio work into time-stepped lanes.
//
// Each lane holds at most one current task (ARMED or EXECUTING) and an
// ordered set of queued tasks. The scheduler is driven by Update, called
// from a single goroutine; every other goroutine talks to it through Post
// or Submit, whose closures run at the start of the next Update.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/task"
)

// AdapterLane is the lane shared by manager tasks, and by every task unless
// per-device lanes are enabled.
const AdapterLane = "adapter"

// Executor issues the native side of tasks. Prepare, Rejected and Abort run
// on the scheduler goroutine; Execute runs on a worker goroutine for kinds
// that run on a separate thread, so it must not touch state owned by the
// scheduler goroutine for those kinds.
type Executor interface {
	// Prepare applies the state changes that precede the native call of t.
	Prepare(t *task.Task)
	// Execute issues the native call of t and returns. A non-nil error is an
	// immediate rejection; otherwise t is resolved later through Post.
	Execute(t *task.Task) error
	// Rejected undoes Prepare after Execute returned err and t failed.
	Rejected(t *task.Task, err error)
	// Abort undoes what it can of an in-flight call after t was preempted,
	// cancelled or timed out.
	Abort(t *task.Task)
}

// Listener observes every lifecycle transition.
type Listener func(t *task.Task, s task.State)

// Options tunes the scheduler.
type Options struct {
	// ArmDwell is how long a task stays ARMED; zero means one tick.
	ArmDwell       time.Duration
	DefaultTimeout time.Duration
	Timeouts       map[task.Kind]time.Duration
	Priorities     map[task.Kind]task.Priority
	Rules          task.Rules
	PerDeviceLanes bool
	HistorySize    uint32
	// Context is the parent of the goroutines issuing separate-thread calls.
	Context context.Context
}

type lane struct {
	name    string
	queued  *orderedmap.OrderedMap[uint64, *task.Task]
	current *task.Task
}

// Scheduler orders, arms, executes, times out and retires tasks.
type Scheduler struct {
	opts   Options
	env    task.Env
	exec   Executor
	logger *logrus.Logger

	lanes    *orderedmap.OrderedMap[string, *lane]
	seq      uint64
	clock    time.Duration
	retiring []*task.Task
	listener Listener
	history  mpmc.RichOverlappedRingBuffer[Transition]

	mu    sync.Mutex
	inbox []func()
	wake  chan struct{}
}

// New creates a scheduler deciding executability against env.
func New(env task.Env, exec Executor, opts Options, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = 256
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Scheduler{
		opts:    opts,
		env:     env,
		exec:    exec,
		logger:  logger,
		lanes:   orderedmap.New[string, *lane](),
		history: mpmc.NewOverlappedRingBuffer[Transition](opts.HistorySize),
		wake:    make(chan struct{}, 1),
	}
}

// SetListener installs the lifecycle debug listener. Call before the first Update.
func (s *Scheduler) SetListener(l Listener) { s.listener = l }

// Wake signals that posted work is waiting for the next Update.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

// Post schedules fn to run on the scheduler goroutine. Safe from any goroutine.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.inbox = append(s.inbox, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit hands t to the scheduler. Safe from any goroutine.
func (s *Scheduler) Submit(t *task.Task) {
	s.Post(func() { s.add(t) })
}

// EndTransaction releases the device reserved by x.
func (s *Scheduler) EndTransaction(x *task.Transaction) {
	s.Post(func() {
		lock := x.Lock()
		l, ok := s.lanes.Get(s.laneName(lock))
		wasQueued := lock.State() == task.Queued
		if !x.End() {
			return
		}
		if wasQueued && ok {
			l.queued.Delete(lock.Seq())
			s.retiring = append(s.retiring, lock)
		}
	})
}

// Update advances the scheduler clock by dt: it runs posted work, advances
// every lane and delivers the results of tasks that ended.
func (s *Scheduler) Update(dt time.Duration) {
	s.clock += dt
	s.drain()
	for p := s.lanes.Oldest(); p != nil; p = p.Next() {
		s.updateLane(p.Value, dt)
	}
	s.retire()
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		batch := s.inbox
		s.inbox = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (s *Scheduler) add(t *task.Task) {
	if t.State() != task.Created {
		s.logger.WithField("task", t.String()).Warn("Task submitted twice, ignoring")
		return
	}
	s.seq++
	t.Attach(s.seq, s.observe)
	t.Resolve(s.priorityFor(t), s.timeoutFor(t))
	t.Queue()

	s.sweep(t)

	l := s.lane(s.laneName(t))
	l.queued.Set(t.Seq(), t)
}

// sweep applies the cancellation rules of the newcomer by to every lane.
func (s *Scheduler) sweep(by *task.Task) {
	for p := s.lanes.Oldest(); p != nil; p = p.Next() {
		l := p.Value

		var victims []*task.Task
		for q := l.queued.Oldest(); q != nil; q = q.Next() {
			if task.IsCancellableBy(q.Value, by) {
				victims = append(victims, q.Value)
			}
		}
		for _, v := range victims {
			l.queued.Delete(v.Seq())
			v.Cancel()
			s.retiring = append(s.retiring, v)
		}

		cur := l.current
		if cur == nil {
			continue
		}
		switch cur.State() {
		case task.Armed:
			if task.IsCancellableBy(cur, by) {
				cur.Cancel()
			}
		case task.Executing:
			if task.IsSoftlyCancellableBy(cur, by) {
				cur.SoftlyCancel()
			} else if task.IsCancellableBy(cur, by) {
				cur.Cancel()
				s.exec.Abort(cur)
			}
		case task.Succeeded:
			if task.IsSoftlyCancellableBy(cur, by) {
				cur.SoftlyCancel()
			}
		}
	}

	for _, r := range s.retiring {
		if r.State() == task.Succeeded && task.IsSoftlyCancellableBy(r, by) {
			r.SoftlyCancel()
		}
	}
}

func (s *Scheduler) updateLane(l *lane, dt time.Duration) {
	if cur := l.current; cur != nil {
		switch cur.State() {
		case task.Armed:
			s.updateArmed(l, cur, dt)
		case task.Executing:
			s.updateExecuting(l, cur, dt)
		}
	}
	s.settle(l)
	if l.current == nil {
		s.arm(l)
	}
}

func (s *Scheduler) updateArmed(l *lane, cur *task.Task, dt time.Duration) {
	if best := s.best(l); best != nil && task.IsInterruptableBy(cur, best, s.env, s.opts.Rules) {
		cur.Interrupt()
		return
	}
	if !task.IsExecutable(cur, s.env) {
		cur.Interrupt()
		return
	}
	cur.Tick(dt)
	if cur.ArmedFor() >= s.opts.ArmDwell {
		s.execute(cur)
	}
}

func (s *Scheduler) updateExecuting(l *lane, cur *task.Task, dt time.Duration) {
	cur.Tick(dt)
	cur.Update(task.UpdateContext{
		Rules: s.opts.Rules,
		Waiting: func() bool {
			best := s.best(l)
			return best != nil && task.MoreImportant(best, cur, s.env)
		},
	})

	switch {
	case cur.State() == task.Interrupted:
		s.exec.Abort(cur)
	case cur.Expired():
		s.logger.WithFields(logrus.Fields{
			"task":    cur.String(),
			"timeout": cur.Timeout,
		}).Warn("Task timed out")
		cur.TimeOut()
		s.exec.Abort(cur)
	default:
		if best := s.best(l); best != nil && task.IsInterruptableBy(cur, best, s.env, s.opts.Rules) {
			cur.Interrupt()
			s.exec.Abort(cur)
		}
	}
}

func (s *Scheduler) settle(l *lane) {
	cur := l.current
	if cur == nil {
		return
	}
	st := cur.State()
	switch {
	case st == task.Interrupted:
		cur.Queue()
		l.queued.Set(cur.Seq(), cur)
		l.current = nil
	case st.IsEndingState():
		l.current = nil
		s.retiring = append(s.retiring, cur)
	}
}

func (s *Scheduler) arm(l *lane) {
	best := s.best(l)
	if best == nil {
		return
	}
	l.queued.Delete(best.Seq())
	best.Arm()
	l.current = best
}

// best returns the most important executable queued task of l.
func (s *Scheduler) best(l *lane) *task.Task {
	var best *task.Task
	for q := l.queued.Oldest(); q != nil; q = q.Next() {
		t := q.Value
		if !task.IsExecutable(t, s.env) {
			continue
		}
		if best == nil || task.MoreImportant(t, best, s.env) {
			best = t
		}
	}
	return best
}

func (s *Scheduler) execute(t *task.Task) {
	if task.IsRedundant(t, s.env) {
		t.Redundant()
		return
	}
	t.BeginExecuting()
	s.exec.Prepare(t)

	if t.Kind.RunsOnSeparateThread() {
		groutine.Go(s.opts.Context, "task-"+t.Kind.String(), func(ctx context.Context) {
			if err := s.exec.Execute(t); err != nil {
				s.Post(func() { s.reject(t, err) })
			}
		})
		return
	}
	if err := s.exec.Execute(t); err != nil {
		s.reject(t, err)
	}
}

func (s *Scheduler) reject(t *task.Task, err error) {
	if !t.Fail(task.StatusNotApplicable, err) {
		// Timed out or preempted meanwhile; Abort already cleaned up.
		return
	}
	s.exec.Rejected(t, err)
	s.logger.WithFields(logrus.Fields{
		"task":  t.String(),
		"error": err,
	}).Info("Native call rejected")
}

func (s *Scheduler) retire() {
	batch := s.retiring
	s.retiring = nil
	for _, t := range batch {
		t.Deliver()
	}
}

func (s *Scheduler) observe(t *task.Task, st task.State) {
	s.logger.WithFields(logrus.Fields{
		"task":  t.String(),
		"state": st.String(),
	}).Debug("Task transition")

	if _, err := s.history.EnqueueM(Transition{
		Task:   t.ID,
		Kind:   t.Kind,
		Target: t.Target,
		State:  st,
		At:     s.clock,
	}); err != nil {
		s.logger.WithError(err).Debug("Transition history enqueue failed")
	}

	if s.listener != nil {
		s.listener(t, st)
	}
}

func (s *Scheduler) priorityFor(t *task.Task) task.Priority {
	if p, ok := s.opts.Priorities[t.Kind]; ok {
		return p
	}
	return t.Priority
}

func (s *Scheduler) timeoutFor(t *task.Task) time.Duration {
	if d, ok := s.opts.Timeouts[t.Kind]; ok && d != 0 {
		return d
	}
	if t.Kind.InfiniteByDefault() {
		return task.Infinite
	}
	if s.opts.DefaultTimeout <= 0 {
		return task.Infinite
	}
	return s.opts.DefaultTimeout
}

func (s *Scheduler) laneName(t *task.Task) string {
	if !s.opts.PerDeviceLanes || t.Target.Kind == task.TargetManager {
		return AdapterLane
	}
	return t.Target.String()
}

func (s *Scheduler) lane(name string) *lane {
	if l, ok := s.lanes.Get(name); ok {
		return l
	}
	l := &lane{name: name, queued: orderedmap.New[uint64, *task.Task]()}
	s.lanes.Set(name, l)
	return l
}
