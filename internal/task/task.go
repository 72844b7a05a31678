// Package task describes units of radio work and the rules that order them.
//
// A Task is a tagged variant: its Kind selects the radio operation, the
// preconditions it needs and the default priority, while Payload carries the
// operation arguments. Precedence between tasks is decided by the tables in
// precedence.go rather than by per-type methods.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Infinite disables the timeout of a task.
const Infinite time.Duration = -1

// StatusNotApplicable marks outcomes that carry no native status code.
const StatusNotApplicable = -1

// Env answers the domain questions that decide executability and redundancy.
type Env interface {
	AdapterOn() bool
	// Connected reports whether the device is connected or connecting natively.
	Connected(mac string) bool
	// HasSession reports whether a usable native GATT session exists.
	HasSession(mac string) bool
	Bonded(mac string) bool
	Initializing(mac string) bool
	ServerClientConnected(mac string) bool
}

// Target is the entity a task operates on. MAC is empty for the manager.
type Target struct {
	Kind TargetKind
	MAC  string
}

func (t Target) String() string {
	if t.MAC == "" {
		return t.Kind.String()
	}
	return t.Kind.String() + "/" + t.MAC
}

// Payload holds the operation arguments. Fields unused by a kind stay zero.
type Payload struct {
	Service         string
	Characteristic  string
	Descriptor      string
	Data            []byte
	WithoutResponse bool
	Enable          bool
	MTU             int
}

// Result is the outcome handed to the originating caller.
type Result struct {
	State  State
	Status int
	Err    error
	Data   []byte
	RSSI   int
	MTU    int
}

// Option configures a Task at creation.
type Option func(*Task)

// WithPayload sets the operation arguments.
func WithPayload(p Payload) Option { return func(t *Task) { t.Payload = p } }

// WithPriority pins the priority, bypassing configured overrides.
func WithPriority(p Priority) Option {
	return func(t *Task) {
		t.Priority = p
		t.pinnedPriority = true
	}
}

// WithTimeout pins the timeout. Use Infinite to disable it.
func WithTimeout(d time.Duration) Option { return func(t *Task) { t.Timeout = d } }

// Explicit marks the task as directly requested by the user.
func Explicit() Option { return func(t *Task) { t.Explicit = true } }

// WithTransaction associates the task with x.
func WithTransaction(x *Transaction) Option { return func(t *Task) { t.Txn = x } }

// OnDone registers the callback receiving the terminal result exactly once.
func OnDone(fn func(*Task, Result)) Option { return func(t *Task) { t.onDone = fn } }

// Task is a request to perform exactly one radio operation. After submission
// it is owned by the scheduler until it reaches an ending state.
type Task struct {
	ID       uuid.UUID
	Kind     Kind
	Target   Target
	Payload  Payload
	Priority Priority
	// Timeout of zero means the configured default applies.
	Timeout  time.Duration
	Explicit bool
	Txn      *Transaction
	Created  time.Time

	pinnedPriority bool
	seq            uint64
	state          State
	armedFor       time.Duration
	executingFor   time.Duration
	result         Result
	onDone         func(*Task, Result)
	observe        func(*Task, State)
	delivered      bool
}

// New creates a task of kind k for target.
func New(k Kind, target Target, opts ...Option) *Task {
	t := &Task{
		ID:      uuid.New(),
		Kind:    k,
		Target:  target,
		Created: time.Now(),
		result:  Result{Status: StatusNotApplicable},
	}
	for _, o := range opts {
		o(t)
	}
	if !t.pinnedPriority {
		t.Priority = k.DefaultPriority(t.Explicit)
	}
	return t
}

// ForDevice is a shorthand for New with a device target.
func ForDevice(k Kind, mac string, opts ...Option) *Task {
	return New(k, Target{Kind: TargetDevice, MAC: mac}, opts...)
}

// ForManager is a shorthand for New with the manager target.
func ForManager(k Kind, opts ...Option) *Task {
	return New(k, Target{Kind: TargetManager}, opts...)
}

// ForServer is a shorthand for New with a server client target.
func ForServer(k Kind, clientMAC string, opts ...Option) *Task {
	return New(k, Target{Kind: TargetServer, MAC: clientMAC}, opts...)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s, %s, #%d)", t.Kind, t.Target, t.Priority, t.seq)
}

// State returns the lifecycle state.
func (t *Task) State() State { return t.state }

// Seq is the submission order assigned by the scheduler.
func (t *Task) Seq() uint64 { return t.seq }

// ExecutingFor is the simulated time spent in EXECUTING.
func (t *Task) ExecutingFor() time.Duration { return t.executingFor }

// ArmedFor is the simulated time spent in ARMED.
func (t *Task) ArmedFor() time.Duration { return t.armedFor }

// Result returns the outcome recorded so far.
func (t *Task) Result() Result {
	r := t.result
	r.State = t.state
	return r
}

// PinnedPriority reports whether the priority was set explicitly at creation.
func (t *Task) PinnedPriority() bool { return t.pinnedPriority }

// SameDevice reports whether t and o target the same non-manager entity.
func (t *Task) SameDevice(o *Task) bool {
	return t.Target.Kind != TargetManager && t.Target == o.Target
}

// Attach hands the task to a scheduler: seq fixes its FIFO order and observe
// receives every lifecycle transition.
func (t *Task) Attach(seq uint64, observe func(*Task, State)) {
	t.seq = seq
	t.observe = observe
}

// Resolve fills the priority and timeout left unset at creation.
func (t *Task) Resolve(priority Priority, timeout time.Duration) {
	if !t.pinnedPriority {
		t.Priority = priority
	}
	if t.Timeout == 0 {
		t.Timeout = timeout
	}
}

func (t *Task) transition(to State) bool {
	if !CanTransition(t.state, to) {
		return false
	}
	t.state = to
	switch to {
	case Armed:
		t.armedFor = 0
	case Executing:
		t.executingFor = 0
		if t.Kind == TxnLock && t.Txn != nil {
			t.Txn.held = true
		}
	}
	if t.observe != nil {
		t.observe(t, to)
	}
	return true
}

// Queue moves a new or interrupted task into QUEUED.
func (t *Task) Queue() bool { return t.transition(Queued) }

// Arm selects the task as next-to-run.
func (t *Task) Arm() bool { return t.transition(Armed) }

// BeginExecuting records that the native call is being issued.
func (t *Task) BeginExecuting() bool { return t.transition(Executing) }

// Tick advances the clock of the current phase by dt.
func (t *Task) Tick(dt time.Duration) {
	switch t.state {
	case Armed:
		t.armedFor += dt
	case Executing:
		t.executingFor += dt
	}
}

// Expired reports whether a finite timeout has elapsed while executing.
func (t *Task) Expired() bool {
	return t.state == Executing && t.Timeout > 0 && t.executingFor >= t.Timeout
}

// Succeed resolves an executing task. Late calls after the task left
// EXECUTING are ignored and report false.
func (t *Task) Succeed(r Result) bool {
	if t.state != Executing {
		return false
	}
	r.Err = nil
	t.result = r
	return t.transition(Succeeded)
}

// Fail resolves an executing task with a native status and cause.
func (t *Task) Fail(status int, err error) bool {
	if t.state != Executing {
		return false
	}
	t.result.Status = status
	t.result.Err = err
	return t.transition(Failed)
}

// Redundant resolves a task whose target condition already holds.
func (t *Task) Redundant() bool {
	if t.state != Armed && t.state != Executing {
		return false
	}
	return t.transition(Redundant)
}

// NoOp resolves a task that has nothing left to do.
func (t *Task) NoOp() bool { return t.transition(NoOp) }

// SelfInterrupt yields the lane voluntarily; the task is re-queued.
func (t *Task) SelfInterrupt() bool {
	if t.state != Executing {
		return false
	}
	return t.transition(Interrupted)
}

// Interrupt preempts an armed or executing task.
func (t *Task) Interrupt() bool {
	if t.state != Armed && t.state != Executing {
		return false
	}
	return t.transition(Interrupted)
}

// Cancel ends the task for good.
func (t *Task) Cancel() bool { return t.transition(Cancelled) }

// SoftlyCancel discards the outcome of an executing or succeeded task.
func (t *Task) SoftlyCancel() bool {
	if t.state != Executing && t.state != Succeeded {
		return false
	}
	return t.transition(SoftlyCancelled)
}

// TimeOut ends an executing task whose timeout elapsed.
func (t *Task) TimeOut() bool {
	if t.state != Executing {
		return false
	}
	return t.transition(TimedOut)
}

// ClearFromQueue ends a queued task removed without running.
func (t *Task) ClearFromQueue() bool {
	if t.state != Queued {
		return false
	}
	return t.transition(ClearedFromQueue)
}

// Deliver hands the result to the originating caller. It runs the callback at
// most once and reports whether it did.
func (t *Task) Deliver() bool {
	if t.delivered || !t.state.IsEndingState() || t.state == Interrupted {
		return false
	}
	t.delivered = true
	if t.onDone != nil {
		t.onDone(t, t.Result())
	}
	return true
}

// Intercept replaces the done callback with wrap(current). current may be nil.
// Call before submission.
func (t *Task) Intercept(wrap func(next func(*Task, Result)) func(*Task, Result)) {
	t.onDone = wrap(t.onDone)
}

// UpdateContext gives Update the scheduler facts custom task logic needs.
type UpdateContext struct {
	Rules Rules
	// Waiting reports whether a more important executable task is queued.
	Waiting func() bool
}

// Update runs per-kind logic once per tick while executing. An open-ended
// scan yields once it has scanned for the ideal minimum time and other work
// is waiting.
func (t *Task) Update(uc UpdateContext) {
	if t.state != Executing {
		return
	}
	if t.Kind == Scan && t.Timeout == Infinite &&
		t.executingFor >= uc.Rules.IdealMinScanTime &&
		uc.Waiting != nil && uc.Waiting() {
		t.SelfInterrupt()
	}
}
