package state

import (
	"sync"
	"sync/atomic"
)

// Change is a single (state, value) pair of a transition.
type Change[S Enum] struct {
	State S
	Value bool
}

// On is shorthand for Change{s, true}.
func On[S Enum](s S) Change[S] { return Change[S]{State: s, Value: true} }

// Off is shorthand for Change{s, false}.
func Off[S Enum](s S) Change[S] { return Change[S]{State: s, Value: false} }

// Event describes one observed transition of a tracked entity.
type Event[S Enum] struct {
	Entity string
	Old    Mask
	New    Mask
	Intent Intent
	// Status is the native status code behind the change, or -1 when none applies.
	Status int
}

// DidEnter reports whether s was gained by this transition.
func (e Event[S]) DidEnter(s S) bool { return !Has(e.Old, s) && Has(e.New, s) }

// DidExit reports whether s was lost by this transition.
func (e Event[S]) DidExit(s S) bool { return Has(e.Old, s) && !Has(e.New, s) }

// Is reports whether the entity holds s after the transition.
func (e Event[S]) Is(s S) bool { return Has(e.New, s) }

// Listener observes transitions.
type Listener[S Enum] func(Event[S])

// AssertFunc checks a state about to be appended against the current mask. A
// non-nil error is reported through the assertion handler and never blocks
// the append.
type AssertFunc[S Enum] func(current Mask, appending S) error

// TrackerOption configures a Tracker.
type TrackerOption[S Enum] func(*Tracker[S])

// WithListener sets the transition listener.
func WithListener[S Enum](l Listener[S]) TrackerOption[S] {
	return func(t *Tracker[S]) { t.listener = l }
}

// WithAssert installs the append-assert hook together with the handler that
// receives its failures.
func WithAssert[S Enum](check AssertFunc[S], onFail func(entity string, err error)) TrackerOption[S] {
	return func(t *Tracker[S]) {
		t.check = check
		t.onAssert = onFail
	}
}

// WithExclusive marks null as the "no real entity" state: holding it excludes
// every other state.
func WithExclusive[S Enum](null S) TrackerOption[S] {
	return func(t *Tracker[S]) {
		t.exclusive = Bit(null)
		t.hasExclusive = true
	}
}

// Tracker holds the state mask of one entity. It has a single writer; readers
// may query from any goroutine.
type Tracker[S Enum] struct {
	entity string
	mask   atomic.Uint64

	mu           sync.Mutex
	listener     Listener[S]
	check        AssertFunc[S]
	onAssert     func(string, error)
	exclusive    Mask
	hasExclusive bool
}

// NewTracker creates a tracker for entity starting at initial.
func NewTracker[S Enum](entity string, initial Mask, opts ...TrackerOption[S]) *Tracker[S] {
	t := &Tracker[S]{entity: entity}
	for _, o := range opts {
		o(t)
	}
	t.mask.Store(uint64(t.normalize(initial, initial)))
	return t
}

// Entity returns the tracked entity key.
func (t *Tracker[S]) Entity() string { return t.entity }

// Mask returns the current mask.
func (t *Tracker[S]) Mask() Mask { return Mask(t.mask.Load()) }

// Is reports whether the entity currently holds s.
func (t *Tracker[S]) Is(s S) bool { return Has(t.Mask(), s) }

// IsAny reports whether the entity holds any state of m.
func (t *Tracker[S]) IsAny(m Mask) bool { return Overlaps(t.Mask(), m) }

// IsAll reports whether the entity holds every state of m.
func (t *Tracker[S]) IsAll(m Mask) bool { return t.Mask()&m == m }

// Set applies changes as one atomic transition. It returns false and notifies
// nobody when the resulting mask equals the current one.
func (t *Tracker[S]) Set(intent Intent, status int, changes ...Change[S]) bool {
	t.mu.Lock()
	old := t.Mask()
	next := old
	for _, c := range changes {
		if c.Value {
			next = Set(next, Bit(c.State))
		} else {
			next = Clear(next, Bit(c.State))
		}
	}
	return t.commit(old, t.normalize(old, next), intent, status)
}

// Append gains s after running the append-assert hook.
func (t *Tracker[S]) Append(s S, intent Intent, status int) bool {
	t.mu.Lock()
	old := t.Mask()
	if t.check != nil {
		if err := t.check(old, s); err != nil && t.onAssert != nil {
			t.onAssert(t.entity, err)
		}
	}
	return t.commit(old, t.normalize(old, Set(old, Bit(s))), intent, status)
}

// Replace swaps the whole mask for m.
func (t *Tracker[S]) Replace(m Mask, intent Intent, status int) bool {
	t.mu.Lock()
	old := t.Mask()
	return t.commit(old, t.normalize(old, m), intent, status)
}

// commit must be called with mu held; it releases it before notifying.
func (t *Tracker[S]) commit(old, next Mask, intent Intent, status int) bool {
	if next == old {
		t.mu.Unlock()
		return false
	}
	t.mask.Store(uint64(next))
	l := t.listener
	t.mu.Unlock()

	if l != nil {
		l(Event[S]{Entity: t.entity, Old: old, New: next, Intent: intent, Status: status})
	}
	return true
}

func (t *Tracker[S]) normalize(old, next Mask) Mask {
	if !t.hasExclusive {
		return next
	}
	others := Clear(next, t.exclusive)
	switch {
	case others == 0:
		return t.exclusive
	case Overlaps(next, t.exclusive) && !Overlaps(old, t.exclusive):
		// NULL was just gained: it wins over everything else.
		return t.exclusive
	default:
		return others
	}
}
