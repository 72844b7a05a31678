package task

import "time"

// Rules are the configured inputs of the precedence decisions.
type Rules struct {
	// MinScanTime is how long a scan runs before higher priority work may interrupt it.
	MinScanTime time.Duration
	// IdealMinScanTime is how long an open-ended scan runs before it yields to waiting work.
	IdealMinScanTime time.Duration
}

// IsExecutable reports whether the domain preconditions of t hold.
func IsExecutable(t *Task, env Env) bool {
	tr := t.Kind.traits()
	mac := t.Target.MAC
	switch {
	case tr.needsAdapterOn && !env.AdapterOn():
		return false
	case tr.needsConnection && !env.Connected(mac):
		return false
	case tr.needsSession && !env.HasSession(mac):
		return false
	case tr.needsServerClient && !env.ServerClientConnected(mac):
		return false
	}
	return true
}

var redundancy = map[Kind]func(t *Task, env Env) bool{
	TurnOn:           func(_ *Task, env Env) bool { return env.AdapterOn() },
	TurnOff:          func(_ *Task, env Env) bool { return !env.AdapterOn() },
	Connect:          func(t *Task, env Env) bool { return env.Connected(t.Target.MAC) },
	Disconnect:       func(t *Task, env Env) bool { return !env.Connected(t.Target.MAC) },
	Bond:             func(t *Task, env Env) bool { return env.Bonded(t.Target.MAC) },
	Unbond:           func(t *Task, env Env) bool { return !env.Bonded(t.Target.MAC) },
	ServerConnect:    func(t *Task, env Env) bool { return env.ServerClientConnected(t.Target.MAC) },
	ServerDisconnect: func(t *Task, env Env) bool { return !env.ServerClientConnected(t.Target.MAC) },
}

// IsRedundant reports whether the target condition of t already holds.
func IsRedundant(t *Task, env Env) bool {
	if fn, ok := redundancy[t.Kind]; ok {
		return fn(t, env)
	}
	return false
}

// cancellers is keyed by the kind of the cancelling task.
var cancellers = map[Kind]func(victim, by *Task) bool{
	TurnOff: func(v, _ *Task) bool {
		return v.Kind.RequiresAdapterOn() || v.Kind == TurnOn
	},
	TurnOn: func(v, _ *Task) bool { return v.Kind == TurnOff },
	Disconnect: func(v, by *Task) bool {
		if !v.SameDevice(by) {
			return false
		}
		return v.Kind.RequiresConnection() || v.Kind == Connect || v.Kind == Bond
	},
	Bond:   func(v, by *Task) bool { return v.SameDevice(by) && v.Kind == Unbond },
	Unbond: func(v, by *Task) bool { return v.SameDevice(by) && v.Kind == Bond },
	ServerDisconnect: func(v, by *Task) bool {
		return v.SameDevice(by) && (v.Kind == ServerConnect || v.Kind == ServerNotify)
	},
	ServerConnect: func(v, by *Task) bool { return v.SameDevice(by) && v.Kind == ServerDisconnect },
}

// IsCancellableBy reports whether submitting by cancels victim outright,
// regardless of priority.
func IsCancellableBy(victim, by *Task) bool {
	if victim == by {
		return false
	}
	if fn, ok := cancellers[by.Kind]; ok {
		return fn(victim, by)
	}
	return false
}

// IsSoftlyCancellableBy reports whether by discards the outcome of victim
// while leaving its native side effects alone.
func IsSoftlyCancellableBy(victim, by *Task) bool {
	if by.Kind != Disconnect || !victim.SameDevice(by) {
		return false
	}
	return victim.Kind == Bond || victim.Kind == Connect
}

// IsInterruptableBy reports whether current, holding its lane, yields to by.
func IsInterruptableBy(current, by *Task, env Env, r Rules) bool {
	if current == by {
		return false
	}
	switch current.state {
	case Armed:
		return MoreImportant(by, current, env)
	case Executing:
		switch current.Kind {
		case Scan:
			return by.Priority > current.Priority && current.executingFor >= r.MinScanTime
		case TxnLock:
			return current.Txn != nil && by.Txn == current.Txn && by.Kind != TxnLock
		}
	}
	return false
}

type kindPair struct{ a, b Kind }

func notifyWhileInitializing(a, b *Task, env Env) bool {
	return a.SameDevice(b) && env.Initializing(a.Target.MAC)
}

// importance overrides priority ordering for specific kind pairs. A rule
// keyed (a, b) that returns true makes a more important than b.
var importance = map[kindPair]func(a, b *Task, env Env) bool{
	{ToggleNotify, Read}:            notifyWhileInitializing,
	{ToggleNotify, Write}:           notifyWhileInitializing,
	{ToggleNotify, WriteDescriptor}: notifyWhileInitializing,
	{TxnLock, TxnLock}: func(a, b *Task, _ Env) bool {
		if !a.SameDevice(b) {
			return false
		}
		if a.state == Executing {
			return true
		}
		return b.state != Executing && a.seq < b.seq
	},
}

// transactionOrder decides importance between tasks on the same device when
// a transaction is involved. ok is false when it has no opinion.
func transactionOrder(a, b *Task) (more bool, ok bool) {
	if !a.SameDevice(b) || (a.Txn == nil && b.Txn == nil) {
		return false, false
	}
	if a.Txn == b.Txn {
		switch {
		case b.Kind == TxnLock && a.Kind != TxnLock:
			return true, true
		case a.Kind == TxnLock && b.Kind != TxnLock:
			return false, true
		}
		return false, false
	}
	switch {
	case a.Txn != nil && b.Txn == nil:
		return true, true
	case b.Txn != nil && a.Txn == nil:
		return false, true
	}
	return false, false
}

// MoreImportant reports whether a should run before b. Transaction rules come
// first, then the kind-pair overrides, then priority, then FIFO order.
func MoreImportant(a, b *Task, env Env) bool {
	if a == b {
		return false
	}
	if more, ok := transactionOrder(a, b); ok {
		return more
	}
	if rule, ok := importance[kindPair{a.Kind, b.Kind}]; ok && rule(a, b, env) {
		return true
	}
	if rule, ok := importance[kindPair{b.Kind, a.Kind}]; ok && rule(b, a, env) {
		return false
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}
