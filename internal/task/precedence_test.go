package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func seq(t *Task, n uint64) *Task {
	t.Attach(n, nil)
	return t
}

func TestMoreImportant(t *testing.T) {
	env := newFakeEnv()
	other := "11:22:33:44:55:66"

	tests := []struct {
		name string
		a, b *Task
		want bool
	}{
		{
			name: "higher priority wins regardless of order",
			a:    seq(ForDevice(Read, mac, WithPriority(High)), 2),
			b:    seq(ForDevice(Read, mac, WithPriority(Low)), 1),
			want: true,
		},
		{
			name: "same priority falls back to FIFO",
			a:    seq(ForDevice(Read, mac), 2),
			b:    seq(ForDevice(Write, mac), 1),
			want: false,
		},
		{
			name: "transaction member outranks unrelated task on its device",
			a:    seq(NewTransaction(mac).Task(Write, WithPriority(Low)), 5),
			b:    seq(ForDevice(Read, mac, WithPriority(High)), 1),
			want: true,
		},
		{
			name: "transaction has no say across devices",
			a:    seq(NewTransaction(mac).Task(Write, WithPriority(Low)), 5),
			b:    seq(ForDevice(Read, other, WithPriority(High)), 1),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MoreImportant(tt.a, tt.b, env))
			assert.Equal(t, !tt.want, MoreImportant(tt.b, tt.a, env), "importance MUST be antisymmetric")
		})
	}
}

func TestMoreImportantOverrides(t *testing.T) {
	env := newFakeEnv()
	notify := seq(ForDevice(ToggleNotify, mac, WithPriority(Low)), 9)
	read := seq(ForDevice(Read, mac, WithPriority(High)), 1)

	assert.False(t, MoreImportant(notify, read, env), "outside initialization priority MUST decide")

	env.initializing[mac] = true
	assert.True(t, MoreImportant(notify, read, env), "toggle notify MUST beat reads while initializing")
	assert.False(t, MoreImportant(read, notify, env))

	x := NewTransaction(mac)
	member := seq(x.Task(Read), 4)
	lock := seq(x.Lock(), 3)
	assert.True(t, MoreImportant(member, lock, env), "member MUST outrank its own lock")

	older := seq(NewTransaction(mac).Lock(), 1)
	newer := seq(NewTransaction(mac).Lock(), 2)
	assert.True(t, MoreImportant(older, newer, env), "older lock MUST win between conflicting locks")
}

func TestIsCancellableBy(t *testing.T) {
	turnOff := ForManager(TurnOff)
	disconnect := ForDevice(Disconnect, mac, Explicit())

	assert.True(t, IsCancellableBy(ForDevice(Read, mac, WithPriority(Low)), turnOff), "turn off MUST cancel reads")
	assert.True(t, IsCancellableBy(ForManager(Scan), turnOff))
	assert.True(t, IsCancellableBy(ForManager(TurnOn), turnOff))
	assert.False(t, IsCancellableBy(ForManager(TurnOff), ForDevice(Read, mac)), "reads MUST NOT cancel turn off")
	assert.True(t, IsCancellableBy(ForDevice(Connect, mac), disconnect))
	assert.True(t, IsCancellableBy(ForDevice(Write, mac), disconnect))
	assert.False(t, IsCancellableBy(ForDevice(Write, "11:22:33:44:55:66"), disconnect), "disconnect MUST only affect its device")
	assert.False(t, IsCancellableBy(turnOff, turnOff))
}

func TestIsInterruptableBy(t *testing.T) {
	env := newFakeEnv()
	rules := Rules{MinScanTime: time.Second}

	scan := seq(ForManager(Scan, WithTimeout(Infinite)), 1)
	scan.Queue()
	scan.Arm()
	read := seq(ForDevice(Read, mac), 2)
	assert.True(t, IsInterruptableBy(scan, read, env, rules), "armed task MUST yield to a more important one")

	scan.BeginExecuting()
	assert.False(t, IsInterruptableBy(scan, read, env, rules), "scan MUST run for the minimum time first")
	scan.Tick(time.Second)
	assert.True(t, IsInterruptableBy(scan, read, env, rules))
	assert.False(t, IsInterruptableBy(scan, seq(ForManager(Scan), 3), env, rules))

	x := NewTransaction(mac)
	lock := seq(x.Lock(), 4)
	lock.Queue()
	lock.Arm()
	lock.BeginExecuting()
	assert.True(t, IsInterruptableBy(lock, seq(x.Task(Write), 5), env, rules), "members MUST interrupt their lock")
	assert.False(t, IsInterruptableBy(lock, seq(ForDevice(Write, mac, WithPriority(Critical)), 6), env, rules))

	assert.True(t, IsSoftlyCancellableBy(ForDevice(Bond, mac), ForDevice(Disconnect, mac)))
	assert.False(t, IsSoftlyCancellableBy(ForDevice(Read, mac), ForDevice(Disconnect, mac)))
}

func TestExecutableAndRedundant(t *testing.T) {
	env := newFakeEnv()
	env.on = false
	read := ForDevice(Read, mac)
	assert.False(t, IsExecutable(read, env), "adapter off MUST block reads")
	assert.True(t, IsExecutable(ForManager(TurnOn), env))
	assert.False(t, IsRedundant(ForManager(TurnOn), env))

	env.on = true
	assert.False(t, IsExecutable(read, env), "reads MUST need a connection")
	env.connected[mac] = true
	assert.True(t, IsExecutable(read, env))
	assert.True(t, IsRedundant(ForDevice(Connect, mac), env), "connect on a connected device MUST be redundant")
	assert.False(t, IsRedundant(ForDevice(Disconnect, mac), env))
	assert.True(t, IsRedundant(ForDevice(Unbond, mac), env))
}
