package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blemgr/internal/task"
)

const (
	mac  = "AA:BB:CC:DD:EE:FF"
	tick = 100 * time.Millisecond
)

type fakeEnv struct {
	on        bool
	connected map[string]bool
	bonded    map[string]bool
}

func (e *fakeEnv) AdapterOn() bool                   { return e.on }
func (e *fakeEnv) Connected(mac string) bool         { return e.connected[mac] }
func (e *fakeEnv) HasSession(mac string) bool        { return e.connected[mac] }
func (e *fakeEnv) Bonded(mac string) bool            { return e.bonded[mac] }
func (e *fakeEnv) Initializing(string) bool          { return false }
func (e *fakeEnv) ServerClientConnected(string) bool { return false }

type recordingExecutor struct {
	mu       sync.Mutex
	prepared []*task.Task
	executed []*task.Task
	rejected []*task.Task
	aborted  []*task.Task
	reject   map[task.Kind]error
}

func (r *recordingExecutor) Prepare(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = append(r.prepared, t)
}

func (r *recordingExecutor) Rejected(t *task.Task, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, t)
}

func (r *recordingExecutor) Execute(t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, t)
	return r.reject[t.Kind]
}

func (r *recordingExecutor) Abort(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, t)
}

func (r *recordingExecutor) executedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func (r *recordingExecutor) wasAborted(t *task.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.aborted {
		if a == t {
			return true
		}
	}
	return false
}

type SchedulerTestSuite struct {
	suite.Suite

	env     *fakeEnv
	exec    *recordingExecutor
	sched   *Scheduler
	results map[*task.Task][]task.Result
}

func (suite *SchedulerTestSuite) SetupTest() {
	suite.env = &fakeEnv{on: true, connected: map[string]bool{mac: true}, bonded: map[string]bool{}}
	suite.exec = &recordingExecutor{reject: map[task.Kind]error{}}
	suite.results = map[*task.Task][]task.Result{}
	suite.newScheduler(Options{DefaultTimeout: 10 * time.Second})
}

func (suite *SchedulerTestSuite) newScheduler(opts Options) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	suite.sched = New(suite.env, suite.exec, opts, logger)
}

func (suite *SchedulerTestSuite) onDone() task.Option {
	return task.OnDone(func(t *task.Task, r task.Result) {
		suite.results[t] = append(suite.results[t], r)
	})
}

func (suite *SchedulerTestSuite) ticks(n int) {
	for i := 0; i < n; i++ {
		suite.sched.Update(tick)
	}
}

func (suite *SchedulerTestSuite) succeed(t *task.Task) {
	suite.sched.Post(func() { t.Succeed(task.Result{}) })
}

func (suite *SchedulerTestSuite) current() *task.Task {
	return suite.sched.Current(AdapterLane)
}

func (suite *SchedulerTestSuite) TestOrdering() {
	suite.Run("higher priority arms first regardless of submission order", func() {
		// GOAL: Verify the most important executable task is armed next
		//
		// TEST SCENARIO: Submit LOW read then HIGH write → tick → write is ARMED, read stays QUEUED
		suite.SetupTest()
		low := task.ForDevice(task.Read, mac, task.WithPriority(task.Low))
		high := task.ForDevice(task.Write, mac, task.WithPriority(task.High))
		suite.sched.Submit(low)
		suite.sched.Submit(high)

		suite.ticks(1)

		suite.Same(high, suite.current(), "HIGH priority task MUST be armed first")
		suite.Equal(task.Armed, high.State())
		suite.Equal(task.Queued, low.State())
	})

	suite.Run("same priority preserves FIFO order", func() {
		suite.SetupTest()
		first := task.ForDevice(task.Read, mac)
		second := task.ForDevice(task.Read, mac)
		suite.sched.Submit(first)
		suite.sched.Submit(second)

		suite.ticks(2)
		suite.Same(first, suite.current(), "first submitted task MUST run first")
		suite.succeed(first)
		suite.ticks(1)
		suite.Same(second, suite.current())
	})

	suite.Run("non-executable tasks wait for their precondition", func() {
		suite.SetupTest()
		suite.env.connected[mac] = false
		read := task.ForDevice(task.Read, mac)
		suite.sched.Submit(read)

		suite.ticks(3)
		suite.Nil(suite.current(), "read MUST NOT arm without a connection")

		suite.env.connected[mac] = true
		suite.ticks(1)
		suite.Same(read, suite.current())
	})
}

func (suite *SchedulerTestSuite) TestSingleExecutingPerLane() {
	// GOAL: Verify at most one task per lane is EXECUTING at any instant
	//
	// TEST SCENARIO: Submit several never-resolving tasks with short timeouts → run many ticks → count EXECUTING each tick
	suite.newScheduler(Options{DefaultTimeout: 300 * time.Millisecond})
	var all []*task.Task
	for i := 0; i < 5; i++ {
		t := task.ForDevice(task.Read, mac)
		all = append(all, t)
		suite.sched.Submit(t)
	}
	for i := 0; i < 40; i++ {
		suite.ticks(1)
		executing := 0
		for _, t := range all {
			if t.State() == task.Executing {
				executing++
			}
		}
		suite.LessOrEqual(executing, 1, "lane MUST NOT have more than one EXECUTING task")
	}
	for _, t := range all {
		suite.Equal(task.TimedOut, t.State())
	}
}

func (suite *SchedulerTestSuite) TestTimeout() {
	// GOAL: Verify a finite timeout fires at elapsed ≥ T after entering EXECUTING and never before
	//
	// TEST SCENARIO: Read with 1s timeout, 100ms ticks → still EXECUTING at 900ms → TIMED_OUT at 1s → aborted
	read := task.ForDevice(task.Read, mac, task.WithTimeout(time.Second), suite.onDone())
	suite.sched.Submit(read)
	suite.ticks(2)
	suite.Require().Equal(task.Executing, read.State())

	suite.ticks(9)
	suite.Equal(task.Executing, read.State(), "timeout MUST NOT fire before T")
	suite.Equal(900*time.Millisecond, read.ExecutingFor())

	suite.ticks(1)
	suite.Equal(task.TimedOut, read.State(), "timeout MUST fire once T elapsed")
	suite.True(suite.exec.wasAborted(read))
	suite.Len(suite.results[read], 1)

	suite.False(suite.sched.Resolve(func(t *task.Task) bool { return t == read }, func(t *task.Task) {
		t.Succeed(task.Result{})
	}), "late callback MUST be ignored")
	suite.Equal(task.TimedOut, read.State())
}

func (suite *SchedulerTestSuite) TestTurnOffCancelsPendingRead() {
	// GOAL: Verify a CRITICAL turn-off cancels a pending LOW read outright
	//
	// TEST SCENARIO: Submit LOW read → before it arms submit turn-off → read CANCELLED and delivered once
	read := task.ForDevice(task.Read, mac, task.WithPriority(task.Low), suite.onDone())
	turnOff := task.ForManager(task.TurnOff, suite.onDone())
	suite.sched.Submit(read)
	suite.sched.Submit(turnOff)

	suite.ticks(1)

	suite.Equal(task.Cancelled, read.State(), "read MUST be cancelled, not interrupted")
	suite.Require().Len(suite.results[read], 1)
	suite.Equal(task.Cancelled, suite.results[read][0].State)
	suite.Same(turnOff, suite.current())

	suite.ticks(1)
	suite.Equal(task.Executing, turnOff.State())
	suite.Eventually(func() bool { return suite.exec.executedCount() == 1 }, time.Second, time.Millisecond,
		"turn off MUST be issued on its own goroutine")
}

func (suite *SchedulerTestSuite) TestScanYieldsToRead() {
	// GOAL: Verify an infinite scan self-interrupts after the ideal minimum time when a read waits
	//
	// TEST SCENARIO: Scan executing → read submitted → scan keeps running until 5s → scan INTERRUPTED → read armed → scan re-queued
	suite.newScheduler(Options{
		DefaultTimeout: 10 * time.Second,
		Rules:          task.Rules{MinScanTime: time.Hour, IdealMinScanTime: 5 * time.Second},
	})
	scan := task.ForManager(task.Scan)
	suite.sched.Submit(scan)
	suite.ticks(2)
	suite.Require().Equal(task.Executing, scan.State())
	suite.Equal(task.Infinite, scan.Timeout, "scan MUST default to an infinite timeout")

	read := task.ForDevice(task.Read, mac)
	suite.sched.Submit(read)
	suite.ticks(49)
	suite.Equal(task.Executing, scan.State(), "scan MUST run until the ideal minimum time")

	suite.ticks(1)
	suite.Equal(task.Queued, scan.State(), "scan MUST self-interrupt and re-queue")
	suite.True(suite.exec.wasAborted(scan))
	suite.Same(read, suite.current(), "read MUST take over the lane")

	suite.ticks(1)
	suite.succeed(read)
	suite.ticks(1)
	suite.Same(scan, suite.current(), "scan MUST resume once the read is done")
}

func (suite *SchedulerTestSuite) TestArmedPreemption() {
	low := task.ForDevice(task.Read, mac, task.WithPriority(task.Low))
	suite.sched.Submit(low)
	suite.ticks(1)
	suite.Require().Equal(task.Armed, low.State())

	high := task.ForDevice(task.Write, mac, task.WithPriority(task.High))
	suite.sched.Submit(high)
	suite.ticks(1)

	suite.Same(high, suite.current(), "more important task MUST preempt an ARMED one")
	suite.Equal(task.Queued, low.State())

	var states []task.State
	for _, tr := range suite.sched.History() {
		if tr.Task == low.ID {
			states = append(states, tr.State)
		}
	}
	suite.Equal([]task.State{task.Queued, task.Armed, task.Interrupted, task.Queued}, states)
}

func (suite *SchedulerTestSuite) TestFailureModes() {
	suite.Run("immediate rejection fails without native status", func() {
		suite.SetupTest()
		suite.exec.reject[task.Write] = errors.New("gatt busy")
		write := task.ForDevice(task.Write, mac, suite.onDone())
		suite.sched.Submit(write)
		suite.ticks(2)

		suite.Require().Len(suite.results[write], 1)
		r := suite.results[write][0]
		suite.Equal(task.Failed, r.State)
		suite.Equal(task.StatusNotApplicable, r.Status)
		suite.Nil(suite.current(), "lane MUST be free after an immediate failure")
		suite.Equal([]*task.Task{write}, suite.exec.prepared, "state changes MUST be prepared before the native call")
		suite.Equal([]*task.Task{write}, suite.exec.rejected, "a rejected call MUST be rolled back")
	})

	suite.Run("asynchronous failure carries the native status", func() {
		suite.SetupTest()
		read := task.ForDevice(task.Read, mac, suite.onDone())
		suite.sched.Submit(read)
		suite.ticks(2)
		suite.sched.Post(func() {
			suite.sched.Resolve(func(t *task.Task) bool { return t.Kind == task.Read }, func(t *task.Task) {
				t.Fail(5, errors.New("insufficient authentication"))
			})
		})
		suite.ticks(1)

		suite.Require().Len(suite.results[read], 1)
		suite.Equal(task.Failed, suite.results[read][0].State)
		suite.Equal(5, suite.results[read][0].Status)
	})

	suite.Run("operation already in effect resolves as redundant", func() {
		suite.SetupTest()
		connect := task.ForDevice(task.Connect, mac, task.Explicit(), suite.onDone())
		suite.sched.Submit(connect)
		suite.ticks(2)

		suite.Require().Len(suite.results[connect], 1)
		suite.Equal(task.Redundant, suite.results[connect][0].State)
		suite.Zero(suite.exec.executedCount(), "redundant task MUST NOT reach the radio")
	})
}

func (suite *SchedulerTestSuite) TestSoftCancellation() {
	suite.Run("executing bond is softly cancelled by disconnect", func() {
		// GOAL: Verify a disconnect discards an in-flight bond without aborting it
		//
		// TEST SCENARIO: Bond executing → submit disconnect → bond SOFTLY_CANCELLED, not aborted → disconnect runs
		suite.SetupTest()
		bond := task.ForDevice(task.Bond, mac, suite.onDone())
		suite.sched.Submit(bond)
		suite.ticks(2)
		suite.Require().Equal(task.Executing, bond.State())

		disconnect := task.ForDevice(task.Disconnect, mac, task.Explicit())
		suite.sched.Submit(disconnect)
		suite.ticks(1)

		suite.Equal(task.SoftlyCancelled, bond.State())
		suite.False(suite.exec.wasAborted(bond), "soft cancellation MUST NOT touch native side effects")
		suite.Same(disconnect, suite.current())
		suite.Require().Len(suite.results[bond], 1)
		suite.Equal(task.SoftlyCancelled, suite.results[bond][0].State)
	})

	suite.Run("success not yet delivered becomes softly cancelled", func() {
		suite.SetupTest()
		suite.env.connected[mac] = false
		connect := task.ForDevice(task.Connect, mac, suite.onDone())
		suite.sched.Submit(connect)
		suite.ticks(2)
		suite.Require().Equal(task.Executing, connect.State())

		suite.succeed(connect)
		suite.sched.Post(func() { suite.env.connected[mac] = true })
		suite.sched.Submit(task.ForDevice(task.Disconnect, mac, task.Explicit()))
		suite.ticks(1)

		suite.Require().Len(suite.results[connect], 1)
		suite.Equal(task.SoftlyCancelled, suite.results[connect][0].State,
			"success arriving with a disconnect in the same batch MUST be reported as softly cancelled")
	})
}

func (suite *SchedulerTestSuite) TestTransaction() {
	// GOAL: Verify a transaction keeps unrelated work off the device until it ends
	//
	// TEST SCENARIO: Lock held → unrelated read and member write submitted → member runs → lock re-takes lane → End → read runs
	x := task.NewTransaction(mac)
	suite.sched.Submit(x.Lock())
	suite.ticks(2)
	suite.Require().Equal(task.Executing, x.Lock().State())

	unrelated := task.ForDevice(task.Read, mac, task.WithPriority(task.High))
	member := x.Task(task.Write)
	suite.sched.Submit(unrelated)
	suite.sched.Submit(member)
	suite.ticks(1)
	suite.Same(member, suite.current(), "member MUST interrupt its lock")
	suite.Equal(task.Queued, x.Lock().State())

	suite.ticks(1)
	suite.succeed(member)
	suite.ticks(2)
	suite.Same(x.Lock(), suite.current(), "lock MUST outrank unrelated work")
	suite.Equal(task.Executing, x.Lock().State())
	suite.Equal(task.Queued, unrelated.State())

	suite.sched.EndTransaction(x)
	suite.ticks(1)
	suite.Equal(task.Succeeded, x.Lock().State())
	suite.Same(unrelated, suite.current())
}

func (suite *SchedulerTestSuite) TestTransactionEndedFromMemberCompletion() {
	// GOAL: Verify a lock that held the device ends SUCCEEDED even when End runs while it waits in the queue
	//
	// TEST SCENARIO: Lock executes → member interrupts it → member's completion ends the transaction → lock SUCCEEDED, not NO_OP
	x := task.NewTransaction(mac)
	suite.sched.Submit(x.Lock())
	suite.ticks(2)
	suite.Require().Equal(task.Executing, x.Lock().State())
	suite.True(x.Held())

	var lockAtDone task.State
	member := x.Task(task.Write, task.OnDone(func(*task.Task, task.Result) {
		lockAtDone = x.Lock().State()
		suite.sched.EndTransaction(x)
	}))
	suite.sched.Submit(member)
	suite.ticks(2)
	suite.Require().Equal(task.Executing, member.State())

	suite.succeed(member)
	suite.ticks(2)
	suite.NotEqual(task.Executing, lockAtDone, "lock MUST still be waiting for the lane when the member completes")
	suite.Equal(task.Succeeded, x.Lock().State(), "a lock that held the device MUST end SUCCEEDED")
	suite.Nil(suite.current())
}

func (suite *SchedulerTestSuite) TestTransactionNeverHeldIsNoOp() {
	blocker := task.ForDevice(task.Read, mac, task.WithPriority(task.Critical))
	suite.sched.Submit(blocker)
	suite.ticks(2)

	x := task.NewTransaction(mac)
	suite.sched.Submit(x.Lock())
	suite.ticks(1)
	suite.Require().Equal(task.Queued, x.Lock().State())

	suite.sched.EndTransaction(x)
	suite.ticks(1)
	suite.False(x.Held())
	suite.Equal(task.NoOp, x.Lock().State(), "a lock that never got the lane MUST end NO_OP")
}

func (suite *SchedulerTestSuite) TestClearQueueOf() {
	suite.env.connected[mac] = false
	read := task.ForDevice(task.Read, mac, suite.onDone())
	write := task.ForDevice(task.Write, "11:22:33:44:55:66", suite.onDone())
	suite.sched.Submit(read)
	suite.sched.Submit(write)
	suite.ticks(1)

	var cleared int
	suite.sched.Post(func() {
		cleared = suite.sched.ClearQueueOf(func(t *task.Task) bool { return t.Target.MAC == mac })
	})
	suite.ticks(1)

	suite.Equal(1, cleared)
	suite.Equal(task.ClearedFromQueue, read.State())
	suite.Equal(task.Queued, write.State())
	suite.Len(suite.results[read], 1)
}

func (suite *SchedulerTestSuite) TestPerDeviceLanes() {
	suite.newScheduler(Options{DefaultTimeout: time.Second, PerDeviceLanes: true})
	other := "11:22:33:44:55:66"
	suite.env.connected[other] = true
	a := task.ForDevice(task.Read, mac)
	b := task.ForDevice(task.Read, other)
	suite.sched.Submit(a)
	suite.sched.Submit(b)
	suite.ticks(2)

	suite.Equal(task.Executing, a.State())
	suite.Equal(task.Executing, b.State(), "separate device lanes MUST run independently")
	suite.ElementsMatch([]string{"device/" + mac, "device/" + other}, suite.sched.Lanes())
}

func (suite *SchedulerTestSuite) TestConfiguredOverrides() {
	suite.newScheduler(Options{
		DefaultTimeout: time.Second,
		Timeouts:       map[task.Kind]time.Duration{task.Read: 3 * time.Second},
		Priorities:     map[task.Kind]task.Priority{task.Read: task.Critical},
	})
	read := task.ForDevice(task.Read, mac)
	write := task.ForDevice(task.Write, mac)
	suite.sched.Submit(write)
	suite.sched.Submit(read)
	suite.ticks(1)

	suite.Equal(3*time.Second, read.Timeout)
	suite.Equal(time.Second, write.Timeout)
	suite.Equal(task.Critical, read.Priority)
	suite.Same(read, suite.current(), "priority override MUST take effect")
}

func (suite *SchedulerTestSuite) TestZeroKindTimeoutFallsBackToDefault() {
	suite.newScheduler(Options{
		DefaultTimeout: time.Second,
		Timeouts:       map[task.Kind]time.Duration{task.Read: 0},
	})
	read := task.ForDevice(task.Read, mac)
	suite.sched.Submit(read)
	suite.ticks(2)
	suite.Require().Equal(time.Second, read.Timeout, "a zero override MUST NOT disable the timeout")

	suite.ticks(10)
	suite.Equal(task.TimedOut, read.State())
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}
