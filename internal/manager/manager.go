// Package manager is the context object tying the BLE core together.
//
// A Manager owns the scheduler, the state trackers of the adapter, devices
// and server clients, the disk caches and the listener dispatcher. Native
// radio callbacks are funnelled onto the scheduler goroutine through
// queue.Scheduler.Post before they touch any task or queue state; the public
// operations only build tasks and submit them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/diskcache"
	"github.com/srg/blemgr/internal/dispatch"
	"github.com/srg/blemgr/internal/queue"
	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
	"github.com/srg/blemgr/internal/throttle"
	"github.com/srg/blemgr/pkg/config"
)

var (
	// ErrInconsistentState wraps internal invariant violations.
	ErrInconsistentState = errors.New("inconsistent state")
	ErrClosed            = errors.New("manager closed")
	ErrInvalidAddress    = errors.New("invalid device address")
)

const managerEntity = "manager"

// Manager runs the scheduler and routes radio callbacks. Create it with New.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger
	radio  radio.Radio
	caps   radio.Capabilities

	sched     *queue.Scheduler
	loop      *dispatch.Loop
	disp      *dispatch.Dispatcher
	throttler *throttle.Throttler

	bonding     *diskcache.BondingCache
	disconnects *diskcache.DisconnectCache

	tracker *state.Tracker[state.ManagerState]
	devices *hashmap.Map[string, *Device]
	clients *hashmap.Map[string, *state.Tracker[state.ServerState]]

	lmu       sync.RWMutex
	listeners Listeners

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a manager driving r. store backs the disk caches; nil keeps
// them in memory.
func New(cfg *config.Config, r radio.Radio, store diskcache.Store, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	timeouts, _ := cfg.TaskTimeouts()
	priorities, _ := cfg.TaskPriorities()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		logger:      logger,
		radio:       r,
		caps:        r.Capabilities(),
		loop:        dispatch.NewLoop(logger),
		bonding:     diskcache.NewBondingCache(store, logger),
		disconnects: diskcache.NewDisconnectCache(store, logger),
		devices:     hashmap.New[string, *Device](),
		clients:     hashmap.New[string, *state.Tracker[state.ServerState]](),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.disp = dispatch.NewDispatcher(m.loop, func() bool { return m.cfg.Callbacks.PostToMain }, logger)
	m.throttler = throttle.New(cfg.Diagnostics.UhOhThrottle, nil)
	m.SetListeners(Listeners{})
	m.sched = queue.New(m, m, queue.Options{
		ArmDwell:       cfg.Scheduler.ArmDwell,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		Timeouts:       timeouts,
		Priorities:     priorities,
		Rules: task.Rules{
			MinScanTime:      cfg.Scan.MinScanTime,
			IdealMinScanTime: cfg.Scan.IdealMinScanTime,
		},
		PerDeviceLanes: cfg.Scheduler.PerDeviceLanes,
		HistorySize:    cfg.Scheduler.HistorySize,
		Context:        ctx,
	}, logger)
	m.sched.SetListener(m.onTaskTransition)

	initial := state.Of(state.ManagerOff)
	if r.IsOn() {
		initial = state.Of(state.ManagerOn)
	}
	m.tracker = state.NewTracker[state.ManagerState](managerEntity, initial,
		state.WithListener(m.onManagerState))

	r.SetEvents(m)

	logger.WithFields(logrus.Fields{
		"state":            state.FormatManager(initial),
		"power_control":    m.caps.PowerControl,
		"refresh_cache":    m.caps.RefreshCache,
		"bonding":          m.caps.Bonding,
		"server":           m.caps.Server,
		"per_device_lanes": cfg.Scheduler.PerDeviceLanes,
	}).Info("BLE manager created")
	return m, nil
}

// SetListeners replaces every outward observer.
func (m *Manager) SetListeners(l Listeners) {
	m.throttler.SetListener(dispatch.Wrap(m.disp, l.UhOh))
	wrapped := Listeners{
		ManagerState: dispatch.Wrap(m.disp, l.ManagerState),
		DeviceState:  dispatch.Wrap(m.disp, l.DeviceState),
		ServerState:  dispatch.Wrap(m.disp, l.ServerState),
		ReadWrite:    dispatch.Wrap(m.disp, l.ReadWrite),
		Discovery:    dispatch.Wrap(m.disp, l.Discovery),
		UhOh:         dispatch.Wrap(m.disp, l.UhOh),
		Assert:       dispatch.Wrap(m.disp, l.Assert),
		Task:         dispatch.Wrap(m.disp, l.Task),
	}
	m.lmu.Lock()
	m.listeners = wrapped
	m.lmu.Unlock()
}

func (m *Manager) observers() Listeners {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	return m.listeners
}

// Loop is the delivery loop used when callbacks.post_to_main is on. Run
// starts it unless the host drives it itself through RunLoop.
func (m *Manager) Loop() *dispatch.Loop { return m.loop }

// Scheduler exposes the queue for inspection.
func (m *Manager) Scheduler() *queue.Scheduler { return m.sched }

func (m *Manager) Capabilities() radio.Capabilities { return m.caps }

// Run drives the scheduler every scheduler.tick_interval until ctx ends. Each
// tick advances task clocks by the wall time elapsed since the previous one.
// Posted native callbacks wake the loop early. With hostLoop false the
// dispatch loop is started on its own goroutine.
func (m *Manager) Run(ctx context.Context, hostLoop bool) error {
	if !hostLoop {
		m.loop.RunAsync(ctx)
	}
	ticker := time.NewTicker(m.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	last := time.Now()
	step := func(now time.Time) {
		m.Update(now.Sub(last))
		last = now
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrClosed
		case now := <-ticker.C:
			step(now)
		case <-m.sched.Wake():
			step(time.Now())
		}
	}
}

// Update advances the manager by dt of simulated time. Run calls it; tests
// call it directly.
func (m *Manager) Update(dt time.Duration) {
	m.throttler.Update(dt)
	m.sched.Update(dt)
}

// Close stops the separate-thread tasks and closes the radio.
func (m *Manager) Close() error {
	m.cancel()
	return m.radio.Close()
}

// State is the manager mask.
func (m *Manager) State() state.Mask { return m.tracker.Mask() }

func (m *Manager) Is(s state.ManagerState) bool { return m.tracker.Is(s) }

// Device returns the known device with the given address.
func (m *Manager) Device(mac string) (*Device, bool) {
	return m.devices.Get(radio.NormalizeMAC(mac))
}

// Devices lists every known device.
func (m *Manager) Devices() []*Device {
	out := make([]*Device, 0, m.devices.Len())
	m.devices.Range(func(_ string, d *Device) bool {
		out = append(out, d)
		return true
	})
	return out
}

// ServerClientState is the server mask of the client with the given address.
func (m *Manager) ServerClientState(mac string) state.Mask {
	if t, ok := m.clients.Get(radio.NormalizeMAC(mac)); ok {
		return t.Mask()
	}
	return state.Of(state.ServerNull)
}

func (m *Manager) device(mac string) *Device {
	mac = radio.NormalizeMAC(mac)
	if d, ok := m.devices.Get(mac); ok {
		return d
	}
	d := &Device{mac: mac}
	d.tracker = state.NewTracker[state.DeviceState](mac,
		state.DeviceInitialMask|state.Of(state.DeviceUnbonded),
		state.WithListener(m.onDeviceState),
		state.WithAssert(deviceAssert, m.assert),
	)
	actual, _ := m.devices.GetOrInsert(mac, d)
	return actual
}

func (m *Manager) client(mac string) *state.Tracker[state.ServerState] {
	mac = radio.NormalizeMAC(mac)
	if t, ok := m.clients.Get(mac); ok {
		return t
	}
	t := state.NewTracker[state.ServerState](mac, state.Of(state.ServerNull),
		state.WithListener(m.onServerState),
		state.WithExclusive(state.ServerNull),
	)
	actual, _ := m.clients.GetOrInsert(mac, t)
	return actual
}

func (m *Manager) onManagerState(e state.Event[state.ManagerState]) {
	m.logger.WithFields(logrus.Fields{
		"old": state.FormatManager(e.Old),
		"new": state.FormatManager(e.New),
	}).Debug("Manager state changed")
	m.observers().ManagerState(e)
}

func (m *Manager) onDeviceState(e state.Event[state.DeviceState]) {
	m.logger.WithFields(logrus.Fields{
		"address": e.Entity,
		"old":     state.FormatDevice(e.Old),
		"new":     state.FormatDevice(e.New),
		"intent":  e.Intent.String(),
		"status":  e.Status,
	}).Debug("Device state changed")
	m.observers().DeviceState(e)
}

func (m *Manager) onServerState(e state.Event[state.ServerState]) {
	m.observers().ServerState(e)
}

func (m *Manager) onTaskTransition(t *task.Task, s task.State) {
	m.observers().Task(TaskEvent{Task: t, State: s})
}

// assert reports an internal invariant violation. It never blocks the
// caller unless diagnostics.panic_on_assert is set.
func (m *Manager) assert(entity string, err error) {
	m.logger.WithFields(logrus.Fields{
		"entity": entity,
		"error":  err,
	}).Warn("Internal assertion failed")
	m.observers().Assert(AssertEvent{Entity: entity, Err: err})
	if m.cfg.Diagnostics.PanicOnAssert {
		panic(fmt.Sprintf("assertion failed for %s: %v", entity, err))
	}
}

func (m *Manager) uhOh(u throttle.UhOh) {
	if !m.throttler.UhOh(u) {
		m.logger.WithField("uhoh", u.String()).Debug("UhOh throttled")
		return
	}
	m.logger.WithFields(logrus.Fields{
		"uhoh":   u.String(),
		"remedy": u.Remedy().String(),
	}).Warn("UhOh")
}

// task.Env

func (m *Manager) AdapterOn() bool { return m.tracker.Is(state.ManagerOn) }

func (m *Manager) Connected(mac string) bool {
	d, ok := m.devices.Get(mac)
	return ok && d.IsAny(state.Of(state.DeviceConnecting, state.DeviceConnected))
}

func (m *Manager) HasSession(mac string) bool {
	d, ok := m.devices.Get(mac)
	return ok && d.Is(state.DeviceConnected)
}

func (m *Manager) Bonded(mac string) bool {
	d, ok := m.devices.Get(mac)
	return ok && d.Is(state.DeviceBonded)
}

func (m *Manager) Initializing(mac string) bool {
	d, ok := m.devices.Get(mac)
	return ok && d.Is(state.DeviceInitializing)
}

func (m *Manager) ServerClientConnected(mac string) bool {
	t, ok := m.clients.Get(mac)
	return ok && t.Is(state.ServerConnected)
}
