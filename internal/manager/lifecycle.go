package manager

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
)

// The functions below drive the implicit work that follows a connection:
// service discovery, optional bonding and the INITIALIZED milestone. They
// run on the scheduler goroutine.

func (m *Manager) discover(d *Device) {
	m.sched.Submit(task.ForDevice(task.DiscoverServices, d.MAC()))
}

// initialize bonds when the device is known to need it, then marks it
// initialized.
func (m *Manager) initialize(d *Device) {
	if d.Is(state.DeviceBonded) || !m.caps.Bonding {
		m.finishInit(d)
		return
	}
	if m.cfg.Bonding.AlwaysBondOnConnect || m.bonding.NeedsBonding(m.ctx, d.MAC()) {
		m.bondImplicitly(d)
		return
	}
	m.finishInit(d)
}

func (m *Manager) bondImplicitly(d *Device) {
	t := task.ForDevice(task.Bond, d.MAC())
	t.Intercept(func(next func(*task.Task, task.Result)) func(*task.Task, task.Result) {
		return func(t *task.Task, r task.Result) {
			m.onBondDone(t, r)
			if next != nil {
				next(t, r)
			}
			m.afterImplicitBond(d, r)
		}
	})
	// Bonding during initialization is the link's authentication phase.
	d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable, state.On(state.DeviceAuthenticating))
	m.sched.Submit(t)
}

func (m *Manager) afterImplicitBond(d *Device, r task.Result) {
	if !d.Is(state.DeviceConnected) {
		return
	}
	switch r.State {
	case task.Succeeded, task.Redundant:
		d.bondAttempts = 0
		d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable,
			state.Off(state.DeviceAuthenticating), state.On(state.DeviceAuthenticated))
		m.finishInit(d)
	case task.Failed, task.TimedOut:
		if d.bondAttempts < m.cfg.Bonding.RetryLimit {
			d.bondAttempts++
			m.logger.WithFields(logrus.Fields{
				"address": d.MAC(),
				"attempt": d.bondAttempts,
				"state":   r.State.String(),
			}).Info("Retrying bond")
			m.bondImplicitly(d)
			return
		}
		m.logger.WithFields(logrus.Fields{
			"address": d.MAC(),
			"error":   r.Err,
		}).Warn("Bonding gave up, continuing unbonded")
		d.bondAttempts = 0
		d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable, state.Off(state.DeviceAuthenticating))
		m.finishInit(d)
	}
}

func (m *Manager) finishInit(d *Device) {
	d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable,
		state.Off(state.DeviceInitializing), state.Off(state.DeviceConnectingOverall),
		state.On(state.DeviceInitialized))
}

// onBondDone persists the outcome of a bond or unbond so the next connection
// knows whether to bond.
func (m *Manager) onBondDone(t *task.Task, r task.Result) {
	if r.State != task.Succeeded && r.State != task.Redundant {
		return
	}
	needs := t.Kind == task.Bond
	if err := m.bonding.Save(m.ctx, t.Target.MAC, needs, m.cfg.Persistence.WriteThrough); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": t.Target.MAC,
			"error":   err,
		}).Warn("Failed to persist bonding flag")
	}
}

// reconnectIfDropped reconnects a rediscovered device whose last link was
// lost without being asked for.
func (m *Manager) reconnectIfDropped(d *Device) {
	if !m.cfg.Reconnect.OnRediscovery || !d.Is(state.DeviceDisconnected) {
		return
	}
	mac := d.MAC()
	if m.disconnects.Load(m.ctx, mac, true) != state.IntentUnintentional {
		return
	}
	if m.sched.IsQueued(kindOn(task.Connect, mac)) {
		return
	}
	m.logger.WithField("address", mac).Info("Reconnecting to rediscovered device")
	m.sched.Submit(task.ForDevice(task.Connect, mac))
}
