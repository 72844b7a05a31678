package manager

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
	"github.com/srg/blemgr/internal/throttle"
)

// Prepare marks the in-progress states of kinds whose native call runs on a
// separate goroutine, so that trackers are only written by the scheduler.
func (m *Manager) Prepare(t *task.Task) {
	intent := state.IntentFor(t.Explicit)
	switch t.Kind {
	case task.TurnOn:
		m.tracker.Set(intent, radio.StatusNotApplicable, state.On(state.ManagerTurningOn))
	case task.TurnOff:
		m.tracker.Set(intent, radio.StatusNotApplicable, state.On(state.ManagerTurningOff))
	case task.Bond:
		m.device(t.Target.MAC).tracker.Set(intent, radio.StatusNotApplicable,
			state.Off(state.DeviceUnbonded), state.On(state.DeviceBonding))
	}
}

// Rejected rolls Prepare back after the native call itself failed.
func (m *Manager) Rejected(t *task.Task, err error) {
	intent := state.IntentFor(t.Explicit)
	switch t.Kind {
	case task.TurnOn:
		m.tracker.Set(intent, radio.StatusNotApplicable, state.Off(state.ManagerTurningOn))
		if !errors.Is(err, radio.ErrUnsupported) {
			m.uhOh(throttle.CannotEnableBluetooth)
		}
	case task.TurnOff:
		m.tracker.Set(intent, radio.StatusNotApplicable, state.Off(state.ManagerTurningOff))
		if !errors.Is(err, radio.ErrUnsupported) {
			m.uhOh(throttle.CannotDisableBluetooth)
		}
	case task.Bond:
		d := m.device(t.Target.MAC)
		if d.Is(state.DeviceBonding) {
			d.tracker.Set(intent, radio.StatusNotApplicable,
				state.Off(state.DeviceBonding), state.On(state.DeviceUnbonded))
		}
	}
}

// Execute issues the native call of t. It runs on the scheduler goroutine,
// except for kinds that run on a separate thread; those only call the radio.
func (m *Manager) Execute(t *task.Task) error {
	mac := t.Target.MAC
	p := t.Payload
	intent := state.IntentFor(t.Explicit)

	switch t.Kind {
	case task.TurnOn:
		return m.radio.TurnOn()

	case task.TurnOff:
		return m.radio.TurnOff()

	case task.Scan:
		m.tracker.Set(intent, radio.StatusNotApplicable, state.On(state.ManagerStartingScan))
		mode, err := m.radio.StartScan()
		if err != nil {
			m.tracker.Set(intent, radio.StatusNotApplicable, state.Off(state.ManagerStartingScan))
			m.uhOh(throttle.StartScanFailed)
			return err
		}
		m.logger.WithField("mode", mode.String()).Debug("Scan started")
		m.tracker.Set(intent, radio.StatusNotApplicable,
			state.Off(state.ManagerStartingScan), state.On(state.ManagerScanning))
		return nil

	case task.Connect:
		d := m.device(mac)
		d.disconnectIntent = state.IntentNull
		changes := []state.Change[state.DeviceState]{
			state.On(state.DeviceConnectingOverall), state.On(state.DeviceConnecting),
			state.Off(state.DeviceDisconnected),
		}
		// An implicit connect after an unintentional drop is a reconnect.
		if !t.Explicit && m.disconnects.Load(m.ctx, mac, true) == state.IntentUnintentional {
			changes = append(changes, state.On(state.DeviceRetryingConnection))
		}
		d.tracker.Set(intent, radio.StatusNotApplicable, changes...)
		if err := m.radio.Connect(mac); err != nil {
			m.dropLink(d, state.IntentUnintentional, radio.StatusNotApplicable)
			return err
		}
		return nil

	case task.Disconnect:
		d := m.device(mac)
		d.disconnectIntent = intent
		return m.radio.Disconnect(mac)

	case task.DiscoverServices:
		d := m.device(mac)
		m.refreshBeforeDiscovery(mac)
		d.tracker.Set(intent, radio.StatusNotApplicable, state.On(state.DeviceDiscoveringServices))
		if err := m.radio.DiscoverServices(mac); err != nil {
			d.tracker.Set(intent, radio.StatusNotApplicable, state.Off(state.DeviceDiscoveringServices))
			return err
		}
		return nil

	case task.Bond:
		return m.radio.CreateBond(mac)

	case task.Unbond:
		return m.radio.RemoveBond(mac)

	case task.Read:
		return m.radio.ReadCharacteristic(mac, p.Service, p.Characteristic)

	case task.Write:
		return m.radio.WriteCharacteristic(mac, p.Service, p.Characteristic, p.Data, p.WithoutResponse)

	case task.WriteDescriptor:
		return m.radio.WriteDescriptor(mac, p.Service, p.Characteristic, p.Descriptor, p.Data)

	case task.ToggleNotify:
		return m.radio.SetNotify(mac, p.Service, p.Characteristic, p.Enable)

	case task.ReadRSSI:
		if !m.caps.RSSI {
			return radio.ErrUnsupported
		}
		return m.radio.ReadRSSI(mac)

	case task.RequestMTU:
		if !m.caps.MTU {
			return radio.ErrUnsupported
		}
		return m.radio.RequestMTU(mac, p.MTU)

	case task.TxnLock:
		// Holding the lane is the whole operation.
		return nil

	case task.ServerConnect, task.ServerDisconnect, task.ServerNotify:
		return m.executeServer(t)
	}
	return radio.ErrUnsupported
}

func (m *Manager) executeServer(t *task.Task) error {
	srv, ok := radio.AsServer(m.radio)
	if !ok {
		return radio.ErrUnsupported
	}
	mac := t.Target.MAC
	intent := state.IntentFor(t.Explicit)
	switch t.Kind {
	case task.ServerConnect:
		c := m.client(mac)
		c.Set(intent, radio.StatusNotApplicable, state.On(state.ServerConnecting), state.Off(state.ServerDisconnected))
		if err := srv.ServerConnect(mac); err != nil {
			c.Replace(state.Of(state.ServerDisconnected), intent, radio.StatusNotApplicable)
			return err
		}
		return nil
	case task.ServerDisconnect:
		return srv.ServerDisconnect(mac)
	default:
		p := t.Payload
		return srv.Notify(mac, p.Service, p.Characteristic, p.Data)
	}
}

// refreshBeforeDiscovery drops the stack's GATT cache when the radio can.
// Failure is diagnostic only: discovery proceeds on the cached table.
func (m *Manager) refreshBeforeDiscovery(mac string) {
	if !m.caps.RefreshCache {
		return
	}
	if err := m.radio.RefreshCache(mac); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": mac,
			"error":   err,
		}).Info("Service cache refresh failed, discovering anyway")
		m.uhOh(throttle.ServiceRefreshFailed)
	}
}

// Abort undoes the native side of a task that left EXECUTING without a
// native completion.
func (m *Manager) Abort(t *task.Task) {
	mac := t.Target.MAC
	m.logger.WithFields(logrus.Fields{
		"task":  t.String(),
		"state": t.State().String(),
	}).Debug("Aborting task")

	switch t.Kind {
	case task.Scan:
		if err := m.radio.StopScan(); err != nil {
			m.logger.WithError(err).Warn("Failed to stop scan")
		}
		m.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable,
			state.Off(state.ManagerScanning), state.Off(state.ManagerStartingScan))

	case task.Connect:
		d := m.device(mac)
		if err := m.radio.Disconnect(mac); err != nil && !errors.Is(err, radio.ErrNotConnected) {
			m.logger.WithFields(logrus.Fields{
				"address": mac,
				"error":   err,
			}).Warn("Failed to cancel connection attempt")
		}
		if t.State() == task.TimedOut {
			m.uhOh(throttle.ConnectionTimedOut)
		}
		if !d.Is(state.DeviceConnected) {
			m.dropLink(d, state.IntentFor(t.State() == task.Cancelled), radio.StatusNotApplicable)
		}

	case task.DiscoverServices:
		d := m.device(mac)
		d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable, state.Off(state.DeviceDiscoveringServices))

	case task.Bond:
		d := m.device(mac)
		if t.State() == task.TimedOut {
			m.uhOh(throttle.BondTimedOut)
		}
		if d.Is(state.DeviceBonding) {
			d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable,
				state.Off(state.DeviceBonding), state.On(state.DeviceUnbonded))
		}

	case task.ServerConnect:
		if srv, ok := radio.AsServer(m.radio); ok {
			_ = srv.ServerDisconnect(mac)
		}
		m.client(mac).Replace(state.Of(state.ServerDisconnected), state.IntentUnintentional, radio.StatusNotApplicable)
	}
}
