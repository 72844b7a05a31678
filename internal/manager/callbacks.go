package manager

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
	"github.com/srg/blemgr/internal/throttle"
)

// The radio.Events methods below may be called from any goroutine. Each one
// posts its work to the scheduler goroutine.

func kindOn(k task.Kind, mac string) func(*task.Task) bool {
	return func(t *task.Task) bool { return t.Kind == k && t.Target.MAC == mac }
}

// gattOn matches an executing GATT task by characteristic.
func gattOn(k task.Kind, mac, service, char string) func(*task.Task) bool {
	service, char = radio.NormalizeUUID(service), radio.NormalizeUUID(char)
	return func(t *task.Task) bool {
		return t.Kind == k && t.Target.MAC == mac &&
			radio.NormalizeUUID(t.Payload.Service) == service &&
			radio.NormalizeUUID(t.Payload.Characteristic) == char
	}
}

func succeed(r task.Result) func(*task.Task) {
	return func(t *task.Task) { t.Succeed(r) }
}

func fail(op string, status int) func(*task.Task) {
	return func(t *task.Task) {
		err := radio.NewStatusError(op, status)
		if err == nil {
			err = radio.ErrRejected
		}
		t.Fail(status, err)
	}
}

func complete(op string, status int, r task.Result) func(*task.Task) {
	if status == radio.StatusSuccess {
		r.Status = status
		return succeed(r)
	}
	return fail(op, status)
}

// intentOf is the intent of the executing task matched by match, unintentional
// when the change was not asked for.
func (m *Manager) intentOf(match func(*task.Task) bool) state.Intent {
	if t := m.sched.Executing(match); t != nil {
		return state.IntentFor(t.Explicit)
	}
	return state.IntentUnintentional
}

func (m *Manager) OnAdapterStateChanged(on bool) {
	m.sched.Post(func() {
		turnOn := kindOn(task.TurnOn, "")
		turnOff := kindOn(task.TurnOff, "")
		if on {
			m.tracker.Set(m.intentOf(turnOn), radio.StatusNotApplicable,
				state.Off(state.ManagerOff), state.Off(state.ManagerTurningOn), state.On(state.ManagerOn))
			m.sched.Resolve(turnOn, succeed(task.Result{}))
			if m.sched.Resolve(turnOff, fail("turn off", radio.StatusFailure)) {
				m.uhOh(throttle.CannotDisableBluetooth)
			}
			return
		}

		m.tracker.Set(m.intentOf(turnOff), radio.StatusNotApplicable,
			state.Off(state.ManagerOn), state.Off(state.ManagerTurningOff),
			state.Off(state.ManagerScanning), state.Off(state.ManagerStartingScan),
			state.On(state.ManagerOff))
		m.sched.Resolve(turnOff, succeed(task.Result{}))
		if m.sched.Resolve(turnOn, fail("turn on", radio.StatusFailure)) {
			m.uhOh(throttle.CannotEnableBluetooth)
		}
		m.sched.Resolve(kindOn(task.Scan, ""), func(t *task.Task) {
			t.Fail(radio.StatusNotApplicable, radio.ErrBluetoothOff)
		})
		m.scanStopped()
		for _, d := range m.Devices() {
			if d.IsAny(state.ConnectionPhases) {
				m.dropLink(d, state.IntentUnintentional, radio.StatusNotApplicable)
			}
		}
	})
}

func (m *Manager) OnScanResult(adv radio.Advertisement) {
	m.sched.Post(func() {
		d := m.device(adv.Address)
		fresh := d.Is(state.DeviceUndiscovered)
		d.observe(adv)
		d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable,
			state.Off(state.DeviceUndiscovered), state.On(state.DeviceDiscovered), state.On(state.DeviceAdvertising))
		m.observers().Discovery(DiscoveryEvent{Device: d, Advertisement: adv, New: fresh})
		if fresh {
			m.reconnectIfDropped(d)
		}
	})
}

func (m *Manager) OnScanFailed(err error) {
	m.sched.Post(func() {
		m.logger.WithError(err).Warn("Scan failed")
		m.uhOh(throttle.StartScanFailed)
		m.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable,
			state.Off(state.ManagerScanning), state.Off(state.ManagerStartingScan))
		m.sched.Resolve(kindOn(task.Scan, ""), func(t *task.Task) { t.Fail(radio.StatusNotApplicable, err) })
		m.scanStopped()
	})
}

func (m *Manager) OnConnectionStateChange(mac string, connected bool, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		d := m.device(mac)
		connect := kindOn(task.Connect, mac)

		if connected && status == radio.StatusSuccess {
			if m.strayConnect(d, connect) {
				return
			}
			if !d.Is(state.DeviceConnecting) {
				m.uhOh(throttle.ConnectedWithoutEverConnecting)
			}
			intent := m.intentOf(connect)
			d.tracker.Append(state.DeviceConnected, intent, status)
			d.tracker.Set(intent, status,
				state.Off(state.DeviceConnecting), state.Off(state.DeviceRetryingConnection),
				state.Off(state.DeviceDisconnected), state.On(state.DeviceConnectingOverall))
			m.sched.Resolve(connect, succeed(task.Result{Status: status}))
			d.bondAttempts = 0
			m.discover(d)
			return
		}

		intent := d.disconnectIntent
		if intent == state.IntentNull {
			intent = state.IntentUnintentional
		}
		if status == radio.StatusConnectionTimeout {
			m.uhOh(throttle.ConnectionTimedOut)
		}
		m.sched.Resolve(connect, fail("connect", status))
		m.sched.Resolve(kindOn(task.Disconnect, mac), succeed(task.Result{Status: status}))
		m.dropLink(d, intent, status)
	})
}

func (m *Manager) OnServicesDiscovered(mac string, services []radio.Service, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		d := m.device(mac)
		match := kindOn(task.DiscoverServices, mac)
		if status != radio.StatusSuccess {
			d.tracker.Set(state.IntentUnintentional, status, state.Off(state.DeviceDiscoveringServices))
			m.sched.Resolve(match, fail("discover services", status))
			return
		}
		d.setServices(services)
		d.tracker.Append(state.DeviceServicesDiscovered, state.IntentUnintentional, status)
		d.tracker.Set(state.IntentUnintentional, status,
			state.Off(state.DeviceDiscoveringServices), state.On(state.DeviceInitializing))
		m.sched.Resolve(match, succeed(task.Result{Status: status}))
		m.initialize(d)
	})
}

// resolveGATT resolves the executing task of kind k on mac. A task of that
// kind working on another characteristic means the stack mixed up callbacks.
func (m *Manager) resolveGATT(k task.Kind, mac, service, char string, wrong throttle.UhOh,
	status int, r task.Result) {
	if m.sched.Resolve(gattOn(k, mac, service, char), complete(k.String(), status, r)) {
		return
	}
	if m.sched.Executing(kindOn(k, mac)) != nil {
		m.logger.WithFields(logrus.Fields{
			"address":        mac,
			"kind":           k.String(),
			"characteristic": char,
		}).Warn("Callback for a different characteristic than the executing task")
		m.uhOh(wrong)
	}
}

func (m *Manager) OnCharacteristicRead(mac, service, char string, data []byte, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		m.resolveGATT(task.Read, mac, service, char, throttle.ReadReturnedWrongCharacteristic,
			status, task.Result{Data: data})
	})
}

func (m *Manager) OnCharacteristicWrite(mac, service, char string, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		m.resolveGATT(task.Write, mac, service, char, throttle.WriteReturnedWrongCharacteristic,
			status, task.Result{})
	})
}

func (m *Manager) OnDescriptorWrite(mac, service, char, descriptor string, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		m.resolveGATT(task.WriteDescriptor, mac, service, char, throttle.WriteReturnedWrongCharacteristic,
			status, task.Result{})
	})
}

func (m *Manager) OnNotifyStateChanged(mac, service, char string, enabled bool, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		m.sched.Resolve(gattOn(task.ToggleNotify, mac, service, char), complete("toggle notify", status, task.Result{}))
	})
}

func (m *Manager) OnCharacteristicChanged(mac, service, char string, data []byte) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		m.observers().ReadWrite(ReadWriteEvent{
			Type:           RWNotification,
			MAC:            mac,
			Service:        service,
			Characteristic: char,
			Data:           data,
			Result:         task.Succeeded,
			Status:         radio.StatusSuccess,
		})
	})
}

func (m *Manager) OnBondStateChanged(mac string, bonded bool, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		d := m.device(mac)
		bond := kindOn(task.Bond, mac)
		unbond := kindOn(task.Unbond, mac)

		if bonded {
			intent := m.intentOf(bond)
			if d.Is(state.DeviceBonding) {
				d.tracker.Append(state.DeviceBonded, intent, status)
			}
			d.tracker.Set(intent, status,
				state.Off(state.DeviceBonding), state.Off(state.DeviceUnbonded), state.On(state.DeviceBonded))
			m.sched.Resolve(bond, succeed(task.Result{Status: status}))
			m.sched.Resolve(unbond, fail("unbond", failureStatus(status)))
			return
		}

		d.tracker.Set(m.intentOf(unbond), status,
			state.Off(state.DeviceBonding), state.Off(state.DeviceBonded), state.On(state.DeviceUnbonded))
		m.sched.Resolve(unbond, succeed(task.Result{Status: status}))
		m.sched.Resolve(bond, fail("bond", failureStatus(status)))
	})
}

// failureStatus turns a success code reported with a contradicting outcome
// into a generic failure.
func failureStatus(status int) int {
	if status == radio.StatusSuccess {
		return radio.StatusFailure
	}
	return status
}

func (m *Manager) OnRSSIRead(mac string, rssi int, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		if status == radio.StatusSuccess {
			m.device(mac).setRSSI(rssi)
		}
		m.sched.Resolve(kindOn(task.ReadRSSI, mac), complete("read rssi", status, task.Result{RSSI: rssi}))
	})
}

func (m *Manager) OnMTUChanged(mac string, mtu int, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		if status == radio.StatusSuccess {
			m.device(mac).setMTU(mtu)
		}
		m.sched.Resolve(kindOn(task.RequestMTU, mac), complete("request mtu", status, task.Result{MTU: mtu}))
	})
}

func (m *Manager) OnServerConnectionStateChange(mac string, connected bool, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		c := m.client(mac)
		connect := kindOn(task.ServerConnect, mac)
		disconnect := kindOn(task.ServerDisconnect, mac)
		if connected && status == radio.StatusSuccess {
			c.Replace(state.Of(state.ServerConnected), m.intentOf(connect), status)
			m.sched.Resolve(connect, succeed(task.Result{Status: status}))
			return
		}
		c.Replace(state.Of(state.ServerDisconnected), m.intentOf(disconnect), status)
		m.sched.Resolve(disconnect, succeed(task.Result{Status: status}))
		m.sched.Resolve(connect, fail("server connect", failureStatus(status)))
		m.sched.ClearQueueOf(kindOn(task.ServerNotify, mac))
	})
}

func (m *Manager) OnServerNotificationSent(mac, service, char string, status int) {
	mac = radio.NormalizeMAC(mac)
	m.sched.Post(func() {
		m.sched.Resolve(gattOn(task.ServerNotify, mac, service, char), complete("server notify", status, task.Result{}))
	})
}

// strayConnect tears down a link the stack reports after d was deliberately
// disconnected and nothing asked for it again. The device stays DISCONNECTED.
func (m *Manager) strayConnect(d *Device, connect func(*task.Task) bool) bool {
	if !d.Is(state.DeviceDisconnected) || d.lastDisconnect != state.IntentIntentional ||
		m.sched.IsQueued(connect) {
		return false
	}
	d.disconnectIntent = state.IntentIntentional
	m.logger.WithField("address", d.MAC()).Warn("Stack connected a deliberately disconnected device, dropping link")
	m.uhOh(throttle.InconsistentNativeDeviceState)
	if err := m.radio.Disconnect(d.MAC()); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": d.MAC(),
			"error":   err,
		}).Warn("Failed to drop stray connection")
	}
	return true
}

// dropLink moves d to DISCONNECTED, clears its connection-bound work and
// remembers why the link went down.
func (m *Manager) dropLink(d *Device, intent state.Intent, status int) {
	mac := d.MAC()
	next := state.Clear(d.Mask(), state.ConnectionPhases) | state.Of(state.DeviceDisconnected)
	d.tracker.Replace(next, intent, status)
	d.disconnectIntent = state.IntentNull
	d.lastDisconnect = intent

	for {
		t := m.sched.Executing(func(t *task.Task) bool {
			return t.Target.MAC == mac && t.Kind.RequiresConnection()
		})
		if t == nil {
			break
		}
		t.Fail(status, radio.ErrNotConnected)
	}
	if n := m.sched.ClearQueueOf(func(t *task.Task) bool {
		return t.Target.Kind == task.TargetDevice && t.Target.MAC == mac && t.Kind.RequiresConnection()
	}); n > 0 {
		m.logger.WithFields(logrus.Fields{
			"address": mac,
			"cleared": n,
		}).Debug("Cleared queued work of disconnected device")
	}

	if err := m.disconnects.Save(m.ctx, mac, intent, m.cfg.Persistence.WriteThrough); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": mac,
			"error":   err,
		}).Warn("Failed to persist disconnect intent")
	}
}

func (m *Manager) scanStopped() {
	for _, d := range m.Devices() {
		d.tracker.Set(state.IntentUnintentional, radio.StatusNotApplicable, state.Off(state.DeviceAdvertising))
	}
}
