package manager

import (
	"fmt"

	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
)

// Done receives the terminal result of a submitted operation exactly once,
// through the dispatcher.
type Done func(task.Result)

// RWDone receives the completion of a read, write or notify operation.
type RWDone func(ReadWriteEvent)

// submit marks t explicit and hands it to the scheduler. internal runs first
// on the scheduler goroutine, then done is dispatched.
func (m *Manager) submit(t *task.Task, internal func(*task.Task, task.Result), done Done) (*task.Task, error) {
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	t.Intercept(func(next func(*task.Task, task.Result)) func(*task.Task, task.Result) {
		return func(t *task.Task, r task.Result) {
			if internal != nil {
				internal(t, r)
			}
			if next != nil {
				next(t, r)
			}
			if done != nil {
				m.disp.Dispatch(func() { done(r) })
			}
		}
	})
	m.sched.Submit(t)
	return t, nil
}

func explicit(opts []task.Option) []task.Option {
	return append([]task.Option{task.Explicit()}, opts...)
}

func deviceMAC(mac string) (string, error) {
	mac = radio.NormalizeMAC(mac)
	if mac == "" {
		return "", ErrInvalidAddress
	}
	return mac, nil
}

// TurnOn powers the adapter on.
func (m *Manager) TurnOn(done Done, opts ...task.Option) (*task.Task, error) {
	return m.submit(task.ForManager(task.TurnOn, explicit(opts)...), nil, done)
}

// TurnOff powers the adapter off, cancelling everything that needs it.
func (m *Manager) TurnOff(done Done, opts ...task.Option) (*task.Task, error) {
	return m.submit(task.ForManager(task.TurnOff, explicit(opts)...), nil, done)
}

// StartScan queues an open-ended scan. Pass task.WithTimeout for a bounded one.
func (m *Manager) StartScan(done Done, opts ...task.Option) (*task.Task, error) {
	return m.submit(task.ForManager(task.Scan, explicit(opts)...), nil, done)
}

// StopScan ends the running scan as SUCCEEDED and drops queued ones.
func (m *Manager) StopScan() error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	m.sched.Post(func() {
		scan := kindOn(task.Scan, "")
		m.sched.ClearQueueOf(scan)
		if !m.sched.Resolve(scan, succeed(task.Result{})) {
			return
		}
		if err := m.radio.StopScan(); err != nil {
			m.logger.WithError(err).Warn("Failed to stop scan")
		}
		m.tracker.Set(state.IntentIntentional, radio.StatusNotApplicable,
			state.Off(state.ManagerScanning), state.Off(state.ManagerStartingScan))
		m.scanStopped()
	})
	return nil
}

// Connect connects to the device. Service discovery and, when needed,
// bonding follow implicitly.
func (m *Manager) Connect(mac string, done Done, opts ...task.Option) (*task.Task, error) {
	mac, err := deviceMAC(mac)
	if err != nil {
		return nil, err
	}
	return m.submit(task.ForDevice(task.Connect, mac, explicit(opts)...), nil, done)
}

// Disconnect drops the link. A bond or connect in flight is softly cancelled.
func (m *Manager) Disconnect(mac string, done Done, opts ...task.Option) (*task.Task, error) {
	mac, err := deviceMAC(mac)
	if err != nil {
		return nil, err
	}
	return m.submit(task.ForDevice(task.Disconnect, mac, explicit(opts)...), nil, done)
}

func (m *Manager) Bond(mac string, done Done, opts ...task.Option) (*task.Task, error) {
	mac, err := deviceMAC(mac)
	if err != nil {
		return nil, err
	}
	if !m.caps.Bonding {
		return nil, radio.ErrUnsupported
	}
	return m.submit(task.ForDevice(task.Bond, mac, explicit(opts)...), m.onBondDone, done)
}

func (m *Manager) Unbond(mac string, done Done, opts ...task.Option) (*task.Task, error) {
	mac, err := deviceMAC(mac)
	if err != nil {
		return nil, err
	}
	if !m.caps.Bonding {
		return nil, radio.ErrUnsupported
	}
	return m.submit(task.ForDevice(task.Unbond, mac, explicit(opts)...), m.onBondDone, done)
}

// rw submits a GATT task whose completion is reported as a ReadWriteEvent to
// both the ReadWrite listener and done.
func (m *Manager) rw(kind task.Kind, typ RWType, mac string, p task.Payload, done RWDone, opts []task.Option) (*task.Task, error) {
	mac, err := deviceMAC(mac)
	if err != nil {
		return nil, err
	}
	opts = append(explicit(opts), task.WithPayload(p))
	t := task.ForDevice(kind, mac, opts...)
	report := func(t *task.Task, r task.Result) {
		e := ReadWriteEvent{
			Type:           typ,
			MAC:            mac,
			Service:        p.Service,
			Characteristic: p.Characteristic,
			Descriptor:     p.Descriptor,
			Data:           r.Data,
			RSSI:           r.RSSI,
			MTU:            r.MTU,
			Result:         r.State,
			Status:         r.Status,
			Err:            r.Err,
		}
		if e.Data == nil && (typ == RWWrite || typ == RWWriteDescriptor) {
			e.Data = p.Data
		}
		m.observers().ReadWrite(e)
		if done != nil {
			m.disp.Dispatch(func() { done(e) })
		}
	}
	return m.submit(t, report, nil)
}

// Read reads a characteristic.
func (m *Manager) Read(mac, service, char string, done RWDone, opts ...task.Option) (*task.Task, error) {
	return m.rw(task.Read, RWRead, mac, task.Payload{Service: service, Characteristic: char}, done, opts)
}

// Write writes a characteristic, with or without a response.
func (m *Manager) Write(mac, service, char string, data []byte, withoutResponse bool, done RWDone, opts ...task.Option) (*task.Task, error) {
	return m.rw(task.Write, RWWrite, mac, task.Payload{
		Service:         service,
		Characteristic:  char,
		Data:            data,
		WithoutResponse: withoutResponse,
	}, done, opts)
}

func (m *Manager) WriteDescriptor(mac, service, char, descriptor string, data []byte, done RWDone, opts ...task.Option) (*task.Task, error) {
	return m.rw(task.WriteDescriptor, RWWriteDescriptor, mac, task.Payload{
		Service:        service,
		Characteristic: char,
		Descriptor:     descriptor,
		Data:           data,
	}, done, opts)
}

// EnableNotify subscribes to a characteristic. Values arrive as
// RWNotification events on the ReadWrite listener.
func (m *Manager) EnableNotify(mac, service, char string, done RWDone, opts ...task.Option) (*task.Task, error) {
	return m.rw(task.ToggleNotify, RWEnableNotify, mac,
		task.Payload{Service: service, Characteristic: char, Enable: true}, done, opts)
}

func (m *Manager) DisableNotify(mac, service, char string, done RWDone, opts ...task.Option) (*task.Task, error) {
	return m.rw(task.ToggleNotify, RWDisableNotify, mac,
		task.Payload{Service: service, Characteristic: char}, done, opts)
}

func (m *Manager) ReadRSSI(mac string, done RWDone, opts ...task.Option) (*task.Task, error) {
	return m.rw(task.ReadRSSI, RWReadRSSI, mac, task.Payload{}, done, opts)
}

func (m *Manager) RequestMTU(mac string, mtu int, done RWDone, opts ...task.Option) (*task.Task, error) {
	if mtu <= 0 {
		return nil, fmt.Errorf("invalid mtu %d", mtu)
	}
	return m.rw(task.RequestMTU, RWRequestMTU, mac, task.Payload{MTU: mtu}, done, opts)
}

// BeginTransaction reserves mac for a sequence of operations. Pass
// task.WithTransaction(x) to the member operations and release the device
// with EndTransaction.
func (m *Manager) BeginTransaction(mac string, opts ...task.Option) (*task.Transaction, error) {
	mac, err := deviceMAC(mac)
	if err != nil {
		return nil, err
	}
	x := task.NewTransaction(mac, explicit(opts)...)
	if _, err := m.submit(x.Lock(), nil, nil); err != nil {
		return nil, err
	}
	return x, nil
}

func (m *Manager) EndTransaction(x *task.Transaction) {
	m.sched.EndTransaction(x)
}

// ServerConnect connects the local GATT server to a client.
func (m *Manager) ServerConnect(clientMAC string, done Done, opts ...task.Option) (*task.Task, error) {
	return m.serverTask(task.ServerConnect, clientMAC, task.Payload{}, done, opts)
}

func (m *Manager) ServerDisconnect(clientMAC string, done Done, opts ...task.Option) (*task.Task, error) {
	return m.serverTask(task.ServerDisconnect, clientMAC, task.Payload{}, done, opts)
}

// ServerNotify pushes a characteristic value to a connected client.
func (m *Manager) ServerNotify(clientMAC, service, char string, data []byte, done Done, opts ...task.Option) (*task.Task, error) {
	return m.serverTask(task.ServerNotify, clientMAC,
		task.Payload{Service: service, Characteristic: char, Data: data}, done, opts)
}

func (m *Manager) serverTask(k task.Kind, mac string, p task.Payload, done Done, opts []task.Option) (*task.Task, error) {
	mac, err := deviceMAC(mac)
	if err != nil {
		return nil, err
	}
	if !m.caps.Server {
		return nil, radio.ErrUnsupported
	}
	opts = append(explicit(opts), task.WithPayload(p))
	return m.submit(task.ForServer(k, mac, opts...), nil, done)
}
