package testutils

import (
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blemgr/internal/radio"
)

// MockRadio is a testify mock of radio.Radio and radio.Server.
//
// Capabilities, SetEvents, IsOn and Close are plain fields rather than
// expectations; every native call goes through MethodCalled so tests decide
// the immediate outcome with On(...).Return(...). Completions are simulated
// by calling the radio.Events returned by Events.
//
//	r := testutils.NewMockRadio(radio.Capabilities{Bonding: true})
//	r.On("Connect", "AA:BB:CC:DD:EE:FF").Return(nil)
//	...
//	r.Events().OnConnectionStateChange("AA:BB:CC:DD:EE:FF", true, 0)
type MockRadio struct {
	mock.Mock

	Caps radio.Capabilities

	on     atomic.Bool
	closed atomic.Bool

	mu     sync.RWMutex
	events radio.Events
	counts map[string]int
}

// NewMockRadio creates a mock reporting caps and an adapter that is on.
func NewMockRadio(caps radio.Capabilities) *MockRadio {
	r := &MockRadio{Caps: caps}
	r.on.Store(true)
	return r
}

// AcceptAll makes every native call succeed immediately, unless a test
// registered its own expectation first.
func (r *MockRadio) AcceptAll() *MockRadio {
	for _, name := range []string{
		"TurnOn", "TurnOff", "StopScan",
		"Connect", "Disconnect", "RefreshCache", "DiscoverServices",
		"ReadCharacteristic", "WriteCharacteristic", "WriteDescriptor", "SetNotify",
		"ReadRSSI", "RequestMTU", "CreateBond", "RemoveBond",
		"ServerConnect", "ServerDisconnect", "Notify",
	} {
		r.On(name, argsOf(name)...).Return(nil).Maybe()
	}
	r.On("StartScan").Return(radio.ScanModeBalanced, nil).Maybe()
	return r
}

func argsOf(method string) []interface{} {
	n := map[string]int{
		"Connect": 1, "Disconnect": 1, "RefreshCache": 1, "DiscoverServices": 1,
		"ReadCharacteristic": 3, "WriteCharacteristic": 5, "WriteDescriptor": 5, "SetNotify": 4,
		"ReadRSSI": 1, "RequestMTU": 2, "CreateBond": 1, "RemoveBond": 1,
		"ServerConnect": 1, "ServerDisconnect": 1, "Notify": 4,
	}[method]
	args := make([]interface{}, n)
	for i := range args {
		args[i] = mock.Anything
	}
	return args
}

func (r *MockRadio) called(method string, args ...interface{}) mock.Arguments {
	r.mu.Lock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[method]++
	r.mu.Unlock()
	return r.MethodCalled(method, args...)
}

// CallCount reports how often method was invoked. Safe to poll from
// assert.Eventually while calls arrive on other goroutines.
func (r *MockRadio) CallCount(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[method]
}

// Events returns the sink the manager installed.
func (r *MockRadio) Events() radio.Events {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events
}

// SetOn changes what IsOn reports, without firing any event.
func (r *MockRadio) SetOn(on bool) { r.on.Store(on) }

func (r *MockRadio) Closed() bool { return r.closed.Load() }

func (r *MockRadio) Capabilities() radio.Capabilities { return r.Caps }

func (r *MockRadio) SetEvents(e radio.Events) {
	r.mu.Lock()
	r.events = e
	r.mu.Unlock()
}

func (r *MockRadio) IsOn() bool { return r.on.Load() }

func (r *MockRadio) TurnOn() error  { return r.called("TurnOn").Error(0) }
func (r *MockRadio) TurnOff() error { return r.called("TurnOff").Error(0) }

func (r *MockRadio) StartScan() (radio.ScanMode, error) {
	args := r.called("StartScan")
	return args.Get(0).(radio.ScanMode), args.Error(1)
}

func (r *MockRadio) StopScan() error { return r.called("StopScan").Error(0) }

func (r *MockRadio) Connect(mac string) error      { return r.called("Connect", mac).Error(0) }
func (r *MockRadio) Disconnect(mac string) error   { return r.called("Disconnect", mac).Error(0) }
func (r *MockRadio) RefreshCache(mac string) error { return r.called("RefreshCache", mac).Error(0) }

func (r *MockRadio) DiscoverServices(mac string) error {
	return r.called("DiscoverServices", mac).Error(0)
}

func (r *MockRadio) ReadCharacteristic(mac, service, characteristic string) error {
	return r.called("ReadCharacteristic", mac, service, characteristic).Error(0)
}

func (r *MockRadio) WriteCharacteristic(mac, service, characteristic string, data []byte, withoutResponse bool) error {
	return r.called("WriteCharacteristic", mac, service, characteristic, data, withoutResponse).Error(0)
}

func (r *MockRadio) WriteDescriptor(mac, service, characteristic, descriptor string, data []byte) error {
	return r.called("WriteDescriptor", mac, service, characteristic, descriptor, data).Error(0)
}

func (r *MockRadio) SetNotify(mac, service, characteristic string, enable bool) error {
	return r.called("SetNotify", mac, service, characteristic, enable).Error(0)
}

func (r *MockRadio) ReadRSSI(mac string) error { return r.called("ReadRSSI", mac).Error(0) }

func (r *MockRadio) RequestMTU(mac string, mtu int) error {
	return r.called("RequestMTU", mac, mtu).Error(0)
}

func (r *MockRadio) CreateBond(mac string) error { return r.called("CreateBond", mac).Error(0) }
func (r *MockRadio) RemoveBond(mac string) error { return r.called("RemoveBond", mac).Error(0) }

func (r *MockRadio) ServerConnect(mac string) error { return r.called("ServerConnect", mac).Error(0) }

func (r *MockRadio) ServerDisconnect(mac string) error {
	return r.called("ServerDisconnect", mac).Error(0)
}

func (r *MockRadio) Notify(mac, service, characteristic string, data []byte) error {
	return r.called("Notify", mac, service, characteristic, data).Error(0)
}

func (r *MockRadio) Close() error {
	r.closed.Store(true)
	return nil
}
