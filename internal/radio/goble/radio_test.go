package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemgr/internal/radio"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"darwin powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), radio.ErrBluetoothOff},
		{"generic off", errors.New("Bluetooth is turned off"), radio.ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), radio.ErrNotConnected},
		{"link lost", errors.New("remote DISCONNECTED"), radio.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, NormalizeError(tt.err), tt.want)
		})
	}

	other := errors.New("something else")
	assert.Same(t, other, NormalizeError(other), "unknown errors MUST pass through")
	assert.NoError(t, NormalizeError(nil))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, radio.StatusSuccess, statusOf(nil))
	assert.Equal(t, radio.StatusConnectionTimeout, statusOf(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	assert.Equal(t, radio.StatusInsufficientAuthentication, statusOf(errors.New("ATT: insufficient authentication")))
	assert.Equal(t, radio.StatusInsufficientAuthentication,
		statusOf(radio.NewStatusError("read", radio.StatusInsufficientAuthentication)))
	assert.Equal(t, radio.StatusFailure, statusOf(errors.New("boom")))
}

func testProfile() *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{
		{
			UUID: ble.UUID16(0x180f),
			Characteristics: []*ble.Characteristic{
				{UUID: ble.UUID16(0x2a19), Property: ble.CharRead | ble.CharNotify,
					Descriptors: []*ble.Descriptor{{UUID: ble.UUID16(0x2902)}}},
			},
		},
		{
			UUID: ble.UUID16(0x180d),
			Characteristics: []*ble.Characteristic{
				{UUID: ble.UUID16(0x2a39), Property: ble.CharWrite},
				{UUID: ble.UUID16(0x2a37), Property: ble.CharNotify},
			},
		},
	}}
}

func TestToServices(t *testing.T) {
	services := toServices(testProfile())
	require.Len(t, services, 2)

	assert.Equal(t, "180d", services[0].UUID, "services MUST be sorted by UUID")
	assert.Equal(t, "2a37", services[0].Characteristics[0].UUID, "characteristics MUST be sorted by UUID")
	assert.Equal(t, []string{"2902"}, services[1].Characteristics[0].Descriptors)
	assert.Equal(t, uint8(ble.CharRead|ble.CharNotify), services[1].Characteristics[0].Properties)
	assert.Nil(t, toServices(nil))
}

func TestFindCharacteristic(t *testing.T) {
	p := testProfile()

	c := findCharacteristic(p, "0000180F-0000-1000-8000-00805F9B34FB", "0x2A19")
	require.NotNil(t, c, "lookup MUST normalize both UUIDs")
	assert.NotNil(t, findDescriptor(c, "2902"))
	assert.Nil(t, findDescriptor(c, "2901"))
	assert.Nil(t, findCharacteristic(p, "180f", "2a37"), "characteristic of another service MUST NOT match")
	assert.Nil(t, findCharacteristic(nil, "180f", "2a19"))
}

type fakePower struct{ on bool }

func (f *fakePower) Powered() (bool, error)   { return f.on, nil }
func (f *fakePower) SetPowered(on bool) error { f.on = on; return nil }

func TestImmediateRejections(t *testing.T) {
	r := newRadio(nil)
	defer r.cancel()

	assert.Equal(t, radio.Capabilities{RSSI: true, MTU: true}, r.Capabilities())
	assert.ErrorIs(t, r.TurnOn(), radio.ErrUnsupported, "power control MUST be optional")
	assert.ErrorIs(t, r.CreateBond("aa:bb:cc:dd:ee:ff"), radio.ErrUnsupported)
	assert.ErrorIs(t, r.RefreshCache("aa:bb:cc:dd:ee:ff"), radio.ErrUnsupported)
	assert.ErrorIs(t, r.ReadCharacteristic("aa:bb:cc:dd:ee:ff", "180f", "2a19"), radio.ErrNotConnected)
	assert.ErrorIs(t, r.Disconnect("aa:bb:cc:dd:ee:ff"), radio.ErrNotConnected)
	assert.ErrorIs(t, r.Connect("aa:bb:cc:dd:ee:ff"), radio.ErrBluetoothOff)
	assert.False(t, r.IsOn())

	powered := newRadio(nil, WithPowerControl(&fakePower{on: true}))
	defer powered.cancel()
	assert.True(t, powered.Capabilities().PowerControl)
	assert.True(t, powered.IsOn())
}

type fakeClient struct {
	ble.Client
	cancelled atomic.Int32
	down      chan struct{}
}

func newFakeClient() *fakeClient { return &fakeClient{down: make(chan struct{})} }

func (c *fakeClient) CancelConnection() error {
	c.cancelled.Add(1)
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.down }

// fakeDevice dials like the Linux stack: it ignores ctx and returns once
// release is closed.
type fakeDevice struct {
	ble.Device
	release chan struct{}
	client  *fakeClient
}

func (d *fakeDevice) Dial(context.Context, ble.Addr) (ble.Client, error) {
	<-d.release
	return d.client, nil
}

func (d *fakeDevice) Stop() error { return nil }

type linkChange struct {
	mac       string
	connected bool
}

type recordingEvents struct {
	radio.Events
	mu      sync.Mutex
	changes []linkChange
}

func (e *recordingEvents) OnConnectionStateChange(mac string, connected bool, _ int) {
	e.mu.Lock()
	e.changes = append(e.changes, linkChange{mac, connected})
	e.mu.Unlock()
}

func (e *recordingEvents) snapshot() []linkChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]linkChange(nil), e.changes...)
}

func TestDialCompletingAfterDisconnectIsTornDown(t *testing.T) {
	// GOAL: a dial that returns after Disconnect MUST NOT leave a live link behind
	//
	// TEST SCENARIO: Connect, Disconnect while the dial blocks, release dial → client cancelled, only "down" reported

	const mac = "AA:BB:CC:DD:EE:FF"
	dev := &fakeDevice{release: make(chan struct{}), client: newFakeClient()}
	events := &recordingEvents{}
	r := newRadio(nil, WithDevice(dev))
	r.SetEvents(events)
	defer r.Close()

	require.NoError(t, r.Connect(mac))
	require.NoError(t, r.Disconnect(mac))
	close(dev.release)

	assert.Eventually(t, func() bool { return dev.client.cancelled.Load() == 1 }, time.Second, 5*time.Millisecond,
		"late dial MUST cancel the connection it produced")
	assert.Never(t, func() bool {
		for _, c := range events.snapshot() {
			if c.connected {
				return true
			}
		}
		return false
	}, 50*time.Millisecond, 5*time.Millisecond, "late dial MUST NOT report the link as up")
	assert.Equal(t, []linkChange{{mac, false}}, events.snapshot(), "Disconnect MUST report the link down exactly once")
	assert.ErrorIs(t, r.ReadRSSI(mac), radio.ErrNotConnected, "no peer MUST survive the late dial")
}

func TestDisconnectAfterDialTearsDownLink(t *testing.T) {
	// GOAL: an established link is cancelled by Disconnect and reported up before down
	//
	// TEST SCENARIO: Connect, dial completes, Disconnect → CancelConnection once, events [up, down]

	const mac = "AA:BB:CC:DD:EE:FF"
	dev := &fakeDevice{release: make(chan struct{}), client: newFakeClient()}
	close(dev.release)
	events := &recordingEvents{}
	r := newRadio(nil, WithDevice(dev))
	r.SetEvents(events)
	defer r.Close()

	require.NoError(t, r.Connect(mac))
	require.Eventually(t, func() bool { return len(events.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Disconnect(mac))

	assert.Eventually(t, func() bool { return len(events.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []linkChange{{mac, true}, {mac, false}}, events.snapshot(), "link MUST be reported up before down")
	assert.Equal(t, int32(1), dev.client.cancelled.Load(), "Disconnect MUST cancel the live connection")
}
