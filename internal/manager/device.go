package manager

import (
	"fmt"
	"sync"

	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/state"
)

// Device is a peripheral known to the manager. Its state is written only by
// the manager; the accessors may be used from any goroutine.
type Device struct {
	mac     string
	tracker *state.Tracker[state.DeviceState]

	mu       sync.RWMutex
	name     string
	rssi     int
	adv      radio.Advertisement
	services []radio.Service
	mtu      int

	// Fields below belong to the scheduler goroutine.
	bondAttempts int
	// disconnectIntent is the intent of the disconnect currently in flight.
	disconnectIntent state.Intent
	// lastDisconnect is the intent the link last went down with.
	lastDisconnect state.Intent
}

func (d *Device) MAC() string { return d.mac }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// RSSI is the last advertised or read signal strength.
func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// MTU is the last negotiated MTU, zero until one was requested.
func (d *Device) MTU() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mtu
}

// Advertisement returns the last scan result.
func (d *Device) Advertisement() radio.Advertisement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adv
}

// Services returns the GATT table from the last service discovery.
func (d *Device) Services() []radio.Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.services
}

// HasCharacteristic reports whether the discovered GATT table holds char.
func (d *Device) HasCharacteristic(service, char string) bool {
	service, char = radio.NormalizeUUID(service), radio.NormalizeUUID(char)
	for _, s := range d.Services() {
		if s.UUID != service {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID == char {
				return true
			}
		}
	}
	return false
}

func (d *Device) Mask() state.Mask            { return d.tracker.Mask() }
func (d *Device) Is(s state.DeviceState) bool { return d.tracker.Is(s) }
func (d *Device) IsAny(m state.Mask) bool     { return d.tracker.IsAny(m) }

func (d *Device) String() string {
	return fmt.Sprintf("%s[%s]", d.mac, state.FormatDevice(d.Mask()))
}

func (d *Device) observe(adv radio.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adv = adv
	d.rssi = adv.RSSI
	if adv.Name != "" {
		d.name = adv.Name
	}
}

func (d *Device) setServices(s []radio.Service) {
	d.mu.Lock()
	d.services = s
	d.mu.Unlock()
}

func (d *Device) setRSSI(v int) {
	d.mu.Lock()
	d.rssi = v
	d.mu.Unlock()
}

func (d *Device) setMTU(v int) {
	d.mu.Lock()
	d.mtu = v
	d.mu.Unlock()
}

// deviceAssert catches appends that contradict the current mask.
func deviceAssert(current state.Mask, appending state.DeviceState) error {
	switch appending {
	case state.DeviceConnected:
		if !state.Has(current, state.DeviceConnecting) {
			return fmt.Errorf("%w: connected while not connecting", ErrInconsistentState)
		}
	case state.DeviceServicesDiscovered:
		if !state.Has(current, state.DeviceConnected) {
			return fmt.Errorf("%w: services discovered while not connected", ErrInconsistentState)
		}
	case state.DeviceBonded:
		if !state.Has(current, state.DeviceBonding) {
			return fmt.Errorf("%w: bonded while not bonding", ErrInconsistentState)
		}
	}
	return nil
}
