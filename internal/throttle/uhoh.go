// Package throttle rate-limits abnormal-condition notices.
package throttle

import (
	"fmt"
	"sync"
	"time"
)

// Remedy is the suggested reaction to an UhOh.
type Remedy uint8

const (
	WaitAndSee Remedy = iota
	Reset
	RestartPhone
)

func (r Remedy) String() string {
	switch r {
	case WaitAndSee:
		return "WAIT_AND_SEE"
	case Reset:
		return "RESET"
	case RestartPhone:
		return "RESTART"
	}
	return fmt.Sprintf("Remedy(%d)", r)
}

// UhOh is a category of abnormal stack behaviour.
type UhOh uint8

const (
	BondTimedOut UhOh = iota
	ReadReturnedWrongCharacteristic
	WriteReturnedWrongCharacteristic
	CannotEnableBluetooth
	CannotDisableBluetooth
	StartScanFailed
	DeadObject
	RandomException
	ConnectedWithoutEverConnecting
	InconsistentNativeDeviceState
	UnknownBLEError
	ServiceRefreshFailed
	ConnectionTimedOut
)

var uhohs = [...]struct {
	name   string
	remedy Remedy
}{
	BondTimedOut:                     {"BOND_TIMED_OUT", WaitAndSee},
	ReadReturnedWrongCharacteristic:  {"READ_RETURNED_WRONG_CHARACTERISTIC", WaitAndSee},
	WriteReturnedWrongCharacteristic: {"WRITE_RETURNED_WRONG_CHARACTERISTIC", WaitAndSee},
	CannotEnableBluetooth:            {"CANNOT_ENABLE_BLUETOOTH", RestartPhone},
	CannotDisableBluetooth:           {"CANNOT_DISABLE_BLUETOOTH", RestartPhone},
	StartScanFailed:                  {"START_SCAN_FAILED", Reset},
	DeadObject:                       {"DEAD_OBJECT", Reset},
	RandomException:                  {"RANDOM_EXCEPTION", Reset},
	ConnectedWithoutEverConnecting:   {"CONNECTED_WITHOUT_EVER_CONNECTING", WaitAndSee},
	InconsistentNativeDeviceState:    {"INCONSISTENT_NATIVE_DEVICE_STATE", WaitAndSee},
	UnknownBLEError:                  {"UNKNOWN_BLE_ERROR", Reset},
	ServiceRefreshFailed:             {"SERVICE_REFRESH_FAILED", WaitAndSee},
	ConnectionTimedOut:               {"CONNECTION_TIMED_OUT", WaitAndSee},
}

func (u UhOh) String() string {
	if int(u) < len(uhohs) {
		return uhohs[u].name
	}
	return fmt.Sprintf("UhOh(%d)", u)
}

// Remedy returns the suggested reaction to u.
func (u UhOh) Remedy() Remedy {
	if int(u) < len(uhohs) {
		return uhohs[u].remedy
	}
	return WaitAndSee
}

// Event is a delivered UhOh.
type Event struct {
	UhOh   UhOh
	Remedy Remedy
	// At is the throttler clock at delivery.
	At time.Duration
}

// Throttler delivers at most one notice per category per window. Its clock
// is a monotonic accumulator advanced by Update, never wall time.
type Throttler struct {
	mu       sync.Mutex
	window   time.Duration
	now      time.Duration
	last     map[UhOh]time.Duration
	listener func(Event)
}

// New creates a throttler with the given window. A window <= 0 disables throttling.
func New(window time.Duration, listener func(Event)) *Throttler {
	return &Throttler{window: window, last: make(map[UhOh]time.Duration), listener: listener}
}

// SetListener replaces the delivery target.
func (t *Throttler) SetListener(l func(Event)) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Update advances the clock by dt.
func (t *Throttler) Update(dt time.Duration) {
	t.mu.Lock()
	t.now += dt
	t.mu.Unlock()
}

// UhOh reports u. It returns whether the notice was delivered: the first
// notice of a category always is, later ones only once the window has
// elapsed since the last delivered one.
func (t *Throttler) UhOh(u UhOh) bool {
	t.mu.Lock()
	last, seen := t.last[u]
	if seen && t.window > 0 && t.now-last < t.window {
		t.mu.Unlock()
		return false
	}
	t.last[u] = t.now
	ev := Event{UhOh: u, Remedy: u.Remedy(), At: t.now}
	l := t.listener
	t.mu.Unlock()

	if l != nil {
		l(ev)
	}
	return true
}
