package manager

import (
	"fmt"

	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
	"github.com/srg/blemgr/internal/throttle"
)

// RWType is the operation a ReadWriteEvent reports.
type RWType uint8

const (
	RWRead RWType = iota
	RWWrite
	RWWriteDescriptor
	RWEnableNotify
	RWDisableNotify
	// RWNotification is an unsolicited value pushed by the peripheral.
	RWNotification
	RWReadRSSI
	RWRequestMTU
)

var rwNames = [...]string{"READ", "WRITE", "WRITE_DESCRIPTOR", "ENABLE_NOTIFY", "DISABLE_NOTIFY", "NOTIFICATION", "READ_RSSI", "REQUEST_MTU"}

func (t RWType) String() string {
	if int(t) < len(rwNames) {
		return rwNames[t]
	}
	return fmt.Sprintf("RWType(%d)", t)
}

// ReadWriteEvent reports the completion of a read, write or notify operation.
type ReadWriteEvent struct {
	Type           RWType
	MAC            string
	Service        string
	Characteristic string
	Descriptor     string
	Data           []byte
	RSSI           int
	MTU            int
	// Result is the terminal task state; SUCCEEDED for notifications.
	Result task.State
	Status int
	Err    error
}

// Ok reports whether the operation succeeded.
func (e ReadWriteEvent) Ok() bool {
	return e.Result == task.Succeeded || e.Result == task.Redundant
}

// DiscoveryEvent is emitted for every scan result.
type DiscoveryEvent struct {
	Device        *Device
	Advertisement radio.Advertisement
	// New is true the first time the device is seen in this session.
	New bool
}

// AssertEvent reports a violated internal invariant.
type AssertEvent struct {
	Entity string
	Err    error
}

// TaskEvent is a lifecycle transition of a task.
type TaskEvent struct {
	Task  *task.Task
	State task.State
}

// Listeners groups the outward observers. Nil fields disable delivery.
type Listeners struct {
	ManagerState func(state.Event[state.ManagerState])
	DeviceState  func(state.Event[state.DeviceState])
	ServerState  func(state.Event[state.ServerState])
	ReadWrite    func(ReadWriteEvent)
	Discovery    func(DiscoveryEvent)
	UhOh         func(throttle.Event)
	Assert       func(AssertEvent)
	// Task is the internal debug listener.
	Task func(TaskEvent)
}
