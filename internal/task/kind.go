package task

import (
	"fmt"
	"strings"
)

// Kind identifies the radio operation a task performs.
type Kind uint8

const (
	TurnOn Kind = iota
	TurnOff
	Scan
	Connect
	Disconnect
	DiscoverServices
	Bond
	Unbond
	Read
	Write
	WriteDescriptor
	ToggleNotify
	ReadRSSI
	RequestMTU
	TxnLock
	ServerConnect
	ServerDisconnect
	ServerNotify

	kindCount
)

// TargetKind is the kind of entity a task operates on.
type TargetKind uint8

const (
	TargetManager TargetKind = iota
	TargetDevice
	TargetServer
)

func (k TargetKind) String() string {
	switch k {
	case TargetManager:
		return "manager"
	case TargetDevice:
		return "device"
	case TargetServer:
		return "server"
	}
	return fmt.Sprintf("TargetKind(%d)", k)
}

type traits struct {
	name   string
	target TargetKind

	needsAdapterOn    bool
	needsConnection   bool
	needsSession      bool
	needsServerClient bool

	explicit Priority
	implicit Priority

	infinite       bool
	separateThread bool
	// op marks GATT operations on a connected device.
	op bool
}

var kindTraits = [kindCount]traits{
	TurnOn:           {name: "TURN_ON", target: TargetManager, explicit: Critical, implicit: Critical, separateThread: true},
	TurnOff:          {name: "TURN_OFF", target: TargetManager, explicit: Critical, implicit: Critical, separateThread: true},
	Scan:             {name: "SCAN", target: TargetManager, needsAdapterOn: true, explicit: Trivial, implicit: Trivial, infinite: true},
	Connect:          {name: "CONNECT", target: TargetDevice, needsAdapterOn: true, explicit: High, implicit: Low},
	Disconnect:       {name: "DISCONNECT", target: TargetDevice, needsAdapterOn: true, explicit: High, implicit: High},
	DiscoverServices: {name: "DISCOVER_SERVICES", target: TargetDevice, needsAdapterOn: true, needsConnection: true, needsSession: true, explicit: Medium, implicit: Medium, op: true},
	Bond:             {name: "BOND", target: TargetDevice, needsAdapterOn: true, explicit: High, implicit: Low, separateThread: true},
	Unbond:           {name: "UNBOND", target: TargetDevice, needsAdapterOn: true, explicit: High, implicit: Medium, separateThread: true},
	Read:             {name: "READ", target: TargetDevice, needsAdapterOn: true, needsConnection: true, needsSession: true, explicit: Medium, implicit: Medium, op: true},
	Write:            {name: "WRITE", target: TargetDevice, needsAdapterOn: true, needsConnection: true, needsSession: true, explicit: Medium, implicit: Medium, op: true},
	WriteDescriptor:  {name: "WRITE_DESCRIPTOR", target: TargetDevice, needsAdapterOn: true, needsConnection: true, needsSession: true, explicit: Medium, implicit: Medium, op: true},
	ToggleNotify:     {name: "TOGGLE_NOTIFY", target: TargetDevice, needsAdapterOn: true, needsConnection: true, needsSession: true, explicit: Medium, implicit: Medium, op: true},
	ReadRSSI:         {name: "READ_RSSI", target: TargetDevice, needsAdapterOn: true, needsConnection: true, needsSession: true, explicit: Medium, implicit: Low, op: true},
	RequestMTU:       {name: "REQUEST_MTU", target: TargetDevice, needsAdapterOn: true, needsConnection: true, needsSession: true, explicit: Medium, implicit: Medium, op: true},
	TxnLock:          {name: "TXN_LOCK", target: TargetDevice, needsAdapterOn: true, needsConnection: true, explicit: Medium, implicit: Medium, infinite: true},
	ServerConnect:    {name: "SERVER_CONNECT", target: TargetServer, needsAdapterOn: true, explicit: High, implicit: Low},
	ServerDisconnect: {name: "SERVER_DISCONNECT", target: TargetServer, needsAdapterOn: true, explicit: High, implicit: High},
	ServerNotify:     {name: "SERVER_NOTIFY", target: TargetServer, needsAdapterOn: true, needsServerClient: true, explicit: Medium, implicit: Medium},
}

func (k Kind) traits() traits {
	if k < kindCount {
		return kindTraits[k]
	}
	return traits{name: fmt.Sprintf("Kind(%d)", k)}
}

func (k Kind) String() string { return k.traits().name }

// Target returns the kind of entity k operates on.
func (k Kind) Target() TargetKind { return k.traits().target }

// DefaultPriority returns the built-in priority for explicit or implicit requests.
func (k Kind) DefaultPriority(explicit bool) Priority {
	if explicit {
		return k.traits().explicit
	}
	return k.traits().implicit
}

// RequiresAdapterOn reports whether k can only run with the adapter ON.
func (k Kind) RequiresAdapterOn() bool { return k.traits().needsAdapterOn }

// RequiresConnection reports whether k needs an active native connection.
func (k Kind) RequiresConnection() bool { return k.traits().needsConnection }

// InfiniteByDefault reports whether k runs without a timeout unless configured.
func (k Kind) InfiniteByDefault() bool { return k.traits().infinite }

// RunsOnSeparateThread reports whether the native call of k may block and is
// issued off the scheduler goroutine.
func (k Kind) RunsOnSeparateThread() bool { return k.traits().separateThread }

// IsDeviceOp reports whether k is a GATT operation on a connected device.
func (k Kind) IsDeviceOp() bool { return k.traits().op }

// Kinds lists every task kind.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind accepts a kind name in any case, with '-' or '_' separators.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(s, "-", "_")
	for k := Kind(0); k < kindCount; k++ {
		if strings.EqualFold(kindTraits[k].name, norm) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown task kind %q", s)
}
