package state

import "fmt"

// ManagerState is the adapter/manager state catalog.
type ManagerState uint8

const (
	ManagerOff ManagerState = iota
	ManagerTurningOn
	ManagerOn
	ManagerTurningOff
	ManagerStartingScan
	ManagerScanning
	// ManagerResetting is never entered by the manager; resetting the
	// adapter is the host's response to a RESET remedy.
	ManagerResetting

	managerStateCount int = iota
)

var managerStateNames = [...]string{
	"OFF", "TURNING_ON", "ON", "TURNING_OFF", "STARTING_SCAN", "SCANNING", "RESETTING",
}

func (s ManagerState) String() string { return name(managerStateNames[:], uint8(s)) }

// FullManagerMask holds every manager state.
var FullManagerMask = FullMask(managerStateCount)

// DeviceState is the peripheral device state catalog.
type DeviceState uint8

const (
	DeviceNull DeviceState = iota
	DeviceUndiscovered
	DeviceDiscovered
	DeviceAdvertising
	DeviceDisconnected
	DeviceConnectingOverall
	DeviceConnecting
	DeviceConnected
	// DeviceRetryingConnection marks an implicit reconnect after the link
	// was lost unintentionally.
	DeviceRetryingConnection
	DeviceUnbonded
	DeviceBonding
	DeviceBonded
	DeviceDiscoveringServices
	DeviceServicesDiscovered
	// DeviceAuthenticating spans the implicit bond of initialization;
	// DeviceAuthenticated follows when it succeeds.
	DeviceAuthenticating
	DeviceAuthenticated
	DeviceInitializing
	DeviceInitialized

	deviceStateCount int = iota
)

var deviceStateNames = [...]string{
	"NULL", "UNDISCOVERED", "DISCOVERED", "ADVERTISING", "DISCONNECTED",
	"CONNECTING_OVERALL", "CONNECTING", "CONNECTED", "RETRYING_CONNECTION",
	"UNBONDED", "BONDING", "BONDED", "DISCOVERING_SERVICES", "SERVICES_DISCOVERED",
	"AUTHENTICATING", "AUTHENTICATED", "INITIALIZING", "INITIALIZED",
}

func (s DeviceState) String() string { return name(deviceStateNames[:], uint8(s)) }

// FullDeviceMask holds every device state.
var FullDeviceMask = FullMask(deviceStateCount)

// DeviceInitialMask is the mask a device is created with.
var DeviceInitialMask = Of(DeviceUndiscovered, DeviceDisconnected)

// ConnectionPhases are cleared together whenever a device drops its link.
var ConnectionPhases = Of(
	DeviceConnectingOverall, DeviceConnecting, DeviceConnected, DeviceRetryingConnection,
	DeviceDiscoveringServices, DeviceServicesDiscovered,
	DeviceAuthenticating, DeviceAuthenticated,
	DeviceInitializing, DeviceInitialized,
)

// BondPhases are mutually exclusive.
var BondPhases = Of(DeviceUnbonded, DeviceBonding, DeviceBonded)

// ServerState is the per-client server connection catalog.
type ServerState uint8

const (
	ServerNull ServerState = iota
	ServerDisconnected
	ServerConnecting
	ServerConnected
	// ServerRetryingConnection is catalog-only: server links are never
	// reconnected implicitly.
	ServerRetryingConnection

	serverStateCount int = iota
)

var serverStateNames = [...]string{
	"NULL", "DISCONNECTED", "CONNECTING", "CONNECTED", "RETRYING_CONNECTION",
}

func (s ServerState) String() string { return name(serverStateNames[:], uint8(s)) }

// FullServerMask holds every server client state.
var FullServerMask = FullMask(serverStateCount)

// FormatManager renders a manager mask.
func FormatManager(m Mask) string { return Format[ManagerState](m, managerStateCount) }

// FormatDevice renders a device mask.
func FormatDevice(m Mask) string { return Format[DeviceState](m, deviceStateCount) }

// FormatServer renders a server client mask.
func FormatServer(m Mask) string { return Format[ServerState](m, serverStateCount) }

func name(names []string, i uint8) string {
	if int(i) < len(names) {
		return names[i]
	}
	return fmt.Sprintf("State(%d)", i)
}
