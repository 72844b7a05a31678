// Package radio declares the platform Bluetooth stack the manager drives.
//
// A Radio issues one native call per method and returns at once. A non-nil
// return is an immediate rejection; otherwise completion is reported later
// through Events, from whatever goroutine the stack uses.
package radio

import "strings"

// ScanMode is the mode a scan was started in.
type ScanMode uint8

const (
	ScanModeLowPower ScanMode = iota
	ScanModeBalanced
	ScanModeLowLatency
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeLowPower:
		return "low_power"
	case ScanModeBalanced:
		return "balanced"
	default:
		return "low_latency"
	}
}

// Capabilities reports at initialization which optional operations exist.
type Capabilities struct {
	PowerControl bool
	RefreshCache bool
	Bonding      bool
	RSSI         bool
	MTU          bool
	Server       bool
}

// Advertisement is one scan result.
type Advertisement struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
	// ManufacturerData is nil when the peripheral sent none.
	ManufacturerData []byte
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID        string
	Properties  uint8
	Descriptors []string
}

// Characteristic property bits, as numbered by the GATT specification.
const (
	PropBroadcast    uint8 = 0x01
	PropRead         uint8 = 0x02
	PropWriteNoResp  uint8 = 0x04
	PropWrite        uint8 = 0x08
	PropNotify       uint8 = 0x10
	PropIndicate     uint8 = 0x20
	PropSignedWrite  uint8 = 0x40
	PropExtendedProp uint8 = 0x80
)

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Events receives native completions. Status codes follow the GATT numbering
// (see the Status constants).
type Events interface {
	OnAdapterStateChanged(on bool)
	OnScanResult(adv Advertisement)
	OnScanFailed(err error)
	OnConnectionStateChange(mac string, connected bool, status int)
	OnServicesDiscovered(mac string, services []Service, status int)
	OnCharacteristicRead(mac, service, characteristic string, data []byte, status int)
	OnCharacteristicWrite(mac, service, characteristic string, status int)
	OnDescriptorWrite(mac, service, characteristic, descriptor string, status int)
	OnNotifyStateChanged(mac, service, characteristic string, enabled bool, status int)
	OnCharacteristicChanged(mac, service, characteristic string, data []byte)
	OnBondStateChanged(mac string, bonded bool, status int)
	OnRSSIRead(mac string, rssi int, status int)
	OnMTUChanged(mac string, mtu int, status int)
	OnServerConnectionStateChange(mac string, connected bool, status int)
	OnServerNotificationSent(mac, service, characteristic string, status int)
}

// Radio is the native central-role stack.
type Radio interface {
	Capabilities() Capabilities
	SetEvents(e Events)

	IsOn() bool
	TurnOn() error
	TurnOff() error

	StartScan() (ScanMode, error)
	StopScan() error

	Connect(mac string) error
	Disconnect(mac string) error
	// RefreshCache drops the stack's cached GATT table. Only called when
	// Capabilities().RefreshCache is true.
	RefreshCache(mac string) error
	DiscoverServices(mac string) error

	ReadCharacteristic(mac, service, characteristic string) error
	WriteCharacteristic(mac, service, characteristic string, data []byte, withoutResponse bool) error
	WriteDescriptor(mac, service, characteristic, descriptor string, data []byte) error
	SetNotify(mac, service, characteristic string, enable bool) error
	ReadRSSI(mac string) error
	RequestMTU(mac string, mtu int) error

	CreateBond(mac string) error
	RemoveBond(mac string) error

	Close() error
}

// Server is the optional peripheral-role stack.
type Server interface {
	ServerConnect(mac string) error
	ServerDisconnect(mac string) error
	Notify(mac, service, characteristic string, data []byte) error
}

// AsServer returns r as a Server when it implements the server role.
func AsServer(r Radio) (Server, bool) {
	if !r.Capabilities().Server {
		return nil, false
	}
	s, ok := r.(Server)
	return s, ok
}

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID lowercases u and strips dashes and a 0x prefix. A 128-bit
// UUID on the Bluetooth SIG base shrinks to its 16-bit short form.
func NormalizeUUID(u string) string {
	n := strings.ToLower(strings.TrimSpace(u))
	n = strings.TrimPrefix(n, "0x")
	n = strings.ReplaceAll(n, "-", "")
	if len(n) == 32 && strings.HasPrefix(n, "0000") && strings.HasSuffix(n, sigBaseSuffix) {
		return n[4:8]
	}
	return n
}

// NormalizeMAC uppercases a colon separated address.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
}
