// Package bluez controls adapter power and pairing through BlueZ over the
// system D-Bus. It fills the gaps go-ble leaves on Linux.
package bluez

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"

	// DefaultAdapter is the first HCI controller.
	DefaultAdapter = "hci0"
)

// ErrNotRunning is returned by Open when org.bluez is not on the bus.
var ErrNotRunning = errors.New("org.bluez not found on system bus")

// Client wraps a system D-Bus connection for one adapter.
type Client struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// Open connects to the system bus and checks that BlueZ is present.
// An empty adapter selects DefaultAdapter.
func Open(adapter string) (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		_ = conn.Close()
		return nil, ErrNotRunning
	}
	return &Client{conn: conn, adapter: AdapterPath(adapter)}, nil
}

// AdapterPath returns the object path of an adapter such as "hci0".
func AdapterPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath converts "AA:BB:CC:DD:EE:FF" to ".../dev_AA_BB_CC_DD_EE_FF".
func DevicePath(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
	return adapter + dbus.ObjectPath("/dev_"+escaped)
}

// MACFromPath extracts the address from a device object path, "" when the
// path does not belong to adapter.
func MACFromPath(adapter, path dbus.ObjectPath) string {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	var v dbus.Variant
	if err := c.conn.Object(busName, path).Call(propsIface+".Get", 0, iface, prop).Store(&v); err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (c *Client) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	return c.conn.Object(busName, path).Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

// Powered reports Adapter1.Powered.
func (c *Client) Powered() (bool, error) {
	return c.getBool(c.adapter, adapterIface, "Powered")
}

// SetPowered writes Adapter1.Powered.
func (c *Client) SetPowered(on bool) error {
	return c.setProp(c.adapter, adapterIface, "Powered", on)
}

// Paired reports Device1.Paired.
func (c *Client) Paired(mac string) (bool, error) {
	return c.getBool(DevicePath(c.adapter, mac), deviceIface, "Paired")
}

// Pair blocks until BlueZ finishes pairing. Already paired is success.
func (c *Client) Pair(mac string) error {
	err := c.conn.Object(busName, DevicePath(c.adapter, mac)).Call(deviceIface+".Pair", 0).Err
	if errorName(err) == "org.bluez.Error.AlreadyExists" {
		return nil
	}
	return err
}

func errorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) {
		return p.Name
	}
	return ""
}

// RemoveBond removes the device from the adapter, dropping its keys.
func (c *Client) RemoveBond(mac string) error {
	return c.conn.Object(busName, c.adapter).Call(adapterIface+".RemoveDevice", 0, DevicePath(c.adapter, mac)).Err
}
