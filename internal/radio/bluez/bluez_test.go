package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestPaths(t *testing.T) {
	adapter := AdapterPath("")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), adapter)

	p := DevicePath(adapter, "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), p)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", MACFromPath(adapter, p))
	assert.Empty(t, MACFromPath(AdapterPath("hci1"), p), "device of another adapter MUST NOT resolve")
}

func TestErrorName(t *testing.T) {
	assert.Equal(t, "org.bluez.Error.AlreadyExists", errorName(dbus.Error{Name: "org.bluez.Error.AlreadyExists"}))
	assert.Equal(t, "org.bluez.Error.Failed", errorName(&dbus.Error{Name: "org.bluez.Error.Failed"}))
	assert.Empty(t, errorName(nil))
}
