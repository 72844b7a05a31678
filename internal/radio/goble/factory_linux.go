//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the HCI device (can be overridden in tests).
//
//nolint:revive // exported for test injection
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
