//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/blemgr/internal/radio"
)

//nolint:revive // exported for test injection
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE device on %s", radio.ErrUnsupported, runtime.GOOS)
}
