package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blemgr/internal/radio"
)

// NormalizeError maps known go-ble error strings onto radio sentinels.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	case containsIgnoreCase(msg, "not supported"):
		return fmt.Errorf("%w: %v", radio.ErrUnsupported, err)
	default:
		return err
	}
}

// statusOf converts a blocking go-ble result into the GATT status reported
// through radio.Events.
func statusOf(err error) int {
	switch {
	case err == nil:
		return radio.StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return radio.StatusConnectionTimeout
	}
	if code := radio.StatusOf(err); code != radio.StatusNotApplicable {
		return code
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient authentication"):
		return radio.StatusInsufficientAuthentication
	case strings.Contains(msg, "insufficient encryption"):
		return radio.StatusInsufficientEncryption
	case strings.Contains(msg, "read not permitted"):
		return radio.StatusReadNotPermitted
	case strings.Contains(msg, "write not permitted"):
		return radio.StatusWriteNotPermitted
	default:
		return radio.StatusFailure
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
