package main

import (
	"errors"
	"fmt"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/task"
)

var (
	// ErrConnectionLost is returned when the device disconnects while a
	// command still waits on it.
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("timed out")
)

// resultError turns a terminal task result into a command error.
func resultError(op string, r task.Result) error {
	switch r.State {
	case task.Succeeded, task.Redundant:
		return nil
	case task.TimedOut:
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if r.Err != nil {
		return fmt.Errorf("%s %s: %w", op, r.State, r.Err)
	}
	return fmt.Errorf("%s %s", op, r.State)
}

// formatUserError shortens errors whose wrapping chain adds nothing for a
// terminal user.
func formatUserError(err error) string {
	var se *radio.StatusError
	switch {
	case errors.Is(err, radio.ErrUnsupported):
		return fmt.Sprintf("%v (not supported on this platform)", err)
	case errors.Is(err, manager.ErrInvalidAddress):
		return "invalid device address; expected AA:BB:CC:DD:EE:FF"
	case errors.As(err, &se):
		return fmt.Sprintf("%v (native status %d)", err, se.Code)
	}
	return err.Error()
}
