package radio

import (
	"errors"
	"fmt"

	"github.com/srg/blemgr/internal/task"
)

// GATT status codes reported through Events.
const (
	StatusSuccess                    = 0
	StatusReadNotPermitted           = 2
	StatusWriteNotPermitted          = 3
	StatusInsufficientAuthentication = 5
	StatusRequestNotSupported        = 6
	StatusConnectionTimeout          = 8
	StatusInsufficientEncryption     = 15
	StatusFailure                    = 257
	// StatusNotApplicable marks outcomes without a native status.
	StatusNotApplicable = task.StatusNotApplicable
)

var (
	ErrUnsupported   = errors.New("operation not supported by radio")
	ErrNotConnected  = errors.New("device not connected")
	ErrBluetoothOff  = errors.New("bluetooth is turned off")
	ErrRejected      = errors.New("radio rejected the request")
	ErrUnknownTarget = errors.New("unknown service, characteristic or descriptor")
)

// StatusError is an asynchronous native failure.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Op, e.Code)
}

// Is matches any StatusError with the same code.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Code == e.Code
}

// NewStatusError wraps a non-success status. It returns nil for StatusSuccess.
func NewStatusError(op string, code int) error {
	if code == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Code: code}
}

// StatusOf extracts the native code of err: StatusSuccess for nil,
// StatusNotApplicable when err carries none.
func StatusOf(err error) int {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusNotApplicable
}
