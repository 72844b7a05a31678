package radio

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0x2902", "2902"},
		{"180D", "180d"},
		{"0000180d-0000-1000-8000-00805f9b34fb", "180d"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.in))
		})
	}
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeMAC(" aa-bb-cc-dd-ee-ff "))
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("read: %w", NewStatusError("read", StatusInsufficientAuthentication))

	assert.ErrorIs(t, err, &StatusError{Code: StatusInsufficientAuthentication})
	assert.Equal(t, StatusInsufficientAuthentication, StatusOf(err))
	assert.Equal(t, StatusNotApplicable, StatusOf(errors.New("plain")))
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.NoError(t, NewStatusError("read", StatusSuccess))
}
