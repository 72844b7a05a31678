package testutils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemgr/internal/radio"
)

func TestPeripheralBuilder(t *testing.T) {
	t.Run("fluent table is normalized", func(t *testing.T) {
		services := NewPeripheralBuilder().
			WithService("180D").
			WithCharacteristic("2A37", "read,notify", "2902").
			WithService("6E400001-B5A3-F393-E0A9-E50E24DCCA9E").
			WithCharacteristic("6E400002-B5A3-F393-E0A9-E50E24DCCA9E", "write,write-without-response").
			Build()

		require.Len(t, services, 2)
		assert.Equal(t, "180d", services[0].UUID)
		assert.Equal(t, "2a37", services[0].Characteristics[0].UUID)
		assert.Equal(t, []string{"2902"}, services[0].Characteristics[0].Descriptors)
		assert.Equal(t, radio.PropRead|radio.PropNotify, services[0].Characteristics[0].Properties)
		assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", services[1].UUID)
		assert.Equal(t, radio.PropWrite|radio.PropWriteNoResp, services[1].Characteristics[0].Properties)
	})

	t.Run("default peripheral is a battery service", func(t *testing.T) {
		services := DefaultPeripheral().Build()
		require.Len(t, services, 1)
		assert.Equal(t, "180f", services[0].UUID)
		assert.Equal(t, "2a19", services[0].Characteristics[0].UUID)
	})

	t.Run("characteristic without service panics", func(t *testing.T) {
		assert.Panics(t, func() { NewPeripheralBuilder().WithCharacteristic("2A19", "read") })
	})

	t.Run("unknown property panics", func(t *testing.T) {
		assert.Panics(t, func() { ParseProperties("read,teleport") })
	})
}

func TestAdvertisementBuilder(t *testing.T) {
	adv := CreateMockAdvertisementFromJSON(`{
		"name": "%s",
		"address": "AA:BB:CC:DD:EE:FF",
		"rssi": -40,
		"services": ["180F"],
		"connectable": false
	}`, "Sensor").Build()

	assert.Equal(t, "Sensor", adv.Name)
	assert.Equal(t, -40, adv.RSSI)
	assert.Equal(t, []string{"180F"}, adv.Services)
	assert.False(t, adv.Connectable)

	fluent := CreateMockAdvertisement("HR", "11:22:33:44:55:66", -70).WithManufacturerData([]byte{1, 2}).Build()
	assert.True(t, fluent.Connectable, "builder MUST default to connectable")
	assert.Equal(t, []byte{1, 2}, fluent.ManufacturerData)
}

func TestMockRadio(t *testing.T) {
	r := NewMockRadio(radio.Capabilities{Server: true})
	r.On("Connect", "AA").Return(errors.New("busy"))
	r.AcceptAll()

	assert.EqualError(t, r.Connect("AA"), "busy", "expectation registered before AcceptAll MUST win")
	assert.NoError(t, r.Connect("BB"))
	assert.NoError(t, r.Notify("BB", "180f", "2a19", []byte{1}))
	assert.Equal(t, 2, r.CallCount("Connect"))

	_, ok := radio.AsServer(r)
	assert.True(t, ok, "mock MUST expose the server role when the capability is set")
}

func TestRecorder(t *testing.T) {
	var rec Recorder[int]
	_, ok := rec.Last()
	assert.False(t, ok)

	for i := 1; i <= 4; i++ {
		rec.Record(i)
	}
	last, _ := rec.Last()
	assert.Equal(t, 4, last)
	assert.Equal(t, []int{2, 4}, rec.Filter(func(v int) bool { return v%2 == 0 }))

	rec.Reset()
	assert.Zero(t, rec.Len())
}
