package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blemgr/internal/radio"
)

// CharacteristicConfig describes a characteristic of a mocked GATT table.
type CharacteristicConfig struct {
	UUID        string   `json:"uuid"`
	Properties  string   `json:"properties,omitempty"` // e.g., "read,write,notify"
	Descriptors []string `json:"descriptors,omitempty"`
}

// ServiceConfig describes a service of a mocked GATT table.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig is a complete mocked GATT table.
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds the service table reported by a mocked discovery.
type PeripheralBuilder struct {
	profile ProfileConfig
}

func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{}
}

// WithService adds a service to the table.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, descriptors ...string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Descriptors: descriptors})
	return b
}

// FromJSON replaces the table with a JSON document with format support.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	var cfg ProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = cfg
	return b
}

// Build returns the table with normalized UUIDs.
func (b *PeripheralBuilder) Build() []radio.Service {
	out := make([]radio.Service, 0, len(b.profile.Services))
	for _, s := range b.profile.Services {
		svc := radio.Service{UUID: radio.NormalizeUUID(s.UUID)}
		for _, c := range s.Characteristics {
			descs := make([]string, 0, len(c.Descriptors))
			for _, d := range c.Descriptors {
				descs = append(descs, radio.NormalizeUUID(d))
			}
			svc.Characteristics = append(svc.Characteristics, radio.Characteristic{
				UUID:        radio.NormalizeUUID(c.UUID),
				Properties:  ParseProperties(c.Properties),
				Descriptors: descs,
			})
		}
		out = append(out, svc)
	}
	return out
}

// ParseProperties turns "read,write,notify" into property bits. Unknown
// names panic.
func ParseProperties(s string) uint8 {
	var p uint8
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "":
		case "broadcast":
			p |= radio.PropBroadcast
		case "read":
			p |= radio.PropRead
		case "write-without-response", "writenoresp":
			p |= radio.PropWriteNoResp
		case "write":
			p |= radio.PropWrite
		case "notify":
			p |= radio.PropNotify
		case "indicate":
			p |= radio.PropIndicate
		default:
			panic(fmt.Sprintf("ParseProperties: unknown property %q", name))
		}
	}
	return p
}

// DefaultPeripheral is a battery service with a readable, notifying level.
func DefaultPeripheral() *PeripheralBuilder {
	return NewPeripheralBuilder().FromJSON(`
	{
		"services": [
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "descriptors": ["2902"] }
				]
			}
		]
	}`)
}
