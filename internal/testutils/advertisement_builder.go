package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blemgr/internal/radio"
)

// AdvertisementBuilder builds scan results for tests with a fluent API.
type AdvertisementBuilder struct {
	adv radio.Advertisement
}

// NewAdvertisementBuilder starts a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: radio.Advertisement{Connectable: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

// WithServices adds advertised service UUIDs, short or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.Services = append(b.adv.Services, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufacturerData = data
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Connectable = c
	return b
}

type advertisementJSON struct {
	Name             string   `json:"name"`
	Address          string   `json:"address"`
	RSSI             int      `json:"rssi"`
	Services         []string `json:"services"`
	ManufacturerData []byte   `json:"manufacturer_data"`
	Connectable      *bool    `json:"connectable"`
}

// FromJSON fills the builder from a JSON document with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var cfg advertisementJSON
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.adv.Name = cfg.Name
	b.adv.Address = cfg.Address
	b.adv.RSSI = cfg.RSSI
	b.adv.Services = cfg.Services
	b.adv.ManufacturerData = cfg.ManufacturerData
	if cfg.Connectable != nil {
		b.adv.Connectable = *cfg.Connectable
	}
	return b
}

// Build returns a copy of the advertisement built so far.
func (b *AdvertisementBuilder) Build() radio.Advertisement {
	adv := b.adv
	adv.Services = append([]string(nil), b.adv.Services...)
	return adv
}
