package goble

import (
	"sort"

	"github.com/go-ble/ble"

	"github.com/srg/blemgr/internal/radio"
)

func toAdvertisement(adv ble.Advertisement) radio.Advertisement {
	services := make([]string, len(adv.Services()))
	for i, svc := range adv.Services() {
		services[i] = radio.NormalizeUUID(svc.String())
	}
	return radio.Advertisement{
		Address:          radio.NormalizeMAC(adv.Addr().String()),
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		Services:         services,
		ManufacturerData: adv.ManufacturerData(),
	}
}

// toServices flattens a go-ble profile into normalized, UUID-sorted services.
func toServices(p *ble.Profile) []radio.Service {
	if p == nil {
		return nil
	}
	out := make([]radio.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := radio.Service{UUID: radio.NormalizeUUID(s.UUID.String())}
		for _, c := range s.Characteristics {
			char := radio.Characteristic{
				UUID:       radio.NormalizeUUID(c.UUID.String()),
				Properties: uint8(c.Property),
			}
			for _, d := range c.Descriptors {
				char.Descriptors = append(char.Descriptors, radio.NormalizeUUID(d.UUID.String()))
			}
			sort.Strings(char.Descriptors)
			svc.Characteristics = append(svc.Characteristics, char)
		}
		sort.Slice(svc.Characteristics, func(i, j int) bool {
			return svc.Characteristics[i].UUID < svc.Characteristics[j].UUID
		})
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func findCharacteristic(p *ble.Profile, service, char string) *ble.Characteristic {
	if p == nil {
		return nil
	}
	service, char = radio.NormalizeUUID(service), radio.NormalizeUUID(char)
	for _, s := range p.Services {
		if radio.NormalizeUUID(s.UUID.String()) != service {
			continue
		}
		for _, c := range s.Characteristics {
			if radio.NormalizeUUID(c.UUID.String()) == char {
				return c
			}
		}
	}
	return nil
}

func findDescriptor(c *ble.Characteristic, descriptor string) *ble.Descriptor {
	descriptor = radio.NormalizeUUID(descriptor)
	for _, d := range c.Descriptors {
		if radio.NormalizeUUID(d.UUID.String()) == descriptor {
			return d
		}
	}
	return nil
}
