package eventsink

import "strings"

// Topics builds the topic names under a prefix.
type Topics struct {
	Prefix string
}

// DeviceState is the retained state mask of one device.
func (t Topics) DeviceState(mac string) string {
	return t.join("device", topicID(mac), "state")
}

// DeviceRW carries read, write and notification completions of one device.
func (t Topics) DeviceRW(mac string) string {
	return t.join("device", topicID(mac), "rw")
}

func (t Topics) ManagerState() string { return t.join("manager", "state") }

func (t Topics) UhOh() string { return t.join("uhoh") }

func (t Topics) join(parts ...string) string {
	if t.Prefix == "" {
		return strings.Join(parts, "/")
	}
	return t.Prefix + "/" + strings.Join(parts, "/")
}

// topicID keeps a device key usable as a single topic level. A MAC never
// contains wildcards, but platform identifiers may contain separators.
func topicID(mac string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(mac)
}
