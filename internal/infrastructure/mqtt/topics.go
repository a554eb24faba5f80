package mqtt

import "fmt"

// Topic prefixes for the cblk MQTT surface.
//
// The scheme is flat: cblk/{category}/{device}. Retained state topics let a
// late-joining dashboard pick up the current picture without polling the API.
const (
	// TopicPrefixRoot is the base for all cblk topics.
	TopicPrefixRoot = "cblk"

	// TopicPrefixSystem is the base for daemon-level topics.
	TopicPrefixSystem = "cblk/system"
)

// Topics provides builders for cblk MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("cblk0")
//	// Returns: "cblk/state/cblk0"
type Topics struct{}

// DeviceState returns the retained state topic for a device. The payload is
// a JSON snapshot of the device's attributes and counters.
//
// Example: cblk/state/cblk0
func (Topics) DeviceState(device string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefixRoot, device)
}

// DeviceEvent returns the topic for lifecycle events on a device
// (initialized, reset).
//
// Example: cblk/event/cblk0
func (Topics) DeviceEvent(device string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixRoot, device)
}

// SystemStatus returns the daemon status topic. Published retained on
// startup and via the broker's last-will on unclean disconnect.
//
// Example: cblk/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceStates returns a pattern matching all device state topics.
//
// Pattern: cblk/state/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefixRoot)
}

// AllDeviceEvents returns a pattern matching all device event topics.
//
// Pattern: cblk/event/+
func (Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefixRoot)
}

// AllTopics returns a pattern matching all cblk topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: cblk/#
func (Topics) AllTopics() string {
	return "cblk/#"
}
