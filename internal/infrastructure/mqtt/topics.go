package mqtt

import "fmt"

// Topic prefixes for the Roadhawk MQTT hierarchy.
//
// Device-originated topics use the flat scheme: roadhawk/{category}/{device_id}.
// Coordinator-originated topics live under roadhawk/core.
const (
	// TopicPrefixDevice is the base for all device-originated topics.
	TopicPrefixDevice = "roadhawk"

	// TopicPrefixCore is the base for all coordinator topics.
	TopicPrefixCore = "roadhawk/core"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "roadhawk/system"
)

// Topics provides builders for Roadhawk MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("cam-0017")
//	// Returns: "roadhawk/command/cam-0017"
type Topics struct{}

// =============================================================================
// Device Topics (device -> coordinator)
// =============================================================================

// DeviceRegister returns the topic a device publishes its registration on.
//
// Example: roadhawk/register/cam-0017
func (Topics) DeviceRegister(deviceID string) string {
	return fmt.Sprintf("%s/register/%s", TopicPrefixDevice, deviceID)
}

// DeviceHeartbeat returns the topic for device heartbeats.
//
// Example: roadhawk/heartbeat/cam-0017
func (Topics) DeviceHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/heartbeat/%s", TopicPrefixDevice, deviceID)
}

// DeviceLocation returns the topic for device location samples.
//
// Example: roadhawk/location/cam-0017
func (Topics) DeviceLocation(deviceID string) string {
	return fmt.Sprintf("%s/location/%s", TopicPrefixDevice, deviceID)
}

// DeviceEvent returns the topic for device-reported events.
//
// Example: roadhawk/event/cam-0017
func (Topics) DeviceEvent(deviceID string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixDevice, deviceID)
}

// DeviceResult returns the topic for command results from a device.
//
// Example: roadhawk/result/cam-0017
func (Topics) DeviceResult(deviceID string) string {
	return fmt.Sprintf("%s/result/%s", TopicPrefixDevice, deviceID)
}

// DevicePresence returns the presence topic for a device. Devices set
// their Last Will here so the broker announces unexpected disconnects.
//
// Example: roadhawk/presence/cam-0017
func (Topics) DevicePresence(deviceID string) string {
	return fmt.Sprintf("%s/presence/%s", TopicPrefixDevice, deviceID)
}

// =============================================================================
// Coordinator Topics (coordinator -> device / observers)
// =============================================================================

// DeviceCommand returns the topic the coordinator pushes commands on.
// Each connected device subscribes to its own command topic.
//
// Example: roadhawk/command/cam-0017
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefixDevice, deviceID)
}

// CoreNotify returns the topic for coordinator state-delta broadcasts.
//
// Example: roadhawk/core/notify/device_status_changed
func (Topics) CoreNotify(notificationType string) string {
	return fmt.Sprintf("%s/notify/%s", TopicPrefixCore, notificationType)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the coordinator status topic.
//
// Example: roadhawk/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllRegistrations returns a pattern matching all device registrations.
//
// Pattern: roadhawk/register/+
func (Topics) AllRegistrations() string {
	return fmt.Sprintf("%s/register/+", TopicPrefixDevice)
}

// AllHeartbeats returns a pattern matching all device heartbeats.
//
// Pattern: roadhawk/heartbeat/+
func (Topics) AllHeartbeats() string {
	return fmt.Sprintf("%s/heartbeat/+", TopicPrefixDevice)
}

// AllLocations returns a pattern matching all location samples.
//
// Pattern: roadhawk/location/+
func (Topics) AllLocations() string {
	return fmt.Sprintf("%s/location/+", TopicPrefixDevice)
}

// AllEvents returns a pattern matching all device events.
//
// Pattern: roadhawk/event/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefixDevice)
}

// AllResults returns a pattern matching all command results.
//
// Pattern: roadhawk/result/+
func (Topics) AllResults() string {
	return fmt.Sprintf("%s/result/+", TopicPrefixDevice)
}

// AllPresence returns a pattern matching all presence topics.
//
// Pattern: roadhawk/presence/+
func (Topics) AllPresence() string {
	return fmt.Sprintf("%s/presence/+", TopicPrefixDevice)
}

// AllTopics returns a pattern matching all Roadhawk topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: roadhawk/#
func (Topics) AllTopics() string {
	return "roadhawk/#"
}

// DeviceIDFromTopic extracts the trailing device id from a device topic.
// Returns "" if the topic has no device segment.
func DeviceIDFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return ""
}
