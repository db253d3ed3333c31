// Package uplink bridges the MQTT device channel to the fleet core.
//
// Dashcam units publish registration, heartbeat, location, event, and
// command-result messages on roadhawk/{type}/{deviceID} topics. The
// uplink subscribes to those topics, decodes the JSON payloads, and
// drives the fleet registry and dispatcher. In the other direction it
// pushes queued commands to connected devices on roadhawk/command/{id}
// and mirrors fleet notifications onto roadhawk/core/notify/{type} for
// MQTT-side observers.
//
// Devices connected over MQTT hold a live session. The session handle
// is the session id the device carries in its register/heartbeat
// payloads, falling back to a handle derived from the device id. A
// presence message (typically the broker's LWT on behalf of a dropped
// device) releases the session and marks the device offline.
//
// Thread Safety: all methods are safe for concurrent use; handlers are
// invoked from paho goroutines.
package uplink
