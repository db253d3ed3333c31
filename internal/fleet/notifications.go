package fleet

import "time"

// NotificationType identifies the kind of state delta a notification
// describes.
type NotificationType string

// Notification types broadcast to push subscribers.
const (
	NotifyDeviceStatusChanged NotificationType = "device_status_changed"
	NotifyDevicesWentOffline  NotificationType = "devices_went_offline"
	NotifyCommandQueued       NotificationType = "command_queued"
	NotifyCommandResult       NotificationType = "command_result"
	NotifyLocationUpdated     NotificationType = "location_updated"
	NotifyEventRecorded       NotificationType = "event_recorded"
)

// Notification is a structured state-delta message broadcast to all
// subscribed observers (the WebSocket hub and the MQTT notify topics).
// Delivery is best-effort and unordered with respect to the HTTP poll
// path.
type Notification struct {
	Type      NotificationType `json:"type"`
	DeviceID  string           `json:"device_id,omitempty"`
	DeviceIDs []string         `json:"device_ids,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Notifier receives state-delta notifications from the registry and
// dispatcher. Implementations must not block: the hub's trySend drops
// messages to slow subscribers rather than stalling the caller.
type Notifier interface {
	Publish(n Notification)
}

// noopNotifier discards all notifications.
type noopNotifier struct{}

func (noopNotifier) Publish(Notification) {}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Publish calls f(n).
func (f NotifierFunc) Publish(n Notification) { f(n) }

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier []Notifier

// Publish delivers n to every wrapped notifier in order.
func (m MultiNotifier) Publish(n Notification) {
	for _, sub := range m {
		sub.Publish(n)
	}
}
