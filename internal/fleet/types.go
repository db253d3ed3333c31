package fleet

import (
	"time"

	"github.com/google/uuid"
)

// DeviceState represents the connection state of a device.
type DeviceState string

// DeviceState constants.
const (
	StateOnline  DeviceState = "online"
	StateOffline DeviceState = "offline"
)

// CommandStatus represents the delivery status of a queued command.
type CommandStatus string

// CommandStatus constants.
//
// There is no distinct "failed" status. A command whose result arrives
// with success=false stays in StatusSent so the poll path will not
// re-deliver it; re-delivery requires an explicit re-enqueue or a
// sent-to-pending reset.
const (
	StatusPending CommandStatus = "pending"
	StatusSent    CommandStatus = "sent"
)

// Params holds command parameters as a string-keyed JSON map.
// Values are opaque to the coordinator and passed through to the device.
type Params map[string]any

// Extensions holds opaque protocol-extension data reported by a device.
// Roadhawk stores and relays it without interpreting the contents.
type Extensions map[string]any

// Location is a single positional sample reported by a device.
type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed,omitempty"`
	Bearing    float64   `json:"bearing,omitempty"`
	Altitude   float64   `json:"altitude,omitempty"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Command is a single operator instruction queued for a device.
// Ordering within a device's queue is FIFO by enqueue time.
type Command struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Params     Params        `json:"params,omitempty"`
	Status     CommandStatus `json:"status"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	SentAt     *time.Time    `json:"sent_at,omitempty"`
}

// DeepCopy creates an independent copy of the Command.
func (c *Command) DeepCopy() *Command {
	if c == nil {
		return nil
	}
	cpy := *c
	cpy.Params = deepCopyMap(c.Params)
	if c.SentAt != nil {
		t := *c.SentAt
		cpy.SentAt = &t
	}
	return &cpy
}

// Device represents a single dashcam unit known to the coordinator.
// The device id is assigned by the device itself and is immutable once
// the record exists.
type Device struct {
	// Identity
	ID string `json:"id"`

	// Connection
	State     DeviceState `json:"state"`
	SessionID *string     `json:"session_id,omitempty"`
	LastSeen  *time.Time  `json:"last_seen,omitempty"`

	// Telemetry
	Location    *Location `json:"location,omitempty"`
	Battery     *float64  `json:"battery,omitempty"`
	StorageFree *int64    `json:"storage_free,omitempty"`

	// Metadata
	Model           *string    `json:"model,omitempty"`
	FirmwareVersion *string    `json:"firmware_version,omitempty"`
	Extensions      Extensions `json:"extensions,omitempty"`

	// Command queue, FIFO by enqueue time.
	Commands []*Command `json:"commands,omitempty"`

	// Timestamps
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// All pointer, map, and slice fields are cloned so modifications to
// the copy do not affect the original. This is essential for cache
// isolation: the registry only ever hands out copies.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields

	if d.SessionID != nil {
		s := *d.SessionID
		cpy.SessionID = &s
	}
	if d.LastSeen != nil {
		t := *d.LastSeen
		cpy.LastSeen = &t
	}
	if d.Location != nil {
		loc := *d.Location
		cpy.Location = &loc
	}
	if d.Battery != nil {
		b := *d.Battery
		cpy.Battery = &b
	}
	if d.StorageFree != nil {
		s := *d.StorageFree
		cpy.StorageFree = &s
	}
	if d.Model != nil {
		m := *d.Model
		cpy.Model = &m
	}
	if d.FirmwareVersion != nil {
		f := *d.FirmwareVersion
		cpy.FirmwareVersion = &f
	}

	cpy.Extensions = deepCopyMap(d.Extensions)

	if d.Commands != nil {
		cpy.Commands = make([]*Command, len(d.Commands))
		for i, c := range d.Commands {
			cpy.Commands[i] = c.DeepCopy()
		}
	}

	return &cpy
}

// PendingCount returns the number of commands in StatusPending.
func (d *Device) PendingCount() int {
	n := 0
	for _, c := range d.Commands {
		if c.Status == StatusPending {
			n++
		}
	}
	return n
}

// RegisterInfo carries the metadata a device supplies at registration.
// All fields are optional; nil fields leave existing values untouched
// when merging into an already-known device.
type RegisterInfo struct {
	Model           *string    `json:"model,omitempty"`
	FirmwareVersion *string    `json:"firmware_version,omitempty"`
	Extensions      Extensions `json:"extensions,omitempty"`
}

// HeartbeatMetrics carries the optional health metrics attached to a
// heartbeat message.
type HeartbeatMetrics struct {
	Battery     *float64 `json:"battery,omitempty"`
	StorageFree *int64   `json:"storage_free,omitempty"`
}

// EventLogEntry is an immutable record of a device-reported event.
// Entries are append-only and never mutated or deleted.
type EventLogEntry struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// newDevice creates a fully-initialised device record with documented
// defaults. Every auto-provisioning entry point goes through here so
// defaults cannot drift between paths.
func newDevice(id string, now time.Time) *Device {
	return &Device{
		ID:           id,
		State:        StateOffline,
		Commands:     []*Command{},
		RegisteredAt: now,
		UpdatedAt:    now,
	}
}

// newCommand creates a pending command with a fresh UUID.
func newCommand(name string, params Params, now time.Time) *Command {
	return &Command{
		ID:         uuid.New().String(),
		Name:       name,
		Params:     deepCopyMap(params),
		Status:     StatusPending,
		EnqueuedAt: now,
	}
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}
