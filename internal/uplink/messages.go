package uplink

import (
	"time"

	"github.com/roadhawk/roadhawk-core/internal/fleet"
)

// registerMessage is the payload a device publishes on roadhawk/register/{id}.
type registerMessage struct {
	Model           string         `json:"model,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	Extensions      map[string]any `json:"extensions,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
}

// heartbeatMessage is the payload a device publishes on roadhawk/heartbeat/{id}.
type heartbeatMessage struct {
	Battery     *float64 `json:"battery,omitempty"`
	StorageFree *int64   `json:"storage_free,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
}

// locationMessage is the payload a device publishes on roadhawk/location/{id}.
// RecordedAt is RFC3339; empty means "now".
type locationMessage struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed,omitempty"`
	Bearing    float64 `json:"bearing,omitempty"`
	Altitude   float64 `json:"altitude,omitempty"`
	Accuracy   float64 `json:"accuracy,omitempty"`
	RecordedAt string  `json:"recorded_at,omitempty"`
}

// toLocation converts the wire form to the fleet type.
func (m locationMessage) toLocation() fleet.Location {
	loc := fleet.Location{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Speed:     m.Speed,
		Bearing:   m.Bearing,
		Altitude:  m.Altitude,
		Accuracy:  m.Accuracy,
	}
	if m.RecordedAt != "" {
		if t, err := time.Parse(time.RFC3339, m.RecordedAt); err == nil {
			loc.RecordedAt = t
		}
	}
	return loc
}

// eventMessage is the payload a device publishes on roadhawk/event/{id}.
type eventMessage struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// resultMessage is the payload a device publishes on roadhawk/result/{id}
// after executing a delivered command.
type resultMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// presenceMessage is published on roadhawk/presence/{id}, either by the
// device itself or by the broker as the device's LWT.
type presenceMessage struct {
	Status    string `json:"status"` // "online" or "offline"
	SessionID string `json:"session_id,omitempty"`
}

// commandEnvelope is what the uplink pushes to roadhawk/command/{id}.
type commandEnvelope struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Params     fleet.Params `json:"params,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}
