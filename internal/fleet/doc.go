// Package fleet provides the device registry and command dispatch core
// for Roadhawk Core.
//
// The registry is the central catalogue of all dashcam units known to a
// Roadhawk deployment. It owns each device's connection state, last-seen
// time, and per-device command queue, and reconciles state observed
// through two independent delivery channels: the persistent MQTT push
// channel and the intermittent HTTP poll channel.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                            fleet                                      │
//	│                                                                       │
//	│  ┌────────────────┐   ┌────────────────┐   ┌────────────────────┐    │
//	│  │    Registry    │   │   Dispatcher   │   │      Monitor       │    │
//	│  │ (registry.go)  │◀──│ (dispatcher.go)│   │   (monitor.go)     │    │
//	│  │                │   │                │   │                    │    │
//	│  │ • device map   │   │ • sendCommand  │   │ • periodic sweep   │    │
//	│  │ • command queue│   │ • reportResult │   │ • offline batching │    │
//	│  │ • thread safety│   │ • direct push  │   │ • device retention │    │
//	│  └────────┬───────┘   └────────────────┘   └────────────────────┘    │
//	│           │                                                          │
//	│  ┌────────▼───────┐   ┌────────────────┐                             │
//	│  │   Repository   │   │    Notifier    │                             │
//	│  │(repository.go) │   │(notifications.go)                            │
//	│  │ • SQLite       │   │ • WS broadcast │                             │
//	│  └────────────────┘   └────────────────┘                             │
//	└──────────────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Device: a dashcam unit (state, session, location, command queue)
//   - Command: a queued operator instruction with pending/sent status
//   - Registry: thread-safe owner of all devices and their queues
//   - Dispatcher: command entry point for both push and HTTP callers
//   - Monitor: heartbeat-driven liveness sweep
//
// # Command Queue Semantics
//
// The single most important property of this package: at most one
// pending command of a given name exists per device within the
// deduplication window, independent of which entry path enqueued it.
// Commands flip pending -> sent when drained by the device's poll path,
// and are removed only on an explicit success acknowledgment. A failed
// command stays sent (no automatic retry) unless retry-on-failure is
// enabled in configuration.
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected
// by a read-write mutex; persistence writes and notifications happen
// after the in-memory mutation commits, outside the lock.
package fleet
