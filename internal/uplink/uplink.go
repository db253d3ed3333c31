package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roadhawk/roadhawk-core/internal/fleet"
	"github.com/roadhawk/roadhawk-core/internal/infrastructure/mqtt"
)

// subscribeQoS is the QoS level for all device-channel subscriptions.
// QoS 1 matches what the units publish with: delivery at least once,
// and every fleet operation is idempotent enough to tolerate a repeat.
const subscribeQoS = 1

// Broker is the subset of the MQTT client the uplink needs.
// *mqtt.Client satisfies it; tests substitute a mock.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Telemetry is the optional time-series sink for device samples.
// *telemetry.Client satisfies it. All writes are fire-and-forget.
type Telemetry interface {
	WriteLocation(deviceID string, loc *fleet.Location)
	WriteHeartbeat(deviceID string, metrics fleet.HeartbeatMetrics)
	WriteEvent(deviceID string, eventType string)
}

// Logger is the minimal logging interface used by the uplink.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Uplink bridges the MQTT device channel to the fleet registry and
// dispatcher. It also implements fleet.SessionSender (direct command
// push) and fleet.Notifier (mirroring notifications to MQTT observers).
type Uplink struct {
	broker     Broker
	registry   *fleet.Registry
	dispatcher *fleet.Dispatcher
	telemetry  Telemetry

	logger   Logger
	loggerMu sync.RWMutex

	// Uplink-level context, cancelled on Stop(). Handlers run under it
	// rather than under any caller's request context.
	ctx       context.Context
	ctxCancel context.CancelFunc
	stopOnce  sync.Once
}

// Options holds the dependencies for creating an Uplink.
type Options struct {
	// Broker is the connected MQTT client.
	Broker Broker

	// Registry is the fleet registry driven by device messages.
	Registry *fleet.Registry

	// Dispatcher settles command results. Optional; result messages are
	// dropped with a warning when nil.
	Dispatcher *fleet.Dispatcher

	// Telemetry is the optional time-series sink. Nil disables
	// telemetry writes for the push channel.
	Telemetry Telemetry

	// Logger is optional structured logging.
	Logger Logger
}

// New creates an uplink. Call Start() to begin consuming device topics.
func New(opts Options) (*Uplink, error) {
	if opts.Broker == nil {
		return nil, errors.New("uplink: broker is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("uplink: registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Uplink{
		broker:     opts.Broker,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		telemetry:  opts.Telemetry,
		logger:     logger,
		ctx:        ctx,
		ctxCancel:  cancel,
	}, nil
}

// Start subscribes to the device topic hierarchy.
func (u *Uplink) Start() error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{mqtt.Topics{}.AllRegistrations(), u.handleRegister},
		{mqtt.Topics{}.AllHeartbeats(), u.handleHeartbeat},
		{mqtt.Topics{}.AllLocations(), u.handleLocation},
		{mqtt.Topics{}.AllEvents(), u.handleEvent},
		{mqtt.Topics{}.AllResults(), u.handleResult},
		{mqtt.Topics{}.AllPresence(), u.handlePresence},
	}

	for _, s := range subs {
		if err := u.broker.Subscribe(s.topic, subscribeQoS, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}

	u.getLogger().Info("uplink started", "subscriptions", len(subs))
	return nil
}

// Stop cancels in-flight handler work. Broker subscriptions are torn
// down with the MQTT connection itself.
func (u *Uplink) Stop() {
	u.stopOnce.Do(func() {
		u.ctxCancel()
		u.getLogger().Info("uplink stopped")
	})
}

// SetLogger sets the logger for the uplink.
func (u *Uplink) SetLogger(logger Logger) {
	u.loggerMu.Lock()
	u.logger = logger
	u.loggerMu.Unlock()
}

func (u *Uplink) getLogger() Logger {
	u.loggerMu.RLock()
	defer u.loggerMu.RUnlock()
	return u.logger
}

// sessionHandle resolves the session id to record for an MQTT-connected
// device. Devices that carry an explicit session id keep it; others get
// a deterministic handle derived from the device id.
func sessionHandle(deviceID, carried string) string {
	if carried != "" {
		return carried
	}
	return "mqtt:" + deviceID
}

// handleRegister processes roadhawk/register/{deviceID}.
func (u *Uplink) handleRegister(topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)

	var msg registerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.getLogger().Warn("malformed register payload", "topic", topic, "error", err)
		return fmt.Errorf("parsing register payload: %w", err)
	}

	session := sessionHandle(deviceID, msg.SessionID)
	info := fleet.RegisterInfo{Extensions: msg.Extensions}
	if msg.Model != "" {
		info.Model = &msg.Model
	}
	if msg.FirmwareVersion != "" {
		info.FirmwareVersion = &msg.FirmwareVersion
	}

	if _, err := u.registry.Register(u.ctx, deviceID, info, &session); err != nil {
		u.getLogger().Error("register failed", "device", deviceID, "error", err)
		return err
	}

	u.getLogger().Info("device registered over mqtt", "device", deviceID, "model", msg.Model)
	return nil
}

// handleHeartbeat processes roadhawk/heartbeat/{deviceID}.
func (u *Uplink) handleHeartbeat(topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)

	var msg heartbeatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.getLogger().Warn("malformed heartbeat payload", "topic", topic, "error", err)
		return fmt.Errorf("parsing heartbeat payload: %w", err)
	}

	session := sessionHandle(deviceID, msg.SessionID)
	metrics := fleet.HeartbeatMetrics{
		Battery:     msg.Battery,
		StorageFree: msg.StorageFree,
	}

	if err := u.registry.TouchHeartbeat(u.ctx, deviceID, metrics, &session); err != nil {
		u.getLogger().Debug("heartbeat ignored", "device", deviceID, "error", err)
		return err
	}

	if u.telemetry != nil {
		u.telemetry.WriteHeartbeat(deviceID, metrics)
	}
	return nil
}

// handleLocation processes roadhawk/location/{deviceID}.
func (u *Uplink) handleLocation(topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)

	var msg locationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.getLogger().Warn("malformed location payload", "topic", topic, "error", err)
		return fmt.Errorf("parsing location payload: %w", err)
	}

	updated, err := u.registry.SetLocation(u.ctx, deviceID, msg.toLocation())
	if err != nil {
		u.getLogger().Warn("location rejected", "device", deviceID, "error", err)
		return err
	}

	if u.telemetry != nil {
		u.telemetry.WriteLocation(deviceID, updated.Location)
	}
	return nil
}

// handleEvent processes roadhawk/event/{deviceID}.
func (u *Uplink) handleEvent(topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)

	var msg eventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.getLogger().Warn("malformed event payload", "topic", topic, "error", err)
		return fmt.Errorf("parsing event payload: %w", err)
	}

	if _, err := u.registry.RecordEvent(u.ctx, deviceID, msg.EventType, msg.Payload); err != nil {
		u.getLogger().Warn("event rejected", "device", deviceID, "type", msg.EventType, "error", err)
		return err
	}

	if u.telemetry != nil {
		u.telemetry.WriteEvent(deviceID, msg.EventType)
	}
	return nil
}

// handleResult processes roadhawk/result/{deviceID}.
func (u *Uplink) handleResult(topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)

	if u.dispatcher == nil {
		u.getLogger().Warn("command result dropped, no dispatcher wired", "device", deviceID)
		return nil
	}

	var msg resultMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.getLogger().Warn("malformed result payload", "topic", topic, "error", err)
		return fmt.Errorf("parsing result payload: %w", err)
	}

	if _, err := u.dispatcher.ReportResult(u.ctx, deviceID, msg.CommandID, msg.Name, msg.Success, msg.Message); err != nil {
		// Unmatched results are expected after retention eviction.
		u.getLogger().Debug("result did not settle a command", "device", deviceID, "error", err)
		return nil
	}
	return nil
}

// handlePresence processes roadhawk/presence/{deviceID}. An offline
// status (typically the broker's LWT for a dropped connection) releases
// the device's session. Online presence carries no session context and
// is ignored; registration and heartbeats bring devices online.
func (u *Uplink) handlePresence(topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)

	var msg presenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.getLogger().Warn("malformed presence payload", "topic", topic, "error", err)
		return fmt.Errorf("parsing presence payload: %w", err)
	}

	if msg.Status != "offline" {
		return nil
	}

	if msg.SessionID != "" {
		if marked := u.registry.MarkOfflineBySession(u.ctx, msg.SessionID); marked != "" {
			u.getLogger().Info("device went offline", "device", marked, "session", msg.SessionID)
		}
		return nil
	}

	if err := u.registry.MarkOffline(u.ctx, deviceID); err != nil {
		u.getLogger().Debug("presence offline for unknown device", "device", deviceID, "error", err)
	}
	return nil
}

// SendToSession pushes a queued command directly to a connected device.
// Implements fleet.SessionSender. The command remains queued regardless
// of the push outcome; the device still acknowledges over the result
// topic or drains it via the poll path.
func (u *Uplink) SendToSession(_ context.Context, _ string, deviceID string, cmd *fleet.Command) error {
	if !u.broker.IsConnected() {
		return errors.New("uplink: broker not connected")
	}

	payload, err := json.Marshal(commandEnvelope{
		ID:         cmd.ID,
		Name:       cmd.Name,
		Params:     cmd.Params,
		EnqueuedAt: cmd.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}

	return u.broker.Publish(mqtt.Topics{}.DeviceCommand(deviceID), payload, subscribeQoS, false)
}

// Publish mirrors a fleet notification onto roadhawk/core/notify/{type}
// for MQTT-side observers. Implements fleet.Notifier. Failures are
// logged only; notification fan-out is best-effort everywhere.
func (u *Uplink) Publish(n fleet.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		u.getLogger().Error("marshalling notification", "type", n.Type, "error", err)
		return
	}

	topic := mqtt.Topics{}.CoreNotify(string(n.Type))
	if err := u.broker.Publish(topic, payload, subscribeQoS, false); err != nil {
		u.getLogger().Warn("notification publish failed", "type", n.Type, "error", err)
	}
}
