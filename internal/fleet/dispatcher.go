package fleet

import (
	"context"
	"time"
)

// Origin identifies which entry path submitted a command.
type Origin string

// Origin constants.
const (
	OriginPush Origin = "push" // interactive push-channel caller
	OriginHTTP Origin = "http" // REST API caller
)

// SessionSender pushes a command directly to a device's live push
// session. Implementations (the MQTT uplink) are best-effort: a send
// failure is logged and the command stays queued for the poll path.
type SessionSender interface {
	SendToSession(ctx context.Context, sessionID string, deviceID string, cmd *Command) error
}

// noopSender drops direct pushes. Used when no push channel is wired,
// leaving delivery entirely to the poll path.
type noopSender struct{}

func (noopSender) SendToSession(context.Context, string, string, *Command) error { return nil }

// DispatchResult describes the outcome of a SendCommand call.
// A suppressed duplicate is not an error: from the caller's viewpoint
// the desired effect (the device will receive this command) is already
// guaranteed either way.
type DispatchResult struct {
	Command   *Command `json:"command"`
	Duplicate bool     `json:"duplicate"`
	Pushed    bool     `json:"pushed"`
}

// Dispatcher is the single command entry point for both the push and
// HTTP paths. It validates the target, delegates to the registry's
// queue, broadcasts the queued command to push subscribers, and
// opportunistically pushes it down the device's live session.
type Dispatcher struct {
	registry *Registry
	notifier Notifier
	sender   SessionSender
	logger   Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		notifier: noopNotifier{},
		sender:   noopSender{},
		logger:   noopLogger{},
	}
}

// SetNotifier sets the push-subscriber notifier.
func (d *Dispatcher) SetNotifier(n Notifier) {
	d.notifier = n
}

// SetSender sets the direct-push sender for the live session path.
func (d *Dispatcher) SetSender(s SessionSender) {
	d.sender = s
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SendCommand queues a command for a device.
//
// Rejects with ErrDeviceNotFound if the device has never contacted the
// coordinator. The queued command is broadcast to all push subscribers
// regardless of whether the device is currently connected: operator
// UIs must reflect queued state even for offline devices. If the
// device holds a live session the command is additionally pushed
// directly to it as a low-latency optimisation; the direct push never
// substitutes for the poll-and-resolve contract, so the command stays
// pending in the queue until the device's own acknowledgment resolves
// it.
func (d *Dispatcher) SendCommand(ctx context.Context, deviceID, name string, params Params, origin Origin) (*DispatchResult, error) {
	cmd, created, err := d.registry.EnqueueCommand(ctx, deviceID, name, params)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{
		Command:   cmd,
		Duplicate: !created,
	}

	d.notifier.Publish(Notification{
		Type:      NotifyCommandQueued,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"command":   cmd,
			"duplicate": result.Duplicate,
			"origin":    string(origin),
		},
	})

	// Best-effort direct push when the device is connected.
	if device, getErr := d.registry.Get(ctx, deviceID); getErr == nil && device.SessionID != nil {
		if sendErr := d.sender.SendToSession(ctx, *device.SessionID, deviceID, cmd); sendErr != nil {
			d.logger.Warn("direct push failed, command stays queued",
				"device", deviceID, "command", cmd.ID, "error", sendErr)
		} else {
			result.Pushed = true
		}
	}

	d.logger.Info("command dispatched",
		"device", deviceID, "name", name, "origin", origin,
		"duplicate", result.Duplicate, "pushed", result.Pushed)
	return result, nil
}

// ReportResult settles a command from a device-reported outcome and
// broadcasts the result to push subscribers for UI and audit
// visibility, regardless of success or failure.
//
// commandID may be empty; resolution then falls back to matching by
// name. An unmatched result is returned as ErrCommandNotFound but is
// still broadcast, since the device evidently acted on something.
func (d *Dispatcher) ReportResult(ctx context.Context, deviceID, commandID, name string, success bool, message string) (*Command, error) {
	resolved, err := d.registry.ResolveCommand(ctx, deviceID, commandID, name, success)

	data := map[string]any{
		"command_id": commandID,
		"name":       name,
		"success":    success,
		"message":    message,
	}
	if resolved != nil {
		data["command_id"] = resolved.ID
		data["name"] = resolved.Name
	}
	d.notifier.Publish(Notification{
		Type:      NotifyCommandResult,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})

	if err != nil {
		d.logger.Warn("command result did not match a queued command",
			"device", deviceID, "command_id", commandID, "name", name, "error", err)
		return nil, err
	}

	return resolved, nil
}
