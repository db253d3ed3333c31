package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the fleet package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Default timing windows. Each can be overridden via Options.
const (
	DefaultDedupWindow      = 5 * time.Second
	DefaultCommandRetention = 10 * time.Minute
)

// Options control registry behaviour. Zero values fall back to the
// package defaults at construction.
type Options struct {
	// DedupWindow is the span during which a repeated pending command
	// name is treated as already-satisfied rather than re-queued.
	DedupWindow time.Duration

	// CommandRetention is the maximum age a command may reach in the
	// queue before forced eviction regardless of status.
	CommandRetention time.Duration

	// RetryOnFailure flips a failed command back to pending so the
	// next poll re-delivers it. Off by default to avoid retry storms:
	// a failed command stays sent until re-enqueued or reset.
	RetryOnFailure bool

	// AutoProvisionOnHeartbeat creates a registry entry when a
	// heartbeat references an unknown device. Off by default since a
	// heartbeat carries no model/version context.
	AutoProvisionOnHeartbeat bool
}

// Registry is the single source of truth for all devices and their
// embedded command queues. It keeps the fleet in memory and writes
// snapshots behind through a Repository.
//
// All public methods are thread-safe. Mutations commit under the lock;
// persistence and notifications happen afterwards, outside it, so no
// operation blocks on I/O while holding the registry lock.
type Registry struct {
	repo     Repository
	devices  map[string]*Device
	mu       sync.RWMutex
	logger   Logger
	notifier Notifier
	opts     Options
}

// NewRegistry creates a new device registry. The repository is used
// for write-behind persistence; the registry owns the live state.
func NewRegistry(repo Repository, opts Options) *Registry {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.CommandRetention <= 0 {
		opts.CommandRetention = DefaultCommandRetention
	}
	return &Registry{
		repo:     repo,
		devices:  make(map[string]*Device),
		logger:   noopLogger{},
		notifier: noopNotifier{},
		opts:     opts,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetNotifier sets the push-subscriber notifier for the registry.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Restore loads all devices from the repository into memory.
// Every device is forced offline and its session handle cleared,
// regardless of the persisted value: no push session can possibly
// have survived a restart. Should be called once at startup.
func (r *Registry) Restore(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i].DeepCopy()
		d.State = StateOffline
		d.SessionID = nil
		r.devices[d.ID] = d
	}

	r.logger.Info("fleet restored", "count", len(devices))
	return nil
}

// Register creates or updates a device from a registration message.
// For a known device it merges the supplied metadata, refreshes
// last-seen, and sets the device online. For an unknown device it
// creates a record that starts online only when a session handle
// accompanies the call. Idempotent; returns a copy of the record.
func (r *Registry) Register(ctx context.Context, id string, info RegisterInfo, sessionID *string) (*Device, error) {
	if id == "" {
		return nil, ErrInvalidDeviceID
	}

	now := time.Now().UTC()

	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		d = newDevice(id, now)
		if sessionID != nil {
			d.State = StateOnline
		}
		r.devices[id] = d
	} else {
		d.State = StateOnline
	}

	if info.Model != nil {
		m := *info.Model
		d.Model = &m
	}
	if info.FirmwareVersion != nil {
		f := *info.FirmwareVersion
		d.FirmwareVersion = &f
	}
	if info.Extensions != nil {
		if d.Extensions == nil {
			d.Extensions = Extensions{}
		}
		for k, v := range info.Extensions {
			d.Extensions[k] = deepCopyValue(v)
		}
	}
	if sessionID != nil {
		s := *sessionID
		d.SessionID = &s
	}
	d.LastSeen = &now
	d.UpdatedAt = now

	snapshot := d.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.notifier.Publish(Notification{
		Type:      NotifyDeviceStatusChanged,
		DeviceID:  id,
		Timestamp: now,
		Data:      map[string]any{"state": string(snapshot.State)},
	})

	r.logger.Info("device registered", "id", id, "state", snapshot.State, "new", !exists)
	return snapshot, nil
}

// Get retrieves a device by ID. Returns ErrDeviceNotFound if the
// device does not exist. The returned device is a deep copy; callers
// can safely modify it.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

// List retrieves all devices ordered by id.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d.DeepCopy())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Count returns the number of devices in the registry.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// TouchHeartbeat refreshes a device's last-seen time and optional
// health metrics. When a session handle accompanies the heartbeat the
// device is brought online and the session attached.
//
// An unknown device is a no-op, not an error, unless auto-provisioning
// on heartbeat is enabled in Options.
func (r *Registry) TouchHeartbeat(ctx context.Context, id string, metrics HeartbeatMetrics, sessionID *string) error {
	if id == "" {
		return ErrInvalidDeviceID
	}

	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		if !r.opts.AutoProvisionOnHeartbeat {
			r.mu.Unlock()
			r.logger.Debug("heartbeat for unknown device ignored", "id", id)
			return nil
		}
		d = newDevice(id, now)
		r.devices[id] = d
	}

	wasOffline := d.State == StateOffline
	if metrics.Battery != nil {
		b := *metrics.Battery
		d.Battery = &b
	}
	if metrics.StorageFree != nil {
		s := *metrics.StorageFree
		d.StorageFree = &s
	}
	if sessionID != nil {
		s := *sessionID
		d.SessionID = &s
		d.State = StateOnline
	}
	d.LastSeen = &now
	d.UpdatedAt = now

	cameOnline := wasOffline && d.State == StateOnline
	snapshot := d.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	if cameOnline {
		r.notifier.Publish(Notification{
			Type:      NotifyDeviceStatusChanged,
			DeviceID:  id,
			Timestamp: now,
			Data:      map[string]any{"state": string(StateOnline)},
		})
	}

	r.logger.Debug("heartbeat", "id", id)
	return nil
}

// MarkOffline transitions a device to offline and clears its session
// handle. Transitioning an already-offline device is a no-op, not an
// error; the offline notification is emitted exactly once per
// transition.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	if d.State == StateOffline {
		r.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	d.State = StateOffline
	d.SessionID = nil
	d.UpdatedAt = now

	snapshot := d.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.notifier.Publish(Notification{
		Type:      NotifyDeviceStatusChanged,
		DeviceID:  id,
		Timestamp: now,
		Data:      map[string]any{"state": string(StateOffline)},
	})

	r.logger.Info("device offline", "id", id)
	return nil
}

// MarkOfflineBySession marks offline whichever device currently holds
// the given session handle. Used by the push channel's disconnect and
// last-will paths. A handle owned by no device is a no-op.
// Returns the affected device id, or "" if none matched.
func (r *Registry) MarkOfflineBySession(ctx context.Context, sessionID string) string {
	if sessionID == "" {
		return ""
	}

	r.mu.RLock()
	var id string
	for _, d := range r.devices {
		if d.SessionID != nil && *d.SessionID == sessionID {
			id = d.ID
			break
		}
	}
	r.mu.RUnlock()

	if id == "" {
		return ""
	}

	if err := r.MarkOffline(ctx, id); err != nil {
		r.logger.Warn("mark offline by session failed", "id", id, "error", err)
		return ""
	}
	return id
}

// SetLocation updates a device's last-known location and refreshes
// last-seen. Auto-provisions the device if unknown: a location sample
// carries enough information to synthesize a usable default record.
// Returns a copy of the resulting record.
func (r *Registry) SetLocation(ctx context.Context, id string, loc Location) (*Device, error) {
	if id == "" {
		return nil, ErrInvalidDeviceID
	}
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return nil, ErrInvalidLocation
	}

	now := time.Now().UTC()
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = now
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		d = newDevice(id, now)
		r.devices[id] = d
	}
	locCopy := loc
	d.Location = &locCopy
	d.LastSeen = &now
	d.UpdatedAt = now

	snapshot := d.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.notifier.Publish(Notification{
		Type:      NotifyLocationUpdated,
		DeviceID:  id,
		Timestamp: now,
		Data: map[string]any{
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
			"speed":     loc.Speed,
		},
	})

	r.logger.Debug("location updated", "id", id)
	return snapshot, nil
}

// RecordEvent appends an immutable event to the device's log and
// refreshes last-seen. Auto-provisions the device if unknown.
func (r *Registry) RecordEvent(ctx context.Context, id, eventType string, payload map[string]any) (*EventLogEntry, error) {
	if id == "" {
		return nil, ErrInvalidDeviceID
	}
	if eventType == "" {
		return nil, ErrInvalidEvent
	}

	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		d = newDevice(id, now)
		r.devices[id] = d
	}
	d.LastSeen = &now
	d.UpdatedAt = now

	snapshot := d.DeepCopy()
	r.mu.Unlock()

	entry := &EventLogEntry{
		DeviceID:  id,
		EventType: eventType,
		Payload:   deepCopyMap(payload),
		CreatedAt: now,
	}

	r.persist(ctx, snapshot)
	if err := r.repo.AppendEvent(ctx, entry); err != nil {
		// Event log is append-only best effort; the in-memory
		// last-seen refresh above is not rolled back.
		r.logger.Error("appending event failed", "id", id, "type", eventType, "error", err)
	}

	r.notifier.Publish(Notification{
		Type:      NotifyEventRecorded,
		DeviceID:  id,
		Timestamp: now,
		Data:      map[string]any{"event_type": eventType},
	})

	r.logger.Debug("event recorded", "id", id, "type", eventType)
	return entry, nil
}

// Events retrieves the most recent events for a device, newest first.
func (r *Registry) Events(ctx context.Context, id string, limit int) ([]EventLogEntry, error) {
	r.mu.RLock()
	_, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return r.repo.ListEvents(ctx, id, limit)
}

// SweepOffline marks offline every online device whose last activity
// is older than timeout, clearing session handles. The whole batch is
// persisted once and reported as a single list so a mass disconnect
// costs one write and one notification.
// Returns the ids of the devices that transitioned.
func (r *Registry) SweepOffline(ctx context.Context, timeout time.Duration) []string {
	now := time.Now().UTC()

	r.mu.Lock()
	var batch []*Device
	for _, d := range r.devices {
		if d.State != StateOnline {
			continue
		}
		last := d.RegisteredAt
		if d.LastSeen != nil {
			last = *d.LastSeen
		}
		if now.Sub(last) <= timeout {
			continue
		}
		d.State = StateOffline
		d.SessionID = nil
		d.UpdatedAt = now
		batch = append(batch, d.DeepCopy())
	}
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ids := make([]string, len(batch))
	for i, d := range batch {
		ids[i] = d.ID
	}
	sort.Strings(ids)

	if err := r.repo.SaveBatch(ctx, batch); err != nil {
		r.logger.Error("persisting offline sweep failed", "count", len(batch), "error", err)
	}
	r.notifier.Publish(Notification{
		Type:      NotifyDevicesWentOffline,
		DeviceIDs: ids,
		Timestamp: now,
	})

	r.logger.Info("offline sweep", "count", len(ids), "devices", ids)
	return ids
}

// RemoveStale deletes offline devices whose last activity is older
// than retention. Retention <= 0 disables removal entirely: by default
// the fleet keeps every device it has ever seen.
// Returns the ids of the removed devices.
func (r *Registry) RemoveStale(ctx context.Context, retention time.Duration) []string {
	if retention <= 0 {
		return nil
	}

	now := time.Now().UTC()

	r.mu.Lock()
	var ids []string
	for id, d := range r.devices {
		if d.State != StateOffline {
			continue
		}
		last := d.RegisteredAt
		if d.LastSeen != nil {
			last = *d.LastSeen
		}
		if now.Sub(last) <= retention {
			continue
		}
		delete(r.devices, id)
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := r.repo.Delete(ctx, id); err != nil {
			r.logger.Error("deleting stale device failed", "id", id, "error", err)
		}
	}

	if len(ids) > 0 {
		r.logger.Info("stale devices removed", "count", len(ids), "devices", ids)
	}
	return ids
}

// Remove deletes a single device regardless of state. Operator escape
// hatch for decommissioned units that would otherwise linger until
// retention (or forever when retention is disabled).
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(r.devices, id)
	r.mu.Unlock()

	if err := r.repo.Delete(ctx, id); err != nil {
		r.logger.Error("deleting device failed", "id", id, "error", err)
	}

	r.logger.Info("device removed", "id", id)
	return nil
}

// Stats summarises the fleet for monitoring endpoints.
type Stats struct {
	TotalDevices    int `json:"total_devices"`
	Online          int `json:"online"`
	Offline         int `json:"offline"`
	PendingCommands int `json:"pending_commands"`
	SentCommands    int `json:"sent_commands"`
}

// GetStats returns current fleet statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalDevices: len(r.devices)}
	for _, d := range r.devices {
		switch d.State {
		case StateOnline:
			stats.Online++
		case StateOffline:
			stats.Offline++
		}
		for _, c := range d.Commands {
			switch c.Status {
			case StatusPending:
				stats.PendingCommands++
			case StatusSent:
				stats.SentCommands++
			}
		}
	}
	return stats
}

// persist writes a device snapshot behind the in-memory mutation.
// Failures are logged, never surfaced: the worst observable effect is
// a stale snapshot, recoverable on the next successful write.
func (r *Registry) persist(ctx context.Context, snapshot *Device) {
	if err := r.repo.Save(ctx, snapshot); err != nil {
		r.logger.Error("persisting device failed", "id", snapshot.ID, "error", err)
	}
}
