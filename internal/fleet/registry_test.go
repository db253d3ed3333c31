package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	events  map[string][]EventLogEntry
	nextID  int64
	// For testing error paths
	saveErr   error
	deleteErr error
	eventErr  error
	// Call counters
	saveCalls      int
	saveBatchCalls int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		devices: make(map[string]*Device),
		events:  make(map[string][]EventLogEntry),
	}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrDeviceNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d.DeepCopy())
	}
	return devices, nil
}

func (m *MockRepository) Save(_ context.Context, device *Device) error {
	if m.saveErr != nil {
		return m.saveErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCalls++
	m.devices[device.ID] = device.DeepCopy()
	return nil
}

func (m *MockRepository) SaveBatch(_ context.Context, devices []*Device) error {
	if m.saveErr != nil {
		return m.saveErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveBatchCalls++
	for _, d := range devices {
		m.devices[d.ID] = d.DeepCopy()
	}
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[id]; !exists {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) AppendEvent(_ context.Context, entry *EventLogEntry) error {
	if m.eventErr != nil {
		return m.eventErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry.ID = m.nextID
	m.events[entry.DeviceID] = append(m.events[entry.DeviceID], *entry)
	return nil
}

func (m *MockRepository) ListEvents(_ context.Context, deviceID string, limit int) ([]EventLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.events[deviceID]
	var entries []EventLogEntry
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(entries) < limit); i-- {
		entries = append(entries, all[i])
	}
	return entries, nil
}

// captureNotifier records published notifications for assertions.
type captureNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (c *captureNotifier) Publish(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, n)
}

func (c *captureNotifier) byType(t NotificationType) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Notification
	for _, n := range c.notifications {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func i64Ptr(i int64) *int64     { return &i }

func newTestRegistry(opts Options) (*Registry, *MockRepository, *captureNotifier) {
	repo := NewMockRepository()
	notifier := &captureNotifier{}
	reg := NewRegistry(repo, opts)
	reg.SetNotifier(notifier)
	return reg, repo, notifier
}

func TestRegister_NewDevice(t *testing.T) {
	ctx := context.Background()
	reg, repo, notifier := newTestRegistry(Options{})

	t.Run("without session starts offline", func(t *testing.T) {
		d, err := reg.Register(ctx, "cam-001", RegisterInfo{Model: strPtr("X1")}, nil)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if d.State != StateOffline {
			t.Errorf("state = %v, want %v", d.State, StateOffline)
		}
		if d.Model == nil || *d.Model != "X1" {
			t.Errorf("model not stored")
		}
		if len(d.Commands) != 0 {
			t.Errorf("new device queue not empty")
		}
		if d.LastSeen == nil {
			t.Error("last seen not set")
		}
	})

	t.Run("with session starts online", func(t *testing.T) {
		d, err := reg.Register(ctx, "cam-002", RegisterInfo{}, strPtr("sess-1"))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if d.State != StateOnline {
			t.Errorf("state = %v, want %v", d.State, StateOnline)
		}
		if d.SessionID == nil || *d.SessionID != "sess-1" {
			t.Errorf("session handle not attached")
		}
	})

	t.Run("persists and notifies", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, "cam-001"); err != nil {
			t.Errorf("device not persisted: %v", err)
		}
		if got := notifier.byType(NotifyDeviceStatusChanged); len(got) == 0 {
			t.Error("no status notification published")
		}
	})

	t.Run("empty id rejected", func(t *testing.T) {
		if _, err := reg.Register(ctx, "", RegisterInfo{}, nil); !errors.Is(err, ErrInvalidDeviceID) {
			t.Errorf("error = %v, want ErrInvalidDeviceID", err)
		}
	})
}

func TestRegister_ExistingDevice(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(Options{})

	first, err := reg.Register(ctx, "cam-001", RegisterInfo{Model: strPtr("X1")}, nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Re-registration merges metadata and goes online.
	second, err := reg.Register(ctx, "cam-001", RegisterInfo{FirmwareVersion: strPtr("2.4.0")}, strPtr("sess-9"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if second.State != StateOnline {
		t.Errorf("state = %v, want %v", second.State, StateOnline)
	}
	if second.Model == nil || *second.Model != "X1" {
		t.Error("existing model lost on merge")
	}
	if second.FirmwareVersion == nil || *second.FirmwareVersion != "2.4.0" {
		t.Error("new firmware version not merged")
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Error("registration timestamp changed on re-registration")
	}
	if reg.Count() != 1 {
		t.Errorf("device count = %d, want 1", reg.Count())
	}
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(Options{})

	if _, err := reg.Get(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}

	if _, err := reg.Register(ctx, "cam-001", RegisterInfo{}, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	d, err := reg.Get(ctx, "cam-001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Returned record is a copy: mutating it must not leak back.
	d.State = StateOnline
	again, _ := reg.Get(ctx, "cam-001")
	if again.State != StateOffline {
		t.Error("mutation of returned copy leaked into registry")
	}
}

func TestTouchHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown device is a no-op by default", func(t *testing.T) {
		reg, _, _ := newTestRegistry(Options{})
		if err := reg.TouchHeartbeat(ctx, "ghost", HeartbeatMetrics{}, nil); err != nil {
			t.Fatalf("TouchHeartbeat() error = %v", err)
		}
		if reg.Count() != 0 {
			t.Error("heartbeat auto-created a device without the flag")
		}
	})

	t.Run("auto-provision flag creates the device", func(t *testing.T) {
		reg, _, _ := newTestRegistry(Options{AutoProvisionOnHeartbeat: true})
		if err := reg.TouchHeartbeat(ctx, "ghost", HeartbeatMetrics{}, nil); err != nil {
			t.Fatalf("TouchHeartbeat() error = %v", err)
		}
		if reg.Count() != 1 {
			t.Error("heartbeat did not auto-create with the flag set")
		}
	})

	t.Run("updates last seen and metrics", func(t *testing.T) {
		reg, _, _ := newTestRegistry(Options{})
		if _, err := reg.Register(ctx, "cam-001", RegisterInfo{}, nil); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		before := time.Now().UTC()
		err := reg.TouchHeartbeat(ctx, "cam-001", HeartbeatMetrics{
			Battery:     f64Ptr(81.5),
			StorageFree: i64Ptr(2048),
		}, nil)
		if err != nil {
			t.Fatalf("TouchHeartbeat() error = %v", err)
		}

		d, _ := reg.Get(ctx, "cam-001")
		if d.Battery == nil || *d.Battery != 81.5 {
			t.Error("battery metric not stored")
		}
		if d.StorageFree == nil || *d.StorageFree != 2048 {
			t.Error("storage metric not stored")
		}
		if d.LastSeen == nil || d.LastSeen.Before(before) {
			t.Error("last seen not refreshed")
		}
	})

	t.Run("sessioned heartbeat brings device online", func(t *testing.T) {
		reg, _, notifier := newTestRegistry(Options{})
		if _, err := reg.Register(ctx, "cam-001", RegisterInfo{}, nil); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		if err := reg.TouchHeartbeat(ctx, "cam-001", HeartbeatMetrics{}, strPtr("sess-5")); err != nil {
			t.Fatalf("TouchHeartbeat() error = %v", err)
		}

		d, _ := reg.Get(ctx, "cam-001")
		if d.State != StateOnline {
			t.Errorf("state = %v, want %v", d.State, StateOnline)
		}
		if got := notifier.byType(NotifyDeviceStatusChanged); len(got) < 2 {
			t.Error("online transition not notified")
		}
	})
}

func TestMarkOffline(t *testing.T) {
	ctx := context.Background()
	reg, _, notifier := newTestRegistry(Options{})

	if _, err := reg.Register(ctx, "cam-001", RegisterInfo{}, strPtr("sess-1")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	notifiedBefore := len(notifier.byType(NotifyDeviceStatusChanged))

	if err := reg.MarkOffline(ctx, "cam-001"); err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}

	d, _ := reg.Get(ctx, "cam-001")
	if d.State != StateOffline {
		t.Errorf("state = %v, want %v", d.State, StateOffline)
	}
	if d.SessionID != nil {
		t.Error("session handle not cleared")
	}

	// Second call is a no-op: no second notification.
	if err := reg.MarkOffline(ctx, "cam-001"); err != nil {
		t.Fatalf("MarkOffline() repeat error = %v", err)
	}
	notifiedAfter := len(notifier.byType(NotifyDeviceStatusChanged))
	if notifiedAfter != notifiedBefore+1 {
		t.Errorf("offline notifications = %d, want exactly one per transition", notifiedAfter-notifiedBefore)
	}

	if err := reg.MarkOffline(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}

func TestMarkOfflineBySession(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(Options{})

	if _, err := reg.Register(ctx, "cam-001", RegisterInfo{}, strPtr("sess-1")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if id := reg.MarkOfflineBySession(ctx, "unknown-session"); id != "" {
		t.Errorf("unexpected device %q matched unknown session", id)
	}

	if id := reg.MarkOfflineBySession(ctx, "sess-1"); id != "cam-001" {
		t.Errorf("matched device = %q, want cam-001", id)
	}

	d, _ := reg.Get(ctx, "cam-001")
	if d.State != StateOffline || d.SessionID != nil {
		t.Error("session disconnect did not take device offline")
	}
}

func TestSetLocation(t *testing.T) {
	ctx := context.Background()
	reg, _, notifier := newTestRegistry(Options{})

	t.Run("auto-provisions unknown device", func(t *testing.T) {
		d, err := reg.SetLocation(ctx, "cam-new", Location{Latitude: 51.5, Longitude: -0.12, Speed: 14.2})
		if err != nil {
			t.Fatalf("SetLocation() error = %v", err)
		}
		if d.Location == nil || d.Location.Latitude != 51.5 {
			t.Error("location not stored")
		}
		if d.Location.RecordedAt.IsZero() {
			t.Error("recorded_at not defaulted")
		}
		if len(notifier.byType(NotifyLocationUpdated)) == 0 {
			t.Error("location notification not published")
		}
	})

	t.Run("rejects out-of-range coordinates", func(t *testing.T) {
		if _, err := reg.SetLocation(ctx, "cam-new", Location{Latitude: 91, Longitude: 0}); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("error = %v, want ErrInvalidLocation", err)
		}
		if _, err := reg.SetLocation(ctx, "cam-new", Location{Latitude: 0, Longitude: 181}); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("error = %v, want ErrInvalidLocation", err)
		}
	})
}

func TestRecordEvent(t *testing.T) {
	ctx := context.Background()
	reg, repo, notifier := newTestRegistry(Options{})

	entry, err := reg.RecordEvent(ctx, "cam-ev", "sd_card_error", map[string]any{"code": 17.0})
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if entry.ID == 0 {
		t.Error("event id not assigned")
	}
	if reg.Count() != 1 {
		t.Error("event did not auto-provision the device")
	}
	if len(repo.events["cam-ev"]) != 1 {
		t.Error("event not appended to repository")
	}
	if len(notifier.byType(NotifyEventRecorded)) != 1 {
		t.Error("event notification not published")
	}

	if _, err := reg.RecordEvent(ctx, "cam-ev", "", nil); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("error = %v, want ErrInvalidEvent", err)
	}

	events, err := reg.Events(ctx, "cam-ev", 10)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 || events[0].EventType != "sd_card_error" {
		t.Errorf("Events() = %+v, want one sd_card_error entry", events)
	}
}

func TestRestore_ForcesOffline(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()

	// Persisted snapshot claims the device was online with a session.
	sess := "sess-stale"
	now := time.Now().UTC()
	repo.devices["cam-001"] = &Device{
		ID:           "cam-001",
		State:        StateOnline,
		SessionID:    &sess,
		LastSeen:     &now,
		RegisteredAt: now,
		UpdatedAt:    now,
		Commands: []*Command{
			{ID: "c1", Name: "takePhoto", Status: StatusPending, EnqueuedAt: now},
		},
	}

	reg := NewRegistry(repo, Options{})
	if err := reg.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	d, err := reg.Get(ctx, "cam-001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.State != StateOffline {
		t.Error("restore did not force offline: no push session survives a restart")
	}
	if d.SessionID != nil {
		t.Error("restore did not clear the session handle")
	}
	if len(d.Commands) != 1 {
		t.Error("restore dropped the persisted command queue")
	}
}

func TestPersistenceFailureIsNotSurfaced(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	repo.saveErr = errors.New("disk full")
	reg := NewRegistry(repo, Options{})

	d, err := reg.Register(ctx, "cam-001", RegisterInfo{}, nil)
	if err != nil {
		t.Fatalf("Register() error = %v, persistence failures must not surface", err)
	}
	if d == nil {
		t.Fatal("Register() returned nil device")
	}

	// In-memory state survives the failed write.
	if _, err := reg.Get(ctx, "cam-001"); err != nil {
		t.Errorf("in-memory record lost after persistence failure: %v", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	reg, repo, _ := newTestRegistry(Options{})

	if _, err := reg.Register(ctx, "cam-001", RegisterInfo{}, strPtr("sess-1")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := reg.Remove(ctx, "cam-001"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("device count = %d, want 0", reg.Count())
	}
	if _, err := repo.GetByID(ctx, "cam-001"); err == nil {
		t.Error("device still present in repository after removal")
	}

	if err := reg.Remove(ctx, "cam-001"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(Options{})

	if _, err := reg.Register(ctx, "cam-001", RegisterInfo{}, strPtr("s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(ctx, "cam-002", RegisterInfo{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.EnqueueCommand(ctx, "cam-001", "takePhoto", nil); err != nil {
		t.Fatal(err)
	}

	stats := reg.GetStats()
	if stats.TotalDevices != 2 {
		t.Errorf("total = %d, want 2", stats.TotalDevices)
	}
	if stats.Online != 1 || stats.Offline != 1 {
		t.Errorf("online/offline = %d/%d, want 1/1", stats.Online, stats.Offline)
	}
	if stats.PendingCommands != 1 {
		t.Errorf("pending = %d, want 1", stats.PendingCommands)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(Options{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%5))
			_, _ = reg.Register(ctx, "cam-"+id, RegisterInfo{}, nil)
			_, _, _ = reg.EnqueueCommand(ctx, "cam-"+id, "ping", nil)
			_, _ = reg.DrainPending(ctx, "cam-"+id)
			_ = reg.TouchHeartbeat(ctx, "cam-"+id, HeartbeatMetrics{}, nil)
			reg.List(ctx)
			reg.GetStats()
		}(i)
	}
	wg.Wait()

	if reg.Count() != 5 {
		t.Errorf("device count = %d, want 5", reg.Count())
	}
}
