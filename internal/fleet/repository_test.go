package fleet

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the fleet schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE devices (
			id               TEXT PRIMARY KEY,
			state            TEXT NOT NULL DEFAULT 'offline',
			model            TEXT,
			firmware_version TEXT,
			session_id       TEXT,
			location         TEXT,
			battery          REAL,
			storage_free     INTEGER,
			extensions       TEXT,
			last_seen        TEXT,
			registered_at    TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);
		CREATE TABLE commands (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL,
			name        TEXT NOT NULL,
			params      TEXT,
			status      TEXT NOT NULL DEFAULT 'pending',
			enqueued_at TEXT NOT NULL,
			sent_at     TEXT,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		);
		CREATE TABLE event_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id  TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload    TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testFleetDevice creates a device for repository tests.
func testFleetDevice(id string) *Device {
	now := time.Now().UTC().Truncate(time.Second)
	sess := "sess-test"
	return &Device{
		ID:              id,
		State:           StateOnline,
		Model:           strPtr("X1"),
		FirmwareVersion: strPtr("2.4.0"),
		SessionID:       &sess,
		Location: &Location{
			Latitude:   51.5074,
			Longitude:  -0.1278,
			Speed:      12.5,
			RecordedAt: now,
		},
		Battery:     f64Ptr(76.0),
		StorageFree: i64Ptr(4096),
		Extensions:  Extensions{"vendor": "roadhawk", "jt808": map[string]any{"msg": "0x0200"}},
		LastSeen:    &now,
		Commands: []*Command{
			// Command ids are UUIDs in production; derive from the device
			// id here so multi-device fixtures do not collide on the
			// commands primary key.
			{ID: "cmd-" + id, Name: "takePhoto", Params: Params{"quality": "high"}, Status: StatusPending, EnqueuedAt: now},
		},
		RegisteredAt: now,
		UpdatedAt:    now,
	}
}

func TestSQLiteRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	original := testFleetDevice("cam-001")
	if err := repo.Save(ctx, original); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "cam-001")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	if got.State != StateOnline {
		t.Errorf("state = %v, want %v", got.State, StateOnline)
	}
	if got.Model == nil || *got.Model != "X1" {
		t.Error("model lost in round trip")
	}
	if got.SessionID == nil || *got.SessionID != "sess-test" {
		t.Error("session lost in round trip")
	}
	if got.Location == nil || got.Location.Latitude != 51.5074 {
		t.Error("location lost in round trip")
	}
	if got.Battery == nil || *got.Battery != 76.0 {
		t.Error("battery lost in round trip")
	}
	if got.Extensions["vendor"] != "roadhawk" {
		t.Error("extensions lost in round trip")
	}
	if len(got.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(got.Commands))
	}
	if got.Commands[0].Name != "takePhoto" || got.Commands[0].Status != StatusPending {
		t.Errorf("command round trip = %+v", got.Commands[0])
	}
}

func TestSQLiteRepository_SaveUpsertsAndReplacesQueue(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	d := testFleetDevice("cam-001")
	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Mutate: go offline, drop the queue, add a new sent command.
	now := time.Now().UTC().Truncate(time.Second)
	d.State = StateOffline
	d.SessionID = nil
	sentAt := now
	d.Commands = []*Command{
		{ID: "cmd-2", Name: "reboot", Status: StatusSent, EnqueuedAt: now, SentAt: &sentAt},
	}
	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "cam-001")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.State != StateOffline {
		t.Errorf("state = %v, want %v", got.State, StateOffline)
	}
	if got.SessionID != nil {
		t.Error("cleared session still persisted")
	}
	if len(got.Commands) != 1 || got.Commands[0].ID != "cmd-2" {
		t.Fatalf("queue not replaced: %+v", got.Commands)
	}
	if got.Commands[0].SentAt == nil {
		t.Error("sent timestamp lost in round trip")
	}
}

func TestSQLiteRepository_GetByID_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	if err := repo.Save(ctx, testFleetDevice("cam-002")); err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(ctx, testFleetDevice("cam-001")); err != nil {
		t.Fatal(err)
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("List() = %d devices, want 2", len(devices))
	}
	if devices[0].ID != "cam-001" || devices[1].ID != "cam-002" {
		t.Errorf("list not ordered by id: %s, %s", devices[0].ID, devices[1].ID)
	}
	if len(devices[0].Commands) != 1 {
		t.Error("List() did not load command queues")
	}
}

func TestSQLiteRepository_SaveBatch(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	batch := []*Device{testFleetDevice("cam-001"), testFleetDevice("cam-002"), testFleetDevice("cam-003")}
	if err := repo.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 3 {
		t.Fatalf("List() = %d devices, want 3", len(devices))
	}
	for _, d := range devices {
		if len(d.Commands) != 1 || d.Commands[0].ID != "cmd-"+d.ID {
			t.Errorf("device %s queue = %+v, want its own command", d.ID, d.Commands)
		}
	}

	// Empty batch is a no-op.
	if err := repo.SaveBatch(ctx, nil); err != nil {
		t.Errorf("SaveBatch(nil) error = %v", err)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	if err := repo.Save(ctx, testFleetDevice("cam-001")); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, "cam-001"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, "cam-001"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("device still present after delete")
	}
	if err := repo.Delete(ctx, "cam-001"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Events(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	if err := repo.Save(ctx, testFleetDevice("cam-001")); err != nil {
		t.Fatal(err)
	}

	for i, evType := range []string{"boot", "sd_card_error", "collision"} {
		entry := &EventLogEntry{
			DeviceID:  "cam-001",
			EventType: evType,
			Payload:   map[string]any{"seq": float64(i)},
		}
		if err := repo.AppendEvent(ctx, entry); err != nil {
			t.Fatalf("AppendEvent(%s) error = %v", evType, err)
		}
		if entry.ID == 0 {
			t.Errorf("event %s id not assigned", evType)
		}
	}

	events, err := repo.ListEvents(ctx, "cam-001", 2)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEvents() = %d entries, want 2", len(events))
	}
	// Newest first.
	if events[0].EventType != "collision" || events[1].EventType != "sd_card_error" {
		t.Errorf("event order = %s, %s; want newest first", events[0].EventType, events[1].EventType)
	}
	if events[0].Payload["seq"] != float64(2) {
		t.Errorf("payload lost in round trip: %+v", events[0].Payload)
	}
}
