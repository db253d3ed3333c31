package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for fleet persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
//
// Persistence is write-behind: the registry commits mutations in memory
// first, then snapshots the affected device(s). A repository failure is
// logged by the caller and never rolls back the in-memory state.
type Repository interface {
	// GetByID retrieves a device and its command queue by identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices with their command queues.
	List(ctx context.Context) ([]Device, error)

	// Save upserts a device row and replaces its persisted command
	// queue with the in-memory queue in a single transaction.
	Save(ctx context.Context, device *Device) error

	// SaveBatch persists several devices in one transaction.
	// Used by the liveness sweep so a mass disconnect costs one write.
	SaveBatch(ctx context.Context, devices []*Device) error

	// Delete removes a device, its commands, and its events.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// AppendEvent appends an immutable event log entry and sets its ID.
	AppendEvent(ctx context.Context, entry *EventLogEntry) error

	// ListEvents retrieves the most recent events for a device,
	// newest first. A limit <= 0 applies a default cap.
	ListEvents(ctx context.Context, deviceID string, limit int) ([]EventLogEntry, error)
}

// defaultEventLimit caps ListEvents when no limit is supplied.
const defaultEventLimit = 100

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device and its command queue by identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, state, model, firmware_version, session_id, location,
			battery, storage_free, extensions, last_seen, registered_at, updated_at
		FROM devices
		WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}

	commands, err := r.listCommands(ctx, id)
	if err != nil {
		return nil, err
	}
	device.Commands = commands

	return device, nil
}

// List retrieves all devices with their command queues.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `
		SELECT id, state, model, firmware_version, session_id, location,
			battery, storage_free, extensions, last_seen, registered_at, updated_at
		FROM devices
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	for i := range devices {
		commands, err := r.listCommands(ctx, devices[i].ID)
		if err != nil {
			return nil, err
		}
		devices[i].Commands = commands
	}

	return devices, nil
}

// Save upserts a device and replaces its persisted command queue.
func (r *SQLiteRepository) Save(ctx context.Context, device *Device) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := saveDeviceTx(ctx, tx, device); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device save: %w", err)
	}
	return nil
}

// SaveBatch persists several devices in one transaction.
func (r *SQLiteRepository) SaveBatch(ctx context.Context, devices []*Device) error {
	if len(devices) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	for _, device := range devices {
		if err := saveDeviceTx(ctx, tx, device); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch save: %w", err)
	}
	return nil
}

// Delete removes a device by ID. Commands and events cascade.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// AppendEvent appends an immutable event log entry and sets its ID.
func (r *SQLiteRepository) AppendEvent(ctx context.Context, entry *EventLogEntry) error {
	var payloadJSON []byte
	if entry.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("marshalling event payload: %w", err)
		}
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO event_log (device_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		entry.DeviceID,
		entry.EventType,
		nullableBytes(payloadJSON),
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListEvents retrieves the most recent events for a device, newest first.
func (r *SQLiteRepository) ListEvents(ctx context.Context, deviceID string, limit int) ([]EventLogEntry, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, event_type, payload, created_at
		FROM event_log
		WHERE device_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var entries []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		var payloadJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.EventType, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshalling event payload: %w", err)
			}
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing event created_at: %w", err)
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return entries, nil
}

// listCommands retrieves a device's command queue in enqueue order.
func (r *SQLiteRepository) listCommands(ctx context.Context, deviceID string) ([]*Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, params, status, enqueued_at, sent_at
		FROM commands
		WHERE device_id = ?
		ORDER BY enqueued_at, id`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		var c Command
		var paramsJSON sql.NullString
		var status, enqueuedAt string
		var sentAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &paramsJSON, &status, &enqueuedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		c.Status = CommandStatus(status)
		if paramsJSON.Valid && paramsJSON.String != "" {
			if err := json.Unmarshal([]byte(paramsJSON.String), &c.Params); err != nil {
				return nil, fmt.Errorf("unmarshalling command params: %w", err)
			}
		}
		t, err := time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command enqueued_at: %w", err)
		}
		c.EnqueuedAt = t
		if sentAt.Valid {
			st, err := time.Parse(time.RFC3339Nano, sentAt.String)
			if err == nil {
				c.SentAt = &st
			}
		}
		commands = append(commands, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return commands, nil
}

// saveDeviceTx upserts a device row and replaces its command rows.
func saveDeviceTx(ctx context.Context, tx *sql.Tx, device *Device) error {
	var locationJSON []byte
	if device.Location != nil {
		var err error
		locationJSON, err = json.Marshal(device.Location)
		if err != nil {
			return fmt.Errorf("marshalling location: %w", err)
		}
	}

	var extensionsJSON []byte
	if device.Extensions != nil {
		var err error
		extensionsJSON, err = json.Marshal(device.Extensions)
		if err != nil {
			return fmt.Errorf("marshalling extensions: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO devices (
			id, state, model, firmware_version, session_id, location,
			battery, storage_free, extensions, last_seen, registered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			model = excluded.model,
			firmware_version = excluded.firmware_version,
			session_id = excluded.session_id,
			location = excluded.location,
			battery = excluded.battery,
			storage_free = excluded.storage_free,
			extensions = excluded.extensions,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		device.ID,
		string(device.State),
		nullableString(device.Model),
		nullableString(device.FirmwareVersion),
		nullableString(device.SessionID),
		nullableBytes(locationJSON),
		nullableFloat(device.Battery),
		nullableInt(device.StorageFree),
		nullableBytes(extensionsJSON),
		nullableTime(device.LastSeen),
		device.RegisteredAt.UTC().Format(time.RFC3339),
		device.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	// Replace the persisted queue with the in-memory queue.
	if _, err := tx.ExecContext(ctx, "DELETE FROM commands WHERE device_id = ?", device.ID); err != nil {
		return fmt.Errorf("clearing commands: %w", err)
	}

	for _, c := range device.Commands {
		var paramsJSON []byte
		if c.Params != nil {
			paramsJSON, err = json.Marshal(c.Params)
			if err != nil {
				return fmt.Errorf("marshalling command params: %w", err)
			}
		}

		var sentAt sql.NullString
		if c.SentAt != nil {
			sentAt = sql.NullString{String: c.SentAt.UTC().Format(time.RFC3339Nano), Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commands (id, device_id, name, params, status, enqueued_at, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID,
			device.ID,
			c.Name,
			nullableBytes(paramsJSON),
			string(c.Status),
			c.EnqueuedAt.UTC().Format(time.RFC3339Nano),
			sentAt,
		); err != nil {
			return fmt.Errorf("inserting command: %w", err)
		}
	}

	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a device row without its command queue.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var state string
	var model, firmwareVersion, sessionID sql.NullString
	var locationJSON, extensionsJSON sql.NullString
	var battery sql.NullFloat64
	var storageFree sql.NullInt64
	var lastSeen sql.NullString
	var registeredAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&state,
		&model,
		&firmwareVersion,
		&sessionID,
		&locationJSON,
		&battery,
		&storageFree,
		&extensionsJSON,
		&lastSeen,
		&registeredAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.State = DeviceState(state)

	if model.Valid {
		d.Model = &model.String
	}
	if firmwareVersion.Valid {
		d.FirmwareVersion = &firmwareVersion.String
	}
	if sessionID.Valid {
		d.SessionID = &sessionID.String
	}
	if battery.Valid {
		d.Battery = &battery.Float64
	}
	if storageFree.Valid {
		d.StorageFree = &storageFree.Int64
	}

	if locationJSON.Valid && locationJSON.String != "" {
		var loc Location
		if err := json.Unmarshal([]byte(locationJSON.String), &loc); err != nil {
			return nil, fmt.Errorf("unmarshalling location: %w", err)
		}
		d.Location = &loc
	}
	if extensionsJSON.Valid && extensionsJSON.String != "" {
		if err := json.Unmarshal([]byte(extensionsJSON.String), &d.Extensions); err != nil {
			return nil, fmt.Errorf("unmarshalling extensions: %w", err)
		}
	}

	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err == nil {
			d.LastSeen = &t
		}
	}

	var parseErr error
	d.RegisteredAt, parseErr = time.Parse(time.RFC3339, registeredAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullableBytes returns a sql.NullString for optional byte slices.
func nullableBytes(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// nullableFloat returns a sql.NullFloat64 for optional float pointers.
func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullableInt returns a sql.NullInt64 for optional int pointers.
func nullableInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
