package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roadhawk/roadhawk-core/internal/fleet"
)

// ─── Wire types (pull channel) ─────────────────────────────────────

// gatewayRegisterRequest is the body for POST /gateway/register.
type gatewayRegisterRequest struct {
	DeviceID        string         `json:"device_id"`
	Model           string         `json:"model,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	Extensions      map[string]any `json:"extensions,omitempty"`
}

// gatewayHeartbeatRequest is the body for POST /gateway/{id}/heartbeat.
type gatewayHeartbeatRequest struct {
	Battery     *float64 `json:"battery,omitempty"`
	StorageFree *int64   `json:"storage_free,omitempty"`
}

// gatewayLocationRequest is the body for POST /gateway/{id}/location.
// RecordedAt is RFC3339; empty means "now".
type gatewayLocationRequest struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed,omitempty"`
	Bearing    float64 `json:"bearing,omitempty"`
	Altitude   float64 `json:"altitude,omitempty"`
	Accuracy   float64 `json:"accuracy,omitempty"`
	RecordedAt string  `json:"recorded_at,omitempty"`
}

// gatewayEventRequest is the body for POST /gateway/{id}/events.
type gatewayEventRequest struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// gatewayResultRequest is the body for POST /gateway/{id}/commands/result.
type gatewayResultRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// ─── Handlers ──────────────────────────────────────────────────────

// handleGatewayRegister creates or updates a device record. The pull
// channel carries no session handle, so a fresh device starts offline
// and is considered reachable only through polling.
func (s *Server) handleGatewayRegister(w http.ResponseWriter, r *http.Request) {
	var req gatewayRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}

	info := fleet.RegisterInfo{Extensions: req.Extensions}
	if req.Model != "" {
		info.Model = &req.Model
	}
	if req.FirmwareVersion != "" {
		info.FirmwareVersion = &req.FirmwareVersion
	}

	device, err := s.registry.Register(r.Context(), req.DeviceID, info, nil)
	if err != nil {
		if errors.Is(err, fleet.ErrInvalidDeviceID) {
			writeBadRequest(w, "invalid device id")
			return
		}
		s.logger.Error("gateway register failed", "id", req.DeviceID, "error", err)
		writeInternalError(w, "failed to register device")
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// handleGatewayHeartbeat refreshes a device's last-seen time and
// health metrics. The response tells the device how many commands are
// waiting so it can decide whether to drain immediately.
func (s *Server) handleGatewayHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req gatewayHeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	metrics := fleet.HeartbeatMetrics{
		Battery:     req.Battery,
		StorageFree: req.StorageFree,
	}
	if err := s.registry.TouchHeartbeat(r.Context(), id, metrics, nil); err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	if s.telemetry != nil {
		s.telemetry.WriteHeartbeat(id, metrics)
	}

	pending := 0
	if device, err := s.registry.Get(r.Context(), id); err == nil {
		pending = device.PendingCount()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"pending_commands": pending,
	})
}

// handleGatewayLocation records a positional sample. Auto-provisions
// unknown devices: a unit that can report where it is belongs in the
// fleet even if its registration never arrived.
func (s *Server) handleGatewayLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req gatewayLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	loc := fleet.Location{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Speed:     req.Speed,
		Bearing:   req.Bearing,
		Altitude:  req.Altitude,
		Accuracy:  req.Accuracy,
	}
	if req.RecordedAt != "" {
		t, err := time.Parse(time.RFC3339, req.RecordedAt)
		if err != nil {
			writeBadRequest(w, "recorded_at must be RFC3339")
			return
		}
		loc.RecordedAt = t
	}

	device, err := s.registry.SetLocation(r.Context(), id, loc)
	if err != nil {
		switch {
		case errors.Is(err, fleet.ErrInvalidLocation):
			writeBadRequest(w, "location out of range")
		case errors.Is(err, fleet.ErrInvalidDeviceID):
			writeBadRequest(w, "invalid device id")
		default:
			s.logger.Error("gateway location failed", "id", id, "error", err)
			writeInternalError(w, "failed to record location")
		}
		return
	}

	if s.telemetry != nil {
		s.telemetry.WriteLocation(id, device.Location)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGatewayEvent appends a device-reported event to the log.
func (s *Server) handleGatewayEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req gatewayEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	entry, err := s.registry.RecordEvent(r.Context(), id, req.EventType, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, fleet.ErrInvalidEvent):
			writeBadRequest(w, "event_type is required")
		case errors.Is(err, fleet.ErrInvalidDeviceID):
			writeBadRequest(w, "invalid device id")
		default:
			s.logger.Error("gateway event failed", "id", id, "error", err)
			writeInternalError(w, "failed to record event")
		}
		return
	}

	if s.telemetry != nil {
		s.telemetry.WriteEvent(id, req.EventType)
	}

	writeJSON(w, http.StatusCreated, entry)
}

// handleGatewayDrainCommands hands the device its pending commands,
// marking them sent. A second drain without an intervening result
// returns an empty list.
func (s *Server) handleGatewayDrainCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	commands, err := s.registry.DrainPending(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("gateway drain failed", "id", id, "error", err)
		writeInternalError(w, "failed to drain commands")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": commands,
		"count":    len(commands),
	})
}

// handleGatewayCommandResult settles a previously drained command.
// Unmatched results (the command aged out of retention) return 200:
// from the device's perspective the job is done either way.
func (s *Server) handleGatewayCommandResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req gatewayResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.CommandID == "" && req.Name == "" {
		writeBadRequest(w, "command_id or name is required")
		return
	}

	resolved, err := s.dispatcher.ReportResult(r.Context(), id, req.CommandID, req.Name, req.Success, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, fleet.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, fleet.ErrCommandNotFound):
			writeJSON(w, http.StatusOK, map[string]string{"status": "unmatched"})
		default:
			s.logger.Error("gateway result failed", "id", id, "error", err)
			writeInternalError(w, "failed to record result")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "resolved",
		"command": resolved,
	})
}
