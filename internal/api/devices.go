package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roadhawk/roadhawk-core/internal/fleet"
)

// dispatchRequest is the request body for POST /devices/{id}/commands.
type dispatchRequest struct {
	Name   string       `json:"name"`
	Params fleet.Params `json:"params,omitempty"`
}

// handleListDevices returns every device known to the fleet.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.List(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	device, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("get device failed", "id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// handleDeleteDevice removes a device from the fleet.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	if err := s.registry.Remove(r.Context(), id); err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("delete device failed", "id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	s.logger.Info("device deleted", "id", id, "deleted_by", claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

// handleFleetStats returns aggregate fleet statistics.
func (s *Server) handleFleetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetStats())
}

// handleListEvents returns the most recent events for a device,
// newest first. The limit query parameter caps the page size.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.registry.Events(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("list events failed", "id", id, "error", err)
		writeInternalError(w, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleListCommands returns the device's current command queue.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	device, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("list commands failed", "id", id, "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": device.Commands,
		"count":    len(device.Commands),
	})
}

// handleDispatchCommand queues a command for a device. Duplicates
// inside the dedup window return the existing command with 200 rather
// than creating a new one; fresh commands return 202.
func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "command name is required")
		return
	}

	result, err := s.dispatcher.SendCommand(r.Context(), id, req.Name, req.Params, fleet.OriginHTTP)
	if err != nil {
		switch {
		case errors.Is(err, fleet.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, fleet.ErrInvalidCommand):
			writeBadRequest(w, "invalid command")
		default:
			s.logger.Error("dispatch failed", "id", id, "name", req.Name, "error", err)
			writeInternalError(w, "failed to dispatch command")
		}
		return
	}

	s.logger.Info("command dispatched", "device", id, "name", req.Name,
		"command_id", result.Command.ID, "duplicate", result.Duplicate, "by", claims.Subject)

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// handleResetCommands flips every sent command on a device back to
// pending. Debug escape hatch for devices that drained commands and
// never reported back.
func (s *Server) handleResetCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	count, err := s.registry.ResetSentCommands(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("reset commands failed", "id", id, "error", err)
		writeInternalError(w, "failed to reset commands")
		return
	}

	s.logger.Info("sent commands reset", "device", id, "count", count, "by", claims.Subject)
	writeJSON(w, http.StatusOK, map[string]any{
		"reset": count,
	})
}
