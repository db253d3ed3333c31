package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roadhawk/roadhawk-core/internal/auth"
)

// minPasswordLength is the minimum accepted operator password length.
const minPasswordLength = 8

// ─── Request types ─────────────────────────────────────────────────

type createOperatorRequest struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

type updateOperatorRequest struct {
	Role     *auth.Role `json:"role,omitempty"`
	IsActive *bool      `json:"is_active,omitempty"`
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

// ─── Handlers ──────────────────────────────────────────────────────

// handleListOperators returns all operator accounts.
func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	operators, err := s.operators.List(r.Context())
	if err != nil {
		s.logger.Error("list operators failed", "error", err)
		writeInternalError(w, "failed to list operators")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operators": operators,
		"count":     len(operators),
	})
}

// handleCreateOperator creates a new operator account.
func (s *Server) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req createOperatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}
	if !auth.IsValidUsername(req.Username) {
		writeBadRequest(w, "username must be 3-32 characters: letters, digits, dot, dash, underscore")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeBadRequest(w, "password must be at least 8 characters")
		return
	}

	if req.Role == "" {
		req.Role = auth.RoleViewer
	}
	if !auth.IsValidRole(req.Role) {
		writeBadRequest(w, "invalid role: must be viewer, dispatcher, or admin")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to create operator")
		return
	}

	claims := claimsFromContext(r.Context())
	op := &auth.Operator{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
	}

	if err := s.operators.Create(r.Context(), op); err != nil {
		if errors.Is(err, auth.ErrUsernameExists) {
			writeConflict(w, "username already exists")
			return
		}
		s.logger.Error("create operator failed", "error", err)
		writeInternalError(w, "failed to create operator")
		return
	}

	s.logger.Info("operator created", "operator", op.ID, "username", op.Username,
		"role", op.Role, "created_by", claims.Subject)
	writeJSON(w, http.StatusCreated, op)
}

// handleGetOperator returns a single operator by ID.
func (s *Server) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.operators.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			writeNotFound(w, "operator not found")
			return
		}
		s.logger.Error("get operator failed", "error", err)
		writeInternalError(w, "failed to get operator")
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// handleUpdateOperator modifies an operator's role or active flag.
func (s *Server) handleUpdateOperator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	var req updateOperatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	op, err := s.operators.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			writeNotFound(w, "operator not found")
			return
		}
		s.logger.Error("get operator for update failed", "error", err)
		writeInternalError(w, "failed to update operator")
		return
	}

	// Self-protection: cannot deactivate or demote yourself.
	if req.IsActive != nil && !*req.IsActive && id == claims.Subject {
		writeForbidden(w, "cannot deactivate your own account")
		return
	}
	if req.Role != nil && id == claims.Subject && *req.Role != claims.Role {
		writeForbidden(w, "cannot change your own role")
		return
	}

	if req.Role != nil {
		if !auth.IsValidRole(*req.Role) {
			writeBadRequest(w, "invalid role")
			return
		}
		op.Role = *req.Role
	}
	if req.IsActive != nil {
		op.IsActive = *req.IsActive
	}

	if err := s.operators.Update(r.Context(), op); err != nil {
		s.logger.Error("update operator failed", "error", err)
		writeInternalError(w, "failed to update operator")
		return
	}

	// Deactivation kills existing sessions immediately.
	if req.IsActive != nil && !*req.IsActive {
		if err := s.tokens.RevokeAllForOperator(r.Context(), id); err != nil {
			s.logger.Error("revoke sessions after deactivation failed", "error", err)
		}
	}

	s.logger.Info("operator updated", "operator", id, "updated_by", claims.Subject)
	writeJSON(w, http.StatusOK, op)
}

// handleDeleteOperator removes an operator account.
func (s *Server) handleDeleteOperator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	if id == claims.Subject {
		writeForbidden(w, "cannot delete your own account")
		return
	}

	op, err := s.operators.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			writeNotFound(w, "operator not found")
			return
		}
		s.logger.Error("get operator for delete failed", "error", err)
		writeInternalError(w, "failed to delete operator")
		return
	}

	if err := s.operators.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete operator failed", "error", err)
		writeInternalError(w, "failed to delete operator")
		return
	}

	if err := s.tokens.RevokeAllForOperator(r.Context(), id); err != nil {
		s.logger.Error("revoke sessions after delete failed", "error", err)
	}

	s.logger.Info("operator deleted", "operator", id, "username", op.Username, "deleted_by", claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

// handleSetOperatorPassword replaces an operator's password and
// revokes their sessions.
func (s *Server) handleSetOperatorPassword(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeBadRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to set password")
		return
	}

	if err := s.operators.UpdatePassword(r.Context(), id, hash); err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			writeNotFound(w, "operator not found")
			return
		}
		s.logger.Error("update password failed", "error", err)
		writeInternalError(w, "failed to set password")
		return
	}

	// A password change invalidates all refresh tokens except when an
	// operator rotates their own: their current session survives.
	if id != claims.Subject {
		if err := s.tokens.RevokeAllForOperator(r.Context(), id); err != nil {
			s.logger.Error("revoke sessions after password change failed", "error", err)
		}
	}

	s.logger.Info("operator password changed", "operator", id, "changed_by", claims.Subject)
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

// handleListOperatorSessions returns active refresh tokens for an operator.
func (s *Server) handleListOperatorSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sessions, err := s.tokens.ListActiveByOperator(r.Context(), id)
	if err != nil {
		s.logger.Error("list operator sessions failed", "error", err)
		writeInternalError(w, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleRevokeOperatorSessions revokes all refresh tokens for an operator.
func (s *Server) handleRevokeOperatorSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	if err := s.tokens.RevokeAllForOperator(r.Context(), id); err != nil {
		s.logger.Error("revoke operator sessions failed", "error", err)
		writeInternalError(w, "failed to revoke sessions")
		return
	}

	s.logger.Info("operator sessions revoked", "operator", id, "revoked_by", claims.Subject)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sessions_revoked"})
}
