package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/roadhawk/roadhawk-core/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is the response body for login and refresh.
type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int            `json:"expires_in"`
	Operator     *auth.Operator `json:"operator,omitempty"`
}

// refreshRequest is the request body for POST /auth/refresh and /auth/logout.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogin authenticates an operator and returns an access/refresh
// token pair. The refresh token starts a new token family.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}

	op, err := s.operators.GetByUsername(r.Context(), req.Username)
	if err != nil {
		// Burn a hash so response timing does not reveal whether the
		// username exists.
		_, _ = auth.HashPassword(req.Password)
		writeUnauthorized(w, "invalid credentials")
		return
	}
	if !op.IsActive {
		writeUnauthorized(w, "account is disabled")
		return
	}

	match, err := auth.VerifyPassword(req.Password, op.PasswordHash)
	if err != nil || !match {
		s.logger.Warn("failed login attempt", "username", req.Username)
		writeUnauthorized(w, "invalid credentials")
		return
	}

	resp, err := s.issueTokens(r.Context(), op, "", r.UserAgent())
	if err != nil {
		s.logger.Error("issuing tokens failed", "operator", op.ID, "error", err)
		writeInternalError(w, "failed to generate tokens")
		return
	}
	resp.Operator = op

	if err := s.operators.RecordLogin(r.Context(), op.ID); err != nil {
		s.logger.Warn("recording login failed", "operator", op.ID, "error", err)
	}

	s.logger.Info("operator logged in", "operator", op.ID, "username", op.Username)
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh rotates a refresh token and returns a new token pair.
// Presenting a revoked token is treated as theft: the whole family is
// revoked and the caller must log in again.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	stored, err := s.tokens.GetByTokenHash(r.Context(), auth.HashToken(req.RefreshToken))
	if err != nil {
		writeUnauthorized(w, "invalid refresh token")
		return
	}

	if stored.Revoked {
		// Reuse of a rotated token: revoke every descendant.
		if err := s.tokens.RevokeFamily(r.Context(), stored.FamilyID); err != nil {
			s.logger.Error("revoking token family failed", "family", stored.FamilyID, "error", err)
		}
		s.logger.Warn("refresh token reuse detected", "operator", stored.OperatorID, "family", stored.FamilyID)
		writeUnauthorized(w, "refresh token reuse detected; session revoked")
		return
	}
	if time.Now().After(stored.ExpiresAt) {
		writeUnauthorized(w, "refresh token expired")
		return
	}

	op, err := s.operators.GetByID(r.Context(), stored.OperatorID)
	if err != nil || !op.IsActive {
		writeUnauthorized(w, "account unavailable")
		return
	}

	resp, err := s.rotateTokens(r.Context(), op, stored, r.UserAgent())
	if err != nil {
		s.logger.Error("rotating tokens failed", "operator", op.ID, "error", err)
		writeInternalError(w, "failed to rotate tokens")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLogout revokes the presented refresh token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	stored, err := s.tokens.GetByTokenHash(r.Context(), auth.HashToken(req.RefreshToken))
	if err != nil {
		// Already invalid; logout is idempotent.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.tokens.Revoke(r.Context(), stored.ID); err != nil {
		s.logger.Error("revoking refresh token failed", "token", stored.ID, "error", err)
		writeInternalError(w, "failed to revoke token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the authenticated operator and their permissions.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	op, err := s.operators.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			writeUnauthorized(w, "account no longer exists")
			return
		}
		s.logger.Error("loading operator failed", "operator", claims.Subject, "error", err)
		writeInternalError(w, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operator":    op,
		"permissions": auth.PermissionsForRole(op.Role),
	})
}

// issueTokens creates an access token and a refresh token for op.
// An empty familyID starts a new token family.
func (s *Server) issueTokens(ctx context.Context, op *auth.Operator, familyID, clientInfo string) (*tokenResponse, error) {
	ttl := s.secCfg.JWT.AccessTokenTTL
	access, err := auth.GenerateAccessToken(op, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 15
	}

	raw, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	refreshTTL := s.secCfg.JWT.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 60 * 24 * 7 // one week
	}

	token := &auth.RefreshToken{
		OperatorID: op.ID,
		FamilyID:   familyID,
		TokenHash:  auth.HashToken(raw),
		ClientInfo: clientInfo,
		ExpiresAt:  time.Now().UTC().Add(time.Duration(refreshTTL) * time.Minute),
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    ttl * 60, // seconds
	}, nil
}

// rotateTokens revokes old and issues a replacement in the same family.
func (s *Server) rotateTokens(ctx context.Context, op *auth.Operator, old *auth.RefreshToken, clientInfo string) (*tokenResponse, error) {
	ttl := s.secCfg.JWT.AccessTokenTTL
	access, err := auth.GenerateAccessToken(op, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 15
	}

	raw, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	refreshTTL := s.secCfg.JWT.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 60 * 24 * 7
	}

	replacement := &auth.RefreshToken{
		OperatorID: op.ID,
		FamilyID:   old.FamilyID,
		TokenHash:  auth.HashToken(raw),
		ClientInfo: clientInfo,
		ExpiresAt:  time.Now().UTC().Add(time.Duration(refreshTTL) * time.Minute),
	}
	if err := s.tokens.RotateRefreshToken(ctx, old.ID, replacement); err != nil {
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    ttl * 60,
	}, nil
}

// ─── WebSocket tickets ─────────────────────────────────────────────

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use, expire after ticketTTL, and carry the
// identity of the operator who requested them.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

type ticketEntry struct {
	operatorID string
	username   string
	role       auth.Role
	expiresAt  time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses this ticket to authenticate the WebSocket connection
// without exposing the JWT in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	ticket := generateTicket()

	s.tickets.mu.Lock()
	s.tickets.tickets[ticket] = ticketEntry{
		operatorID: claims.Subject,
		username:   claims.Username,
		role:       claims.Role,
		expiresAt:  time.Now().Add(ticketTTL),
	}
	s.tickets.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// validateTicket checks a ticket and consumes it (single-use).
func (s *Server) validateTicket(ticket string) (ticketEntry, bool) {
	s.tickets.mu.Lock()
	defer s.tickets.mu.Unlock()

	entry, ok := s.tickets.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}

	// Remove ticket (single-use)
	delete(s.tickets.tickets, ticket)

	if time.Now().After(entry.expiresAt) {
		return ticketEntry{}, false
	}
	return entry, true
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// cleanExpiredTickets removes expired tickets from the store.
func (s *Server) cleanExpiredTickets() {
	s.tickets.mu.Lock()
	defer s.tickets.mu.Unlock()

	now := time.Now()
	for ticket, entry := range s.tickets.tickets {
		if now.After(entry.expiresAt) {
			delete(s.tickets.tickets, ticket)
		}
	}
}

// cleanTicketsLoop runs cleanExpiredTickets periodically until the context is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanExpiredTickets()
		}
	}
}
