package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roadhawk/roadhawk-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Operator API
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)

			// WS ticket requires authentication; the ticket carries the
			// caller's identity onto the WebSocket connection.
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Fleet endpoints
			r.Route("/devices", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermFleetRead)).Get("/", s.handleListDevices)
				r.With(s.requirePermission(auth.PermFleetRead)).Get("/stats", s.handleFleetStats)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermFleetRead)).Get("/", s.handleGetDevice)
					r.With(s.requirePermission(auth.PermDeviceManage)).Delete("/", s.handleDeleteDevice)
					r.With(s.requirePermission(auth.PermFleetRead)).Get("/events", s.handleListEvents)
					r.With(s.requirePermission(auth.PermFleetRead)).Get("/commands", s.handleListCommands)
					r.With(s.requirePermission(auth.PermCommandDispatch)).Post("/commands", s.handleDispatchCommand)
					r.With(s.requirePermission(auth.PermCommandReset)).Post("/commands/reset", s.handleResetCommands)
				})
			})

			// Operator account management
			r.Route("/operators", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermOperatorManage))

				r.Get("/", s.handleListOperators)
				r.Post("/", s.handleCreateOperator)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetOperator)
					r.Patch("/", s.handleUpdateOperator)
					r.Delete("/", s.handleDeleteOperator)
					r.Put("/password", s.handleSetOperatorPassword)
					r.Get("/sessions", s.handleListOperatorSessions)
					r.Delete("/sessions", s.handleRevokeOperatorSessions)
				})
			})
		})

		// WebSocket. Browsers cannot set an Authorization header on a
		// WS dial, so this sits outside the bearer-token group; the
		// single-use ticket from /auth/ws-ticket is the auth gate,
		// validated in the handler.
		r.Get("/ws", s.handleWebSocket)
	})

	// Device gateway (pull channel). Devices authenticate by knowing
	// their own id; transport security is the deployment's concern.
	r.Route("/gateway", func(r chi.Router) {
		r.Post("/register", s.handleGatewayRegister)

		r.Route("/{id}", func(r chi.Router) {
			r.Post("/heartbeat", s.handleGatewayHeartbeat)
			r.Post("/location", s.handleGatewayLocation)
			r.Post("/events", s.handleGatewayEvent)
			r.Get("/commands", s.handleGatewayDrainCommands)
			r.Post("/commands/result", s.handleGatewayCommandResult)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
