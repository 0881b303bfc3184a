// Package api exposes the broker's HTTP and WebSocket surface: tunnel
// registration, sharing, script generation, liveness status, the legacy
// SFTP endpoints and the three live WebSocket channels.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/telepy/telepy/internal/liveness"
	"github.com/telepy/telepy/internal/notify"
	"github.com/telepy/telepy/internal/registry"
	"github.com/telepy/telepy/internal/script"
	"github.com/telepy/telepy/internal/session"
	"github.com/telepy/telepy/internal/sharing"
	"github.com/telepy/telepy/internal/storage"
	"github.com/telepy/telepy/internal/ticket"
)

const (
	createTokenTTL   = 10 * time.Minute
	sessionTicketTTL = time.Minute
)

// Server represents the API server
type Server struct {
	addr   string
	router *mux.Router
	server *http.Server
	logger zerolog.Logger
	ctx    context.Context

	store     *storage.Store
	registry  *registry.Registry
	sharing   *sharing.Manager
	tickets   *ticket.Store
	scripts   *script.Renderer
	monitor   *liveness.Monitor
	hub       *notify.Hub
	pty       *session.PTY
	fm        *session.FileManager
	transfers *session.Transfers
	auth      *AuthMiddleware
	metrics   *Metrics
	limiter   *RateLimiter
}

// Config holds server configuration
type Config struct {
	Addr      string
	Logger    zerolog.Logger
	Store     *storage.Store
	Registry  *registry.Registry
	Sharing   *sharing.Manager
	Tickets   *ticket.Store
	Scripts   *script.Renderer
	Monitor   *liveness.Monitor
	Hub       *notify.Hub
	PTY       *session.PTY
	FM        *session.FileManager
	Transfers *session.Transfers
	Auth      *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(ctx context.Context, config Config) *Server {
	s := &Server{
		addr:      config.Addr,
		router:    mux.NewRouter(),
		logger:    config.Logger,
		ctx:       ctx,
		store:     config.Store,
		registry:  config.Registry,
		sharing:   config.Sharing,
		tickets:   config.Tickets,
		scripts:   config.Scripts,
		monitor:   config.Monitor,
		hub:       config.Hub,
		pty:       config.PTY,
		fm:        config.FM,
		transfers: config.Transfers,
		auth:      config.Auth,
		metrics:   NewMetrics(),
		limiter: NewRateLimiter(10.0, 20, func(r *http.Request) bool {
			return strings.HasPrefix(r.URL.Path, "/ws/")
		}),
	}

	if s.hub != nil {
		s.hub.SetCountHook(func(n int) { s.metrics.NotifyClients.Set(float64(n)) })
		s.hub.SetBroadcastHook(s.metrics.NotifyBroadcast.Inc)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 0, // Uploads and WebSockets are long-lived
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.limiter.Middleware)

	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET", "OPTIONS")
	s.router.Handle("/metrics", HandleMetrics()).Methods("GET")

	// Transfer grants carry their own single-use auth
	s.router.HandleFunc("/api/transfer/upload/{grant}", s.handleTransferUpload).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/transfer/download/{grant}", s.handleTransferDownload).Methods("GET", "OPTIONS")

	// WebSocket channels authenticate via subprotocol tokens
	s.router.HandleFunc("/ws/notifications/", s.handleNotificationSocket).Methods("GET")
	s.router.HandleFunc("/ws/terminal/", s.handleTerminalSocket).Methods("GET")
	s.router.HandleFunc("/ws/filemanager/", s.handleFileManagerSocket).Methods("GET")
	s.router.HandleFunc("/ws/tunnel_connection/{id}/", s.handleTunnelConnectionSocket).Methods("GET")

	// Everything below requires a bearer JWT
	authed := s.router.PathPrefix("/").Subrouter()
	authed.Use(s.auth.Middleware)

	// Tunnel creation flow
	authed.HandleFunc("/api/reverse/issue/token", s.metrics.InstrumentHandler("issue_token", s.handleIssueToken)).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/reverse/issue/session", s.metrics.InstrumentHandler("issue_session", s.handleIssueSessionTicket)).Methods("POST", "OPTIONS")
	authed.HandleFunc("/api/reverse/create/key/duplicate/{token}", s.metrics.InstrumentHandler("duplicate_check", s.handleDuplicateCheck)).Methods("POST", "OPTIONS")
	authed.HandleFunc("/api/reverse/create/key/{token}", s.metrics.InstrumentHandler("create_key", s.handleCreateKey)).Methods("POST", "OPTIONS")

	// User keys
	authed.HandleFunc("/api/reverse/user/keys", s.handleListUserKeys).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/reverse/user/keys", s.handleCreateUserKey).Methods("POST", "OPTIONS")
	authed.HandleFunc("/api/reverse/user/keys/{id}", s.handleDeleteUserKey).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/api/reverse/user/keys/{id}", s.handlePatchUserKey).Methods("PATCH", "OPTIONS")

	// Service keys and gateway status
	authed.HandleFunc("/api/reverse/server/keys", s.handleListServiceKeys).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/reverse/server/keys/{id}", s.handleGetServiceKey).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/reverse/server/keys/{id}", s.handleDeleteServiceKey).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/api/reverse/server/keys/{id}", s.handlePatchServiceKey).Methods("PATCH", "OPTIONS")
	authed.HandleFunc("/api/reverse/server/status/ports", s.handlePortStatus).Methods("GET", "OPTIONS")

	// Tunnel usernames
	authed.HandleFunc("/api/reverse/server/usernames", s.handleListAllUsernames).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/reverse/server/usernames", s.handleAddUsername).Methods("POST", "OPTIONS")
	authed.HandleFunc("/api/reverse/server/usernames/{id}", s.handleDeleteUsername).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/api/reverse/server/{id}/usernames", s.handleListUsernames).Methods("GET", "OPTIONS")

	// Tunnels and sharing
	authed.HandleFunc("/tunnels", s.handleListTunnels).Methods("GET", "OPTIONS")
	authed.HandleFunc("/tunnels/{id}", s.handleDeleteTunnel).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/tunnels/{id}", s.handlePatchTunnel).Methods("PATCH", "OPTIONS")
	authed.HandleFunc("/tunnels/share/{id}", s.handleShare).Methods("POST", "OPTIONS")
	authed.HandleFunc("/tunnels/update-permission/{id}/{userId}", s.handleUpdatePermission).Methods("PATCH", "OPTIONS")
	authed.HandleFunc("/tunnels/unshare/{id}/{userId}", s.handleUnshare).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/tunnels/shared-users/{id}", s.handleSharedUsers).Methods("GET", "OPTIONS")
	authed.HandleFunc("/tunnels/available-users/{id}", s.handleAvailableUsers).Methods("GET", "OPTIONS")

	// Connection scripts
	authed.HandleFunc("/tunnels/server/script/{variant}/{id}/{sshPort}", s.metrics.InstrumentHandler("script", s.handleScript)).Methods("GET", "OPTIONS")

	// Legacy HTTP SFTP surface, superseded by the file-manager socket
	authed.HandleFunc("/api/sftp/shell/{serverId}/{username}", s.handleSFTPShell).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/sftp/list/{serverId}/{username}", s.handleSFTPList).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/sftp/download/{serverId}/{username}", s.handleSFTPDownload).Methods("GET", "OPTIONS")
	authed.HandleFunc("/api/sftp/upload/{serverId}/{username}", s.handleSFTPUpload).Methods("POST", "OPTIONS")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the wrapped writer so WebSocket upgrades still work
// behind the logging middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response does not implement http.Hijacker")
	}
	return hj.Hijack()
}

// Helper functions for JSON responses
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "ok",
		"notification_clients": s.hub.ClientCount(),
	})
}
