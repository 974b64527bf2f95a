// Package controlsrv implements the kernel's internal control surface: a
// small HTTP server an operator (or a deployment's own supervisor) polls for
// health/status and uses to trigger a channel manifest hot-reload without a
// process restart.
//
// Endpoints:
//
//	GET  /health                  → HealthResponse
//	GET  /status                  → StatusResponse
//	POST /channels/{id}/reload    → ReloadResponse
package controlsrv

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ChannelInfo summarizes one configured channel instance for /status.
type ChannelInfo struct {
	ChannelID       string     `json:"channel_id"`
	ManifestID      string     `json:"manifest_id"`
	ManifestHash    string     `json:"manifest_hash,omitempty"`
	Status          string     `json:"status"`
	Enabled         bool       `json:"enabled"`
	LastError       string     `json:"last_error,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version   string        `json:"version"`
	Uptime    float64       `json:"uptime_seconds"`
	StartedAt time.Time     `json:"started_at"`
	Channels  []ChannelInfo `json:"channels"`
}

// ReloadResponse is returned by POST /channels/{id}/reload.
type ReloadResponse struct {
	Channel ChannelInfo `json:"channel"`
}

// Handlers bundles the callbacks the server delegates to, keeping this
// package free of a direct dependency on internal/channel.
type Handlers struct {
	// Version is the kernel's runtime version string.
	Version string
	// StartedAt is the time the process started.
	StartedAt time.Time
	// AdminTokenHash is the SHA-256 hex digest of the bearer token required
	// on every request. An empty hash disables auth (intended for local/dev
	// use only).
	AdminTokenHash string

	// ListChannels returns every configured channel instance.
	ListChannels func(ctx context.Context) ([]ChannelInfo, error)
	// ReloadChannel reloads manifests from disk and returns the named
	// channel's refreshed status. Returns an error if channelID is unknown.
	ReloadChannel func(ctx context.Context, channelID string) (ChannelInfo, error)
}

// Server is the kernel's control HTTP server.
type Server struct {
	addr     string
	handlers Handlers
	server   *http.Server
}

// New creates a new Server listening on addr.
func New(addr string, h Handlers) *Server {
	s := &Server{addr: addr, handlers: h}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /channels/{id}/reload", s.handleReload)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withAuth(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the server's http.Handler, for tests that want to drive it
// with httptest.Server instead of binding a real port.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins listening. It returns once the listener is bound so callers
// can immediately start sending requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control server listen %s: %w", s.addr, err)
	}
	slog.Info("control server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- auth --------------------------------------------------------------

// withAuth rejects requests without a valid bearer token, unless no token
// hash is configured (local/dev mode).
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.AdminTokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if !validControlToken(token, s.handlers.AdminTokenHash) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// validControlToken compares a provided bearer token against a stored hash
// in constant time, via hmac.Equal over SHA-256 digests rather than a raw
// byte/string ==.
func validControlToken(provided, storedHash string) bool {
	if provided == "" || storedHash == "" {
		return false
	}
	sum := sha256.Sum256([]byte(provided))
	providedHash := hex.EncodeToString(sum[:])
	return hmac.Equal([]byte(providedHash), []byte(storedHash))
}

// --- handlers ------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.handlers.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var channels []ChannelInfo
	if s.handlers.ListChannels != nil {
		var err error
		channels, err = s.handlers.ListChannels(r.Context())
		if err != nil {
			slog.Error("control: list channels failed", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to list channels")
			return
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:   s.handlers.Version,
		Uptime:    time.Since(s.handlers.StartedAt).Seconds(),
		StartedAt: s.handlers.StartedAt,
		Channels:  channels,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	if s.handlers.ReloadChannel == nil {
		writeError(w, http.StatusServiceUnavailable, "reload not available")
		return
	}
	info, err := s.handlers.ReloadChannel(r.Context(), channelID)
	if err != nil {
		slog.Warn("control: channel reload failed", "channel_id", channelID, "err", err)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Info("control: channel reloaded", "channel_id", channelID, "manifest_hash", info.ManifestHash)
	writeJSON(w, http.StatusOK, ReloadResponse{Channel: info})
}

// --- helpers ---------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
