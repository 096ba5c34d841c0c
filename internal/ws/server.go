// Package ws exposes the channel layer over HTTP: JSON endpoints for the
// server inventory and panel status, and websocket endpoints that bridge
// browser clients onto console and log sessions.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/channel"
	"github.com/packpanel/backend/internal/directory"
	"github.com/packpanel/backend/internal/stats"
)

type Server struct {
	registry *channel.Registry
	dir      *directory.Directory
	counters *stats.Counters
	log      pslog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(registry *channel.Registry, dir *directory.Directory, counters *stats.Counters, allowedOrigins []string, authToken string, log pslog.Logger) *Server {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	s := &Server{
		registry:       registry,
		dir:            dir,
		counters:       counters,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/servers", s.logged(s.handleServers))
	mux.HandleFunc("/api/servers/", s.logged(s.handleServerRoutes))
	mux.HandleFunc("/api/status", s.logged(s.handleStatus))
}

// logged wraps a handler with debug-level request logging.
func (s *Server) logged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		s.log.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start).String())
	}
}

// serverView is the inventory entry returned by /api/servers.
type serverView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Game           string `json:"game"`
	ConsoleEnabled bool   `json:"consoleEnabled"`
	Installed      bool   `json:"installed"`
	Running        bool   `json:"running"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	specs := s.dir.List()
	views := make([]serverView, 0, len(specs))
	for _, spec := range specs {
		ref := channel.ServerRef(spec.ID)
		views = append(views, serverView{
			ID:             spec.ID,
			Name:           spec.Name,
			Game:           spec.Game,
			ConsoleEnabled: spec.Console != nil,
			Installed:      s.dir.HasStarted(ref),
			Running:        s.dir.IsRunning(ref),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	status := struct {
		Channels stats.Snapshot `json:"channels"`
		Host     stats.Host     `json:"host"`
		Sessions int            `json:"liveSessions"`
	}{
		Channels: s.counters.Snapshot(),
		Host:     stats.HostSnapshot(),
		Sessions: s.registry.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleServerRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/servers/{id}/console or /api/servers/{id}/logs
	path := strings.TrimPrefix(r.URL.Path, "/api/servers/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid server id", http.StatusBadRequest)
		return
	}
	ref := channel.ServerRef(id)
	if !s.dir.Exists(ref) {
		http.Error(w, "server not found", http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "console":
		s.handleChannel(w, r, ref, channel.Console)
	case "logs":
		s.handleChannel(w, r, ref, channel.LogStream)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleChannel upgrades the socket and bridges it onto a session. Gating
// conditions are reported to the browser as a single status frame before
// closing, so the panel can render a reason instead of a dead socket.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, ref channel.ServerRef, kind channel.Kind) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}
	log := s.log.With("server", string(ref), "channel", kind.String(), "remote", r.RemoteAddr)

	if gate, gated := s.gateReason(ref, kind); gated {
		log.Debug("attachment gated", "reason", gate)
		s.closeGated(conn, gate)
		return
	}

	sub, err := s.registry.Attach(r.Context(), ref, kind)
	if err != nil {
		log.Warn("attach failed", "err", err)
		_ = conn.Close()
		return
	}

	log.Info("client attached")
	c := newClient(conn, sub, r.RemoteAddr, log)
	c.serve()
	log.Info("client detached", "dropped", sub.Dropped())
}

// gateReason decides whether an attachment should be refused before any
// session is created.
func (s *Server) gateReason(ref channel.ServerRef, kind channel.Kind) (string, bool) {
	switch kind {
	case channel.Console:
		if !s.dir.ConsoleEnabled(ref) {
			return GateUnsupported, true
		}
		if !s.dir.HasStarted(ref) {
			return GateNotInstalled, true
		}
		if !s.dir.IsRunning(ref) {
			return GateNotRunning, true
		}
	case channel.LogStream:
		if !s.dir.HasStarted(ref) {
			return GateNotInstalled, true
		}
	}
	return "", false
}

func (s *Server) closeGated(conn *websocket.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, encodeFrame(statusFrame(reason)))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	_ = conn.Close()
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Pack-Panel-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}
