// Package server is the HTTP surface: the browser and CLI WebSocket
// endpoints plus the REST session API.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/launcher"
	"github.com/agentmux/agentmux/internal/protocol"
)

// Server routes HTTP traffic to the launcher and the bridge.
type Server struct {
	cfg      *config.Config
	launcher *launcher.Launcher
	bridge   *bridge.Bridge
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, l *launcher.Launcher, b *bridge.Bridge, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		launcher: l,
		bridge:   b,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon is same-host tooling; the token check is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws/browser/{sessionID}", s.handleBrowserWS).Methods(http.MethodGet)
	r.HandleFunc("/ws/cli/{sessionID}", s.handleCLIWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.requireAuth(s.handleCreateSession)).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.requireAuth(s.handleListSessions)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionID}", s.requireAuth(s.handleGetSession)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionID}", s.requireAuth(s.handleDeleteSession)).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{sessionID}/relaunch", s.requireAuth(s.handleRelaunch)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionID}/archive", s.requireAuth(s.handleArchive)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionID}/ratelimits", s.requireAuth(s.handleRateLimits)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionID}/pr_status", s.requireAuth(s.handlePRStatus)).Methods(http.MethodPost)

	return r
}

func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r); err != nil {
		WriteError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sessionID := mux.Vars(r)["sessionID"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("browser upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	s.bridge.HandleBrowser(sessionID, conn)
}

// handleCLIWS accepts a claude subprocess dialing back on its loopback
// --sdk-url. No token: the URL is only ever handed to the subprocess.
func (s *Server) handleCLIWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("CLI upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	if err := s.launcher.AttachCLI(sessionID, conn); err != nil {
		s.logger.Warn("CLI attach rejected", "session_id", sessionID, "error", err)
		conn.Close()
	}
}

type createSessionRequest struct {
	Backend                    string                 `json:"backend"`
	WorkingDir                 string                 `json:"working_dir"`
	Model                      string                 `json:"model"`
	PermissionMode             string                 `json:"permission_mode"`
	DangerouslySkipPermissions bool                   `json:"dangerously_skip_permissions"`
	AllowedTools               []string               `json:"allowed_tools"`
	Env                        map[string]string      `json:"env"`
	Worktree                   *protocol.WorktreeMeta `json:"worktree"`
	Sandbox                    string                 `json:"sandbox"`
	InternetAccess             bool                   `json:"internet_access"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := s.launcher.Launch(launcher.LaunchOptions{
		Backend:                    req.Backend,
		WorkingDir:                 req.WorkingDir,
		Model:                      req.Model,
		PermissionMode:             req.PermissionMode,
		DangerouslySkipPermissions: req.DangerouslySkipPermissions,
		AllowedTools:               req.AllowedTools,
		Env:                        req.Env,
		Worktree:                   req.Worktree,
		Sandbox:                    req.Sandbox,
		InternetAccess:             req.InternetAccess,
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.launcher.List()
	if r.URL.Query().Get("archived") == "false" {
		active := sessions[:0]
		for _, snap := range sessions {
			if !snap.Archived {
				active = append(active, snap)
			}
		}
		sessions = active
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.launcher.Info(mux.Vars(r)["sessionID"])
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	if err := s.launcher.Delete(sessionID); err != nil {
		s.writeLauncherError(w, err)
		return
	}
	s.bridge.DropSession(sessionID)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRelaunch(w http.ResponseWriter, r *http.Request) {
	snap, err := s.launcher.Relaunch(mux.Vars(r)["sessionID"])
	if err != nil {
		s.writeLauncherError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Archived bool `json:"archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.launcher.Archive(mux.Vars(r)["sessionID"], req.Archived); err != nil {
		s.writeLauncherError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"archived": req.Archived})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	rl, err := s.launcher.RateLimits(mux.Vars(r)["sessionID"])
	if err != nil {
		s.writeLauncherError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rate_limits": rl})
}

// handlePRStatus pushes an external pull-request status update into the
// session's event stream.
func (s *Server) handlePRStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	if _, ok := s.launcher.Info(sessionID); !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.bridge.PublishPRStatus(sessionID, fields)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

func (s *Server) writeLauncherError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, launcher.ErrNotFound):
		WriteError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, launcher.ErrExited):
		WriteError(w, http.StatusConflict, "session has exited")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
