package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wardenhq/warden/pkg/events"
	"github.com/wardenhq/warden/pkg/log"
	"github.com/wardenhq/warden/pkg/metrics"
	"github.com/wardenhq/warden/pkg/sessions"
	"github.com/wardenhq/warden/pkg/supervisor"
	"github.com/wardenhq/warden/pkg/types"
)

// Supervisor is the instance-control surface the frontend dispatches to
type Supervisor interface {
	Start(ctx context.Context, serverID, workspaceID string) (*types.ServerInstance, error)
	Stop(serverID, workspaceID string) error
	Restart(ctx context.Context, serverID, workspaceID string) (*types.ServerInstance, error)
	RestartAll(ctx context.Context) map[string]error
	Get(serverID, workspaceID string) (*types.ServerInstance, bool)
	All() []*types.ServerInstance
}

// SessionRegistry is the session surface the frontend dispatches to
type SessionRegistry interface {
	Connect(req sessions.ConnectRequest) (*types.Session, error)
	Ping(sessionID string) bool
	Disconnect(sessionID string)
}

// Store is the persistence surface for the listing and profile endpoints
type Store interface {
	ListServers() ([]*types.ServerTemplate, error)
	ListWorkspaces() ([]*types.WorkspaceConfig, error)
	GetProfile() (*types.UserProfile, error)
	SetProfile(profile *types.UserProfile) error
}

// Server is the host's HTTP frontend: a thin dispatcher over the
// supervisor, gateway, session registry, and event bus.
type Server struct {
	sup      Supervisor
	registry SessionRegistry
	store    Store
	bus      *events.Bus
	gateway  http.Handler

	mux  *http.ServeMux
	http *http.Server
}

// NewServer wires the frontend routes
func NewServer(sup Supervisor, registry SessionRegistry, store Store, bus *events.Bus, gateway http.Handler) *Server {
	s := &Server{
		sup:      sup,
		registry: registry,
		store:    store,
		bus:      bus,
		gateway:  gateway,
		mux:      http.NewServeMux(),
	}

	s.mux.Handle("/mcp/", gateway)

	s.mux.HandleFunc("POST /api/instances/start", s.handleInstanceStart)
	s.mux.HandleFunc("POST /api/instances/stop", s.handleInstanceStop)
	s.mux.HandleFunc("POST /api/instances/restart", s.handleInstanceRestart)
	s.mux.HandleFunc("POST /api/instances/restart-all", s.handleInstanceRestartAll)
	s.mux.HandleFunc("GET /api/instances", s.handleInstanceList)
	s.mux.HandleFunc("GET /api/instances/{serverId}/{workspaceId}", s.handleInstanceGet)

	s.mux.HandleFunc("GET /api/servers", s.handleServerList)
	s.mux.HandleFunc("GET /api/workspaces", s.handleWorkspaceList)

	s.mux.HandleFunc("GET /api/profile", s.handleProfileGet)
	s.mux.HandleFunc("PUT /api/profile", s.handleProfilePut)

	s.mux.HandleFunc("POST /api/sessions/connect", s.handleSessionConnect)
	s.mux.HandleFunc("POST /api/sessions/ping", s.handleSessionPing)
	s.mux.HandleFunc("POST /api/sessions/disconnect", s.handleSessionDisconnect)

	s.mux.HandleFunc("GET /events", s.handleEvents)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Handler exposes the routed mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on addr and blocks until shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("http frontend listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// instanceRequest is the body shared by the instance control endpoints.
// An empty workspaceId targets the global workspace.
type instanceRequest struct {
	ServerID    string `json:"serverId"`
	WorkspaceID string `json:"workspaceId"`
}

func (s *Server) handleInstanceStart(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ServerID == "" {
		writeError(w, http.StatusBadRequest, "serverId is required")
		return
	}

	inst, err := s.sup.Start(r.Context(), req.ServerID, req.WorkspaceID)
	if err != nil {
		writeError(w, startStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": inst})
}

func (s *Server) handleInstanceStop(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ServerID == "" {
		writeError(w, http.StatusBadRequest, "serverId is required")
		return
	}

	if err := s.sup.Stop(req.ServerID, req.WorkspaceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleInstanceRestart(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ServerID == "" {
		writeError(w, http.StatusBadRequest, "serverId is required")
		return
	}

	inst, err := s.sup.Restart(r.Context(), req.ServerID, req.WorkspaceID)
	if err != nil {
		writeError(w, startStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": inst})
}

func (s *Server) handleInstanceRestartAll(w http.ResponseWriter, r *http.Request) {
	results := s.sup.RestartAll(r.Context())

	outcome := make(map[string]any, len(results))
	for key, err := range results {
		if err != nil {
			outcome[key] = map[string]any{"success": false, "error": err.Error()}
		} else {
			outcome[key] = map[string]any{"success": true}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": outcome})
}

func (s *Server) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instances": s.sup.All()})
}

func (s *Server) handleInstanceGet(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	workspaceID := r.PathValue("workspaceId")

	inst, ok := s.sup.Get(serverID, workspaceID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"instance": nil,
			"status":   string(types.InstanceStopped),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"instance": inst,
		"status":   string(inst.Status),
	})
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "servers": templates})
}

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.ListWorkspaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "workspaces": workspaces})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetProfile()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "profile": profile})
}

func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	var profile types.UserProfile
	if !decode(w, r, &profile) {
		return
	}
	if err := s.store.SetProfile(&profile); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.bus.EmitApp(events.AppEvent{
		Type: events.ProfileUpdated,
		Data: map[string]any{"email": profile.Email},
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "profile": &profile})
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	var req sessions.ConnectRequest
	if !decode(w, r, &req) {
		return
	}

	session, err := s.registry.Connect(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sessions.ErrWorkspaceNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": session})
}

func (s *Server) handleSessionPing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"alive":   s.registry.Ping(req.SessionID),
	})
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.registry.Disconnect(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// startStatus maps supervisor start failures onto transport statuses
func startStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrServerNotFound),
		errors.Is(err, supervisor.ErrWorkspaceNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrServerDisabled):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body, answering 400 on malformed input
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
