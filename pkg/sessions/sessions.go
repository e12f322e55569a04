package sessions

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/events"
	"github.com/wardenhq/warden/pkg/log"
	"github.com/wardenhq/warden/pkg/metrics"
	"github.com/wardenhq/warden/pkg/storage"
	"github.com/wardenhq/warden/pkg/types"
)

// ErrWorkspaceNotFound is returned when a connect names a workspace the
// store does not have
var ErrWorkspaceNotFound = errors.New("workspace not found")

// InstanceStopper is the slice of the supervisor cleanup needs
type InstanceStopper interface {
	InstancesFor(workspaceID string) []*types.ServerInstance
	Stop(serverID, workspaceID string) error
}

// Store is the persistence surface the registry needs
type Store interface {
	GetWorkspace(id string) (*types.WorkspaceConfig, error)
	FindWorkspaceByProjectRoot(path string) (*types.WorkspaceConfig, error)
	PutWorkspace(ws *types.WorkspaceConfig) error
	DeleteWorkspace(id string) error
	ListServers() ([]*types.ServerTemplate, error)
	GetServerConfig(workspaceID, serverID string) (*types.WorkspaceServerConfig, error)
}

// Config carries the registry's timing knobs. Zero values select the
// defaults; tests shrink them.
type Config struct {
	SweepInterval time.Duration // default 15s
	ExpireAfter   time.Duration // default 40s

	// BaseURL prefixes session endpoints so clients can dial them
	// without out-of-band knowledge, e.g. "http://127.0.0.1:8400".
	// Empty keeps the paths relative.
	BaseURL string
}

func (c Config) withDefaults() Config {
	if c.SweepInterval == 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.ExpireAfter == 0 {
		c.ExpireAfter = 40 * time.Second
	}
	return c
}

// ConnectRequest is the payload of a session connect
type ConnectRequest struct {
	WorkspaceID      string `json:"workspaceId,omitempty"`
	ProjectRoot      string `json:"projectRoot,omitempty"`
	ClientType       string `json:"clientType"`
	ClientInstanceID string `json:"clientInstanceId"`
}

// Registry tracks heartbeat-kept client sessions. One mutex guards the
// session maps; the sweeper acquires and releases it per tick.
type Registry struct {
	cfg   Config
	store Store
	sup   InstanceStopper
	bus   *events.Bus

	mu       sync.Mutex
	sessions map[string]*types.Session // sessionID -> session
	byClient map[string]string         // clientInstanceID -> sessionID

	done chan struct{}
	once sync.Once
}

// NewRegistry creates a registry over the given collaborators
func NewRegistry(cfg Config, store Store, sup InstanceStopper, bus *events.Bus) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		store:    store,
		sup:      sup,
		bus:      bus,
		sessions: make(map[string]*types.Session),
		byClient: make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Start launches the background expiry sweeper
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.done:
				return
			}
		}
	}()
}

// Close stops the sweeper
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// Connect registers a client session, or refreshes the existing one for
// the same clientInstanceID. An unknown projectRoot auto-provisions a
// workspace with autoCleanup set, so the workspace disappears when its
// last session does.
func (r *Registry) Connect(req ConnectRequest) (*types.Session, error) {
	if req.ClientInstanceID == "" {
		return nil, errors.New("clientInstanceId is required")
	}

	r.mu.Lock()
	if sid, ok := r.byClient[req.ClientInstanceID]; ok {
		if session, live := r.sessions[sid]; live {
			session.LastSeenAt = time.Now()
			snap := *session
			r.mu.Unlock()
			endpoints, err := r.endpointsFor(snap.WorkspaceID)
			if err != nil {
				return nil, err
			}
			snap.Endpoints = endpoints
			return &snap, nil
		}
	}
	r.mu.Unlock()

	ws, err := r.resolveWorkspace(req)
	if err != nil {
		return nil, err
	}
	endpoints, err := r.endpointsFor(ws.ID)
	if err != nil {
		return nil, err
	}

	session := &types.Session{
		SessionID:        uuid.NewString(),
		WorkspaceID:      ws.ID,
		ClientType:       req.ClientType,
		ClientInstanceID: req.ClientInstanceID,
		ProjectRoot:      ws.ProjectRoot,
		LastSeenAt:       time.Now(),
		Endpoints:        endpoints,
	}

	r.mu.Lock()
	// A concurrent connect for the same client may have won while the
	// workspace was resolving; keep the winner's session.
	if sid, ok := r.byClient[req.ClientInstanceID]; ok {
		if winner, live := r.sessions[sid]; live {
			winner.LastSeenAt = time.Now()
			snap := *winner
			r.mu.Unlock()
			endpoints, err := r.endpointsFor(snap.WorkspaceID)
			if err != nil {
				return nil, err
			}
			snap.Endpoints = endpoints
			return &snap, nil
		}
	}
	r.sessions[session.SessionID] = session
	r.byClient[req.ClientInstanceID] = session.SessionID
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	snap := *session
	r.mu.Unlock()

	r.bus.EmitApp(events.AppEvent{
		Type:        events.SessionConnected,
		SessionID:   snap.SessionID,
		WorkspaceID: snap.WorkspaceID,
	})
	logger := log.WithComponent("sessions")
	logger.Info().
		Str("session_id", snap.SessionID).
		Str("workspace_id", snap.WorkspaceID).
		Str("client", req.ClientType).
		Msg("session connected")
	return &snap, nil
}

// resolveWorkspace picks the workspace for a new session: the named one,
// the one owning the project root, a freshly provisioned one, or global.
func (r *Registry) resolveWorkspace(req ConnectRequest) (*types.WorkspaceConfig, error) {
	if req.WorkspaceID != "" {
		ws, err := r.store.GetWorkspace(req.WorkspaceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, req.WorkspaceID)
			}
			return nil, err
		}
		return ws, nil
	}

	if req.ProjectRoot != "" {
		ws, err := r.store.FindWorkspaceByProjectRoot(req.ProjectRoot)
		if err == nil {
			return ws, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		ws = &types.WorkspaceConfig{
			ID:          uuid.NewString(),
			Label:       filepath.Base(req.ProjectRoot),
			ProjectRoot: req.ProjectRoot,
			AutoCleanup: true,
			CreatedAt:   time.Now(),
		}
		if err := r.store.PutWorkspace(ws); err != nil {
			return nil, err
		}
		r.bus.EmitApp(events.AppEvent{
			Type:        events.WorkspaceCreated,
			WorkspaceID: ws.ID,
			Data:        map[string]any{"projectRoot": ws.ProjectRoot},
		})
		return ws, nil
	}

	return r.store.GetWorkspace(types.GlobalWorkspaceID)
}

// endpointsFor maps every non-disabled server onto its proxy URL
func (r *Registry) endpointsFor(workspaceID string) (map[string]string, error) {
	templates, err := r.store.ListServers()
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(r.cfg.BaseURL, "/")
	endpoints := make(map[string]string, len(templates))
	for _, t := range templates {
		override, err := r.store.GetServerConfig(workspaceID, t.ID)
		if err != nil {
			return nil, err
		}
		if override.Disabled() {
			continue
		}
		endpoints[t.ID] = base + "/mcp/" + t.ID + "/" + workspaceID
	}
	return endpoints, nil
}

// Ping refreshes the session heartbeat; false means the session is gone
func (r *Registry) Ping(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	session.LastSeenAt = time.Now()
	return true
}

// Get returns a snapshot of the session, if it exists
func (r *Registry) Get(sessionID string) (*types.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	snap := *session
	return &snap, true
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Disconnect removes the session and runs workspace auto-cleanup when it
// was the last one
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.byClient, session.ClientInstanceID)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	workspaceID := session.WorkspaceID
	r.mu.Unlock()

	r.bus.EmitApp(events.AppEvent{
		Type:        events.SessionDisconnected,
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
	})
	r.maybeCleanup(workspaceID)
}

// sweep expires sessions whose heartbeat went stale
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.ExpireAfter)

	r.mu.Lock()
	var expired []*types.Session
	for sid, session := range r.sessions {
		if session.LastSeenAt.Before(cutoff) {
			delete(r.sessions, sid)
			delete(r.byClient, session.ClientInstanceID)
			expired = append(expired, session)
		}
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	logger := log.WithComponent("sessions")
	for _, session := range expired {
		logger.Info().
			Str("session_id", session.SessionID).
			Msg("session expired")
		r.bus.EmitApp(events.AppEvent{
			Type:        events.SessionDisconnected,
			SessionID:   session.SessionID,
			WorkspaceID: session.WorkspaceID,
			Reason:      "expired",
		})
		r.maybeCleanup(session.WorkspaceID)
	}
}

// maybeCleanup deletes an auto-cleanup workspace once its last session
// is gone, stopping any instances it still owns. The global workspace is
// never deleted.
func (r *Registry) maybeCleanup(workspaceID string) {
	if workspaceID == types.GlobalWorkspaceID {
		return
	}

	r.mu.Lock()
	for _, session := range r.sessions {
		if session.WorkspaceID == workspaceID {
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	ws, err := r.store.GetWorkspace(workspaceID)
	if err != nil || !ws.AutoCleanup {
		return
	}

	logger := log.WithComponent("sessions")
	for _, inst := range r.sup.InstancesFor(workspaceID) {
		if err := r.sup.Stop(inst.ServerID, inst.WorkspaceID); err != nil {
			logger.Warn().Err(err).
				Str("server_id", inst.ServerID).
				Msg("cleanup stop failed")
		}
	}
	if err := r.store.DeleteWorkspace(workspaceID); err != nil {
		logger.Warn().Err(err).
			Str("workspace_id", workspaceID).
			Msg("cleanup delete failed")
		return
	}

	r.bus.EmitApp(events.AppEvent{
		Type:        events.WorkspaceDeleted,
		WorkspaceID: workspaceID,
		Reason:      "auto-cleanup",
	})
	logger.Info().
		Str("workspace_id", workspaceID).
		Msg("workspace auto-cleaned")
}
