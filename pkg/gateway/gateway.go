package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/log"
	"github.com/wardenhq/warden/pkg/metrics"
	"github.com/wardenhq/warden/pkg/supervisor"
	"github.com/wardenhq/warden/pkg/types"
)

// Starter is the slice of the supervisor the gateway drives
type Starter interface {
	Start(ctx context.Context, serverID, workspaceID string) (*types.ServerInstance, error)
	Get(serverID, workspaceID string) (*types.ServerInstance, bool)
}

// Store is the read surface the gateway needs for routing decisions
type Store interface {
	GetServer(id string) (*types.ServerTemplate, error)
	GetWorkspace(id string) (*types.WorkspaceConfig, error)
	GetServerConfig(workspaceID, serverID string) (*types.WorkspaceServerConfig, error)
}

// Config carries the gateway's deployment knobs
type Config struct {
	// LazyStart starts a missing instance on first proxied request.
	// When false the gateway answers 503 and requires an explicit start.
	LazyStart bool

	// UpstreamTimeout bounds each proxied call. Zero selects 30s.
	UpstreamTimeout time.Duration

	// PathPrefix is the mount point children serve under. Zero selects
	// "/mcp".
	PathPrefix string
}

// Gateway reverse-proxies /mcp/{serverId}/{workspaceId} requests onto
// the matching child's loopback port. It holds no per-request state and
// is safe under concurrent use.
type Gateway struct {
	cfg    Config
	sup    Starter
	store  Store
	client *http.Client
}

// New creates a gateway over the supervisor and store
func New(cfg Config, sup Starter, store Store) *Gateway {
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/mcp"
	}
	return &Gateway{
		cfg:   cfg,
		sup:   sup,
		store: store,
		// Timeouts come from the per-request context, not the client.
		client: &http.Client{},
	}
}

// ServeHTTP routes /mcp/{serverId}/{workspaceId} and its /health
// sub-path. The handler expects to be mounted so the full request path
// still carries the /mcp prefix.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, g.cfg.PathPrefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 2 && parts[0] != "":
		g.proxy(w, r, parts[0], parts[1])
	case len(parts) == 3 && parts[2] == "health" && r.Method == http.MethodGet:
		g.health(w, parts[0], parts[1])
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

// health reports the instance snapshot without touching the child
func (g *Gateway) health(w http.ResponseWriter, serverID, workspaceID string) {
	body := map[string]any{
		"serverId":    serverID,
		"workspaceId": workspaceID,
		"status":      string(types.InstanceStopped),
	}
	if inst, ok := g.sup.Get(serverID, workspaceID); ok {
		body["status"] = string(inst.Status)
		if inst.Port != 0 {
			body["port"] = inst.Port
		}
		if inst.PID != 0 {
			body["pid"] = inst.PID
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// proxy implements the per-request forwarding algorithm
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, serverID, workspaceID string) {
	started := time.Now()
	logger := log.WithInstanceKey(serverID, workspaceID)

	template, err := g.store.GetServer(serverID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}

	projectRoot := ""
	if workspaceID != types.GlobalWorkspaceID {
		ws, err := g.store.GetWorkspace(workspaceID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Workspace not found")
			return
		}
		projectRoot = ws.ProjectRoot
	}
	override, err := g.store.GetServerConfig(workspaceID, serverID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal gateway error")
		return
	}
	if override.Disabled() {
		writeError(w, http.StatusForbidden, "Server is disabled for this workspace")
		return
	}

	inst, running := g.runningInstance(r.Context(), w, serverID, workspaceID)
	if !running {
		return
	}
	if inst.Port == 0 {
		writeError(w, http.StatusServiceUnavailable, "Server has no port")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.UpstreamTimeout)
	defer cancel()

	var body io.Reader
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = r.Body
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", inst.Port, g.cfg.PathPrefix)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	upReq, err := http.NewRequestWithContext(ctx, r.Method, url, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal gateway error")
		return
	}

	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("X-Server-Id", serverID)
	upReq.Header.Set("X-Workspace-Id", workspaceID)
	if projectRoot != "" {
		upReq.Header.Set("X-Project-Root", projectRoot)
	}
	for name, value := range template.ContextHeaders {
		upReq.Header.Set("X-CTX-"+name, value)
	}
	if override != nil {
		for name, value := range override.ContextHeaders {
			upReq.Header.Set("X-CTX-"+name, value)
		}
	}

	resp, err := g.client.Do(upReq)
	if err != nil {
		status := http.StatusBadGateway
		msg := "Bad gateway"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			msg = "Gateway timeout"
		}
		logger.Warn().Err(err).Msg("upstream request failed")
		metrics.GatewayRequests.WithLabelValues(strconv.Itoa(status)).Inc()
		writeError(w, status, msg)
		return
	}
	defer resp.Body.Close()

	metrics.GatewayRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	metrics.GatewayRequestDuration.Observe(time.Since(started).Seconds())

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	if strings.HasPrefix(contentType, "application/json") {
		// Normalise JSON payloads through a decode/encode round trip.
		var payload any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadGateway, "Bad gateway")
			return
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal gateway error")
			return
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(buf)
		return
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// runningInstance resolves a running instance for the key, lazy-starting
// it when the deployment allows. Writes the error response and returns
// false when no instance is available.
func (g *Gateway) runningInstance(ctx context.Context, w http.ResponseWriter, serverID, workspaceID string) (*types.ServerInstance, bool) {
	inst, ok := g.sup.Get(serverID, workspaceID)
	if ok && inst.Status == types.InstanceRunning {
		return inst, true
	}
	if !g.cfg.LazyStart {
		writeError(w, http.StatusServiceUnavailable, "Server is not running")
		return nil, false
	}

	inst, err := g.sup.Start(ctx, serverID, workspaceID)
	if err != nil {
		switch {
		case errors.Is(err, supervisor.ErrServerNotFound), errors.Is(err, supervisor.ErrWorkspaceNotFound):
			writeError(w, http.StatusNotFound, "Server not found")
		case errors.Is(err, supervisor.ErrServerDisabled):
			writeError(w, http.StatusForbidden, "Server is disabled for this workspace")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return inst, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
