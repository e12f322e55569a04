package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/storage"
	"github.com/wardenhq/warden/pkg/types"
)

type fakeStore struct {
	servers    map[string]*types.ServerTemplate
	workspaces map[string]*types.WorkspaceConfig
	overrides  map[string]*types.WorkspaceServerConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		servers:    make(map[string]*types.ServerTemplate),
		workspaces: make(map[string]*types.WorkspaceConfig),
		overrides:  make(map[string]*types.WorkspaceServerConfig),
	}
}

func (f *fakeStore) GetServer(id string) (*types.ServerTemplate, error) {
	if t, ok := f.servers[id]; ok {
		return t, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetWorkspace(id string) (*types.WorkspaceConfig, error) {
	if ws, ok := f.workspaces[id]; ok {
		return ws, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetServerConfig(workspaceID, serverID string) (*types.WorkspaceServerConfig, error) {
	return f.overrides[workspaceID+"/"+serverID], nil
}

type fakeStarter struct {
	mu         sync.Mutex
	inst       *types.ServerInstance
	running    bool
	startCalls int
	startErr   error
}

func (f *fakeStarter) Get(serverID, workspaceID string) (*types.ServerInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running || f.inst == nil {
		return nil, false
	}
	snap := *f.inst
	return &snap, true
}

func (f *fakeStarter) Start(ctx context.Context, serverID, workspaceID string) (*types.ServerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.running = true
	snap := *f.inst
	return &snap, nil
}

func (f *fakeStarter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

// upstream spins a child stand-in and returns its loopback port
func upstream(t *testing.T, handler http.Handler) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func runningInstance(port int) *types.ServerInstance {
	return &types.ServerInstance{
		ServerID:    "s1",
		WorkspaceID: "w1",
		Status:      types.InstanceRunning,
		PID:         4242,
		Port:        port,
	}
}

func seedStore(store *fakeStore) {
	store.servers["s1"] = &types.ServerTemplate{
		ID:             "s1",
		DisplayName:    "Echo",
		ContextHeaders: map[string]string{"Trace": "abc"},
	}
	store.workspaces["w1"] = &types.WorkspaceConfig{ID: "w1", ProjectRoot: "/work/widgets"}
}

func do(g *Gateway, method, path string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestUnknownServerIs404(t *testing.T) {
	g := New(Config{}, &fakeStarter{}, newFakeStore())

	rec := do(g, http.MethodPost, "/mcp/nope/global", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Server not found", body["error"])
}

func TestUnknownWorkspaceIs404(t *testing.T) {
	store := newFakeStore()
	seedStore(store)
	g := New(Config{}, &fakeStarter{}, store)

	rec := do(g, http.MethodPost, "/mcp/s1/w-missing", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisabledWorkspaceIs403(t *testing.T) {
	store := newFakeStore()
	seedStore(store)
	enabled := false
	store.overrides["w1/s1"] = &types.WorkspaceServerConfig{Enabled: &enabled}

	starter := &fakeStarter{}
	g := New(Config{LazyStart: true}, starter, store)

	rec := do(g, http.MethodPost, "/mcp/s1/w1", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, starter.calls(), "no spawn for a disabled server")
}

func TestStrictModeRefusesWith503(t *testing.T) {
	store := newFakeStore()
	seedStore(store)
	starter := &fakeStarter{inst: runningInstance(4100)}

	g := New(Config{LazyStart: false}, starter, store)

	rec := do(g, http.MethodPost, "/mcp/s1/w1", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, starter.calls())
}

func TestLazyStartAndJSONRoundTrip(t *testing.T) {
	var gotHeaders http.Header
	port := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		var body any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": body})
	}))

	store := newFakeStore()
	seedStore(store)
	store.overrides["w1/s1"] = &types.WorkspaceServerConfig{
		ContextHeaders: map[string]string{"Ticket": "T-99"},
	}
	starter := &fakeStarter{inst: runningInstance(port)}
	g := New(Config{LazyStart: true}, starter, store)

	rec := do(g, http.MethodPost, "/mcp/s1/w1", `{"hello":"world"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, starter.calls(), "lazy start on first request")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{"hello": "world"}, body["echo"])

	assert.Equal(t, "s1", gotHeaders.Get("X-Server-Id"))
	assert.Equal(t, "w1", gotHeaders.Get("X-Workspace-Id"))
	assert.Equal(t, "/work/widgets", gotHeaders.Get("X-Project-Root"))
	assert.Equal(t, "abc", gotHeaders.Get("X-CTX-Trace"))
	assert.Equal(t, "T-99", gotHeaders.Get("X-CTX-Ticket"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
}

func TestRunningInstanceSkipsStart(t *testing.T) {
	port := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))

	store := newFakeStore()
	seedStore(store)
	starter := &fakeStarter{inst: runningInstance(port), running: true}
	g := New(Config{LazyStart: true}, starter, store)

	rec := do(g, http.MethodGet, "/mcp/s1/w1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, starter.calls())
}

func TestOpaquePassthrough(t *testing.T) {
	raw := "event: ping\ndata: {}\n\n"
	port := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, raw)
	}))

	store := newFakeStore()
	seedStore(store)
	starter := &fakeStarter{inst: runningInstance(port), running: true}
	g := New(Config{}, starter, store)

	rec := do(g, http.MethodGet, "/mcp/s1/w1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, raw, rec.Body.String(), "non-JSON bodies are byte-identical")
}

func TestUpstreamStatusPropagates(t *testing.T) {
	port := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"error":"short and stout"}`)
	}))

	store := newFakeStore()
	seedStore(store)
	starter := &fakeStarter{inst: runningInstance(port), running: true}
	g := New(Config{}, starter, store)

	rec := do(g, http.MethodPost, "/mcp/s1/w1", `{}`)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Body.String(), "short and stout")
}

func TestUpstreamTimeoutIs504(t *testing.T) {
	port := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))

	store := newFakeStore()
	seedStore(store)
	starter := &fakeStarter{inst: runningInstance(port), running: true}
	g := New(Config{UpstreamTimeout: 100 * time.Millisecond}, starter, store)

	rec := do(g, http.MethodPost, "/mcp/s1/w1", `{}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "Gateway timeout")
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	// Grab a port with nothing listening on it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	store := newFakeStore()
	seedStore(store)
	starter := &fakeStarter{inst: runningInstance(port), running: true}
	g := New(Config{}, starter, store)

	rec := do(g, http.MethodPost, "/mcp/s1/w1", `{}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bad gateway")
}

func TestHealthSnapshot(t *testing.T) {
	store := newFakeStore()
	seedStore(store)
	starter := &fakeStarter{inst: runningInstance(4123), running: true}
	g := New(Config{}, starter, store)

	rec := do(g, http.MethodGet, "/mcp/s1/w1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(4123), body["port"])
	assert.Equal(t, float64(4242), body["pid"])

	// Absent instance reads as stopped.
	starter.running = false
	rec = do(g, http.MethodGet, "/mcp/s1/w1/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stopped", body["status"])
}

func TestMalformedPathIs404(t *testing.T) {
	g := New(Config{}, &fakeStarter{}, newFakeStore())

	rec := do(g, http.MethodGet, "/mcp/only-one-segment", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
