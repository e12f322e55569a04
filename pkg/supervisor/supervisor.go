package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/pkg/env"
	"github.com/wardenhq/warden/pkg/events"
	"github.com/wardenhq/warden/pkg/log"
	"github.com/wardenhq/warden/pkg/metrics"
	"github.com/wardenhq/warden/pkg/ports"
	"github.com/wardenhq/warden/pkg/storage"
	"github.com/wardenhq/warden/pkg/types"
)

// Failure taxonomy surfaced by Start. Callers map these onto transport
// statuses with errors.Is.
var (
	ErrServerNotFound    = errors.New("server not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrServerDisabled    = errors.New("server is disabled for this workspace")
	ErrSpawnFailed       = errors.New("failed to spawn server process")
	ErrHealthTimeout     = errors.New("server did not become healthy")
)

// errStopRequested aborts an in-flight start attempt when Stop arrives
// before the child passed health.
var errStopRequested = errors.New("instance stopped during start")

// crashBudgetMessage is the lastError recorded when auto-restart gives up
const crashBudgetMessage = "Exceeded restart attempts"

// defaultPathPrefix is the protocol mount point children serve under
const defaultPathPrefix = "/mcp"

// Config carries the supervisor's timing and policy knobs. Zero values
// select the defaults; tests shrink them.
type Config struct {
	HealthTimeout  time.Duration // per-probe HTTP timeout
	HealthInterval time.Duration // delay between probes
	HealthAttempts int           // probes before giving up
	StopTimeout    time.Duration // SIGTERM grace before SIGKILL
	BackoffUnit    time.Duration // linear restart backoff multiplier
	RestartWindow  time.Duration // crash counting window
	MaxRestarts    int           // auto-restarts allowed per window

	// GlobalInstances collapses every workspace onto the global one for
	// instance keying: server processes run once per server, workspaces
	// scope requests only.
	GlobalInstances bool
}

func (c Config) withDefaults() Config {
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = time.Second
	}
	if c.HealthAttempts == 0 {
		c.HealthAttempts = 30
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.BackoffUnit == 0 {
		c.BackoffUnit = time.Second
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 3
	}
	return c
}

// handle pairs the public instance record with the process-side state
// the supervisor tracks per key.
type handle struct {
	inst     *types.ServerInstance
	cmd      *exec.Cmd
	stopping bool
	startErr error
	ready    chan struct{} // closed when the start attempt settles
	exited   chan struct{} // closed when the child has been reaped
}

// Supervisor owns the key -> instance map and drives every child
// process lifecycle. One mutex guards the map; it is never held across
// spawn, health polls, or waits.
type Supervisor struct {
	cfg   Config
	store storage.Store
	ports *ports.Allocator
	envs  *env.Builder
	bus   *events.Bus
	cwd   string

	// resolve turns an install spec into launch argv; swapped in tests
	resolve func(types.InstallSpec) ([]string, error)

	mu      sync.Mutex
	handles map[string]*handle
	pending map[string]chan struct{} // keys in restart backoff -> cancel
}

// New creates a supervisor over the given collaborators
func New(cfg Config, store storage.Store, alloc *ports.Allocator, envs *env.Builder, bus *events.Bus) *Supervisor {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		store:   store,
		ports:   alloc,
		envs:    envs,
		bus:     bus,
		cwd:     cwd,
		resolve: ResolveArgv,
		handles: make(map[string]*handle),
		pending: make(map[string]chan struct{}),
	}
}

// instanceWorkspace applies the global-instances policy to the caller's
// workspace
func (s *Supervisor) instanceWorkspace(workspaceID string) string {
	if workspaceID == "" || s.cfg.GlobalInstances {
		return types.GlobalWorkspaceID
	}
	return workspaceID
}

// Start launches the instance for (serverID, workspaceID), or returns
// the existing one. Concurrent calls for the same key converge on a
// single spawn: the first caller drives it, the rest wait for the
// outcome.
func (s *Supervisor) Start(ctx context.Context, serverID, workspaceID string) (*types.ServerInstance, error) {
	workspaceID = s.instanceWorkspace(workspaceID)
	return s.startAttempt(ctx, serverID, workspaceID, 0, time.Time{})
}

func (s *Supervisor) startAttempt(ctx context.Context, serverID, workspaceID string, attempts int, firstStartAt time.Time) (*types.ServerInstance, error) {
	key := types.InstanceKey(serverID, workspaceID)

	for {
		s.mu.Lock()
		h, ok := s.handles[key]
		if !ok {
			s.mu.Unlock()
			break
		}
		switch h.inst.Status {
		case types.InstanceRunning:
			snap := *h.inst
			s.mu.Unlock()
			return &snap, nil
		case types.InstanceStarting:
			ready := h.ready
			s.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			s.mu.Lock()
			if cur, live := s.handles[key]; live && cur == h && cur.inst.Status == types.InstanceRunning {
				snap := *cur.inst
				s.mu.Unlock()
				return &snap, nil
			}
			s.mu.Unlock()
			if h.startErr != nil {
				return nil, h.startErr
			}
			// Settled but neither running nor failed: stopped underneath
			// us. Loop and start fresh.
		default:
			delete(s.handles, key)
			s.mu.Unlock()
		}
	}

	template, override, projectRoot, err := s.resolveTarget(serverID, workspaceID)
	if err != nil {
		return nil, err
	}

	// Claim the key. Another caller may have claimed it while we were
	// reading the store; join their attempt instead.
	s.mu.Lock()
	if _, taken := s.handles[key]; taken {
		s.mu.Unlock()
		return s.startAttempt(ctx, serverID, workspaceID, attempts, firstStartAt)
	}
	h := &handle{
		inst: &types.ServerInstance{
			ServerID:        serverID,
			WorkspaceID:     workspaceID,
			Status:          types.InstanceStarting,
			RestartAttempts: attempts,
			FirstStartAt:    firstStartAt,
		},
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.handles[key] = h
	s.updateMetricsLocked()
	s.mu.Unlock()

	s.bus.EmitServer(events.ServerEvent{
		Type:        events.ServerStarting,
		ServerID:    serverID,
		WorkspaceID: workspaceID,
	})

	inst, err := s.launch(ctx, key, h, template, override, projectRoot)
	if err != nil {
		s.settleFailure(key, h, err)
		return nil, err
	}
	return inst, nil
}

// resolveTarget reads the template, workspace, and per-workspace
// override for a start attempt
func (s *Supervisor) resolveTarget(serverID, workspaceID string) (*types.ServerTemplate, *types.WorkspaceServerConfig, string, error) {
	template, err := s.store.GetServer(serverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, "", fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
		}
		return nil, nil, "", err
	}

	projectRoot := ""
	if workspaceID != types.GlobalWorkspaceID {
		ws, err := s.store.GetWorkspace(workspaceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil, "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
			}
			return nil, nil, "", err
		}
		projectRoot = ws.ProjectRoot
	}

	override, err := s.store.GetServerConfig(workspaceID, serverID)
	if err != nil {
		return nil, nil, "", err
	}
	if override.Disabled() {
		return nil, nil, "", fmt.Errorf("%w: %s", ErrServerDisabled, serverID)
	}
	return template, override, projectRoot, nil
}

// launch performs the spawn and health-wait for a claimed key. The map
// lock is not held anywhere in here.
func (s *Supervisor) launch(ctx context.Context, key string, h *handle, template *types.ServerTemplate, override *types.WorkspaceServerConfig, projectRoot string) (*types.ServerInstance, error) {
	logger := log.WithInstanceKey(h.inst.ServerID, h.inst.WorkspaceID)

	argv, err := s.resolve(template.Install)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	port, err := s.ports.Allocate(key)
	if err != nil {
		return nil, err
	}

	perms := template.Permissions
	var configOverride map[string]any
	var permsOverride *types.ServerPermissions
	if override != nil {
		configOverride = override.ConfigOverride
		permsOverride = override.PermissionsOverride
	}
	environ, err := s.envs.Build(env.Input{
		Template:       template,
		WorkspaceID:    h.inst.WorkspaceID,
		ProjectRoot:    projectRoot,
		Port:           port,
		PathPrefix:     defaultPathPrefix,
		Permissions:    types.EffectivePermissions(perms, permsOverride),
		ConfigOverride: configOverride,
	})
	if err != nil {
		return nil, err
	}

	dir := projectRoot
	if dir == "" {
		dir = s.cwd
	}
	cmd := buildCommand(argv, dir, environ.Environ())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Int("port", port).Msg("child spawned")

	s.mu.Lock()
	h.cmd = cmd
	h.inst.PID = cmd.Process.Pid
	h.inst.Port = port
	s.mu.Unlock()

	go s.forwardLogs(h.inst.ServerID, h.inst.WorkspaceID, stdout, "info")
	go s.forwardLogs(h.inst.ServerID, h.inst.WorkspaceID, stderr, "error")
	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()

	counters, err := s.waitHealthy(ctx, h, port)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	h.inst.Status = types.InstanceRunning
	h.inst.StartedAt = time.Now()
	if h.inst.FirstStartAt.IsZero() {
		h.inst.FirstStartAt = h.inst.StartedAt
	}
	h.inst.ToolsCount = counters.Tools
	h.inst.ResourcesCount = counters.Resources
	h.inst.PromptsCount = counters.Prompts
	snap := *h.inst
	s.updateMetricsLocked()
	s.mu.Unlock()
	close(h.ready)

	s.bus.EmitServer(events.ServerEvent{
		Type:        events.ServerStarted,
		ServerID:    snap.ServerID,
		WorkspaceID: snap.WorkspaceID,
		Port:        snap.Port,
	})
	logger.Info().Int("port", snap.Port).Msg("server running")

	go s.monitor(key, h)
	return &snap, nil
}

// settleFailure cleans up a failed start attempt: kill a still-alive
// child, release the port, remove the record, wake waiters. A failure
// caused by Stop emits nothing; Stop owns the stopped event.
func (s *Supervisor) settleFailure(key string, h *handle, cause error) {
	s.mu.Lock()
	stopping := h.stopping
	h.stopping = true
	cmd := h.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		kill(cmd, h.exited)
	}
	s.ports.Release(key)

	s.mu.Lock()
	if s.handles[key] == h {
		delete(s.handles, key)
	}
	h.inst.Status = types.InstanceError
	h.inst.LastError = cause.Error()
	h.startErr = cause
	s.updateMetricsLocked()
	s.mu.Unlock()
	close(h.ready)

	if !stopping && !errors.Is(cause, errStopRequested) {
		s.bus.EmitServer(events.ServerEvent{
			Type:        events.ServerError,
			ServerID:    h.inst.ServerID,
			WorkspaceID: h.inst.WorkspaceID,
			Error:       cause.Error(),
		})
		logger := log.WithInstanceKey(h.inst.ServerID, h.inst.WorkspaceID)
		logger.Error().Err(cause).Msg("start failed")
	}
}

// healthCounters is the optional body of the child's health response
type healthCounters struct {
	Tools     int `json:"tools"`
	Resources int `json:"resources"`
	Prompts   int `json:"prompts"`
}

// waitHealthy polls the child's health endpoint until it answers 2xx,
// the attempt budget runs out, or the child dies underneath us.
func (s *Supervisor) waitHealthy(ctx context.Context, h *handle, port int) (healthCounters, error) {
	client := &http.Client{Timeout: s.cfg.HealthTimeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	for attempt := 0; attempt < s.cfg.HealthAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.HealthInterval):
			case <-h.exited:
				return healthCounters{}, fmt.Errorf("%w: process exited during startup", ErrSpawnFailed)
			case <-ctx.Done():
				return healthCounters{}, ctx.Err()
			}
		}

		s.mu.Lock()
		stopping := h.stopping
		s.mu.Unlock()
		if stopping {
			return healthCounters{}, errStopRequested
		}

		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var c healthCounters
			// Counters are optional; a non-JSON body is still healthy.
			_ = json.NewDecoder(resp.Body).Decode(&c)
			resp.Body.Close()
			return c, nil
		}
		resp.Body.Close()
	}
	return healthCounters{}, ErrHealthTimeout
}

// forwardLogs turns each non-empty child output line into a server-log
// event
func (s *Supervisor) forwardLogs(serverID, workspaceID string, r io.Reader, level string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.bus.EmitServer(events.ServerEvent{
			Type:        events.ServerLog,
			ServerID:    serverID,
			WorkspaceID: workspaceID,
			Message:     line,
			Level:       level,
		})
	}
}

// monitor watches a running child and drives the auto-restart policy on
// unintentional exits
func (s *Supervisor) monitor(key string, h *handle) {
	<-h.exited

	s.mu.Lock()
	if h.stopping || s.handles[key] != h {
		// Stop owns the cleanup.
		s.mu.Unlock()
		return
	}

	exitCode := -1
	if h.cmd.ProcessState != nil {
		exitCode = h.cmd.ProcessState.ExitCode()
	}
	serverID := h.inst.ServerID
	workspaceID := h.inst.WorkspaceID
	attempts := h.inst.RestartAttempts
	firstStartAt := h.inst.FirstStartAt
	delete(s.handles, key)
	s.updateMetricsLocked()

	// Decide on the respawn before releasing the lock. Once the handle
	// is gone, the pending entry is the only thing that keeps a
	// concurrent Stop from treating the key as idle.
	var cancel chan struct{}
	if exitCode > 0 {
		if time.Since(firstStartAt) > s.cfg.RestartWindow {
			attempts = 0
			firstStartAt = time.Now()
		}
		attempts++
		if attempts <= s.cfg.MaxRestarts {
			cancel = make(chan struct{})
			s.pending[key] = cancel
		}
	}
	s.mu.Unlock()
	s.ports.Release(key)

	logger := log.WithInstanceKey(serverID, workspaceID)

	// Exit code 0 or signal-killed: treat as a stop, not a crash.
	if exitCode <= 0 {
		logger.Info().Int("exit_code", exitCode).Msg("child exited")
		s.bus.EmitServer(events.ServerEvent{
			Type:        events.ServerStopped,
			ServerID:    serverID,
			WorkspaceID: workspaceID,
		})
		return
	}

	if cancel == nil {
		logger.Error().Int("attempts", attempts-1).Msg("crash budget exhausted")
		s.bus.EmitServer(events.ServerEvent{
			Type:        events.ServerError,
			ServerID:    serverID,
			WorkspaceID: workspaceID,
			Error:       crashBudgetMessage,
		})
		return
	}

	logger.Warn().
		Int("exit_code", exitCode).
		Int("attempt", attempts).
		Msg("child crashed, scheduling restart")
	metrics.InstanceRestarts.WithLabelValues(serverID).Inc()

	select {
	case <-time.After(time.Duration(attempts) * s.cfg.BackoffUnit):
	case <-cancel:
		return
	}

	s.mu.Lock()
	if s.pending[key] != cancel {
		// Cancelled during the backoff.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	// The template may have been deleted or disabled while we slept.
	if _, _, _, err := s.resolveTarget(serverID, workspaceID); err != nil {
		logger.Warn().Err(err).Msg("restart aborted")
		return
	}

	if _, err := s.startAttempt(context.Background(), serverID, workspaceID, attempts, firstStartAt); err != nil {
		logger.Error().Err(err).Msg("restart failed")
	}
}

// Stop gracefully terminates the instance for (serverID, workspaceID).
// Safe to call at any point in the lifecycle; a no-op when nothing is
// tracked for the key.
func (s *Supervisor) Stop(serverID, workspaceID string) error {
	workspaceID = s.instanceWorkspace(workspaceID)
	key := types.InstanceKey(serverID, workspaceID)

	s.mu.Lock()
	if cancel, ok := s.pending[key]; ok {
		// Caught the instance in restart backoff: cancel the respawn.
		delete(s.pending, key)
		close(cancel)
		s.mu.Unlock()
		s.bus.EmitServer(events.ServerEvent{
			Type:        events.ServerStopped,
			ServerID:    serverID,
			WorkspaceID: workspaceID,
		})
		return nil
	}
	h, ok := s.handles[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	h.stopping = true
	cmd := h.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		terminate(cmd, h.exited, s.cfg.StopTimeout)
	}

	s.mu.Lock()
	if s.handles[key] == h {
		delete(s.handles, key)
	}
	s.updateMetricsLocked()
	s.mu.Unlock()
	s.ports.Release(key)

	s.bus.EmitServer(events.ServerEvent{
		Type:        events.ServerStopped,
		ServerID:    serverID,
		WorkspaceID: workspaceID,
	})
	logger := log.WithInstanceKey(serverID, workspaceID)
	logger.Info().Msg("server stopped")
	return nil
}

// Restart stops then starts the instance. The old port is waited on
// with a bind probe before the new spawn so platforms that delay socket
// teardown do not race into EADDRINUSE.
func (s *Supervisor) Restart(ctx context.Context, serverID, workspaceID string) (*types.ServerInstance, error) {
	workspaceID = s.instanceWorkspace(workspaceID)
	key := types.InstanceKey(serverID, workspaceID)

	oldPort, hadPort := s.ports.PortOf(key)
	if err := s.Stop(serverID, workspaceID); err != nil {
		return nil, err
	}
	if hadPort {
		// Best effort: the allocator picks another port when this one
		// never frees up.
		_ = ports.WaitUntilFree(oldPort, 5*time.Second)
	}
	return s.Start(ctx, serverID, workspaceID)
}

// StopAll stops every tracked instance, fanning out per key
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	targets := make([]*types.ServerInstance, 0, len(s.handles))
	for _, h := range s.handles {
		snap := *h.inst
		targets = append(targets, &snap)
	}
	for key, cancel := range s.pending {
		delete(s.pending, key)
		close(cancel)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, inst := range targets {
		inst := inst
		g.Go(func() error {
			return s.Stop(inst.ServerID, inst.WorkspaceID)
		})
	}
	return g.Wait()
}

// RestartAll restarts every currently-running instance and reports the
// per-key outcome
func (s *Supervisor) RestartAll(ctx context.Context) map[string]error {
	s.mu.Lock()
	targets := make([]*types.ServerInstance, 0, len(s.handles))
	for _, h := range s.handles {
		if h.inst.Status == types.InstanceRunning {
			snap := *h.inst
			targets = append(targets, &snap)
		}
	}
	s.mu.Unlock()

	results := make(map[string]error, len(targets))
	var resMu sync.Mutex
	var g errgroup.Group
	for _, inst := range targets {
		inst := inst
		g.Go(func() error {
			_, err := s.Restart(ctx, inst.ServerID, inst.WorkspaceID)
			resMu.Lock()
			results[inst.Key()] = err
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Get returns a snapshot of the instance for (serverID, workspaceID)
func (s *Supervisor) Get(serverID, workspaceID string) (*types.ServerInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[types.InstanceKey(serverID, s.instanceWorkspace(workspaceID))]
	if !ok {
		return nil, false
	}
	snap := *h.inst
	return &snap, true
}

// All returns snapshots of every tracked instance, ordered by key
func (s *Supervisor) All() []*types.ServerInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ServerInstance, 0, len(s.handles))
	for _, h := range s.handles {
		snap := *h.inst
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// InstancesFor returns snapshots of the instances belonging to one
// workspace. Session cleanup uses this to find what to stop.
func (s *Supervisor) InstancesFor(workspaceID string) []*types.ServerInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ServerInstance
	for _, h := range s.handles {
		if h.inst.WorkspaceID == workspaceID {
			snap := *h.inst
			out = append(out, &snap)
		}
	}
	return out
}

// updateMetricsLocked refreshes the instance and port gauges. Caller
// holds the map lock.
func (s *Supervisor) updateMetricsLocked() {
	counts := map[types.InstanceStatus]int{}
	for _, h := range s.handles {
		counts[h.inst.Status]++
	}
	for _, status := range []types.InstanceStatus{
		types.InstanceStarting,
		types.InstanceRunning,
		types.InstanceStopped,
		types.InstanceError,
	} {
		metrics.Instances.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	metrics.PortsInUse.Set(float64(s.ports.InUse()))
}
