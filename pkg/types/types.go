package types

import (
	"time"
)

// GlobalWorkspaceID is the reserved workspace that every host always has.
// It is never auto-deleted.
const GlobalWorkspaceID = "global"

// InstallKind defines how a server template's child process is launched
type InstallKind string

const (
	InstallNpx       InstallKind = "npx"
	InstallPnpx      InstallKind = "pnpx"
	InstallYarn      InstallKind = "yarn"
	InstallBunx      InstallKind = "bunx"
	InstallLocal     InstallKind = "local"
	InstallInstalled InstallKind = "installed"
)

// InstallSpec describes the launch source of a server template.
// Runner kinds (npx, pnpx, yarn, bunx) use PackageName/PackageVersion,
// local uses LocalPath, installed uses a pre-resolved EntryPoint file.
type InstallSpec struct {
	Kind           InstallKind `json:"kind" yaml:"kind"`
	PackageName    string      `json:"packageName,omitempty" yaml:"packageName,omitempty"`
	PackageVersion string      `json:"packageVersion,omitempty" yaml:"packageVersion,omitempty"`
	LocalPath      string      `json:"localPath,omitempty" yaml:"localPath,omitempty"`
	EntryPoint     string      `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty"`
}

// ServerTemplate is the declarative description of a protocol server
type ServerTemplate struct {
	ID             string             `json:"id" yaml:"id"`
	DisplayName    string             `json:"displayName" yaml:"displayName"`
	Install        InstallSpec        `json:"install" yaml:"install"`
	DefaultConfig  map[string]any     `json:"defaultConfig,omitempty" yaml:"defaultConfig,omitempty"`
	Permissions    *ServerPermissions `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	ContextHeaders map[string]string  `json:"contextHeaders,omitempty" yaml:"contextHeaders,omitempty"`
	CreatedAt      time.Time          `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt      time.Time          `json:"updatedAt,omitempty" yaml:"-"`
}

// EnvPermissions is the categorical allowlist for parent environment
// variables that cross into the child process.
type EnvPermissions struct {
	AllowPath       bool     `json:"allowPath" yaml:"allowPath"`
	AllowHome       bool     `json:"allowHome" yaml:"allowHome"`
	AllowLang       bool     `json:"allowLang" yaml:"allowLang"`
	AllowTemp       bool     `json:"allowTemp" yaml:"allowTemp"`
	AllowRuntime    bool     `json:"allowRuntime" yaml:"allowRuntime"`
	CustomAllowlist []string `json:"customAllowlist,omitempty" yaml:"customAllowlist,omitempty"`
}

// ContextPermissions gates the workspace context injected into the child
type ContextPermissions struct {
	AllowProjectRoot bool `json:"allowProjectRoot" yaml:"allowProjectRoot"`
	AllowWorkspaceID bool `json:"allowWorkspaceId" yaml:"allowWorkspaceId"`
	AllowUserProfile bool `json:"allowUserProfile" yaml:"allowUserProfile"`
}

// SecretsMode selects which stored secrets are exposed to the child
type SecretsMode string

const (
	SecretsModeNone      SecretsMode = "none"
	SecretsModeAllowlist SecretsMode = "allowlist"
	SecretsModeAll       SecretsMode = "all"
)

// SecretsPermissions is the secrets part of a permission policy
type SecretsPermissions struct {
	Mode      SecretsMode `json:"mode" yaml:"mode"`
	Allowlist []string    `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
}

// ServerPermissions is the three-part (env/context/secrets) policy that
// constrains what the host reveals to a child process. A nil
// ServerPermissions on a template means legacy unrestricted mode.
type ServerPermissions struct {
	Env     *EnvPermissions     `json:"env,omitempty" yaml:"env,omitempty"`
	Context *ContextPermissions `json:"context,omitempty" yaml:"context,omitempty"`
	Secrets *SecretsPermissions `json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

// DefaultPermissions returns the secure default policy for new templates:
// PATH only, no secrets, full workspace context.
func DefaultPermissions() *ServerPermissions {
	return &ServerPermissions{
		Env: &EnvPermissions{
			AllowPath: true,
		},
		Context: &ContextPermissions{
			AllowProjectRoot: true,
			AllowWorkspaceID: true,
			AllowUserProfile: true,
		},
		Secrets: &SecretsPermissions{
			Mode: SecretsModeNone,
		},
	}
}

// UnrestrictedPermissions returns the legacy policy applied to templates
// that predate the permission model: everything passes.
func UnrestrictedPermissions() *ServerPermissions {
	return &ServerPermissions{
		Env: &EnvPermissions{
			AllowPath:    true,
			AllowHome:    true,
			AllowLang:    true,
			AllowTemp:    true,
			AllowRuntime: true,
		},
		Context: &ContextPermissions{
			AllowProjectRoot: true,
			AllowWorkspaceID: true,
			AllowUserProfile: true,
		},
		Secrets: &SecretsPermissions{
			Mode: SecretsModeAll,
		},
	}
}

// EffectivePermissions merges a per-workspace override over a template's
// global permissions. Each of the three parts is inherited wholesale when
// the override leaves it nil. A nil global policy is legacy mode and
// resolves to unrestricted.
func EffectivePermissions(global, override *ServerPermissions) *ServerPermissions {
	if global == nil {
		global = UnrestrictedPermissions()
	}
	merged := &ServerPermissions{
		Env:     global.Env,
		Context: global.Context,
		Secrets: global.Secrets,
	}
	if override != nil {
		if override.Env != nil {
			merged.Env = override.Env
		}
		if override.Context != nil {
			merged.Context = override.Context
		}
		if override.Secrets != nil {
			merged.Secrets = override.Secrets
		}
	}
	return merged
}

// WorkspaceConfig is a logical scope owned by a client, typically a
// project directory
type WorkspaceConfig struct {
	ID          string    `json:"id" yaml:"id"`
	Label       string    `json:"label" yaml:"label"`
	ProjectRoot string    `json:"projectRoot,omitempty" yaml:"projectRoot,omitempty"`
	AutoCleanup bool      `json:"autoCleanup,omitempty" yaml:"autoCleanup,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty" yaml:"-"`
}

// WorkspaceServerConfig is the per-workspace override for one server
// template. Enabled is a tri-state: nil inherits, false disables.
type WorkspaceServerConfig struct {
	Enabled             *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ConfigOverride      map[string]any     `json:"configOverride,omitempty" yaml:"configOverride,omitempty"`
	PermissionsOverride *ServerPermissions `json:"permissionsOverride,omitempty" yaml:"permissionsOverride,omitempty"`
	ContextHeaders      map[string]string  `json:"contextHeaders,omitempty" yaml:"contextHeaders,omitempty"`
}

// Disabled reports whether this override explicitly disables the server
func (c *WorkspaceServerConfig) Disabled() bool {
	return c != nil && c.Enabled != nil && !*c.Enabled
}

// InstanceStatus represents the lifecycle state of a server instance
type InstanceStatus string

const (
	InstanceStarting InstanceStatus = "starting"
	InstanceRunning  InstanceStatus = "running"
	InstanceStopped  InstanceStatus = "stopped"
	InstanceError    InstanceStatus = "error"
)

// ServerInstance is the in-memory record of a supervised child process.
// Exactly one instance exists per (serverId, workspaceId) key.
type ServerInstance struct {
	ServerID        string         `json:"serverId"`
	WorkspaceID     string         `json:"workspaceId"`
	Status          InstanceStatus `json:"status"`
	PID             int            `json:"pid,omitempty"`
	Port            int            `json:"port,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	RestartAttempts int            `json:"restartAttempts"`
	FirstStartAt    time.Time      `json:"firstStartAt,omitempty"`
	StartedAt       time.Time      `json:"startedAt,omitempty"`
	ToolsCount      int            `json:"toolsCount,omitempty"`
	ResourcesCount  int            `json:"resourcesCount,omitempty"`
	PromptsCount    int            `json:"promptsCount,omitempty"`
}

// Key returns the supervisor map key for this instance
func (i *ServerInstance) Key() string {
	return InstanceKey(i.ServerID, i.WorkspaceID)
}

// InstanceKey builds the canonical supervisor key for a
// (serverId, workspaceId) pair
func InstanceKey(serverID, workspaceID string) string {
	return serverID + ":" + workspaceID
}

// Session is a heartbeat-kept association between a client instance and
// a workspace
type Session struct {
	SessionID        string            `json:"sessionId"`
	WorkspaceID      string            `json:"workspaceId"`
	ClientType       string            `json:"clientType"`
	ClientInstanceID string            `json:"clientInstanceId"`
	ProjectRoot      string            `json:"projectRoot,omitempty"`
	LastSeenAt       time.Time         `json:"lastSeenAt"`
	Endpoints        map[string]string `json:"endpoints"`
}

// UserProfile identifies the host user; exposed to children only when
// the context policy allows it
type UserProfile struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

// SecretScope selects the precedence level of a stored secret
type SecretScope string

const (
	SecretScopeApp       SecretScope = "app"
	SecretScopeServer    SecretScope = "server"
	SecretScopeWorkspace SecretScope = "workspace"
)

// MergeConfig overlays override onto defaults, returning a new map.
// Later keys win; nested values are replaced wholesale.
func MergeConfig(defaults, override map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(override))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
