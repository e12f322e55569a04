package env

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/wardenhq/warden/pkg/types"
)

// SecretSource is the slice of the secret store the builder needs
type SecretSource interface {
	GetSecrets(serverID string, scope types.SecretScope, workspaceID string) (map[string]string, error)
	GetProfile() (*types.UserProfile, error)
}

// Input carries everything needed to construct one child environment
type Input struct {
	Template       *types.ServerTemplate
	WorkspaceID    string
	ProjectRoot    string
	Port           int
	PathPrefix     string
	Permissions    *types.ServerPermissions
	ConfigOverride map[string]any
}

// Result is a constructed child environment. SecretKeys records which
// variables came from the secret store so debug paths can redact them.
type Result struct {
	Vars       map[string]string
	SecretKeys []string
}

// Environ renders the environment as KEY=VALUE pairs for exec
func (r *Result) Environ() []string {
	out := make([]string, 0, len(r.Vars))
	for k, v := range r.Vars {
		out = append(out, k+"="+v)
	}
	return out
}

// Redacted returns a copy safe for logging: every secret-sourced value
// is masked
func (r *Result) Redacted() map[string]string {
	masked := make(map[string]string, len(r.Vars))
	for k, v := range r.Vars {
		masked[k] = v
	}
	for _, k := range r.SecretKeys {
		if _, ok := masked[k]; ok {
			masked[k] = "[redacted]"
		}
	}
	return masked
}

// Builder constructs permission-scoped child environments
type Builder struct {
	source SecretSource
	parent []string
}

// NewBuilder creates a builder reading secrets from source. parent is
// the host environment to filter; nil means os.Environ().
func NewBuilder(source SecretSource, parent []string) *Builder {
	if parent == nil {
		parent = os.Environ()
	}
	return &Builder{source: source, parent: parent}
}

// Build assembles the child environment in override order: filtered
// parent env, fixed control variables, CONFIG, secrets, identity token.
// Later stages win on key collisions.
func (b *Builder) Build(in Input) (*Result, error) {
	perms := in.Permissions
	if perms == nil {
		perms = types.UnrestrictedPermissions()
	}

	vars := filterParent(b.parent, perms.Env)

	// Fixed control variables the child contract requires.
	vars["PORT"] = strconv.Itoa(in.Port)
	vars["HOST"] = "127.0.0.1"
	vars["PATH_PREFIX"] = in.PathPrefix
	vars["SERVER_ID"] = in.Template.ID

	ctx := perms.Context
	if ctx == nil {
		ctx = &types.ContextPermissions{}
	}
	if ctx.AllowWorkspaceID {
		vars["WORKSPACE_ID"] = in.WorkspaceID
	}
	if ctx.AllowProjectRoot && in.ProjectRoot != "" {
		vars["PROJECT_ROOT"] = in.ProjectRoot
	}

	merged := types.MergeConfig(in.Template.DefaultConfig, in.ConfigOverride)
	cfg, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode CONFIG: %w", err)
	}
	vars["CONFIG"] = string(cfg)

	secretKeys, err := b.applySecrets(vars, in, perms.Secrets)
	if err != nil {
		return nil, err
	}

	if ctx.AllowUserProfile && b.source != nil {
		profile, err := b.source.GetProfile()
		if err != nil {
			return nil, fmt.Errorf("read profile: %w", err)
		}
		if profile != nil {
			token, err := json.Marshal(profile)
			if err != nil {
				return nil, fmt.Errorf("encode identity token: %w", err)
			}
			vars["IDENTITY_TOKEN"] = string(token)
		}
	}

	return &Result{Vars: vars, SecretKeys: secretKeys}, nil
}

// applySecrets overlays stored secrets onto vars under the secrets
// policy. Lookup precedence: app-global < server-global <
// server-workspace.
func (b *Builder) applySecrets(vars map[string]string, in Input, policy *types.SecretsPermissions) ([]string, error) {
	if policy == nil || policy.Mode == types.SecretsModeNone || b.source == nil {
		return nil, nil
	}

	combined := make(map[string]string)
	for _, scope := range []types.SecretScope{
		types.SecretScopeApp,
		types.SecretScopeServer,
		types.SecretScopeWorkspace,
	} {
		m, err := b.source.GetSecrets(in.Template.ID, scope, in.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("read %s secrets: %w", scope, err)
		}
		for k, v := range m {
			combined[k] = v
		}
	}

	var allowed map[string]bool
	if policy.Mode == types.SecretsModeAllowlist {
		allowed = make(map[string]bool, len(policy.Allowlist))
		for _, k := range policy.Allowlist {
			allowed[k] = true
		}
	}

	var keys []string
	for k, v := range combined {
		if allowed != nil && !allowed[k] {
			continue
		}
		vars[k] = v
		keys = append(keys, k)
	}
	return keys, nil
}

// Name sets behind the categorical env booleans. Matching is
// case-insensitive so the same policy behaves identically on Windows.
var (
	pathNames = []string{"PATH", "PATHEXT"}
	homeNames = []string{"HOME", "USERPROFILE", "HOMEPATH"}
	langNames = []string{"LANG", "LANGUAGE"}
	tempNames = []string{"TEMP", "TMP", "TMPDIR"}

	runtimePrefixes = []string{"NODE_", "NPM_", "PNPM_", "YARN_", "BUN_", "COREPACK_"}
)

// filterParent keeps only the parent variables the env policy allows.
// A nil policy drops everything except what later stages inject.
func filterParent(parent []string, policy *types.EnvPermissions) map[string]string {
	vars := make(map[string]string)
	if policy == nil {
		return vars
	}

	custom := make(map[string]bool, len(policy.CustomAllowlist))
	for _, name := range policy.CustomAllowlist {
		custom[strings.ToUpper(name)] = true
	}

	for _, kv := range parent {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		upper := strings.ToUpper(name)

		switch {
		case policy.AllowPath && contains(pathNames, upper):
		case policy.AllowHome && contains(homeNames, upper):
		case policy.AllowLang && (contains(langNames, upper) || strings.HasPrefix(upper, "LC_")):
		case policy.AllowTemp && contains(tempNames, upper):
		case policy.AllowRuntime && hasAnyPrefix(upper, runtimePrefixes):
		case custom[upper]:
		default:
			continue
		}
		vars[name] = value
	}
	return vars
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
