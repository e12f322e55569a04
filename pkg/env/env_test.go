package env

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/types"
)

type fakeSource struct {
	app       map[string]string
	server    map[string]string
	workspace map[string]string
	profile   *types.UserProfile
}

func (f *fakeSource) GetSecrets(serverID string, scope types.SecretScope, workspaceID string) (map[string]string, error) {
	switch scope {
	case types.SecretScopeApp:
		return f.app, nil
	case types.SecretScopeServer:
		return f.server, nil
	default:
		return f.workspace, nil
	}
}

func (f *fakeSource) GetProfile() (*types.UserProfile, error) {
	return f.profile, nil
}

func testTemplate(perms *types.ServerPermissions) *types.ServerTemplate {
	return &types.ServerTemplate{
		ID:            "github",
		DisplayName:   "GitHub",
		Install:       types.InstallSpec{Kind: types.InstallNpx, PackageName: "@acme/github-server"},
		DefaultConfig: map[string]any{"repo": "acme/widgets", "depth": float64(1)},
		Permissions:   perms,
	}
}

var parentEnv = []string{
	"PATH=/usr/bin:/bin",
	"HOME=/home/alex",
	"LANG=en_US.UTF-8",
	"LC_ALL=C",
	"TMPDIR=/tmp",
	"NODE_OPTIONS=--max-old-space-size=512",
	"AWS_SECRET_ACCESS_KEY=leaky",
	"MY_TOOL_FLAG=on",
}

func TestControlVariables(t *testing.T) {
	b := NewBuilder(&fakeSource{}, parentEnv)

	res, err := b.Build(Input{
		Template:    testTemplate(types.DefaultPermissions()),
		WorkspaceID: "global",
		ProjectRoot: "/work/widgets",
		Port:        4123,
		PathPrefix:  "/mcp",
		Permissions: types.DefaultPermissions(),
	})
	require.NoError(t, err)

	assert.Equal(t, "4123", res.Vars["PORT"])
	assert.Equal(t, "127.0.0.1", res.Vars["HOST"])
	assert.Equal(t, "/mcp", res.Vars["PATH_PREFIX"])
	assert.Equal(t, "github", res.Vars["SERVER_ID"])
	assert.Equal(t, "global", res.Vars["WORKSPACE_ID"])
	assert.Equal(t, "/work/widgets", res.Vars["PROJECT_ROOT"])
}

func TestEnvAllowlistFiltering(t *testing.T) {
	tests := []struct {
		name    string
		policy  *types.EnvPermissions
		want    []string
		wantNot []string
	}{
		{
			name:    "path only",
			policy:  &types.EnvPermissions{AllowPath: true},
			want:    []string{"PATH"},
			wantNot: []string{"HOME", "LANG", "TMPDIR", "NODE_OPTIONS", "AWS_SECRET_ACCESS_KEY"},
		},
		{
			name:    "home denied drops all home names",
			policy:  &types.EnvPermissions{AllowPath: true, AllowLang: true},
			want:    []string{"PATH", "LANG", "LC_ALL"},
			wantNot: []string{"HOME", "USERPROFILE", "HOMEPATH"},
		},
		{
			name:    "runtime prefix",
			policy:  &types.EnvPermissions{AllowRuntime: true},
			want:    []string{"NODE_OPTIONS"},
			wantNot: []string{"PATH", "AWS_SECRET_ACCESS_KEY"},
		},
		{
			name:    "custom allowlist",
			policy:  &types.EnvPermissions{CustomAllowlist: []string{"MY_TOOL_FLAG"}},
			want:    []string{"MY_TOOL_FLAG"},
			wantNot: []string{"PATH", "HOME"},
		},
		{
			name:    "temp",
			policy:  &types.EnvPermissions{AllowTemp: true},
			want:    []string{"TMPDIR"},
			wantNot: []string{"PATH"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(&fakeSource{}, parentEnv)
			res, err := b.Build(Input{
				Template:    testTemplate(nil),
				WorkspaceID: "global",
				Port:        4100,
				PathPrefix:  "/mcp",
				Permissions: &types.ServerPermissions{
					Env:     tt.policy,
					Secrets: &types.SecretsPermissions{Mode: types.SecretsModeNone},
				},
			})
			require.NoError(t, err)
			for _, k := range tt.want {
				assert.Contains(t, res.Vars, k)
			}
			for _, k := range tt.wantNot {
				assert.NotContains(t, res.Vars, k)
			}
		})
	}
}

func TestConfigMergeOrder(t *testing.T) {
	b := NewBuilder(&fakeSource{}, nil)

	res, err := b.Build(Input{
		Template:       testTemplate(types.DefaultPermissions()),
		WorkspaceID:    "w1",
		Port:           4100,
		PathPrefix:     "/mcp",
		Permissions:    types.DefaultPermissions(),
		ConfigOverride: map[string]any{"depth": float64(5)},
	})
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Vars["CONFIG"]), &cfg))
	assert.Equal(t, "acme/widgets", cfg["repo"])
	assert.Equal(t, float64(5), cfg["depth"], "override wins")
}

func TestSecretsModes(t *testing.T) {
	source := &fakeSource{
		app:       map[string]string{"SHARED": "app", "API_KEY": "app-key"},
		server:    map[string]string{"API_KEY": "server-key"},
		workspace: map[string]string{"API_KEY": "workspace-key", "WS_ONLY": "x"},
	}

	build := func(policy *types.SecretsPermissions) *Result {
		b := NewBuilder(source, nil)
		res, err := b.Build(Input{
			Template:    testTemplate(nil),
			WorkspaceID: "w1",
			Port:        4100,
			PathPrefix:  "/mcp",
			Permissions: &types.ServerPermissions{Secrets: policy},
		})
		require.NoError(t, err)
		return res
	}

	t.Run("none exposes nothing", func(t *testing.T) {
		res := build(&types.SecretsPermissions{Mode: types.SecretsModeNone})
		assert.NotContains(t, res.Vars, "API_KEY")
		assert.NotContains(t, res.Vars, "SHARED")
		assert.Empty(t, res.SecretKeys)
	})

	t.Run("allowlist exposes only listed keys", func(t *testing.T) {
		res := build(&types.SecretsPermissions{Mode: types.SecretsModeAllowlist, Allowlist: []string{"API_KEY"}})
		assert.Equal(t, "workspace-key", res.Vars["API_KEY"], "workspace scope wins")
		assert.NotContains(t, res.Vars, "SHARED")
		assert.NotContains(t, res.Vars, "WS_ONLY")
	})

	t.Run("all exposes everything with precedence", func(t *testing.T) {
		res := build(&types.SecretsPermissions{Mode: types.SecretsModeAll})
		assert.Equal(t, "workspace-key", res.Vars["API_KEY"])
		assert.Equal(t, "app", res.Vars["SHARED"])
		assert.Equal(t, "x", res.Vars["WS_ONLY"])
	})
}

func TestIdentityToken(t *testing.T) {
	source := &fakeSource{profile: &types.UserProfile{Email: "alex@example.com", FullName: "Alex Doe"}}
	b := NewBuilder(source, nil)

	res, err := b.Build(Input{
		Template:    testTemplate(nil),
		WorkspaceID: "global",
		Port:        4100,
		PathPrefix:  "/mcp",
		Permissions: types.DefaultPermissions(),
	})
	require.NoError(t, err)

	var profile types.UserProfile
	require.NoError(t, json.Unmarshal([]byte(res.Vars["IDENTITY_TOKEN"]), &profile))
	assert.Equal(t, "alex@example.com", profile.Email)

	// Denied when the context policy says no.
	perms := types.DefaultPermissions()
	perms.Context.AllowUserProfile = false
	res, err = b.Build(Input{
		Template:    testTemplate(nil),
		WorkspaceID: "global",
		Port:        4100,
		PathPrefix:  "/mcp",
		Permissions: perms,
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Vars, "IDENTITY_TOKEN")
}

func TestRedaction(t *testing.T) {
	source := &fakeSource{server: map[string]string{"API_KEY": "super-secret"}}
	b := NewBuilder(source, parentEnv)

	res, err := b.Build(Input{
		Template:    testTemplate(nil),
		WorkspaceID: "global",
		Port:        4100,
		PathPrefix:  "/mcp",
		Permissions: &types.ServerPermissions{
			Env:     &types.EnvPermissions{AllowPath: true},
			Secrets: &types.SecretsPermissions{Mode: types.SecretsModeAll},
		},
	})
	require.NoError(t, err)

	masked := res.Redacted()
	assert.Equal(t, "[redacted]", masked["API_KEY"])
	assert.Equal(t, res.Vars["PATH"], masked["PATH"], "non-secrets pass through")
	assert.Equal(t, "super-secret", res.Vars["API_KEY"], "original untouched")
}

func TestEnvironRendering(t *testing.T) {
	res := &Result{Vars: map[string]string{"A": "1"}}
	assert.Equal(t, []string{"A=1"}, res.Environ())
}
