package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGlobalWorkspaceSeeded(t *testing.T) {
	store := newTestStore(t)

	ws, err := store.GetWorkspace(types.GlobalWorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalWorkspaceID, ws.ID)
	assert.False(t, ws.AutoCleanup)

	err = store.DeleteWorkspace(types.GlobalWorkspaceID)
	assert.Error(t, err, "global workspace is not deletable")
}

func TestServerCRUD(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetServer("github")
	assert.True(t, errors.Is(err, ErrNotFound))

	tpl := &types.ServerTemplate{
		ID:          "github",
		DisplayName: "GitHub",
		Install:     types.InstallSpec{Kind: types.InstallNpx, PackageName: "@acme/github-server"},
	}
	require.NoError(t, store.PutServer(tpl))

	got, err := store.GetServer("github")
	require.NoError(t, err)
	assert.Equal(t, "GitHub", got.DisplayName)
	assert.Equal(t, types.InstallNpx, got.Install.Kind)

	list, err := store.ListServers()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteServer("github"))
	_, err = store.GetServer("github")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWorkspaceCRUDAndOverrides(t *testing.T) {
	store := newTestStore(t)

	ws := &types.WorkspaceConfig{ID: "w1", Label: "Widgets", ProjectRoot: "/work/widgets", AutoCleanup: true}
	require.NoError(t, store.PutWorkspace(ws))

	found, err := store.FindWorkspaceByProjectRoot("/work/widgets")
	require.NoError(t, err)
	assert.Equal(t, "w1", found.ID)

	_, err = store.FindWorkspaceByProjectRoot("/nowhere")
	assert.True(t, errors.Is(err, ErrNotFound))

	cfg, err := store.GetServerConfig("w1", "github")
	require.NoError(t, err)
	assert.Nil(t, cfg, "unset override reads as nil, nil")

	enabled := false
	require.NoError(t, store.SetServerConfig("w1", "github", &types.WorkspaceServerConfig{
		Enabled:        &enabled,
		ConfigOverride: map[string]any{"depth": float64(5)},
	}))

	cfg, err = store.GetServerConfig("w1", "github")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.Disabled())
	assert.Equal(t, float64(5), cfg.ConfigOverride["depth"])

	// Deleting the workspace sweeps its overrides.
	require.NoError(t, store.DeleteWorkspace("w1"))
	_, err = store.GetWorkspace("w1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.PutWorkspace(ws))
	cfg, err = store.GetServerConfig("w1", "github")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSecretScopes(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetSecret("github", types.SecretScopeApp, "", "SHARED", "app"))
	require.NoError(t, store.SetSecret("github", types.SecretScopeServer, "", "API_KEY", "server-key"))
	require.NoError(t, store.SetSecret("github", types.SecretScopeWorkspace, "w1", "API_KEY", "ws-key"))

	app, err := store.GetSecrets("github", types.SecretScopeApp, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"SHARED": "app"}, app)

	ws, err := store.GetSecrets("github", types.SecretScopeWorkspace, "w1")
	require.NoError(t, err)
	assert.Equal(t, "ws-key", ws["API_KEY"])

	// Other workspaces see nothing.
	other, err := store.GetSecrets("github", types.SecretScopeWorkspace, "w2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, store.DeleteSecret("github", types.SecretScopeServer, "", "API_KEY"))
	srv, err := store.GetSecrets("github", types.SecretScopeServer, "")
	require.NoError(t, err)
	assert.Empty(t, srv)
}

func TestProfileRoundTrip(t *testing.T) {
	store := newTestStore(t)

	profile, err := store.GetProfile()
	require.NoError(t, err)
	assert.Nil(t, profile, "unset profile reads as nil, nil")

	require.NoError(t, store.SetProfile(&types.UserProfile{Email: "alex@example.com", FullName: "Alex Doe"}))

	profile, err = store.GetProfile()
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "alex@example.com", profile.Email)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.PutServer(&types.ServerTemplate{ID: "fs", DisplayName: "Filesystem"}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetServer("fs")
	require.NoError(t, err)
	assert.Equal(t, "Filesystem", got.DisplayName)
}
