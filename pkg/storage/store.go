package storage

import (
	"errors"

	"github.com/wardenhq/warden/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// ServerStore persists server templates
type ServerStore interface {
	GetServer(id string) (*types.ServerTemplate, error)
	ListServers() ([]*types.ServerTemplate, error)
	PutServer(template *types.ServerTemplate) error
	DeleteServer(id string) error
}

// WorkspaceStore persists workspaces and their per-server overrides
type WorkspaceStore interface {
	GetWorkspace(id string) (*types.WorkspaceConfig, error)
	FindWorkspaceByProjectRoot(path string) (*types.WorkspaceConfig, error)
	ListWorkspaces() ([]*types.WorkspaceConfig, error)
	PutWorkspace(ws *types.WorkspaceConfig) error
	DeleteWorkspace(id string) error

	// GetServerConfig returns the workspace's override for a server, or
	// (nil, nil) when none is set.
	GetServerConfig(workspaceID, serverID string) (*types.WorkspaceServerConfig, error)
	SetServerConfig(workspaceID, serverID string, cfg *types.WorkspaceServerConfig) error
}

// SecretStore persists scoped secrets and the user profile
type SecretStore interface {
	GetSecrets(serverID string, scope types.SecretScope, workspaceID string) (map[string]string, error)
	SetSecret(serverID string, scope types.SecretScope, workspaceID, key, value string) error
	DeleteSecret(serverID string, scope types.SecretScope, workspaceID, key string) error
	GetProfile() (*types.UserProfile, error)
	SetProfile(profile *types.UserProfile) error
}

// Store is the full persistence surface consumed by the host
type Store interface {
	ServerStore
	WorkspaceStore
	SecretStore

	Close() error
}
