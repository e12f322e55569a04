package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wardenhq/warden/pkg/types"
)

var (
	// Bucket names
	bucketServers       = []byte("servers")
	bucketWorkspaces    = []byte("workspaces")
	bucketServerConfigs = []byte("workspace_server_configs")
	bucketSecrets       = []byte("secrets")
	bucketProfile       = []byte("profile")
)

const profileKey = "profile"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir and seeds
// the reserved global workspace.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warden.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServers,
			bucketWorkspaces,
			bucketServerConfigs,
			bucketSecrets,
			bucketProfile,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		// The global workspace always exists and is never auto-deleted.
		b := tx.Bucket(bucketWorkspaces)
		if b.Get([]byte(types.GlobalWorkspaceID)) == nil {
			data, err := json.Marshal(&types.WorkspaceConfig{
				ID:        types.GlobalWorkspaceID,
				Label:     "Global",
				CreatedAt: time.Now(),
			})
			if err != nil {
				return err
			}
			return b.Put([]byte(types.GlobalWorkspaceID), data)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Server template operations

func (s *BoltStore) PutServer(template *types.ServerTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data, err := json.Marshal(template)
		if err != nil {
			return err
		}
		return b.Put([]byte(template.ID), data)
	})
}

func (s *BoltStore) GetServer(id string) (*types.ServerTemplate, error) {
	var template types.ServerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &template)
	})
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (s *BoltStore) ListServers() ([]*types.ServerTemplate, error) {
	var templates []*types.ServerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var t types.ServerTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			templates = append(templates, &t)
			return nil
		})
	})
	return templates, err
}

func (s *BoltStore) DeleteServer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Delete([]byte(id))
	})
}

// Workspace operations

func (s *BoltStore) PutWorkspace(ws *types.WorkspaceConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		data, err := json.Marshal(ws)
		if err != nil {
			return err
		}
		return b.Put([]byte(ws.ID), data)
	})
}

func (s *BoltStore) GetWorkspace(id string) (*types.WorkspaceConfig, error) {
	var ws types.WorkspaceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkspaces).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &ws)
	})
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *BoltStore) FindWorkspaceByProjectRoot(path string) (*types.WorkspaceConfig, error) {
	var found *types.WorkspaceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).ForEach(func(k, v []byte) error {
			var ws types.WorkspaceConfig
			if err := json.Unmarshal(v, &ws); err != nil {
				return err
			}
			if ws.ProjectRoot != "" && ws.ProjectRoot == path {
				found = &ws
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("workspace for %s: %w", path, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListWorkspaces() ([]*types.WorkspaceConfig, error) {
	var workspaces []*types.WorkspaceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).ForEach(func(k, v []byte) error {
			var ws types.WorkspaceConfig
			if err := json.Unmarshal(v, &ws); err != nil {
				return err
			}
			workspaces = append(workspaces, &ws)
			return nil
		})
	})
	return workspaces, err
}

// DeleteWorkspace removes the workspace and all of its per-server
// overrides. The global workspace cannot be deleted.
func (s *BoltStore) DeleteWorkspace(id string) error {
	if id == types.GlobalWorkspaceID {
		return fmt.Errorf("workspace %s is reserved", id)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketWorkspaces).Delete([]byte(id)); err != nil {
			return err
		}
		// Sweep the workspace's override records.
		b := tx.Bucket(bucketServerConfigs)
		c := b.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}

func serverConfigKey(workspaceID, serverID string) []byte {
	return []byte(workspaceID + "/" + serverID)
}

func (s *BoltStore) GetServerConfig(workspaceID, serverID string) (*types.WorkspaceServerConfig, error) {
	var cfg *types.WorkspaceServerConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServerConfigs).Get(serverConfigKey(workspaceID, serverID))
		if data == nil {
			return nil
		}
		cfg = &types.WorkspaceServerConfig{}
		return json.Unmarshal(data, cfg)
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *BoltStore) SetServerConfig(workspaceID, serverID string, cfg *types.WorkspaceServerConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerConfigs)
		if cfg == nil {
			return b.Delete(serverConfigKey(workspaceID, serverID))
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put(serverConfigKey(workspaceID, serverID), data)
	})
}

// Secret operations. Secrets are stored as one JSON map per scope key so
// a scope read is a single get.

func secretScopeKey(serverID string, scope types.SecretScope, workspaceID string) ([]byte, error) {
	switch scope {
	case types.SecretScopeApp:
		return []byte("app"), nil
	case types.SecretScopeServer:
		return []byte("server/" + serverID), nil
	case types.SecretScopeWorkspace:
		return []byte("workspace/" + serverID + "/" + workspaceID), nil
	default:
		return nil, fmt.Errorf("unknown secret scope: %s", scope)
	}
}

func (s *BoltStore) GetSecrets(serverID string, scope types.SecretScope, workspaceID string) (map[string]string, error) {
	key, err := secretScopeKey(serverID, scope, workspaceID)
	if err != nil {
		return nil, err
	}

	secrets := make(map[string]string)
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get(key)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &secrets)
	})
	if err != nil {
		return nil, err
	}
	return secrets, nil
}

func (s *BoltStore) SetSecret(serverID string, scope types.SecretScope, workspaceID, key, value string) error {
	scopeKey, err := secretScopeKey(serverID, scope, workspaceID)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		secrets := make(map[string]string)
		if data := b.Get(scopeKey); data != nil {
			if err := json.Unmarshal(data, &secrets); err != nil {
				return err
			}
		}
		secrets[key] = value
		data, err := json.Marshal(secrets)
		if err != nil {
			return err
		}
		return b.Put(scopeKey, data)
	})
}

func (s *BoltStore) DeleteSecret(serverID string, scope types.SecretScope, workspaceID, key string) error {
	scopeKey, err := secretScopeKey(serverID, scope, workspaceID)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data := b.Get(scopeKey)
		if data == nil {
			return nil
		}
		secrets := make(map[string]string)
		if err := json.Unmarshal(data, &secrets); err != nil {
			return err
		}
		delete(secrets, key)
		data, err := json.Marshal(secrets)
		if err != nil {
			return err
		}
		return b.Put(scopeKey, data)
	})
}

// Profile operations

func (s *BoltStore) GetProfile() (*types.UserProfile, error) {
	var profile *types.UserProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProfile).Get([]byte(profileKey))
		if data == nil {
			return nil
		}
		profile = &types.UserProfile{}
		return json.Unmarshal(data, profile)
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *BoltStore) SetProfile(profile *types.UserProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(profile)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProfile).Put([]byte(profileKey), data)
	})
}
