/*
Package storage provides persistence for server templates, workspaces,
scoped secrets, and the user profile.

The Store interface is split along consumer lines (ServerStore,
WorkspaceStore, SecretStore) so components depend only on the slice they
use. The default implementation is BoltDB with one bucket per record
type and JSON values:

  - servers: template ID -> ServerTemplate
  - workspaces: workspace ID -> WorkspaceConfig
  - workspace_server_configs: "<workspaceID>/<serverID>" -> WorkspaceServerConfig
  - secrets: scope key -> map of secret name to value
  - profile: the single user profile record

Secret scope keys are "app", "server/<serverID>", and
"workspace/<serverID>/<workspaceID>". The reserved global workspace is
seeded on open and DeleteWorkspace refuses to remove it.
*/
package storage
