/*
Package types defines the core data structures used throughout Warden.

This package contains the domain model of the host: server templates
(how to launch a child process), workspaces (the client-owned scopes that
gate overrides and context headers), server instances (the in-memory
record of a supervised child), sessions (heartbeat-kept client
associations), and the three-part permission policy (env/context/secrets)
that constrains what the host reveals to each child.

Everything here is serializable: JSON tags match the wire shape of the
HTTP API and YAML tags match the manifest format consumed by
`warden apply`.

# Permission model

A ServerPermissions policy has three orthogonal parts:

  - Env: categorical allowlist of parent environment variables
    (PATH/HOME/LANG/TEMP/runtime prefixes plus a custom list)
  - Context: which injected workspace variables the child receives
    (PROJECT_ROOT, WORKSPACE_ID, the user identity token)
  - Secrets: none, an explicit allowlist, or all stored secrets

Per-workspace overrides merge over the template's global policy part by
part via EffectivePermissions. A template with no policy at all is legacy
data and is treated as unrestricted; DefaultPermissions is the secure
default stamped onto newly applied templates.
*/
package types
