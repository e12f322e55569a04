/*
Package sessions tracks which client instances are attached to which
workspaces.

Connect is idempotent per clientInstanceId. A connect that names no
workspace resolves one from the project root, provisioning a fresh
auto-cleanup workspace when none owns that path yet. Sessions stay alive
through pings; a background sweeper expires any session whose heartbeat
goes stale and applies the same cleanup rule an explicit disconnect
does: when the last session of an auto-cleanup workspace goes away, its
instances are stopped and the workspace is deleted. The global workspace
is exempt.
*/
package sessions
