/*
Package supervisor manages the lifecycle of protocol server child
processes.

# Architecture

Exactly one instance exists per (serverID, workspaceID) key. A single
mutex guards the key map; it is never held across spawns, health polls,
or process waits, so a slow child cannot stall unrelated instances.

Start is idempotent. A running instance is returned as-is; a concurrent
start joins the in-flight attempt instead of spawning a second child.
The attempt allocates a loopback port, builds the permission-scoped
environment, spawns the child with stdio piped, and polls the child's
/health endpoint until it answers 2xx. Every non-empty output line
becomes a server-log event on the bus; state transitions become
starting/started/stopped/error events.

Unintentional exits (non-zero exit code, not signal-driven, not during
Stop) enter the auto-restart path: linear backoff, at most MaxRestarts
respawns per RestartWindow. Exhausting the budget emits a terminal
server-error and releases all resources. The per-handle stopping flag is
the sole signal distinguishing an intentional shutdown from a crash.

Stop sends SIGTERM and escalates to SIGKILL after StopTimeout; Windows
children are tree-killed with taskkill. Stop always releases the port,
removes the record, and emits server-stopped, so a later Start begins
fresh.
*/
package supervisor
