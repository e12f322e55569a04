/*
Package gateway reverse-proxies public /mcp/{serverId}/{workspaceId}
requests onto the matching child process's loopback port.

The gateway is payload-agnostic: JSON bodies are normalised through a
decode/encode round trip, anything else is forwarded byte-for-byte.
Each proxied call carries the workspace context headers (X-Server-Id,
X-Workspace-Id, X-Project-Root, plus configured X-CTX-* pairs) and a
hard upstream deadline. Upstream failures map onto 504 for timeouts and
502 for connection errors; routing failures map onto 404 and 403.

Whether a missing instance is lazily started on first request or
refused with 503 is a deployment knob (Config.LazyStart).
*/
package gateway
