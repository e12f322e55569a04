/*
Package api is the host's HTTP frontend.

It mounts the gateway under /mcp/, the instance and session control
endpoints under /api/, the event stream on /events (WebSocket), plus
/healthz and /metrics. The frontend holds no state of its own; every
handler dispatches into the supervisor, session registry, or store and
renders the {success, ...} JSON envelope.
*/
package api
