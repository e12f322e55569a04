/*
Package log provides structured logging for Warden built on zerolog.

A single global logger is initialized once at startup via Init and shared
by all components. Child loggers carry contextual fields so every line can
be attributed to a component and, where relevant, to a server instance:

	logger := log.WithInstanceKey("github-mcp", "global")
	logger.Info().Int("port", 4102).Msg("instance started")

Secrets must never be passed to the logger; the env builder exposes a
redacted view for anything that needs to be printed on a debug path.
*/
package log
