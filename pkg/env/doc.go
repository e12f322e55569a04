/*
Package env builds the scoped environment injected into child processes.

The builder merges five layers, later layers winning: the parent
environment filtered through the template's env allowlist, the fixed
control variables of the child contract (PORT, HOST, PATH_PREFIX,
SERVER_ID plus gated WORKSPACE_ID/PROJECT_ROOT), the JSON-encoded CONFIG
(template defaults overlaid with the workspace override), stored secrets
selected by the secrets policy, and the user identity token when the
context policy allows it.

Secret values never reach the logger: Result.Redacted is the only view
a debug path may print.
*/
package env
